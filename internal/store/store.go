// Package store persists requests, approvals, status history and the
// webhook outbox. Postgres is the durable backend; Memory backs tests and
// local runs.
package store

import (
	"context"
	"time"

	"approval-workflow-engine/internal/models"
)

// Store is the full persistence surface. Consumers depend on narrower
// interfaces declared next to them.
type Store interface {
	CreateRequest(ctx context.Context, req models.Request, created models.StatusHistory) (models.Request, error)
	GetRequest(ctx context.Context, id string) (models.Request, error)
	LoadDecisionContext(ctx context.Context, id string) (DecisionContext, error)
	Commit(ctx context.Context, c Commit) (models.Request, error)
	History(ctx context.Context, requestID string) ([]models.StatusHistory, error)
	Approvals(ctx context.Context, requestID string) ([]models.Approval, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Request, error)
	ListPendingForActor(ctx context.Context, actor string, f RequestFilter) ([]models.Request, error)
	ListCreatedBy(ctx context.Context, creator string, f RequestFilter) ([]models.Request, error)

	DueOutbox(ctx context.Context, now time.Time, limit int) ([]models.OutboxRecord, error)
	GetOutbox(ctx context.Context, id string) (models.OutboxRecord, error)
	OutboxForRequest(ctx context.Context, requestID string) ([]models.OutboxRecord, error)
	MarkSent(ctx context.Context, id string, attempts, statusCode int, now time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, statusCode *int) error
	Requeue(ctx context.Context, id string, now time.Time) error
	MarkDeadLetter(ctx context.Context, id string, attempts int, lastErr string, statusCode *int) error
	ReplayDeadLetter(ctx context.Context, id string, now time.Time) (models.OutboxRecord, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.OutboxRecord, error)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
