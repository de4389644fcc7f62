// Package escalation runs the periodic SLA sweep.
package escalation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"approval-workflow-engine/internal/models"
	"approval-workflow-engine/internal/processor"
)

// OverdueLister finds requests whose active level passed its SLA.
type OverdueLister interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Request, error)
}

// Escalator applies the timeout policy for one request level.
type Escalator interface {
	Escalate(ctx context.Context, requestID string, level int) (processor.Outcome, error)
}

// Scheduler sweeps overdue requests on a fixed interval. Overlapping sweeps
// are safe: the per-level escalation marker admits one escalation.
type Scheduler struct {
	store     OverdueLister
	escalator Escalator
	logger    *zap.Logger
	interval  time.Duration
	batch     int
	now       func() time.Time
}

// NewScheduler builds a scheduler. interval and batch fall back to one
// minute and 200 when unset.
func NewScheduler(st OverdueLister, esc Escalator, logger *zap.Logger, interval time.Duration, batch int) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 200
	}
	return &Scheduler{
		store:     st,
		escalator: esc,
		logger:    logger,
		interval:  interval,
		batch:     batch,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep escalates every currently overdue level once and reports how many
// escalations it committed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	overdue, err := s.store.ListOverdue(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, req := range overdue {
		level := req.ActiveLevel()
		out, err := s.escalator.Escalate(ctx, req.ID, level)
		switch {
		case err == nil:
			escalated++
			s.logger.Info("level escalated",
				zap.String("request_id", req.ID),
				zap.Int("level", level),
				zap.String("status", string(out.Request.Status)))
		case errors.Is(err, models.ErrAlreadyEscalated),
			errors.Is(err, models.ErrInvalidTransition),
			errors.Is(err, models.ErrConcurrencyConflict):
			// Another sweep or a decision got there first.
			s.logger.Debug("escalation skipped", zap.String("request_id", req.ID), zap.Error(err))
		default:
			if ctx.Err() != nil {
				return escalated, ctx.Err()
			}
			s.logger.Error("escalation failed", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	return escalated, nil
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sla sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
