package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"approval-workflow-engine/internal/models"
)

const (
	uniqueViolation = "23505"

	constraintApprovalSlot = "uq_approvals_slot"
	constraintEscalation   = "uq_status_history_escalation"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const requestColumns = `id, type, created_by, payload, status, round, workflow, request_key, version,
	level_started_at, sla_deadline, decided_by, decided_at, created_at, updated_at`

// activeLevelSQL extracts N from a PENDING_LN status.
const activeLevelSQL = `(CASE WHEN r.status LIKE 'PENDING_L%' THEN substring(r.status from 10)::int ELSE 0 END)`

// CreateRequest inserts a request and its CREATED history row. A request
// key collision returns models.ErrDuplicateRequest.
func (s *Postgres) CreateRequest(ctx context.Context, req models.Request, created models.StatusHistory) (models.Request, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return models.Request{}, fmt.Errorf("marshal payload: %w", err)
	}
	workflowJSON, err := json.Marshal(req.Workflow)
	if err != nil {
		return models.Request{}, fmt.Errorf("marshal workflow: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Request{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO requests (id, type, created_by, payload, status, round, workflow, request_key, version,
			level_started_at, sla_deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (request_key) DO NOTHING
	`, req.ID, req.Type, req.CreatedBy, payloadJSON, string(req.Status), req.Round, workflowJSON, req.RequestKey,
		req.Version, req.LevelStartedAt, req.SLADeadline, req.CreatedAt)
	if err != nil {
		return models.Request{}, fmt.Errorf("insert request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Request{}, models.ErrDuplicateRequest
	}

	created.RequestID = req.ID
	if err := insertHistory(ctx, tx, created); err != nil {
		return models.Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Request{}, fmt.Errorf("commit: %w", err)
	}
	return req, nil
}

// GetRequest fetches a request by id.
func (s *Postgres) GetRequest(ctx context.Context, id string) (models.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests r WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Request{}, models.ErrNotFound
	}
	return req, err
}

// LoadDecisionContext reads the request, its current-round approvals and
// escalation markers.
func (s *Postgres) LoadDecisionContext(ctx context.Context, id string) (DecisionContext, error) {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return DecisionContext{}, err
	}
	dc := DecisionContext{Request: req}

	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, round, level, decided_by, decision, reason, attachment_ref, source, decided_at
		FROM approvals WHERE request_id = $1 AND round = $2 ORDER BY decided_at, id
	`, id, req.Round)
	if err != nil {
		return DecisionContext{}, fmt.Errorf("query approvals: %w", err)
	}
	dc.Approvals, err = collectApprovals(rows)
	if err != nil {
		return DecisionContext{}, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT level FROM status_history
		WHERE request_id = $1 AND round = $2 AND event = $3 ORDER BY level
	`, id, req.Round, models.EventEscalated)
	if err != nil {
		return DecisionContext{}, fmt.Errorf("query escalations: %w", err)
	}
	dc.EscalatedLevels, err = pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return DecisionContext{}, fmt.Errorf("scan escalations: %w", err)
	}
	return dc, nil
}

// Commit applies c in a single transaction guarded by the version check.
func (s *Postgres) Commit(ctx context.Context, c Commit) (models.Request, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Request{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		UPDATE requests r
		SET status = $3, round = $4, version = version + 1, level_started_at = $5, sla_deadline = $6,
			decided_by = $7, decided_at = $8, updated_at = $9
		WHERE id = $1 AND version = $2
		RETURNING `+requestColumns,
		c.RequestID, c.ExpectedVersion, string(c.Status), c.Round, c.LevelStartedAt, c.SLADeadline,
		c.DecidedBy, c.DecidedAt, c.Now)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)`, c.RequestID).Scan(&exists); err != nil {
			return models.Request{}, fmt.Errorf("check request: %w", err)
		}
		if !exists {
			return models.Request{}, models.ErrNotFound
		}
		return models.Request{}, models.ErrConcurrencyConflict
	}
	if err != nil {
		return models.Request{}, fmt.Errorf("update request: %w", err)
	}

	if c.Approval != nil {
		a := *c.Approval
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO approvals (id, request_id, round, level, decided_by, slot, decision, reason, attachment_ref, source, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, a.ID, c.RequestID, a.Round, a.Level, a.DecidedBy, c.ApprovalSlot, string(a.Decision), a.Reason,
			a.AttachmentRef, a.Source, a.DecidedAt)
		if err != nil {
			return models.Request{}, mapConstraint(err, "insert approval")
		}
	}
	for _, h := range c.History {
		if err := insertHistory(ctx, tx, h); err != nil {
			return models.Request{}, err
		}
	}
	for _, o := range c.Outbox {
		if err := insertOutbox(ctx, tx, o); err != nil {
			return models.Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Request{}, fmt.Errorf("commit: %w", err)
	}
	return req, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, h models.StatusHistory) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO status_history (request_id, from_status, to_status, event, level, round, actor, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, h.RequestID, string(h.FromStatus), string(h.ToStatus), h.Event, h.Level, h.Round, h.Actor, h.RecordedAt)
	if err != nil {
		return mapConstraint(err, "insert history")
	}
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, o models.OutboxRecord) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, request_id, event_type, event_version, endpoint, target_url, payload, signature,
			contract_version, status, attempts, replay_count, next_attempt_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, $11, $12, $13, $13)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, o.ID, o.RequestID, o.EventType, o.EventVersion, o.Endpoint, o.TargetURL, o.Payload, o.Signature,
		o.ContractVersion, string(o.Status), o.NextAttemptAt, o.IdempotencyKey, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// mapConstraint turns known unique violations into domain errors.
func mapConstraint(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case constraintApprovalSlot:
			return models.ErrDuplicateDecision
		case constraintEscalation:
			return models.ErrAlreadyEscalated
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// History returns the audit trail of a request, oldest first.
func (s *Postgres) History(ctx context.Context, requestID string) ([]models.StatusHistory, error) {
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, from_status, to_status, event, level, round, actor, recorded_at
		FROM status_history WHERE request_id = $1 ORDER BY id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []models.StatusHistory
	for rows.Next() {
		var h models.StatusHistory
		var from, to string
		if err := rows.Scan(&h.ID, &h.RequestID, &from, &to, &h.Event, &h.Level, &h.Round, &h.Actor, &h.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.FromStatus, h.ToStatus = models.Status(from), models.Status(to)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Approvals returns every decision recorded for a request across rounds.
func (s *Postgres) Approvals(ctx context.Context, requestID string) ([]models.Approval, error) {
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, round, level, decided_by, decision, reason, attachment_ref, source, decided_at
		FROM approvals WHERE request_id = $1 ORDER BY round, level, decided_at
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	return collectApprovals(rows)
}

func collectApprovals(rows pgx.Rows) ([]models.Approval, error) {
	defer rows.Close()
	var out []models.Approval
	for rows.Next() {
		var a models.Approval
		var decision string
		var reason, attachment pgtype.Text
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Round, &a.Level, &a.DecidedBy, &decision, &reason,
			&attachment, &a.Source, &a.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.Decision = models.Decision(decision)
		a.Reason = textPtr(reason)
		a.AttachmentRef = textPtr(attachment)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListOverdue returns pending requests past their level SLA that have not
// been escalated at that level in the current round.
func (s *Postgres) ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM requests r
		WHERE r.status LIKE 'PENDING_L%' AND r.sla_deadline IS NOT NULL AND r.sla_deadline <= $1
		AND NOT EXISTS (
			SELECT 1 FROM status_history h
			WHERE h.request_id = r.id AND h.event = $2 AND h.round = r.round AND h.level = `+activeLevelSQL+`
		)
		ORDER BY r.sla_deadline
		LIMIT $3
	`, now, models.EventEscalated, limit)
	if err != nil {
		return nil, fmt.Errorf("query overdue: %w", err)
	}
	return collectRequests(rows)
}

// ListPendingForActor returns requests awaiting a decision from actor:
// members of the active level, or fallback approvers once it escalated.
func (s *Postgres) ListPendingForActor(ctx context.Context, actor string, f RequestFilter) ([]models.Request, error) {
	f = f.Normalize()
	lvlJSON := `r.workflow->'levels'->(` + activeLevelSQL + ` - 1)`
	where := []string{
		`r.status LIKE 'PENDING_L%'`,
		`r.created_by <> $1`,
		`(` + lvlJSON + `->'members' ? $1 OR (` + lvlJSON + `->'fallback_approvers' ? $1 AND EXISTS (
			SELECT 1 FROM status_history h
			WHERE h.request_id = r.id AND h.event = '` + models.EventEscalated + `' AND h.round = r.round AND h.level = ` + activeLevelSQL + `)))`,
		`NOT EXISTS (SELECT 1 FROM approvals a WHERE a.request_id = r.id AND a.round = r.round
			AND a.level = ` + activeLevelSQL + ` AND a.decided_by = $1)`,
	}
	return s.listRequests(ctx, where, []any{actor}, f)
}

// ListCreatedBy returns requests submitted by creator.
func (s *Postgres) ListCreatedBy(ctx context.Context, creator string, f RequestFilter) ([]models.Request, error) {
	return s.listRequests(ctx, []string{`r.created_by = $1`}, []any{creator}, f.Normalize())
}

func (s *Postgres) listRequests(ctx context.Context, where []string, args []any, f RequestFilter) ([]models.Request, error) {
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		var exact []string
		var parts []string
		for _, st := range f.Statuses {
			if strings.EqualFold(st, "PENDING") {
				parts = append(parts, `r.status LIKE 'PENDING_L%'`)
				continue
			}
			exact = append(exact, st)
		}
		if len(exact) > 0 {
			parts = append(parts, `r.status = ANY(`+arg(exact)+`)`)
		}
		where = append(where, `(`+strings.Join(parts, " OR ")+`)`)
	}
	if len(f.Types) > 0 {
		where = append(where, `r.type = ANY(`+arg(f.Types)+`)`)
	}
	if f.CreatedFrom != nil {
		where = append(where, `r.created_at >= `+arg(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		where = append(where, `r.created_at <= `+arg(*f.CreatedTo))
	}
	// SortBy and SortOrder are whitelisted by Normalize.
	q := `SELECT ` + requestColumns + ` FROM requests r WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY r.` + f.SortBy + ` ` + f.SortOrder + `, r.id ` + f.SortOrder +
		` LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	return collectRequests(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (models.Request, error) {
	var req models.Request
	var payloadJSON, workflowJSON []byte
	var status string
	var decidedBy pgtype.Text
	if err := row.Scan(&req.ID, &req.Type, &req.CreatedBy, &payloadJSON, &status, &req.Round, &workflowJSON,
		&req.RequestKey, &req.Version, &req.LevelStartedAt, &req.SLADeadline, &decidedBy, &req.DecidedAt,
		&req.CreatedAt, &req.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Request{}, err
		}
		return models.Request{}, fmt.Errorf("scan request: %w", err)
	}
	req.Status = models.Status(status)
	req.DecidedBy = textPtr(decidedBy)
	if err := json.Unmarshal(payloadJSON, &req.Payload); err != nil {
		return models.Request{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(workflowJSON, &req.Workflow); err != nil {
		return models.Request{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return req, nil
}

func collectRequests(rows pgx.Rows) ([]models.Request, error) {
	defer rows.Close()
	var out []models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const outboxColumns = `id, seq, request_id, event_type, event_version, endpoint, target_url, payload, signature,
	contract_version, status, attempts, replay_count, next_attempt_at, last_error, last_status_code,
	idempotency_key, created_at, updated_at, sent_at`

// DueOutbox returns deliverable outbox records. Only the oldest undelivered
// record of each request is eligible, which keeps per-request order.
func (s *Postgres) DueOutbox(ctx context.Context, now time.Time, limit int) ([]models.OutboxRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox o
		WHERE o.status IN ('PENDING', 'FAILED') AND o.next_attempt_at <= $1
		AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.request_id = o.request_id AND p.seq < o.seq AND p.status IN ('PENDING', 'FAILED')
		)
		ORDER BY o.seq
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox: %w", err)
	}
	return collectOutbox(rows)
}

// GetOutbox fetches an outbox record by id.
func (s *Postgres) GetOutbox(ctx context.Context, id string) (models.OutboxRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id)
	if err != nil {
		return models.OutboxRecord{}, fmt.Errorf("query outbox: %w", err)
	}
	out, err := collectOutbox(rows)
	if err != nil {
		return models.OutboxRecord{}, err
	}
	if len(out) == 0 {
		return models.OutboxRecord{}, models.ErrNotFound
	}
	return out[0], nil
}

// OutboxForRequest lists a request's outbox records in enqueue order.
func (s *Postgres) OutboxForRequest(ctx context.Context, requestID string) ([]models.OutboxRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE request_id = $1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return collectOutbox(rows)
}

// MarkSent records a successful delivery. Only PENDING records can be sent.
func (s *Postgres) MarkSent(ctx context.Context, id string, attempts, statusCode int, now time.Time) error {
	return s.execOutbox(ctx, id, `
		UPDATE outbox SET status = 'SENT', attempts = $2, last_status_code = $3, last_error = NULL,
			sent_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'PENDING'
	`, id, attempts, statusCode, now)
}

// MarkFailed records a failed attempt on a PENDING record and schedules the
// next one.
func (s *Postgres) MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, statusCode *int) error {
	return s.execOutbox(ctx, id, `
		UPDATE outbox SET status = 'FAILED', attempts = $2, next_attempt_at = $3, last_error = $4,
			last_status_code = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, id, attempts, next, lastErr, statusCode)
}

// Requeue moves a due FAILED record back to PENDING before its next attempt.
func (s *Postgres) Requeue(ctx context.Context, id string, now time.Time) error {
	return s.execOutbox(ctx, id, `
		UPDATE outbox SET status = 'PENDING', updated_at = $2
		WHERE id = $1 AND status = 'FAILED'
	`, id, now)
}

// MarkDeadLetter parks a FAILED record for manual replay.
func (s *Postgres) MarkDeadLetter(ctx context.Context, id string, attempts int, lastErr string, statusCode *int) error {
	return s.execOutbox(ctx, id, `
		UPDATE outbox SET status = 'DEAD_LETTER', attempts = $2, last_error = $3, last_status_code = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'FAILED'
	`, id, attempts, lastErr, statusCode)
}

// execOutbox runs a status-guarded update. A miss is ErrNotFound when the
// record is gone and ErrInvalidTransition when it is in another status.
func (s *Postgres) execOutbox(ctx context.Context, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update outbox: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM outbox WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load outbox status: %w", err)
	}
	return fmt.Errorf("%w: outbox %s is %s", models.ErrInvalidTransition, id, status)
}

// ReplayDeadLetter moves a dead-lettered record back to PENDING.
func (s *Postgres) ReplayDeadLetter(ctx context.Context, id string, now time.Time) (models.OutboxRecord, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'PENDING', replay_count = replay_count + 1, next_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'DEAD_LETTER'
	`, id, now)
	if err != nil {
		return models.OutboxRecord{}, fmt.Errorf("replay outbox: %w", err)
	}
	rec, err := s.GetOutbox(ctx, id)
	if err != nil {
		return models.OutboxRecord{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.OutboxRecord{}, models.ErrNotDeadLettered
	}
	return rec, nil
}

// ListDeadLetters returns dead-lettered records, oldest first.
func (s *Postgres) ListDeadLetters(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox WHERE status = 'DEAD_LETTER' ORDER BY seq LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	return collectOutbox(rows)
}

func collectOutbox(rows pgx.Rows) ([]models.OutboxRecord, error) {
	defer rows.Close()
	var out []models.OutboxRecord
	for rows.Next() {
		var o models.OutboxRecord
		var status string
		var lastErr pgtype.Text
		var lastCode pgtype.Int4
		if err := rows.Scan(&o.ID, &o.Seq, &o.RequestID, &o.EventType, &o.EventVersion, &o.Endpoint, &o.TargetURL,
			&o.Payload, &o.Signature, &o.ContractVersion, &status, &o.Attempts, &o.ReplayCount, &o.NextAttemptAt,
			&lastErr, &lastCode, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt, &o.SentAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		o.Status = models.OutboxStatus(status)
		o.LastError = textPtr(lastErr)
		if lastCode.Valid {
			code := int(lastCode.Int32)
			o.LastStatusCode = &code
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
