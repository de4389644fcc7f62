package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"approval-workflow-engine/internal/models"
)

// Memory is an in-process Store used by tests and the single-binary demo
// mode. All state lives behind one mutex, so every Commit is atomic.
type Memory struct {
	mu sync.Mutex

	requests  map[string]models.Request
	byKey     map[string]string
	approvals map[string][]models.Approval
	slots     map[string]bool
	history   map[string][]models.StatusHistory
	escalated map[string]bool

	outbox     map[string]models.OutboxRecord
	outboxKeys map[string]string

	seq     int64
	histSeq int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests:   make(map[string]models.Request),
		byKey:      make(map[string]string),
		approvals:  make(map[string][]models.Approval),
		slots:      make(map[string]bool),
		history:    make(map[string][]models.StatusHistory),
		escalated:  make(map[string]bool),
		outbox:     make(map[string]models.OutboxRecord),
		outboxKeys: make(map[string]string),
	}
}

func slotKey(requestID string, round, level int, slot string) string {
	return fmt.Sprintf("%s|%d|%d|%s", requestID, round, level, slot)
}

func escalationKey(requestID string, round, level int) string {
	return fmt.Sprintf("%s|%d|%d", requestID, round, level)
}

// CreateRequest stores a new request and its CREATED history row.
func (m *Memory) CreateRequest(_ context.Context, req models.Request, created models.StatusHistory) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byKey[req.RequestKey]; dup {
		return models.Request{}, models.ErrDuplicateRequest
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	m.requests[req.ID] = req
	m.byKey[req.RequestKey] = req.ID
	created.RequestID = req.ID
	m.appendHistory(created)
	return req, nil
}

// GetRequest fetches a request by id.
func (m *Memory) GetRequest(_ context.Context, id string) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return models.Request{}, models.ErrNotFound
	}
	return req, nil
}

// LoadDecisionContext returns the request with its current-round approvals
// and escalation markers.
func (m *Memory) LoadDecisionContext(_ context.Context, id string) (DecisionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return DecisionContext{}, models.ErrNotFound
	}
	dc := DecisionContext{Request: req}
	for _, a := range m.approvals[id] {
		if a.Round == req.Round {
			dc.Approvals = append(dc.Approvals, a)
		}
	}
	for lvl := 1; lvl <= len(req.Workflow.Levels); lvl++ {
		if m.escalated[escalationKey(id, req.Round, lvl)] {
			dc.EscalatedLevels = append(dc.EscalatedLevels, lvl)
		}
	}
	return dc, nil
}

// Commit applies c atomically if the stored version still matches.
func (m *Memory) Commit(_ context.Context, c Commit) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[c.RequestID]
	if !ok {
		return models.Request{}, models.ErrNotFound
	}
	if req.Version != c.ExpectedVersion {
		return models.Request{}, models.ErrConcurrencyConflict
	}
	if c.EscalationLevel > 0 && m.escalated[escalationKey(req.ID, c.Round, c.EscalationLevel)] {
		return models.Request{}, models.ErrAlreadyEscalated
	}
	var sk string
	if c.Approval != nil {
		sk = slotKey(req.ID, c.Approval.Round, c.Approval.Level, c.ApprovalSlot)
		if m.slots[sk] {
			return models.Request{}, models.ErrDuplicateDecision
		}
	}

	req.Status = c.Status
	req.Round = c.Round
	req.Version++
	req.LevelStartedAt = c.LevelStartedAt
	req.SLADeadline = c.SLADeadline
	req.DecidedBy = c.DecidedBy
	req.DecidedAt = c.DecidedAt
	req.UpdatedAt = c.Now
	m.requests[req.ID] = req

	if c.Approval != nil {
		a := *c.Approval
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		m.slots[sk] = true
		m.approvals[req.ID] = append(m.approvals[req.ID], a)
	}
	if c.EscalationLevel > 0 {
		m.escalated[escalationKey(req.ID, c.Round, c.EscalationLevel)] = true
	}
	for _, h := range c.History {
		m.appendHistory(h)
	}
	for _, o := range c.Outbox {
		if _, dup := m.outboxKeys[o.IdempotencyKey]; dup {
			continue
		}
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		m.seq++
		o.Seq = m.seq
		m.outbox[o.ID] = o
		m.outboxKeys[o.IdempotencyKey] = o.ID
	}
	return req, nil
}

func (m *Memory) appendHistory(h models.StatusHistory) {
	m.histSeq++
	h.ID = m.histSeq
	m.history[h.RequestID] = append(m.history[h.RequestID], h)
}

// History returns the audit trail of a request, oldest first.
func (m *Memory) History(_ context.Context, requestID string) ([]models.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[requestID]; !ok {
		return nil, models.ErrNotFound
	}
	return append([]models.StatusHistory(nil), m.history[requestID]...), nil
}

// Approvals returns every decision recorded for a request across rounds.
func (m *Memory) Approvals(_ context.Context, requestID string) ([]models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[requestID]; !ok {
		return nil, models.ErrNotFound
	}
	return append([]models.Approval(nil), m.approvals[requestID]...), nil
}

// ListOverdue returns pending requests past their level SLA that have not
// been escalated at that level in the current round.
func (m *Memory) ListOverdue(_ context.Context, now time.Time, limit int) ([]models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Request
	for _, r := range m.requests {
		lvl := r.ActiveLevel()
		if lvl == 0 || r.SLADeadline == nil || r.SLADeadline.After(now) {
			continue
		}
		if m.escalated[escalationKey(r.ID, r.Round, lvl)] {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLADeadline.Before(*out[j].SLADeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPendingForActor returns requests awaiting a decision from actor.
func (m *Memory) ListPendingForActor(_ context.Context, actor string, f RequestFilter) ([]models.Request, error) {
	f = f.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Request
	for _, r := range m.requests {
		lvl := r.ActiveLevel()
		if lvl == 0 || r.CreatedBy == actor {
			continue
		}
		lc, ok := r.Workflow.Level(lvl)
		if !ok || !lc.IsEligible(actor, m.escalated[escalationKey(r.ID, r.Round, lvl)]) {
			continue
		}
		if m.decidedAt(r, lvl, actor) {
			continue
		}
		if matches(r, f) {
			out = append(out, r)
		}
	}
	return page(out, f), nil
}

func (m *Memory) decidedAt(r models.Request, level int, actor string) bool {
	for _, a := range m.approvals[r.ID] {
		if a.Round == r.Round && a.Level == level && a.DecidedBy == actor {
			return true
		}
	}
	return false
}

// ListCreatedBy returns requests submitted by creator.
func (m *Memory) ListCreatedBy(_ context.Context, creator string, f RequestFilter) ([]models.Request, error) {
	f = f.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Request
	for _, r := range m.requests {
		if r.CreatedBy == creator && matches(r, f) {
			out = append(out, r)
		}
	}
	return page(out, f), nil
}

func matches(r models.Request, f RequestFilter) bool {
	if !f.matchesStatus(r.Status) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == r.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && r.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

func page(rs []models.Request, f RequestFilter) []models.Request {
	less := func(a, b models.Request) int {
		var c int
		switch f.SortBy {
		case SortStatus:
			c = strings.Compare(string(a.Status), string(b.Status))
		case SortType:
			c = strings.Compare(a.Type, b.Type)
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if f.SortOrder == "desc" {
			c = -c
		}
		return c
	}
	sort.Slice(rs, func(i, j int) bool { return less(rs[i], rs[j]) < 0 })
	if f.Offset >= len(rs) {
		return nil
	}
	rs = rs[f.Offset:]
	if len(rs) > f.Limit {
		rs = rs[:f.Limit]
	}
	return rs
}

// DueOutbox returns deliverable outbox records. Only the oldest undelivered
// record of each request is eligible, which keeps per-request order.
func (m *Memory) DueOutbox(_ context.Context, now time.Time, limit int) ([]models.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	heads := make(map[string]models.OutboxRecord)
	for _, o := range m.outbox {
		if o.Status != models.OutboxPending && o.Status != models.OutboxFailed {
			continue
		}
		if cur, ok := heads[o.RequestID]; !ok || o.Seq < cur.Seq {
			heads[o.RequestID] = o
		}
	}
	var out []models.OutboxRecord
	for _, o := range heads {
		if !o.NextAttemptAt.After(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetOutbox fetches an outbox record by id.
func (m *Memory) GetOutbox(_ context.Context, id string) (models.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outbox[id]
	if !ok {
		return models.OutboxRecord{}, models.ErrNotFound
	}
	return o, nil
}

// OutboxForRequest lists a request's outbox records in enqueue order.
func (m *Memory) OutboxForRequest(_ context.Context, requestID string) ([]models.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OutboxRecord
	for _, o := range m.outbox {
		if o.RequestID == requestID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// MarkSent records a successful delivery. Only PENDING records can be sent.
func (m *Memory) MarkSent(_ context.Context, id string, attempts, statusCode int, now time.Time) error {
	return m.update(id, models.OutboxPending, func(o *models.OutboxRecord) {
		o.Status = models.OutboxSent
		o.Attempts = attempts
		o.LastStatusCode = &statusCode
		o.LastError = nil
		o.SentAt = &now
		o.UpdatedAt = now
	})
}

// MarkFailed records a failed attempt on a PENDING record and schedules the
// next one.
func (m *Memory) MarkFailed(_ context.Context, id string, attempts int, next time.Time, lastErr string, statusCode *int) error {
	return m.update(id, models.OutboxPending, func(o *models.OutboxRecord) {
		o.Status = models.OutboxFailed
		o.Attempts = attempts
		o.NextAttemptAt = next
		o.LastError = &lastErr
		o.LastStatusCode = statusCode
		o.UpdatedAt = time.Now().UTC()
	})
}

// Requeue moves a due FAILED record back to PENDING before its next attempt.
func (m *Memory) Requeue(_ context.Context, id string, now time.Time) error {
	return m.update(id, models.OutboxFailed, func(o *models.OutboxRecord) {
		o.Status = models.OutboxPending
		o.UpdatedAt = now
	})
}

// MarkDeadLetter parks a FAILED record for manual replay.
func (m *Memory) MarkDeadLetter(_ context.Context, id string, attempts int, lastErr string, statusCode *int) error {
	return m.update(id, models.OutboxFailed, func(o *models.OutboxRecord) {
		o.Status = models.OutboxDeadLetter
		o.Attempts = attempts
		o.LastError = &lastErr
		o.LastStatusCode = statusCode
		o.UpdatedAt = time.Now().UTC()
	})
}

func (m *Memory) update(id string, from models.OutboxStatus, fn func(*models.OutboxRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outbox[id]
	if !ok {
		return models.ErrNotFound
	}
	if o.Status != from {
		return fmt.Errorf("%w: outbox %s is %s", models.ErrInvalidTransition, id, o.Status)
	}
	fn(&o)
	m.outbox[id] = o
	return nil
}

// ReplayDeadLetter moves a dead-lettered record back to PENDING.
func (m *Memory) ReplayDeadLetter(_ context.Context, id string, now time.Time) (models.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outbox[id]
	if !ok {
		return models.OutboxRecord{}, models.ErrNotFound
	}
	if o.Status != models.OutboxDeadLetter {
		return models.OutboxRecord{}, models.ErrNotDeadLettered
	}
	o.Status = models.OutboxPending
	o.ReplayCount++
	o.NextAttemptAt = now
	o.UpdatedAt = now
	m.outbox[id] = o
	return o, nil
}

// ListDeadLetters returns dead-lettered records, oldest first.
func (m *Memory) ListDeadLetters(_ context.Context, limit int) ([]models.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OutboxRecord
	for _, o := range m.outbox {
		if o.Status == models.OutboxDeadLetter {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
