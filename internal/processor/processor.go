// Package processor is the single write path for approval requests. Every
// mutation loads a snapshot, asks the engine for the transition and hands
// the result to the store as one version-guarded commit.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"approval-workflow-engine/internal/engine"
	"approval-workflow-engine/internal/logging"
	"approval-workflow-engine/internal/models"
	"approval-workflow-engine/internal/store"
	"approval-workflow-engine/internal/telemetry"
	"approval-workflow-engine/internal/webhook"
)

// Store is the persistence the processor needs.
type Store interface {
	CreateRequest(ctx context.Context, req models.Request, created models.StatusHistory) (models.Request, error)
	GetRequest(ctx context.Context, id string) (models.Request, error)
	LoadDecisionContext(ctx context.Context, id string) (store.DecisionContext, error)
	Commit(ctx context.Context, c store.Commit) (models.Request, error)
	History(ctx context.Context, requestID string) ([]models.StatusHistory, error)
	Approvals(ctx context.Context, requestID string) ([]models.Approval, error)
	ListPendingForActor(ctx context.Context, actor string, f store.RequestFilter) ([]models.Request, error)
	ListCreatedBy(ctx context.Context, creator string, f store.RequestFilter) ([]models.Request, error)
}

// WorkflowSource hands out immutable workflow snapshots by request type.
type WorkflowSource interface {
	Snapshot(typ string) (models.WorkflowSnapshot, bool)
}

// AttachmentValidator checks decision evidence references.
type AttachmentValidator interface {
	Validate(ctx context.Context, ref string) (string, error)
}

// Options tunes a Processor. Zero values pick defaults.
type Options struct {
	// EscalationRetries bounds reload-and-retry on version conflicts for
	// system escalations. Caller decisions are never retried.
	EscalationRetries int
	Now               func() time.Time
}

// Processor applies decisions, cancellations, revisions and escalations.
type Processor struct {
	store       Store
	workflows   WorkflowSource
	attachments AttachmentValidator
	logger      *zap.Logger
	retries     int
	now         func() time.Time
}

// New wires a processor. attachments may be nil to accept any reference.
func New(st Store, workflows WorkflowSource, attachments AttachmentValidator, logger *zap.Logger, opts Options) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EscalationRetries <= 0 {
		opts.EscalationRetries = 3
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		store:       st,
		workflows:   workflows,
		attachments: attachments,
		logger:      logger,
		retries:     opts.EscalationRetries,
		now:         opts.Now,
	}
}

// CreateInput is a new submission from the intake layer.
type CreateInput struct {
	Type    string
	Actor   string
	Payload map[string]any
}

// DecisionInput is one approve or reject click.
type DecisionInput struct {
	RequestID string
	// Level defaults to the active level when zero.
	Level           int
	Actor           string
	Decision        models.Decision
	Reason          string
	AttachmentRef   string
	Source          string
	ExpectedVersion int64
}

// Outcome reports the committed state after a mutation.
type Outcome struct {
	Request    models.Request
	Transition engine.Transition
	// Terminal is true only for the commit that entered the terminal state.
	Terminal bool
}

// CreateRequest snapshots the workflow for in.Type and stores a new request
// at PENDING_L1. Resubmitting the same type, actor and payload returns
// models.ErrDuplicateRequest.
func (p *Processor) CreateRequest(ctx context.Context, in CreateInput) (models.Request, error) {
	wf, ok := p.workflows.Snapshot(in.Type)
	if !ok {
		return models.Request{}, fmt.Errorf("%w: %s", models.ErrUnknownWorkflow, in.Type)
	}
	if strings.TrimSpace(in.Actor) == "" {
		return models.Request{}, fmt.Errorf("%w: actor is required", models.ErrUnauthorized)
	}
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}
	canonical, err := models.CanonicalJSON(in.Payload)
	if err != nil {
		return models.Request{}, err
	}

	now := p.now()
	req := models.Request{
		ID:             uuid.New().String(),
		Type:           in.Type,
		CreatedBy:      in.Actor,
		Payload:        in.Payload,
		Status:         models.PendingStatus(1),
		Workflow:       wf,
		Version:        1,
		RequestKey:     models.RequestKey(in.Type, in.Actor, canonical),
		LevelStartedAt: &now,
		SLADeadline:    wf.LevelSLA(1, now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := p.store.CreateRequest(ctx, req, models.StatusHistory{
		ToStatus:   req.Status,
		Event:      models.EventCreated,
		Level:      1,
		Actor:      in.Actor,
		RecordedAt: now,
	})
	if err != nil {
		return models.Request{}, err
	}
	telemetry.RequestsCreated.Inc()
	p.log(ctx).Info("request created", append(logging.Request(created.ID, created.Version),
		zap.String("type", created.Type), zap.String("created_by", created.CreatedBy))...)
	return created, nil
}

// SubmitDecision validates and commits one decision. A stale
// ExpectedVersion yields models.ErrConcurrencyConflict; the caller reloads
// rather than this method retrying.
func (p *Processor) SubmitDecision(ctx context.Context, in DecisionInput) (Outcome, error) {
	out, err := p.submitDecision(ctx, in)
	switch {
	case err == nil:
		telemetry.Decisions.WithLabelValues(telemetry.ResultAccepted).Inc()
	case errors.Is(err, models.ErrConcurrencyConflict), errors.Is(err, models.ErrDuplicateDecision):
		telemetry.Decisions.WithLabelValues(telemetry.ResultConflict).Inc()
	default:
		telemetry.Decisions.WithLabelValues(telemetry.ResultRejected).Inc()
	}
	return out, err
}

func (p *Processor) submitDecision(ctx context.Context, in DecisionInput) (Outcome, error) {
	var ev engine.Event
	reason := strings.TrimSpace(in.Reason)
	switch in.Decision {
	case models.DecisionApprove:
	case models.DecisionReject:
		if reason == "" {
			return Outcome{}, models.ErrReasonRequired
		}
	default:
		return Outcome{}, fmt.Errorf("%w: unknown decision %q", models.ErrInvalidTransition, in.Decision)
	}
	var attachment *string
	if ref := strings.TrimSpace(in.AttachmentRef); ref != "" {
		if p.attachments != nil {
			validated, err := p.attachments.Validate(ctx, ref)
			if err != nil {
				return Outcome{}, err
			}
			ref = validated
		}
		attachment = &ref
	}

	dc, err := p.store.LoadDecisionContext(ctx, in.RequestID)
	if err != nil {
		return Outcome{}, err
	}
	req := dc.Request
	if req.Version != in.ExpectedVersion {
		return Outcome{}, models.ErrConcurrencyConflict
	}
	if req.CreatedBy == in.Actor {
		return Outcome{}, models.ErrSelfDecisionForbidden
	}
	level := in.Level
	if level == 0 {
		level = req.ActiveLevel()
	}
	if lc, ok := req.Workflow.Level(level); ok && !lc.IsEligible(in.Actor, dc.Escalated(level)) {
		return Outcome{}, models.ErrUnauthorized
	}

	var tally engine.Tally
	for _, a := range dc.AtLevel(level) {
		if req.Workflow.Strategy == models.StrategySequential || a.DecidedBy == in.Actor {
			return Outcome{}, models.ErrDuplicateDecision
		}
		if a.Decision == models.DecisionApprove {
			tally.Approvals++
		} else {
			tally.Rejections++
		}
	}

	if in.Decision == models.DecisionApprove {
		ev = engine.ApproveEvent{Actor: in.Actor, Level: level}
	} else {
		ev = engine.RejectEvent{Actor: in.Actor, Level: level, Reason: reason}
	}
	tr, err := engine.Next(req.Status, ev, req.Workflow, tally)
	if err != nil {
		p.log(ctx).Warn("decision rejected by engine", append(logging.Request(req.ID, req.Version),
			zap.String("actor", in.Actor), zap.Int("level", level), zap.Error(err))...)
		return Outcome{}, err
	}

	now := p.now()
	c, err := p.buildCommit(req, tr, in.Actor, level, models.EventDecision, now)
	if err != nil {
		return Outcome{}, err
	}
	source := in.Source
	if source == "" {
		source = models.SourceAPI
	}
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	c.Approval = &models.Approval{
		ID:            uuid.New().String(),
		RequestID:     req.ID,
		Round:         req.Round,
		Level:         level,
		DecidedBy:     in.Actor,
		Decision:      in.Decision,
		Reason:        reasonPtr,
		AttachmentRef: attachment,
		Source:        source,
		DecidedAt:     now,
	}
	c.ApprovalSlot = in.Actor
	if req.Workflow.Strategy == models.StrategySequential {
		c.ApprovalSlot = store.SequentialSlot
	}
	return p.commit(ctx, c, tr)
}

// CancelInput withdraws a request. Only the creator may cancel.
type CancelInput struct {
	RequestID       string
	Actor           string
	ExpectedVersion int64
}

// Cancel moves a non-terminal request to CANCELLED.
func (p *Processor) Cancel(ctx context.Context, in CancelInput) (Outcome, error) {
	req, err := p.guardCreator(ctx, in.RequestID, in.Actor, in.ExpectedVersion)
	if err != nil {
		return Outcome{}, err
	}
	tr, err := engine.Next(req.Status, engine.CancelEvent{Actor: in.Actor}, req.Workflow, engine.Tally{})
	if err != nil {
		return Outcome{}, err
	}
	c, err := p.buildCommit(req, tr, in.Actor, req.ActiveLevel(), models.EventCancelled, p.now())
	if err != nil {
		return Outcome{}, err
	}
	return p.commit(ctx, c, tr)
}

// ReviseInput resubmits a rejected request for a new round.
type ReviseInput struct {
	RequestID       string
	Actor           string
	ExpectedVersion int64
}

// Revise reopens a REJECTED request at the workflow's resume level.
// Decisions from earlier rounds no longer count.
func (p *Processor) Revise(ctx context.Context, in ReviseInput) (Outcome, error) {
	req, err := p.guardCreator(ctx, in.RequestID, in.Actor, in.ExpectedVersion)
	if err != nil {
		return Outcome{}, err
	}
	tr, err := engine.Next(req.Status, engine.ReviseEvent{Actor: in.Actor}, req.Workflow, engine.Tally{})
	if err != nil {
		return Outcome{}, err
	}
	c, err := p.buildCommit(req, tr, in.Actor, models.LevelOf(tr.To), models.EventRevised, p.now())
	if err != nil {
		return Outcome{}, err
	}
	return p.commit(ctx, c, tr)
}

func (p *Processor) guardCreator(ctx context.Context, id, actor string, expected int64) (models.Request, error) {
	req, err := p.store.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	if req.Version != expected {
		return models.Request{}, models.ErrConcurrencyConflict
	}
	if req.CreatedBy != actor {
		return models.Request{}, models.ErrUnauthorized
	}
	return req, nil
}

// Escalate applies the SLA timeout policy of level. It fails with
// models.ErrAlreadyEscalated when the level was escalated this round, and
// retries a bounded number of times on version conflicts.
func (p *Processor) Escalate(ctx context.Context, requestID string, level int) (Outcome, error) {
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		out, err := p.escalateOnce(ctx, requestID, level)
		if !errors.Is(err, models.ErrConcurrencyConflict) {
			return out, err
		}
		lastErr = err
	}
	return Outcome{}, lastErr
}

func (p *Processor) escalateOnce(ctx context.Context, requestID string, level int) (Outcome, error) {
	dc, err := p.store.LoadDecisionContext(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}
	if dc.Escalated(level) {
		return Outcome{}, models.ErrAlreadyEscalated
	}
	req := dc.Request
	tr, err := engine.Next(req.Status, engine.EscalateEvent{Level: level}, req.Workflow, engine.Tally{})
	if err != nil {
		return Outcome{}, err
	}
	c, err := p.buildCommit(req, tr, models.SystemActor, level, models.EventEscalated, p.now())
	if err != nil {
		return Outcome{}, err
	}
	c.EscalationLevel = level
	out, err := p.commit(ctx, c, tr)
	if err != nil {
		return Outcome{}, err
	}
	lc, _ := req.Workflow.Level(level)
	policy := string(lc.OnTimeout)
	if policy == "" {
		policy = string(models.TimeoutNotify)
	}
	telemetry.Escalations.WithLabelValues(policy).Inc()
	return out, nil
}

// buildCommit translates a transition into the store mutation, including
// history rows and any outbox notifications.
func (p *Processor) buildCommit(req models.Request, tr engine.Transition, actor string, level int, event string, now time.Time) (store.Commit, error) {
	c := store.Commit{
		RequestID:       req.ID,
		ExpectedVersion: req.Version,
		Status:          tr.To,
		Round:           req.Round,
		LevelStartedAt:  req.LevelStartedAt,
		SLADeadline:     req.SLADeadline,
		DecidedBy:       req.DecidedBy,
		DecidedAt:       req.DecidedAt,
		Now:             now,
	}
	if tr.NewRound {
		c.Round++
	}
	switch {
	case tr.LevelEntered():
		c.LevelStartedAt = &now
		c.SLADeadline = req.Workflow.LevelSLA(models.LevelOf(tr.To), now)
	case tr.To.IsTerminal():
		c.SLADeadline = nil
	}
	if tr.Terminal() {
		c.DecidedBy = &actor
		c.DecidedAt = &now
	}
	if tr.Via != "" {
		c.DecidedBy, c.DecidedAt = nil, nil
	}

	history := func(from, to models.Status, ev string, round int) models.StatusHistory {
		return models.StatusHistory{
			RequestID: req.ID, FromStatus: from, ToStatus: to, Event: ev,
			Level: level, Round: round, Actor: actor, RecordedAt: now,
		}
	}
	if tr.Via != "" {
		c.History = append(c.History,
			history(tr.From, tr.Via, event, req.Round),
			history(tr.Via, tr.To, event, c.Round))
	} else {
		c.History = append(c.History, history(tr.From, tr.To, event, req.Round))
	}

	// Envelopes describe the request as it will read after this commit.
	after := req
	after.Status = c.Status
	after.Round = c.Round
	after.Version = req.Version + 1
	after.DecidedBy = c.DecidedBy
	after.DecidedAt = c.DecidedAt

	if tr.Has(engine.EffectEmitTerminal) {
		recs, err := p.outboxRecords(after, models.TerminalEventType(tr.To), 0, now)
		if err != nil {
			return store.Commit{}, err
		}
		c.Outbox = append(c.Outbox, recs...)
	}
	if tr.Has(engine.EffectNotifyFallback) {
		recs, err := p.outboxRecords(after, models.EventTypeEscalated, level, now)
		if err != nil {
			return store.Commit{}, err
		}
		c.Outbox = append(c.Outbox, recs...)
	}
	return c, nil
}

func (p *Processor) outboxRecords(after models.Request, eventType string, level int, now time.Time) ([]models.OutboxRecord, error) {
	recs := make([]models.OutboxRecord, 0, len(after.Workflow.Endpoints))
	for _, ep := range after.Workflow.Endpoints {
		env := webhook.NewEnvelope(after, eventType, ep.Name, level, now)
		rec, err := webhook.Record(env, ep, after.Workflow.WebhookSecret, now)
		if err != nil {
			return nil, err
		}
		rec.ID = uuid.New().String()
		recs = append(recs, rec)
	}
	return recs, nil
}

func (p *Processor) commit(ctx context.Context, c store.Commit, tr engine.Transition) (Outcome, error) {
	updated, err := p.store.Commit(ctx, c)
	if err != nil {
		if !errors.Is(err, models.ErrConcurrencyConflict) && !errors.Is(err, models.ErrDuplicateDecision) &&
			!errors.Is(err, models.ErrAlreadyEscalated) && !errors.Is(err, models.ErrNotFound) {
			p.log(ctx).Error("commit failed", append(logging.Request(c.RequestID, c.ExpectedVersion), zap.Error(err))...)
		}
		return Outcome{}, err
	}
	if tr.Terminal() {
		telemetry.TerminalTransitions.WithLabelValues(string(tr.To)).Inc()
	}
	if tr.Changed() {
		p.log(ctx).Info("request transitioned", append(logging.Request(updated.ID, updated.Version),
			zap.String("from", string(tr.From)), zap.String("to", string(tr.To)), zap.Int("outbox", len(c.Outbox)))...)
	}
	return Outcome{Request: updated, Transition: tr, Terminal: tr.Terminal()}, nil
}

func (p *Processor) log(ctx context.Context) *zap.Logger {
	return logging.FromContext(ctx, p.logger)
}

// Get returns one request.
func (p *Processor) Get(ctx context.Context, id string) (models.Request, error) {
	return p.store.GetRequest(ctx, id)
}

// History returns the ordered audit trail of a request.
func (p *Processor) History(ctx context.Context, id string) ([]models.StatusHistory, error) {
	return p.store.History(ctx, id)
}

// Approvals returns every decision recorded for a request.
func (p *Processor) Approvals(ctx context.Context, id string) ([]models.Approval, error) {
	return p.store.Approvals(ctx, id)
}

// PendingForActor lists requests waiting on actor's decision.
func (p *Processor) PendingForActor(ctx context.Context, actor string, f store.RequestFilter) ([]models.Request, error) {
	return p.store.ListPendingForActor(ctx, actor, f)
}

// CreatedBy lists requests submitted by creator.
func (p *Processor) CreatedBy(ctx context.Context, creator string, f store.RequestFilter) ([]models.Request, error) {
	return p.store.ListCreatedBy(ctx, creator, f)
}
