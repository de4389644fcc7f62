package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"approval-workflow-engine/internal/config"
	"approval-workflow-engine/internal/logging"
	"approval-workflow-engine/internal/models"
	"approval-workflow-engine/internal/processor"
	"approval-workflow-engine/internal/store"
	"approval-workflow-engine/internal/telemetry"
)

// Workflow is the processor surface exposed over HTTP.
type Workflow interface {
	CreateRequest(ctx context.Context, in processor.CreateInput) (models.Request, error)
	SubmitDecision(ctx context.Context, in processor.DecisionInput) (processor.Outcome, error)
	Cancel(ctx context.Context, in processor.CancelInput) (processor.Outcome, error)
	Revise(ctx context.Context, in processor.ReviseInput) (processor.Outcome, error)
	Get(ctx context.Context, id string) (models.Request, error)
	History(ctx context.Context, id string) ([]models.StatusHistory, error)
	Approvals(ctx context.Context, id string) ([]models.Approval, error)
	PendingForActor(ctx context.Context, actor string, f store.RequestFilter) ([]models.Request, error)
	CreatedBy(ctx context.Context, creator string, f store.RequestFilter) ([]models.Request, error)
}

// OutboxAdmin is the operator surface of the dispatcher.
type OutboxAdmin interface {
	Replay(ctx context.Context, outboxID string) (models.OutboxRecord, error)
	DeadLetters(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	Deliveries(ctx context.Context, requestID string) ([]models.OutboxRecord, error)
}

// Limiter throttles intake per actor.
type Limiter interface {
	AllowActor(ctx context.Context, action, actor string) (bool, error)
}

// Server wires HTTP handlers for the collaborator-facing API.
type Server struct {
	cfg      config.Config
	workflow Workflow
	outbox   OutboxAdmin
	limiter  Limiter
	logger   *zap.Logger
	checks   map[string]func(context.Context) error
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, wf Workflow, outbox OutboxAdmin, limiter Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		workflow: wf,
		outbox:   outbox,
		limiter:  limiter,
		logger:   logger,
		checks:   map[string]func(context.Context) error{},
	}
}

// AddReadinessCheck registers a dependency probed by /readyz.
func (s *Server) AddReadinessCheck(name string, fn func(context.Context) error) {
	s.checks[name] = fn
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", s.handleReady)

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/requests", s.handleCreate)
	r.Get("/requests", s.handleCreatedBy)
	r.Get("/requests/{id}", s.handleGet)
	r.Get("/requests/{id}/history", s.handleHistory)
	r.Get("/requests/{id}/approvals", s.handleApprovals)
	r.Post("/requests/{id}/decisions", s.handleDecision)
	r.Post("/requests/{id}/cancel", s.handleCancel)
	r.Post("/requests/{id}/revise", s.handleRevise)
	r.Get("/approvals/pending", s.handlePending)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/outbox/dead-letters", s.handleDeadLetters)
		r.Get("/requests/{id}/deliveries", s.handleDeliveries)
		r.Post("/outbox/{id}/replay", s.handleReplay)
	})
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := s.logger.With(
			zap.String("http_request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), l)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if s.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow applies the per-actor rate limit and writes the rejection itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, action, actor string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.AllowActor(r.Context(), action, actor)
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Error("rate limiter unavailable", zap.Error(err))
		return true
	}
	if !ok {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return false
	}
	return true
}

type createRequest struct {
	Type    string         `json:"type"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if req.Type == "" || req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "type and actor_id are required")
		return
	}
	if !s.allow(w, r, "create", req.ActorID) {
		return
	}
	created, err := s.workflow.CreateRequest(r.Context(), processor.CreateInput{
		Type: req.Type, Actor: req.ActorID, Payload: req.Payload,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRequestView(created))
}

type decisionRequest struct {
	Level           int    `json:"level"`
	ActorID         string `json:"actor_id"`
	Decision        string `json:"decision"`
	Reason          string `json:"reason"`
	AttachmentRef   string `json:"attachment_ref"`
	Source          string `json:"source"`
	ExpectedVersion int64  `json:"expected_version"`
}

type outcomeResponse struct {
	Request      requestView `json:"request"`
	Transitioned bool        `json:"transitioned"`
	Terminal     bool        `json:"terminal"`
}

func newOutcome(out processor.Outcome) outcomeResponse {
	return outcomeResponse{Request: newRequestView(out.Request), Transitioned: out.Transition.Changed(), Terminal: out.Terminal}
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if req.ActorID == "" || req.ExpectedVersion <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "actor_id and expected_version are required")
		return
	}
	decision, err := models.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.allow(w, r, "decision", req.ActorID) {
		return
	}
	out, err := s.workflow.SubmitDecision(r.Context(), processor.DecisionInput{
		RequestID:       chi.URLParam(r, "id"),
		Level:           req.Level,
		Actor:           req.ActorID,
		Decision:        decision,
		Reason:          req.Reason,
		AttachmentRef:   req.AttachmentRef,
		Source:          req.Source,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcome(out))
}

type ownerRequest struct {
	ActorID         string `json:"actor_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (s *Server) decodeOwner(w http.ResponseWriter, r *http.Request) (ownerRequest, bool) {
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return req, false
	}
	if req.ActorID == "" || req.ExpectedVersion <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "actor_id and expected_version are required")
		return req, false
	}
	return req, true
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeOwner(w, r)
	if !ok {
		return
	}
	out, err := s.workflow.Cancel(r.Context(), processor.CancelInput{
		RequestID: chi.URLParam(r, "id"), Actor: req.ActorID, ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcome(out))
}

func (s *Server) handleRevise(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeOwner(w, r)
	if !ok {
		return
	}
	out, err := s.workflow.Revise(r.Context(), processor.ReviseInput{
		RequestID: chi.URLParam(r, "id"), Actor: req.ActorID, ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcome(out))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(req))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.workflow.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": hist})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	items, err := s.workflow.Approvals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.workflow.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items, err := s.outbox.Deliveries(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "actor is required")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	items, err := s.workflow.PendingForActor(r.Context(), actor, f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": newRequestViews(items)})
}

func (s *Server) handleCreatedBy(w http.ResponseWriter, r *http.Request) {
	creator := r.URL.Query().Get("creator")
	if creator == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "creator is required")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	items, err := s.workflow.CreatedBy(r.Context(), creator, f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": newRequestViews(items)})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.outbox.DeadLetters(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	rec, err := s.outbox.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func parseFilter(r *http.Request) (store.RequestFilter, error) {
	q := r.URL.Query()
	f := store.RequestFilter{
		Statuses:  splitList(q.Get("status")),
		Types:     splitList(q.Get("type")),
		SortBy:    q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	var err error
	if f.Limit, err = atoiOrZero(q.Get("limit")); err != nil {
		return f, errors.New("limit must be an integer")
	}
	if f.Offset, err = atoiOrZero(q.Get("offset")); err != nil {
		return f, errors.New("offset must be an integer")
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("from must be RFC3339")
		}
		f.CreatedFrom = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("to must be RFC3339")
		}
		f.CreatedTo = &t
	}
	return f.Normalize(), nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func atoiOrZero(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// writeDomainError maps typed rejections to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context(), s.logger)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "concurrency_conflict", "request changed, reload and retry")
	case errors.Is(err, models.ErrDuplicateDecision):
		writeError(w, http.StatusConflict, "duplicate_decision", "already decided")
	case errors.Is(err, models.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "duplicate_request", err.Error())
	case errors.Is(err, models.ErrAlreadyEscalated), errors.Is(err, models.ErrNotDeadLettered):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, models.ErrUnauthorized), errors.Is(err, models.ErrSelfDecisionForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		log.Warn("invalid transition", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, "invalid_transition", "this action is not allowed in the current state")
	case errors.Is(err, models.ErrReasonRequired), errors.Is(err, models.ErrInvalidAttachment),
		errors.Is(err, models.ErrUnknownWorkflow):
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorResponse{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
