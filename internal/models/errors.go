package models

import "errors"

// Typed rejections surfaced synchronously to callers. Wrap with %w and test
// with errors.Is.
var (
	ErrNotFound              = errors.New("not found")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrUnauthorized          = errors.New("actor is not an eligible approver")
	ErrSelfDecisionForbidden = errors.New("actor created this request")
	ErrDuplicateDecision     = errors.New("decision already recorded")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrDuplicateRequest      = errors.New("duplicate request")
	ErrUnknownWorkflow       = errors.New("unknown request type")
	ErrReasonRequired        = errors.New("reason is required to reject")
	ErrInvalidAttachment     = errors.New("invalid attachment reference")
	ErrAlreadyEscalated      = errors.New("level already escalated")

	// Dispatcher-side; never returned to decision callers.
	ErrDeliveryFailure = errors.New("webhook delivery failed")
	ErrDeadLettered    = errors.New("outbox record dead-lettered")
	ErrNotDeadLettered = errors.New("outbox record is not dead-lettered")
)
