package models

import (
	"time"
)

// Request is one submitted workflow instance.
type Request struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	CreatedBy      string           `json:"created_by"`
	Payload        map[string]any   `json:"payload"`
	Status         Status           `json:"status"`
	Workflow       WorkflowSnapshot `json:"workflow"`
	Round          int              `json:"round"`
	Version        int64            `json:"version"`
	RequestKey     string           `json:"request_key"`
	LevelStartedAt *time.Time       `json:"level_started_at,omitempty"`
	SLADeadline    *time.Time       `json:"sla_deadline,omitempty"`
	DecidedBy      *string          `json:"decided_by,omitempty"`
	DecidedAt      *time.Time       `json:"decided_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ActiveLevel is the 1-based level awaiting decisions, or 0.
func (r Request) ActiveLevel() int { return LevelOf(r.Status) }

// Approval is one decision recorded at one level within a revision round.
type Approval struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	Round         int       `json:"round"`
	Level         int       `json:"level"`
	DecidedBy     string    `json:"decided_by"`
	Decision      Decision  `json:"decision"`
	Reason        *string   `json:"reason,omitempty"`
	AttachmentRef *string   `json:"attachment_ref,omitempty"`
	Source        string    `json:"source"`
	DecidedAt     time.Time `json:"decided_at"`
}

// StatusHistory is an append-only audit row.
type StatusHistory struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Event      string    `json:"event"`
	Level      int       `json:"level"`
	Round      int       `json:"round"`
	Actor      string    `json:"actor"`
	RecordedAt time.Time `json:"recorded_at"`
}
