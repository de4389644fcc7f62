package models

import (
	"fmt"
	"time"
)

// OutboxStatus enumerates delivery states persisted in the outbox table.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxSent       OutboxStatus = "SENT"
	OutboxFailed     OutboxStatus = "FAILED"
	OutboxDeadLetter OutboxStatus = "DEAD_LETTER"
)

// Outbox event types.
const (
	EventTypeApproved  = "request.approved"
	EventTypeRejected  = "request.rejected"
	EventTypeCancelled = "request.cancelled"
	EventTypeEscalated = "request.escalated"
)

// OutboxRecord is one pending or delivered webhook notification.
type OutboxRecord struct {
	ID              string       `json:"id"`
	Seq             int64        `json:"seq"`
	RequestID       string       `json:"request_id"`
	EventType       string       `json:"event_type"`
	EventVersion    int64        `json:"event_version"`
	Endpoint        string       `json:"endpoint"`
	TargetURL       string       `json:"target_url"`
	Payload         []byte       `json:"-"`
	Signature       string       `json:"-"`
	ContractVersion string       `json:"contract_version"`
	Status          OutboxStatus `json:"status"`
	Attempts        int          `json:"attempts"`
	ReplayCount     int          `json:"replay_count"`
	NextAttemptAt   time.Time    `json:"next_attempt_at"`
	LastError       *string      `json:"last_error,omitempty"`
	LastStatusCode  *int         `json:"last_status_code,omitempty"`
	IdempotencyKey  string       `json:"idempotency_key"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	SentAt          *time.Time   `json:"sent_at,omitempty"`
}

// OutboxIdempotencyKey builds the requestId:endpoint:eventVersion key.
func OutboxIdempotencyKey(requestID, endpoint string, eventVersion int64) string {
	return fmt.Sprintf("%s:%s:%d", requestID, endpoint, eventVersion)
}

// TerminalEventType maps a terminal status to its webhook event type.
func TerminalEventType(s Status) string {
	switch s {
	case StatusApproved:
		return EventTypeApproved
	case StatusRejected:
		return EventTypeRejected
	case StatusCancelled:
		return EventTypeCancelled
	}
	return ""
}
