// Package webhook builds, signs and parses outbound event notifications.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"approval-workflow-engine/internal/models"
)

// Delivery headers.
const (
	HeaderSignature       = "X-Webhook-Signature"
	HeaderEvent           = "X-Webhook-Event"
	HeaderDeliveryID      = "X-Webhook-Delivery-ID"
	HeaderContractVersion = "X-Contract-Version"
	HeaderIdempotencyKey  = "X-Idempotency-Key"

	signaturePrefix = "sha256="
)

// DefaultContractVersion is stamped on envelopes when the workflow does not
// pin one.
const DefaultContractVersion = "v1"

// Envelope is the JSON body posted to every endpoint.
type Envelope struct {
	EventID         string         `json:"event_id"`
	EventType       string         `json:"event_type"`
	EventVersion    int64          `json:"event_version"`
	ContractVersion string         `json:"contract_version"`
	RequestID       string         `json:"request_id"`
	RequestType     string         `json:"request_type"`
	Status          models.Status  `json:"status"`
	CreatedBy       string         `json:"created_by"`
	DecidedBy       *string        `json:"decided_by,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	Level           int            `json:"level,omitempty"`
	Round           int            `json:"round"`
	Payload         map[string]any `json:"payload"`
	OccurredAt      time.Time      `json:"occurred_at"`
}

// NewEnvelope describes req after the commit that produced eventType. level
// is set for escalation events.
func NewEnvelope(req models.Request, eventType, endpoint string, level int, now time.Time) Envelope {
	cv := req.Workflow.ContractVersion
	if cv == "" {
		cv = DefaultContractVersion
	}
	return Envelope{
		EventID:         models.OutboxIdempotencyKey(req.ID, endpoint, req.Version),
		EventType:       eventType,
		EventVersion:    req.Version,
		ContractVersion: cv,
		RequestID:       req.ID,
		RequestType:     req.Type,
		Status:          req.Status,
		CreatedBy:       req.CreatedBy,
		DecidedBy:       req.DecidedBy,
		DecidedAt:       req.DecidedAt,
		Level:           level,
		Round:           req.Round,
		Payload:         req.Payload,
		OccurredAt:      now,
	}
}

// Sign returns the sha256=<hex> HMAC of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Record turns an envelope into a signed PENDING outbox row for endpoint.
func Record(env Envelope, endpoint models.Endpoint, secret string, now time.Time) (models.OutboxRecord, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return models.OutboxRecord{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return models.OutboxRecord{
		RequestID:       env.RequestID,
		EventType:       env.EventType,
		EventVersion:    env.EventVersion,
		Endpoint:        endpoint.Name,
		TargetURL:       endpoint.URL,
		Payload:         body,
		Signature:       Sign(secret, body),
		ContractVersion: env.ContractVersion,
		Status:          models.OutboxPending,
		NextAttemptAt:   now,
		IdempotencyKey:  models.OutboxIdempotencyKey(env.RequestID, endpoint.Name, env.EventVersion),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// NewRequest builds the POST for one delivery attempt of rec.
func NewRequest(ctx context.Context, rec models.OutboxRecord) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.TargetURL, bytes.NewReader(rec.Payload))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, rec.Signature)
	req.Header.Set(HeaderEvent, rec.EventType)
	req.Header.Set(HeaderDeliveryID, rec.ID)
	req.Header.Set(HeaderContractVersion, rec.ContractVersion)
	req.Header.Set(HeaderIdempotencyKey, rec.IdempotencyKey)
	return req, nil
}

// maxRetryAfterSeconds is the largest delay a time.Duration can hold.
const maxRetryAfterSeconds = int64(math.MaxInt64 / int64(time.Second))

// ParseRetryAfter reads a Retry-After value given as delta-seconds or an
// HTTP-date. ok is false when the header is absent or malformed.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		if secs < 0 {
			return 0, false
		}
		if secs > maxRetryAfterSeconds {
			secs = maxRetryAfterSeconds
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
