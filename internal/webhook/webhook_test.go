package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approval-workflow-engine/internal/models"
)

func TestSignVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("s3cret", body)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, Verify("s3cret", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("s3cret", []byte(`{"a":2}`), sig))
}

func TestRecordAndRequest(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	by := "bob"
	req := models.Request{
		ID: "r1", Type: "expense", CreatedBy: "alice", Status: models.StatusApproved,
		Version: 4, DecidedBy: &by, DecidedAt: &now, Payload: map[string]any{"amount": 3.0},
		Workflow: models.WorkflowSnapshot{ContractVersion: "2025-01"},
	}
	env := NewEnvelope(req, models.EventTypeApproved, "erp", 0, now)
	rec, err := Record(env, models.Endpoint{Name: "erp", URL: "http://erp.test/hook"}, "k", now)
	require.NoError(t, err)

	assert.Equal(t, "r1:erp:4", rec.IdempotencyKey)
	assert.Equal(t, "2025-01", rec.ContractVersion)
	assert.Equal(t, models.OutboxPending, rec.Status)
	assert.True(t, Verify("k", rec.Payload, rec.Signature))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(rec.Payload, &decoded))
	assert.Equal(t, "r1:erp:4", decoded.EventID)
	assert.Equal(t, models.StatusApproved, decoded.Status)

	rec.ID = "o1"
	hr, err := NewRequest(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, hr.Method)
	assert.Equal(t, rec.Signature, hr.Header.Get(HeaderSignature))
	assert.Equal(t, "2025-01", hr.Header.Get(HeaderContractVersion))
	assert.Equal(t, "r1:erp:4", hr.Header.Get(HeaderIdempotencyKey))
	assert.Equal(t, "o1", hr.Header.Get(HeaderDeliveryID))
}

func TestDefaultContractVersion(t *testing.T) {
	env := NewEnvelope(models.Request{ID: "r", Version: 1}, models.EventTypeCancelled, "e", 0, time.Now())
	assert.Equal(t, DefaultContractVersion, env.ContractVersion)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	d, ok := ParseRetryAfter("120", now)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	d, ok = ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Zero(t, d)

	for _, huge := range []string{"9300000000", "99999999999999999999999"} {
		d, ok = ParseRetryAfter(huge, now)
		assert.True(t, ok, huge)
		assert.Equal(t, time.Duration(maxRetryAfterSeconds)*time.Second, d, huge)
		assert.Positive(t, d, huge)
	}

	for _, bad := range []string{"", "soon", "-5", "-99999999999999999999999"} {
		_, ok := ParseRetryAfter(bad, now)
		assert.False(t, ok, bad)
	}
}
