package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approval-workflow-engine/internal/models"
	"approval-workflow-engine/internal/store"
)

type fakeBackend struct {
	replayed  []string
	sweeps    int
	lastActor string
	lastLimit int
	released  bool
}

func (f *fakeBackend) History(context.Context, string) ([]models.StatusHistory, error) {
	return []models.StatusHistory{
		{Event: models.EventCreated, ToStatus: models.PendingStatus(1), Level: 1, Round: 1, Actor: "zoe"},
		{Event: models.EventDecision, FromStatus: models.PendingStatus(1), ToStatus: models.StatusApproved, Level: 1, Round: 1, Actor: "mgr"},
	}, nil
}

func (f *fakeBackend) PendingForActor(_ context.Context, actor string, fl store.RequestFilter) ([]models.Request, error) {
	f.lastActor, f.lastLimit = actor, fl.Limit
	return []models.Request{{ID: "req-1", Type: "expense", Status: models.PendingStatus(2), CreatedBy: "zoe", Version: 3}}, nil
}

func (f *fakeBackend) DeadLetters(context.Context, int) ([]models.OutboxRecord, error) {
	msg := "status 500"
	return []models.OutboxRecord{{ID: "ob-1", RequestID: "req-1", EventType: "request.approved", Endpoint: "erp", Attempts: 5, LastError: &msg}}, nil
}

func (f *fakeBackend) Replay(_ context.Context, id string) (models.OutboxRecord, error) {
	if id != "ob-1" {
		return models.OutboxRecord{}, models.ErrNotDeadLettered
	}
	f.replayed = append(f.replayed, id)
	return models.OutboxRecord{ID: id, ReplayCount: 1, Attempts: 5}, nil
}

func (f *fakeBackend) DLQPeek(_ context.Context, count int64) ([]string, error) {
	return []string{"ob-1", "ob-7"}[:count], nil
}

func (f *fakeBackend) Sweep(context.Context) (int, error) {
	f.sweeps++
	return 2, nil
}

func run(t *testing.T, b *fakeBackend, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	open := func(context.Context) (Backend, func(), error) {
		return b, func() { b.released = true }, nil
	}
	root := RootCmd(open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPendingCommand(t *testing.T) {
	b := &fakeBackend{}
	out, err := run(t, b, "pending", "alice", "--limit", "500")
	require.NoError(t, err)
	assert.Contains(t, out, "req-1")
	assert.Contains(t, out, "PENDING_L2")
	assert.Equal(t, "alice", b.lastActor)
	assert.Equal(t, 50, b.lastLimit, "limit is clamped")
	assert.True(t, b.released)
}

func TestHistoryCommand(t *testing.T) {
	out, err := run(t, &fakeBackend{}, "history", "req-1")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATED")
	assert.Contains(t, out, "APPROVED")
}

func TestOutboxCommands(t *testing.T) {
	b := &fakeBackend{}
	out, err := run(t, b, "outbox", "dead-letters")
	require.NoError(t, err)
	assert.Contains(t, out, "ob-1")
	assert.Contains(t, out, "status 500")

	out, err = run(t, b, "outbox", "replay", "ob-1")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued ob-1")
	assert.Equal(t, []string{"ob-1"}, b.replayed)

	_, err = run(t, b, "outbox", "replay", "ob-2")
	assert.ErrorIs(t, err, models.ErrNotDeadLettered)

	out, err = run(t, b, "outbox", "dlq", "--count", "1")
	require.NoError(t, err)
	assert.Equal(t, "ob-1\n", out)
}

func TestSweepCommand(t *testing.T) {
	b := &fakeBackend{}
	out, err := run(t, b, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "escalated 2")
	assert.Equal(t, 1, b.sweeps)
}

func TestWorkflowsValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workflows:
  - type: expense
    strategy: sequential
    levels:
      - members: [mgr]
`), 0o600))

	out, err := run(t, &fakeBackend{}, "workflows", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok expense: sequential, 1 level(s)")

	_, err = run(t, &fakeBackend{}, "workflows", "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
