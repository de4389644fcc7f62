package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approval-workflow-engine/internal/models"
)

func testWorkflow() models.WorkflowSnapshot {
	return models.WorkflowSnapshot{
		Type:     "expense",
		Strategy: models.StrategyParallel,
		Levels: []models.LevelConfig{
			{Members: []string{"alice", "bob", "carol"}, Quorum: 2, FallbackApprovers: []string{"dave"}, SLA: time.Hour},
			{Members: []string{"erin"}},
		},
		Endpoints: []models.Endpoint{{Name: "erp", URL: "http://erp.local/hook"}},
	}
}

func newRequest(creator string, created time.Time) (models.Request, models.StatusHistory) {
	wf := testWorkflow()
	started := created
	req := models.Request{
		ID:             uuid.New().String(),
		Type:           wf.Type,
		CreatedBy:      creator,
		Payload:        map[string]any{"amount": 10.0, "nonce": uuid.New().String()},
		Status:         models.PendingStatus(1),
		Workflow:       wf,
		Version:        1,
		RequestKey:     uuid.New().String(),
		LevelStartedAt: &started,
		SLADeadline:    wf.LevelSLA(1, started),
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	h := models.StatusHistory{
		ToStatus:   req.Status,
		Event:      models.EventCreated,
		Level:      1,
		Actor:      creator,
		RecordedAt: created,
	}
	return req, h
}

func approveCommit(req models.Request, actor string, now time.Time) Commit {
	return Commit{
		RequestID:       req.ID,
		ExpectedVersion: req.Version,
		Status:          req.Status,
		Round:           req.Round,
		LevelStartedAt:  req.LevelStartedAt,
		SLADeadline:     req.SLADeadline,
		Approval: &models.Approval{
			RequestID: req.ID,
			Round:     req.Round,
			Level:     req.ActiveLevel(),
			DecidedBy: actor,
			Decision:  models.DecisionApprove,
			Source:    models.SourceAPI,
			DecidedAt: now,
		},
		ApprovalSlot: actor,
		History: []models.StatusHistory{{
			RequestID: req.ID, FromStatus: req.Status, ToStatus: req.Status,
			Event: models.EventDecision, Level: req.ActiveLevel(), Actor: actor, RecordedAt: now,
		}},
		Now: now,
	}
}

func outboxRecord(requestID string, version int64, now time.Time) models.OutboxRecord {
	return models.OutboxRecord{
		RequestID:       requestID,
		EventType:       models.EventTypeApproved,
		EventVersion:    version,
		Endpoint:        "erp",
		TargetURL:       "http://erp.local/hook",
		Payload:         []byte(`{"ok":true}`),
		Signature:       "sha256=00",
		ContractVersion: "v1",
		Status:          models.OutboxPending,
		NextAttemptAt:   now,
		IdempotencyKey:  models.OutboxIdempotencyKey(requestID, "erp", version),
		CreatedAt:       now,
	}
}

// runStoreSuite exercises behaviour shared by every Store implementation.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and duplicate key", func(t *testing.T) {
		req, h := newRequest("zoe", now)
		got, err := s.CreateRequest(ctx, req, h)
		require.NoError(t, err)
		assert.Equal(t, req.ID, got.ID)

		dup := req
		dup.ID = uuid.New().String()
		_, err = s.CreateRequest(ctx, dup, h)
		assert.ErrorIs(t, err, models.ErrDuplicateRequest)

		hist, err := s.History(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, models.EventCreated, hist[0].Event)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := s.GetRequest(ctx, uuid.New().String())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("commit bumps version and rejects stale", func(t *testing.T) {
		req, h := newRequest("zoe", now)
		_, err := s.CreateRequest(ctx, req, h)
		require.NoError(t, err)

		updated, err := s.Commit(ctx, approveCommit(req, "alice", now))
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		_, err = s.Commit(ctx, approveCommit(req, "bob", now))
		assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

		dc, err := s.LoadDecisionContext(ctx, req.ID)
		require.NoError(t, err)
		assert.Len(t, dc.Approvals, 1)
		assert.Equal(t, "alice", dc.Approvals[0].DecidedBy)
	})

	t.Run("concurrent commits at one version", func(t *testing.T) {
		req, h := newRequest("zoe", now)
		_, err := s.CreateRequest(ctx, req, h)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, actor := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(i int, actor string) {
				defer wg.Done()
				_, errs[i] = s.Commit(ctx, approveCommit(req, actor, now))
			}(i, actor)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
			}
		}
		assert.Equal(t, 1, ok)
		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("duplicate decision slot", func(t *testing.T) {
		req, h := newRequest("zoe", now)
		_, err := s.CreateRequest(ctx, req, h)
		require.NoError(t, err)
		updated, err := s.Commit(ctx, approveCommit(req, "alice", now))
		require.NoError(t, err)

		_, err = s.Commit(ctx, approveCommit(updated, "alice", now))
		assert.ErrorIs(t, err, models.ErrDuplicateDecision)
		got, _ := s.GetRequest(ctx, req.ID)
		assert.Equal(t, int64(2), got.Version, "failed commit must not change the request")
	})

	t.Run("escalation marker is unique", func(t *testing.T) {
		past := now.Add(-2 * time.Hour)
		req, h := newRequest("zoe", past)
		_, err := s.CreateRequest(ctx, req, h)
		require.NoError(t, err)

		overdue, err := s.ListOverdue(ctx, now, 100)
		require.NoError(t, err)
		assert.True(t, containsRequest(overdue, req.ID))

		esc := func(r models.Request) Commit {
			return Commit{
				RequestID: r.ID, ExpectedVersion: r.Version, Status: r.Status, Round: r.Round,
				LevelStartedAt: r.LevelStartedAt, SLADeadline: r.SLADeadline, EscalationLevel: 1,
				History: []models.StatusHistory{{
					RequestID: r.ID, FromStatus: r.Status, ToStatus: r.Status, Event: models.EventEscalated,
					Level: 1, Round: r.Round, Actor: models.SystemActor, RecordedAt: now,
				}},
				Now: now,
			}
		}
		updated, err := s.Commit(ctx, esc(req))
		require.NoError(t, err)
		_, err = s.Commit(ctx, esc(updated))
		assert.ErrorIs(t, err, models.ErrAlreadyEscalated)

		overdue, err = s.ListOverdue(ctx, now, 100)
		require.NoError(t, err)
		assert.False(t, containsRequest(overdue, req.ID))

		dc, err := s.LoadDecisionContext(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, []int{1}, dc.EscalatedLevels)
	})

	t.Run("pending for actor", func(t *testing.T) {
		creator := "creator-" + uuid.New().String()
		req, h := newRequest(creator, now)
		_, err := s.CreateRequest(ctx, req, h)
		require.NoError(t, err)

		pending, err := s.ListPendingForActor(ctx, "carol", RequestFilter{Limit: 50})
		require.NoError(t, err)
		assert.True(t, containsRequest(pending, req.ID))

		pending, err = s.ListPendingForActor(ctx, creator, RequestFilter{})
		require.NoError(t, err)
		assert.False(t, containsRequest(pending, req.ID), "creator never sees own request")

		pending, err = s.ListPendingForActor(ctx, "dave", RequestFilter{Limit: 50})
		require.NoError(t, err)
		assert.False(t, containsRequest(pending, req.ID), "fallback approver before escalation")

		_, err = s.Commit(ctx, approveCommit(req, "carol", now))
		require.NoError(t, err)
		pending, err = s.ListPendingForActor(ctx, "carol", RequestFilter{Limit: 50})
		require.NoError(t, err)
		assert.False(t, containsRequest(pending, req.ID), "already decided")
	})

	t.Run("created by with filters", func(t *testing.T) {
		creator := "lister-" + uuid.New().String()
		var ids []string
		for i := 0; i < 3; i++ {
			req, h := newRequest(creator, now.Add(time.Duration(i)*time.Minute))
			_, err := s.CreateRequest(ctx, req, h)
			require.NoError(t, err)
			ids = append(ids, req.ID)
		}
		got, err := s.ListCreatedBy(ctx, creator, RequestFilter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, ids[2], got[0].ID, "default sort is newest first")

		got, err = s.ListCreatedBy(ctx, creator, RequestFilter{SortOrder: "asc", Limit: 2, Statuses: []string{"PENDING"}})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[0], got[0].ID)

		got, err = s.ListCreatedBy(ctx, creator, RequestFilter{Statuses: []string{string(models.StatusApproved)}})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("outbox head of line and replay", func(t *testing.T) {
		req, h := newRequest("zoe", now)
		_, err := s.CreateRequest(ctx, req, h)
		require.NoError(t, err)

		c := approveCommit(req, "alice", now)
		c.Outbox = []models.OutboxRecord{outboxRecord(req.ID, 2, now), outboxRecord(req.ID, 3, now)}
		c.Outbox = append(c.Outbox, outboxRecord(req.ID, 2, now)) // same key collapses
		_, err = s.Commit(ctx, c)
		require.NoError(t, err)

		all, err := s.OutboxForRequest(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, all, 2)
		first, second := all[0], all[1]

		due, err := s.DueOutbox(ctx, now, 1000)
		require.NoError(t, err)
		assert.True(t, containsOutbox(due, first.ID))
		assert.False(t, containsOutbox(due, second.ID), "later record waits for the head")

		code := 503
		require.NoError(t, s.MarkFailed(ctx, first.ID, 1, now.Add(time.Hour), "boom", &code))
		due, err = s.DueOutbox(ctx, now, 1000)
		require.NoError(t, err)
		assert.False(t, containsOutbox(due, first.ID))
		assert.False(t, containsOutbox(due, second.ID), "blocked behind a retrying head")

		require.NoError(t, s.MarkDeadLetter(ctx, first.ID, 5, "boom", &code))
		dead, err := s.ListDeadLetters(ctx, 1000)
		require.NoError(t, err)
		assert.True(t, containsOutbox(dead, first.ID))

		due, err = s.DueOutbox(ctx, now, 1000)
		require.NoError(t, err)
		assert.True(t, containsOutbox(due, second.ID), "dead letters do not block")

		_, err = s.ReplayDeadLetter(ctx, second.ID, now)
		assert.ErrorIs(t, err, models.ErrNotDeadLettered)

		replayed, err := s.ReplayDeadLetter(ctx, first.ID, now)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxPending, replayed.Status)
		assert.Equal(t, 1, replayed.ReplayCount)
		assert.Equal(t, 5, replayed.Attempts)

		require.NoError(t, s.MarkSent(ctx, first.ID, 6, 200, now))
		got, err := s.GetOutbox(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxSent, got.Status)
		require.NotNil(t, got.SentAt)
	})

	t.Run("outbox status guards", func(t *testing.T) {
		req, h := newRequest("zoe", now)
		_, err := s.CreateRequest(ctx, req, h)
		require.NoError(t, err)
		c := approveCommit(req, "alice", now)
		c.Outbox = []models.OutboxRecord{outboxRecord(req.ID, 2, now)}
		_, err = s.Commit(ctx, c)
		require.NoError(t, err)
		all, err := s.OutboxForRequest(ctx, req.ID)
		require.NoError(t, err)
		id := all[0].ID
		code := 503

		assert.ErrorIs(t, s.MarkDeadLetter(ctx, id, 1, "boom", &code), models.ErrInvalidTransition, "PENDING cannot skip FAILED")
		assert.ErrorIs(t, s.Requeue(ctx, id, now), models.ErrInvalidTransition)

		require.NoError(t, s.MarkFailed(ctx, id, 1, now, "boom", &code))
		assert.ErrorIs(t, s.MarkSent(ctx, id, 2, 200, now), models.ErrInvalidTransition, "FAILED must be requeued first")
		assert.ErrorIs(t, s.MarkFailed(ctx, id, 2, now, "boom", &code), models.ErrInvalidTransition)

		require.NoError(t, s.Requeue(ctx, id, now))
		got, err := s.GetOutbox(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxPending, got.Status)
		assert.Equal(t, 1, got.Attempts, "requeue keeps the attempt count")

		require.NoError(t, s.MarkSent(ctx, id, 2, 200, now))
		assert.ErrorIs(t, s.MarkSent(ctx, id, 3, 200, now), models.ErrInvalidTransition, "sent is final")
		assert.ErrorIs(t, s.MarkFailed(ctx, id, 3, now, "boom", &code), models.ErrInvalidTransition)

		assert.ErrorIs(t, s.Requeue(ctx, "missing", now), models.ErrNotFound)
	})
}

func containsRequest(rs []models.Request, id string) bool {
	for _, r := range rs {
		if r.ID == id {
			return true
		}
	}
	return false
}

func containsOutbox(rs []models.OutboxRecord, id string) bool {
	for _, r := range rs {
		if r.ID == id {
			return true
		}
	}
	return false
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemory())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.RunMigrations(ctx))
	runStoreSuite(t, s)
}

func TestRequestFilterNormalize(t *testing.T) {
	cases := []struct {
		in        RequestFilter
		wantLimit int
		wantSort  string
		wantOrder string
	}{
		{RequestFilter{}, 10, SortCreatedAt, "desc"},
		{RequestFilter{Limit: 500, SortBy: "status", SortOrder: "ASC"}, 50, SortStatus, "asc"},
		{RequestFilter{Limit: -3, SortBy: "id; DROP TABLE requests"}, 10, SortCreatedAt, "desc"},
		{RequestFilter{Limit: 7, SortBy: "type"}, 7, SortType, "desc"},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			got := tc.in.Normalize()
			assert.Equal(t, tc.wantLimit, got.Limit)
			assert.Equal(t, tc.wantSort, got.SortBy)
			assert.Equal(t, tc.wantOrder, got.SortOrder)
		})
	}
	f := RequestFilter{Statuses: []string{" PENDING ", "", "PENDING"}}.Normalize()
	assert.Equal(t, []string{"PENDING"}, f.Statuses)
}
