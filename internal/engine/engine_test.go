package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approval-workflow-engine/internal/models"
)

func sequentialWF(levels int) models.WorkflowSnapshot {
	wf := models.WorkflowSnapshot{Type: "expense", Strategy: models.StrategySequential}
	for i := 0; i < levels; i++ {
		wf.Levels = append(wf.Levels, models.LevelConfig{Members: []string{"U1", "U2"}})
	}
	return wf
}

func parallelWF(quorum int, tie models.TieBreak) models.WorkflowSnapshot {
	return models.WorkflowSnapshot{
		Type:     "purchase",
		Strategy: models.StrategyParallel,
		Levels: []models.LevelConfig{
			{Members: []string{"A", "B", "C", "D"}, Quorum: quorum, TieBreak: tie},
			{Members: []string{"E"}},
		},
	}
}

func TestSequentialAdvancesOneLevelPerApproval(t *testing.T) {
	wf := sequentialWF(3)
	state := models.PendingStatus(1)
	for level := 1; level <= 3; level++ {
		tr, err := Next(state, ApproveEvent{Actor: "U1", Level: level}, wf, Tally{})
		require.NoError(t, err)
		state = tr.To
	}
	assert.Equal(t, models.StatusApproved, state)
}

func TestSequentialTransitions(t *testing.T) {
	type testCase struct {
		name     string
		wf       models.WorkflowSnapshot
		state    models.Status
		event    Event
		want     models.Status
		terminal bool
		newRound bool
		err      error
	}
	backToPrevious := sequentialWF(3)
	backToPrevious.RejectPolicy = models.RejectPreviousLevel

	tests := []testCase{
		{name: "approve middle level", wf: sequentialWF(3), state: "PENDING_L2", event: ApproveEvent{Level: 2}, want: "PENDING_L3"},
		{name: "approve last level", wf: sequentialWF(2), state: "PENDING_L2", event: ApproveEvent{Level: 2}, want: models.StatusApproved, terminal: true},
		{name: "reject short circuits", wf: sequentialWF(3), state: "PENDING_L2", event: RejectEvent{Level: 2, Reason: "no"}, want: models.StatusRejected, terminal: true},
		{name: "reject sends back when configured", wf: backToPrevious, state: "PENDING_L3", event: RejectEvent{Level: 3}, want: "PENDING_L2", newRound: true},
		{name: "reject at first level is terminal even when sending back", wf: backToPrevious, state: "PENDING_L1", event: RejectEvent{Level: 1}, want: models.StatusRejected, terminal: true},
		{name: "decision at inactive level", wf: sequentialWF(3), state: "PENDING_L2", event: ApproveEvent{Level: 1}, err: models.ErrInvalidTransition},
		{name: "decision on approved request", wf: sequentialWF(1), state: models.StatusApproved, event: ApproveEvent{Level: 1}, err: models.ErrInvalidTransition},
		{name: "decision at unknown level", wf: sequentialWF(1), state: "PENDING_L1", event: ApproveEvent{Level: 4}, err: models.ErrInvalidTransition},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := Next(tc.state, tc.event, tc.wf, Tally{})
			if tc.err != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.err))
				var rejected *RejectedError
				assert.True(t, errors.As(err, &rejected))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, tr.To)
			assert.Equal(t, tc.terminal, tr.Terminal())
			assert.Equal(t, tc.terminal, tr.Has(EffectEmitTerminal))
			assert.Equal(t, tc.newRound, tr.NewRound)
			assert.True(t, tr.Has(EffectRecordDecision))
		})
	}
}

func TestParallelQuorum(t *testing.T) {
	wf := parallelWF(2, "")

	tr, err := Next("PENDING_L1", ApproveEvent{Actor: "A", Level: 1}, wf, Tally{})
	require.NoError(t, err)
	assert.False(t, tr.Changed(), "first approve must not advance a 2-of-4 level")

	tr, err = Next("PENDING_L1", ApproveEvent{Actor: "B", Level: 1}, wf, Tally{Approvals: 1})
	require.NoError(t, err)
	assert.Equal(t, models.Status("PENDING_L2"), tr.To)
	assert.True(t, tr.LevelEntered())

	// A late approval at the satisfied level is accepted without moving state.
	tr, err = Next("PENDING_L2", ApproveEvent{Actor: "C", Level: 1}, wf, Tally{Approvals: 2})
	require.NoError(t, err)
	assert.False(t, tr.Changed())
	assert.True(t, tr.Has(EffectRecordDecision))

	// Late rejections are not.
	_, err = Next("PENDING_L2", RejectEvent{Actor: "D", Level: 1}, wf, Tally{Approvals: 2})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestLateApprovalOnLastParallelLevelIsRejected(t *testing.T) {
	wf := models.WorkflowSnapshot{
		Type:     "access",
		Strategy: models.StrategyParallel,
		Levels:   []models.LevelConfig{{Members: []string{"A", "B", "C"}, Quorum: 2}},
	}

	tr, err := Next("PENDING_L1", ApproveEvent{Actor: "B", Level: 1}, wf, Tally{Approvals: 1})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, tr.To)
	assert.True(t, tr.Has(EffectEmitTerminal))

	// Once the last level approves the request is terminal, so a third
	// approval has no in-flight level to acknowledge.
	_, err = Next(models.StatusApproved, ApproveEvent{Actor: "C", Level: 1}, wf, Tally{Approvals: 2})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	var rejected *RejectedError
	assert.True(t, errors.As(err, &rejected))
}

func TestParallelQuorumDefaultsToAllMembers(t *testing.T) {
	wf := parallelWF(0, "")
	tr, err := Next("PENDING_L1", ApproveEvent{Level: 1}, wf, Tally{Approvals: 2})
	require.NoError(t, err)
	assert.False(t, tr.Changed())

	tr, err = Next("PENDING_L1", ApproveEvent{Level: 1}, wf, Tally{Approvals: 3})
	require.NoError(t, err)
	assert.Equal(t, models.Status("PENDING_L2"), tr.To)
}

func TestParallelRejectIsTerminalByDefault(t *testing.T) {
	tr, err := Next("PENDING_L1", RejectEvent{Level: 1}, parallelWF(2, ""), Tally{Approvals: 1})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, tr.To)
	assert.True(t, tr.Terminal())
}

func TestParallelMajorityTieBreak(t *testing.T) {
	type testCase struct {
		name    string
		quorum  int
		tally   Tally
		approve bool
		want    models.Status
	}
	// Four members: majority reject threshold is 3.
	tests := []testCase{
		{name: "single reject keeps level open", quorum: 2, tally: Tally{}, approve: false, want: "PENDING_L1"},
		{name: "approve quorum wins first", quorum: 2, tally: Tally{Approvals: 1, Rejections: 2}, approve: true, want: "PENDING_L2"},
		{name: "reject majority wins", quorum: 3, tally: Tally{Approvals: 1, Rejections: 2}, approve: false, want: models.StatusRejected},
		{name: "quorum unreachable fails closed", quorum: 3, tally: Tally{Approvals: 1, Rejections: 1}, approve: false, want: models.StatusRejected},
		{name: "even split fails closed", quorum: 3, tally: Tally{Approvals: 2, Rejections: 1}, approve: false, want: models.StatusRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var ev Event = RejectEvent{Level: 1}
			if tc.approve {
				ev = ApproveEvent{Level: 1}
			}
			tr, err := Next("PENDING_L1", ev, parallelWF(tc.quorum, models.TieBreakMajority), tc.tally)
			require.NoError(t, err)
			assert.Equal(t, tc.want, tr.To)
		})
	}
}

func TestCancel(t *testing.T) {
	wf := sequentialWF(2)
	tr, err := Next("PENDING_L2", CancelEvent{Actor: "owner"}, wf, Tally{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, tr.To)
	assert.True(t, tr.Terminal())

	for _, s := range []models.Status{models.StatusApproved, models.StatusRejected, models.StatusCancelled} {
		_, err := Next(s, CancelEvent{Actor: "owner"}, wf, Tally{})
		assert.ErrorIs(t, err, models.ErrInvalidTransition, s)
	}
}

func TestRevise(t *testing.T) {
	wf := sequentialWF(3)
	tr, err := Next(models.StatusRejected, ReviseEvent{Actor: "owner"}, wf, Tally{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevised, tr.Via)
	assert.Equal(t, models.PendingStatus(1), tr.To)
	assert.True(t, tr.NewRound)
	assert.False(t, tr.Terminal())

	wf.ReviseResumeLevel = 2
	tr, err = Next(models.StatusRejected, ReviseEvent{Actor: "owner"}, wf, Tally{})
	require.NoError(t, err)
	assert.Equal(t, models.PendingStatus(2), tr.To)

	_, err = Next(models.StatusApproved, ReviseEvent{Actor: "owner"}, wf, Tally{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestEscalate(t *testing.T) {
	wf := sequentialWF(2)
	wf.Levels[0].SLA = time.Hour

	tr, err := Next("PENDING_L1", EscalateEvent{Level: 1}, wf, Tally{})
	require.NoError(t, err)
	assert.False(t, tr.Changed())
	assert.True(t, tr.Has(EffectNotifyFallback))

	wf.Levels[0].OnTimeout = models.TimeoutPromote
	tr, err = Next("PENDING_L1", EscalateEvent{Level: 1}, wf, Tally{})
	require.NoError(t, err)
	assert.Equal(t, models.PendingStatus(2), tr.To)

	wf.Levels[1].OnTimeout = models.TimeoutPromote
	tr, err = Next("PENDING_L2", EscalateEvent{Level: 2}, wf, Tally{})
	require.NoError(t, err)
	assert.False(t, tr.Changed(), "promotion past the last level only notifies")

	wf.Levels[1].OnTimeout = models.TimeoutReject
	tr, err = Next("PENDING_L2", EscalateEvent{Level: 2}, wf, Tally{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, tr.To)

	_, err = Next("PENDING_L2", EscalateEvent{Level: 1}, wf, Tally{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestNilEvent(t *testing.T) {
	_, err := Next("PENDING_L1", nil, sequentialWF(1), Tally{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}
