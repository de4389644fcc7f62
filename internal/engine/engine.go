// Package engine holds the pure approval state machine. It performs no I/O:
// callers hand in a status snapshot, the workflow snapshot frozen on the
// request, and the decision tally for the level; Next computes the resulting
// transition or rejects the event.
package engine

import (
	"fmt"
	"slices"

	"approval-workflow-engine/internal/models"
)

// Effect names a side-effect the caller must perform when committing.
type Effect string

const (
	EffectRecordDecision Effect = "record_decision"
	EffectNotifyFallback Effect = "notify_fallback"
	EffectEmitTerminal   Effect = "emit_terminal"
)

// Tally counts decisions already recorded at the event's level in the
// current round, excluding the event being evaluated.
type Tally struct {
	Approvals  int
	Rejections int
}

// Transition is the result of a legal event.
type Transition struct {
	From models.Status
	To   models.Status
	// Via is an intermediate state recorded in history but never stored on
	// the request (REJECTED -> REVISED -> PENDING_Lk).
	Via models.Status
	// NewRound is set whenever decisions recorded so far stop counting.
	NewRound bool
	Effects  []Effect
}

// Changed reports whether the request status moves.
func (t Transition) Changed() bool { return t.From != t.To }

// Terminal reports whether this transition entered a terminal state.
func (t Transition) Terminal() bool { return t.Changed() && t.To.IsTerminal() }

// LevelEntered reports whether a (possibly new) pending level starts here.
func (t Transition) LevelEntered() bool {
	return t.To.IsPending() && (t.NewRound || models.LevelOf(t.From) != models.LevelOf(t.To))
}

// Has reports whether e is among the effects.
func (t Transition) Has(e Effect) bool { return slices.Contains(t.Effects, e) }

// RejectedError is returned for illegal events. It unwraps to a sentinel in
// models, normally models.ErrInvalidTransition.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string { return fmt.Sprintf("%s: %s", e.Err, e.Reason) }

func (e *RejectedError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...), Err: models.ErrInvalidTransition}
}

// Next computes the transition for ev applied to state.
func Next(state models.Status, ev Event, wf models.WorkflowSnapshot, tally Tally) (Transition, error) {
	switch e := ev.(type) {
	case ApproveEvent:
		return decide(state, e.Level, true, wf, tally)
	case RejectEvent:
		return decide(state, e.Level, false, wf, tally)
	case EscalateEvent:
		return escalate(state, e.Level, wf)
	case CancelEvent:
		if state.IsTerminal() {
			return Transition{}, invalid("cannot cancel a %s request", state)
		}
		return terminal(state, models.StatusCancelled), nil
	case ReviseEvent:
		if state != models.StatusRejected {
			return Transition{}, invalid("only rejected requests can be revised, status is %s", state)
		}
		resume := wf.ReviseResumeLevel
		if resume < 1 || resume > len(wf.Levels) {
			resume = 1
		}
		return Transition{
			From:     state,
			Via:      models.StatusRevised,
			To:       models.PendingStatus(resume),
			NewRound: true,
		}, nil
	case nil:
		return Transition{}, invalid("nil event")
	default:
		return Transition{}, invalid("unsupported event %T", ev)
	}
}

func terminal(from, to models.Status) Transition {
	return Transition{From: from, To: to, Effects: []Effect{EffectEmitTerminal}}
}

// forward moves past level, to APPROVED when level is the last one.
func forward(wf models.WorkflowSnapshot, level int) models.Status {
	if level >= len(wf.Levels) {
		return models.StatusApproved
	}
	return models.PendingStatus(level + 1)
}

func decide(state models.Status, level int, approve bool, wf models.WorkflowSnapshot, tally Tally) (Transition, error) {
	active := models.LevelOf(state)
	if active == 0 {
		return Transition{}, invalid("request is %s and no longer accepts decisions", state)
	}
	lc, ok := wf.Level(level)
	if !ok {
		return Transition{}, invalid("level %d does not exist", level)
	}

	if level != active {
		// A parallel level that already met quorum keeps accepting approvals
		// as acknowledgements while the request is still in flight.
		if wf.Strategy == models.StrategyParallel && approve && level < active {
			return Transition{From: state, To: state, Effects: []Effect{EffectRecordDecision}}, nil
		}
		return Transition{}, invalid("level %d is not active (active level %d)", level, active)
	}

	if wf.Strategy == models.StrategySequential {
		return sequential(state, level, approve, wf), nil
	}
	return parallel(state, level, approve, wf, lc, tally), nil
}

func sequential(state models.Status, level int, approve bool, wf models.WorkflowSnapshot) Transition {
	if approve {
		t := Transition{From: state, To: forward(wf, level), Effects: []Effect{EffectRecordDecision}}
		if t.To.IsTerminal() {
			t.Effects = append(t.Effects, EffectEmitTerminal)
		}
		return t
	}
	if wf.RejectPolicy == models.RejectPreviousLevel && level > 1 {
		return Transition{
			From:     state,
			To:       models.PendingStatus(level - 1),
			NewRound: true,
			Effects:  []Effect{EffectRecordDecision},
		}
	}
	return Transition{From: state, To: models.StatusRejected, Effects: []Effect{EffectRecordDecision, EffectEmitTerminal}}
}

func parallel(state models.Status, level int, approve bool, wf models.WorkflowSnapshot, lc models.LevelConfig, tally Tally) Transition {
	approvals, rejections := tally.Approvals, tally.Rejections
	if approve {
		approvals++
	} else {
		rejections++
	}
	quorum := lc.QuorumOrDefault()

	reject := Transition{From: state, To: models.StatusRejected, Effects: []Effect{EffectRecordDecision, EffectEmitTerminal}}
	advance := Transition{From: state, To: forward(wf, level), Effects: []Effect{EffectRecordDecision}}
	if advance.To.IsTerminal() {
		advance.Effects = append(advance.Effects, EffectEmitTerminal)
	}
	stay := Transition{From: state, To: state, Effects: []Effect{EffectRecordDecision}}

	if lc.TieBreak != models.TieBreakMajority {
		switch {
		case !approve:
			return reject
		case approvals >= quorum:
			return advance
		}
		return stay
	}

	members := len(lc.Members)
	majority := members/2 + 1
	approveReached := approvals >= quorum
	rejectReached := rejections >= majority
	switch {
	case approveReached && rejectReached:
		// Both sides crossed on the same decision: fail closed.
		return reject
	case rejectReached:
		return reject
	case approveReached:
		return advance
	}
	remaining := max(members-approvals-rejections, 0)
	if approvals+remaining < quorum {
		return reject
	}
	return stay
}

func escalate(state models.Status, level int, wf models.WorkflowSnapshot) (Transition, error) {
	active := models.LevelOf(state)
	if active == 0 {
		return Transition{}, invalid("request is %s and cannot be escalated", state)
	}
	if level != active {
		return Transition{}, invalid("level %d is not active (active level %d)", level, active)
	}
	lc, _ := wf.Level(level)
	switch lc.OnTimeout {
	case models.TimeoutPromote:
		if level < len(wf.Levels) {
			return Transition{From: state, To: models.PendingStatus(level + 1), Effects: []Effect{EffectNotifyFallback}}, nil
		}
	case models.TimeoutReject:
		return terminal(state, models.StatusRejected), nil
	}
	return Transition{From: state, To: state, Effects: []Effect{EffectNotifyFallback}}, nil
}
