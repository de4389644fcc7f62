package store

import (
	"strings"
	"time"

	"approval-workflow-engine/internal/models"
)

// DecisionContext is the snapshot the processor reads before deciding.
type DecisionContext struct {
	Request models.Request
	// Approvals holds every approval in the request's current round.
	Approvals []models.Approval
	// EscalatedLevels lists levels escalated in the current round.
	EscalatedLevels []int
}

// Escalated reports whether level has an escalation marker this round.
func (d DecisionContext) Escalated(level int) bool {
	for _, l := range d.EscalatedLevels {
		if l == level {
			return true
		}
	}
	return false
}

// AtLevel returns the current-round approvals recorded at level.
func (d DecisionContext) AtLevel(level int) []models.Approval {
	var out []models.Approval
	for _, a := range d.Approvals {
		if a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

// Commit is one atomic mutation of a request. Either every effect lands or
// none does.
type Commit struct {
	RequestID       string
	ExpectedVersion int64

	Status         models.Status
	Round          int
	LevelStartedAt *time.Time
	SLADeadline    *time.Time
	DecidedBy      *string
	DecidedAt      *time.Time

	Approval *models.Approval
	// ApprovalSlot scopes approval uniqueness within a level: the actor for
	// parallel levels, SequentialSlot for single-decider levels.
	ApprovalSlot string
	History  []models.StatusHistory
	Outbox   []models.OutboxRecord

	// EscalationLevel, when non-zero, makes the commit fail with
	// models.ErrAlreadyEscalated if the level already carries a marker in
	// Round.
	EscalationLevel int

	Now time.Time
}

// SequentialSlot is the approval slot shared by every decider of a
// sequential level, so at most one decision lands per level and round.
const SequentialSlot = "*"

// Sort fields accepted by RequestFilter.
const (
	SortCreatedAt = "created_at"
	SortStatus    = "status"
	SortType      = "type"
)

// RequestFilter narrows the read-only request listings.
type RequestFilter struct {
	Statuses    []string
	Types       []string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	SortBy      string
	SortOrder   string
	Limit       int
	Offset      int
}

const (
	defaultLimit = 10
	maxLimit     = 50
)

// Normalize cleans the filter in place and returns it.
func (f RequestFilter) Normalize() RequestFilter {
	f.Statuses = cleanList(f.Statuses)
	f.Types = cleanList(f.Types)
	switch f.SortBy {
	case SortCreatedAt, SortStatus, SortType:
	default:
		f.SortBy = SortCreatedAt
	}
	if strings.ToLower(f.SortOrder) == "asc" {
		f.SortOrder = "asc"
	} else {
		f.SortOrder = "desc"
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultLimit
	case f.Limit > maxLimit:
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// matchesStatus treats a bare PENDING filter as every PENDING_L{n} state.
func (f RequestFilter) matchesStatus(s models.Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if strings.EqualFold(want, "PENDING") && s.IsPending() {
			return true
		}
		if string(s) == want {
			return true
		}
	}
	return false
}

func cleanList(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
