package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the persisted lifecycle state of a Request. Pending states carry
// the active level number, e.g. PENDING_L2.
type Status string

const (
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusRevised   Status = "REVISED"
	StatusCancelled Status = "CANCELLED"

	pendingPrefix = "PENDING_L"
)

// PendingStatus returns the pending state for a 1-based level.
func PendingStatus(level int) Status {
	if level < 1 {
		level = 1
	}
	return Status(fmt.Sprintf("%s%d", pendingPrefix, level))
}

// LevelOf extracts the active level from a pending status. It returns 0 for
// any non-pending status.
func LevelOf(s Status) int {
	if !strings.HasPrefix(string(s), pendingPrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(s), pendingPrefix))
	if err != nil || n < 1 {
		return 0
	}
	return n
}

// IsPending reports whether s is a PENDING_L{n} state.
func (s Status) IsPending() bool { return LevelOf(s) > 0 }

// IsTerminal reports whether s is APPROVED, REJECTED or CANCELLED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Decision values recorded on Approval rows.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ParseDecision accepts approve/reject in any case.
func ParseDecision(v string) (Decision, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "APPROVE", "APPROVED":
		return DecisionApprove, nil
	case "REJECT", "REJECTED":
		return DecisionReject, nil
	}
	return "", fmt.Errorf("unknown decision %q", v)
}

// History event kinds.
const (
	EventCreated   = "CREATED"
	EventDecision  = "DECISION"
	EventEscalated = "ESCALATED"
	EventCancelled = "CANCELLED"
	EventRevised   = "REVISED"
)

// Decision sources.
const (
	SourceChannel = "channel"
	SourceHome    = "home"
	SourceAPI     = "api"
	SourceSystem  = "system"
)

// SystemActor is the synthetic actor used for SLA escalations.
const SystemActor = "system"
