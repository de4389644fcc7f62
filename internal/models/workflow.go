package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Strategy selects how decisions at a level are counted.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// TieBreak decides how a parallel level reacts to rejections.
type TieBreak string

const (
	// TieBreakReject makes any reject terminal.
	TieBreakReject TieBreak = "reject"
	// TieBreakMajority counts rejects toward a majority-reject threshold.
	TieBreakMajority TieBreak = "majority"
)

// RejectPolicy applies to sequential workflows.
type RejectPolicy string

const (
	RejectTerminal      RejectPolicy = "terminal"
	RejectPreviousLevel RejectPolicy = "previous_level"
)

// TimeoutPolicy is applied when a level exceeds its SLA.
type TimeoutPolicy string

const (
	TimeoutNotify  TimeoutPolicy = "notify"
	TimeoutPromote TimeoutPolicy = "promote"
	TimeoutReject  TimeoutPolicy = "reject"
)

// Endpoint is one external webhook receiver.
type Endpoint struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// LevelConfig describes one approval level.
type LevelConfig struct {
	Members           []string      `json:"members" yaml:"members"`
	Quorum            int           `json:"quorum,omitempty" yaml:"quorum"`
	TieBreak          TieBreak      `json:"tie_break,omitempty" yaml:"tie_break"`
	FallbackApprovers []string      `json:"fallback_approvers,omitempty" yaml:"fallback_approvers"`
	SLA               time.Duration `json:"sla,omitempty" yaml:"sla"`
	OnTimeout         TimeoutPolicy `json:"on_timeout,omitempty" yaml:"on_timeout"`
}

// QuorumOrDefault returns the configured quorum, defaulting to every member.
func (l LevelConfig) QuorumOrDefault() int {
	n := len(l.Members)
	if l.Quorum > 0 && l.Quorum <= n {
		return l.Quorum
	}
	return n
}

// IsEligible reports whether actor may decide at this level. Fallback
// approvers only qualify once the level has been escalated.
func (l LevelConfig) IsEligible(actor string, escalated bool) bool {
	if slices.Contains(l.Members, actor) {
		return true
	}
	return escalated && slices.Contains(l.FallbackApprovers, actor)
}

// WorkflowSnapshot is the immutable workflow configuration copied onto a
// Request at creation time. In-flight requests never consult live config.
type WorkflowSnapshot struct {
	Type              string        `json:"type" yaml:"type"`
	Title             string        `json:"title,omitempty" yaml:"title"`
	ConfigVersion     int           `json:"config_version" yaml:"version"`
	Strategy          Strategy      `json:"strategy" yaml:"strategy"`
	Levels            []LevelConfig `json:"levels" yaml:"levels"`
	RejectPolicy      RejectPolicy  `json:"reject_policy,omitempty" yaml:"reject_policy"`
	ReviseResumeLevel int           `json:"revise_resume_level,omitempty" yaml:"revise_resume_level"`
	Endpoints         []Endpoint    `json:"endpoints,omitempty" yaml:"endpoints"`
	WebhookSecret     string        `json:"webhook_secret,omitempty" yaml:"webhook_secret"`
	ContractVersion   string        `json:"contract_version,omitempty" yaml:"contract_version"`
}

// Level returns the 1-based level config.
func (w WorkflowSnapshot) Level(n int) (LevelConfig, bool) {
	if n < 1 || n > len(w.Levels) {
		return LevelConfig{}, false
	}
	return w.Levels[n-1], true
}

// LevelSLA returns the SLA deadline for a level entered at startedAt.
func (w WorkflowSnapshot) LevelSLA(n int, startedAt time.Time) *time.Time {
	lc, ok := w.Level(n)
	if !ok || lc.SLA <= 0 {
		return nil
	}
	d := startedAt.Add(lc.SLA)
	return &d
}

// Validate checks the snapshot is usable by the engine.
func (w WorkflowSnapshot) Validate() error {
	if w.Type == "" {
		return errors.New("workflow type is required")
	}
	switch w.Strategy {
	case StrategySequential, StrategyParallel:
	default:
		return fmt.Errorf("workflow %s: strategy must be sequential or parallel", w.Type)
	}
	if len(w.Levels) == 0 {
		return fmt.Errorf("workflow %s: at least one level is required", w.Type)
	}
	for i, l := range w.Levels {
		if len(l.Members) == 0 {
			return fmt.Errorf("workflow %s: level %d has no members", w.Type, i+1)
		}
		if l.Quorum < 0 || l.Quorum > len(l.Members) {
			return fmt.Errorf("workflow %s: level %d quorum %d out of range", w.Type, i+1, l.Quorum)
		}
		switch l.TieBreak {
		case "", TieBreakReject, TieBreakMajority:
		default:
			return fmt.Errorf("workflow %s: level %d unknown tie_break %q", w.Type, i+1, l.TieBreak)
		}
		switch l.OnTimeout {
		case "", TimeoutNotify, TimeoutPromote, TimeoutReject:
		default:
			return fmt.Errorf("workflow %s: level %d unknown on_timeout %q", w.Type, i+1, l.OnTimeout)
		}
	}
	switch w.RejectPolicy {
	case "", RejectTerminal, RejectPreviousLevel:
	default:
		return fmt.Errorf("workflow %s: unknown reject_policy %q", w.Type, w.RejectPolicy)
	}
	if w.ReviseResumeLevel < 0 || w.ReviseResumeLevel > len(w.Levels) {
		return fmt.Errorf("workflow %s: revise_resume_level out of range", w.Type)
	}
	for _, e := range w.Endpoints {
		if e.Name == "" || e.URL == "" {
			return fmt.Errorf("workflow %s: endpoints need name and url", w.Type)
		}
	}
	return nil
}
