package api

import (
	"time"

	"approval-workflow-engine/internal/models"
)

// Response shapes. Requests carry their workflow snapshot, which includes
// the webhook signing secret, so handlers never encode models.Request
// directly.

type endpointView struct {
	Name string `json:"name"`
}

type workflowView struct {
	Type              string               `json:"type"`
	Title             string               `json:"title,omitempty"`
	ConfigVersion     int                  `json:"config_version"`
	Strategy          models.Strategy      `json:"strategy"`
	Levels            []models.LevelConfig `json:"levels"`
	RejectPolicy      models.RejectPolicy  `json:"reject_policy,omitempty"`
	ReviseResumeLevel int                  `json:"revise_resume_level,omitempty"`
	Endpoints         []endpointView       `json:"endpoints,omitempty"`
	ContractVersion   string               `json:"contract_version,omitempty"`
}

type requestView struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	CreatedBy      string         `json:"created_by"`
	Payload        map[string]any `json:"payload"`
	Status         models.Status  `json:"status"`
	ActiveLevel    int            `json:"active_level,omitempty"`
	Workflow       workflowView   `json:"workflow"`
	Round          int            `json:"round"`
	Version        int64          `json:"version"`
	RequestKey     string         `json:"request_key"`
	LevelStartedAt *time.Time     `json:"level_started_at,omitempty"`
	SLADeadline    *time.Time     `json:"sla_deadline,omitempty"`
	DecidedBy      *string        `json:"decided_by,omitempty"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func newWorkflowView(wf models.WorkflowSnapshot) workflowView {
	v := workflowView{
		Type:              wf.Type,
		Title:             wf.Title,
		ConfigVersion:     wf.ConfigVersion,
		Strategy:          wf.Strategy,
		Levels:            wf.Levels,
		RejectPolicy:      wf.RejectPolicy,
		ReviseResumeLevel: wf.ReviseResumeLevel,
		ContractVersion:   wf.ContractVersion,
	}
	// Endpoint URLs can embed receiver tokens; names are enough for callers.
	for _, e := range wf.Endpoints {
		v.Endpoints = append(v.Endpoints, endpointView{Name: e.Name})
	}
	return v
}

func newRequestView(r models.Request) requestView {
	return requestView{
		ID:             r.ID,
		Type:           r.Type,
		CreatedBy:      r.CreatedBy,
		Payload:        r.Payload,
		Status:         r.Status,
		ActiveLevel:    r.ActiveLevel(),
		Workflow:       newWorkflowView(r.Workflow),
		Round:          r.Round,
		Version:        r.Version,
		RequestKey:     r.RequestKey,
		LevelStartedAt: r.LevelStartedAt,
		SLADeadline:    r.SLADeadline,
		DecidedBy:      r.DecidedBy,
		DecidedAt:      r.DecidedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func newRequestViews(rs []models.Request) []requestView {
	out := make([]requestView, 0, len(rs))
	for _, r := range rs {
		out = append(out, newRequestView(r))
	}
	return out
}
