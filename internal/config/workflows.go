package config

import (
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"approval-workflow-engine/internal/models"
)

type workflowFile struct {
	Workflows []models.WorkflowSnapshot `yaml:"workflows"`
}

// Registry holds validated workflow definitions keyed by request type.
// Requests copy a snapshot at creation and never consult the registry again.
type Registry struct {
	byType map[string]models.WorkflowSnapshot
}

// LoadWorkflows reads a YAML workflow file. ${VAR} references are expanded
// from the environment so secrets stay out of the file.
func LoadWorkflows(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflows file: %w", err)
	}
	return ParseWorkflows([]byte(os.ExpandEnv(string(data))))
}

// ParseWorkflows decodes and validates YAML workflow definitions.
func ParseWorkflows(data []byte) (*Registry, error) {
	var f workflowFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflows: %w", err)
	}
	r := &Registry{byType: make(map[string]models.WorkflowSnapshot, len(f.Workflows))}
	for _, wf := range f.Workflows {
		if err := wf.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byType[wf.Type]; dup {
			return nil, fmt.Errorf("workflow %s defined twice", wf.Type)
		}
		if wf.ConfigVersion == 0 {
			wf.ConfigVersion = 1
		}
		r.byType[wf.Type] = wf
	}
	return r, nil
}

// Snapshot returns an independent copy of the workflow for typ.
func (r *Registry) Snapshot(typ string) (models.WorkflowSnapshot, bool) {
	wf, ok := r.byType[typ]
	if !ok {
		return models.WorkflowSnapshot{}, false
	}
	levels := make([]models.LevelConfig, len(wf.Levels))
	for i, l := range wf.Levels {
		l.Members = slices.Clone(l.Members)
		l.FallbackApprovers = slices.Clone(l.FallbackApprovers)
		levels[i] = l
	}
	wf.Levels = levels
	wf.Endpoints = slices.Clone(wf.Endpoints)
	return wf, true
}

// Types lists the configured request types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
