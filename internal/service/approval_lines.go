package service

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
)

// ApprovalLine is a named, reusable approver sequence for a task type.
type ApprovalLine struct {
	ID       string             `yaml:"id" json:"id"`
	Name     string             `yaml:"name" json:"name"`
	TaskType string             `yaml:"task_type" json:"task_type"`
	Active   bool               `yaml:"active" json:"active"`
	Steps    []ApprovalLineStep `yaml:"steps" json:"steps"`
}

// ApprovalLineStep is one slot of an approval line.
type ApprovalLineStep struct {
	Order      int    `yaml:"order" json:"order"`
	Name       string `yaml:"name" json:"name"`
	ApproverID string `yaml:"approver_id" json:"approver_id"`
}

type approvalLinesFile struct {
	Lines []ApprovalLine `yaml:"lines"`
}

// LineRegistry holds the approval lines loaded at startup. It is read-only
// after construction and safe for concurrent use.
type LineRegistry struct {
	byID map[string]ApprovalLine
}

// NewLineRegistry validates lines and indexes them by id. Steps are sorted by
// order; orders must be unique within a line.
func NewLineRegistry(lines []ApprovalLine) (*LineRegistry, error) {
	r := &LineRegistry{byID: make(map[string]ApprovalLine, len(lines))}
	for _, l := range lines {
		if l.ID == "" {
			return nil, errors.InvalidInput("line.id", "is required")
		}
		if _, dup := r.byID[l.ID]; dup {
			return nil, errors.InvalidInput("line.id", fmt.Sprintf("duplicate approval line %q", l.ID))
		}
		if len(l.Steps) == 0 {
			return nil, errors.InvalidInput("line.steps", fmt.Sprintf("approval line %q has no steps", l.ID))
		}

		steps := append([]ApprovalLineStep(nil), l.Steps...)
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
		for i, st := range steps {
			if st.ApproverID == "" {
				return nil, errors.InvalidInput("line.steps.approver_id",
					fmt.Sprintf("approval line %q step %d has no approver", l.ID, st.Order))
			}
			if i > 0 && steps[i-1].Order == st.Order {
				return nil, errors.InvalidInput("line.steps.order",
					fmt.Sprintf("approval line %q repeats order %d", l.ID, st.Order))
			}
		}
		l.Steps = steps
		r.byID[l.ID] = l
	}
	return r, nil
}

// LoadApprovalLines reads a YAML file of the form
//
//	lines:
//	  - id: board-default
//	    name: Board resolution
//	    task_type: BOARD_RESOLUTION
//	    active: true
//	    steps:
//	      - {order: 1, name: Team lead, approver_id: u-100}
//
// An empty path yields an empty registry.
func LoadApprovalLines(path string) (*LineRegistry, error) {
	if path == "" {
		return NewLineRegistry(nil)
	}
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval lines: %w", err)
	}
	var f approvalLinesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse approval lines: %w", err)
	}
	return NewLineRegistry(f.Lines)
}

// Get returns the line with the given id.
func (r *LineRegistry) Get(id string) (ApprovalLine, error) {
	l, ok := r.byID[id]
	if !ok {
		return ApprovalLine{}, errors.NotFound("approval_line", id)
	}
	return l, nil
}

// ForTaskType lists active lines for a task type ordered by id. An empty
// taskType lists every active line.
func (r *LineRegistry) ForTaskType(taskType string) []ApprovalLine {
	out := make([]ApprovalLine, 0)
	for _, l := range r.byID {
		if !l.Active {
			continue
		}
		if taskType != "" && l.TaskType != taskType {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Approvers returns the line's approver ids in step order.
func (l ApprovalLine) Approvers() []string {
	ids := make([]string, len(l.Steps))
	for i, st := range l.Steps {
		ids[i] = st.ApproverID
	}
	return ids
}

// StepNames returns the line's step names in step order.
func (l ApprovalLine) StepNames() []string {
	names := make([]string, len(l.Steps))
	for i, st := range l.Steps {
		names[i] = st.Name
	}
	return names
}
