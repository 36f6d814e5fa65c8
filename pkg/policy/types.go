package policy

import (
	"github.com/openfroyo/stagehand/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks validate-only and fresh runs when enforced.
	SeverityError Severity = "error"

	// SeverityCritical blocks like SeverityError.
	SeverityCritical Severity = "critical"
)

// Policy is a Rego module whose deny set reports violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin is set on the policies shipped with stagehand.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// PlanInput is the input document of plan policies.
type PlanInput struct {
	Role  string      `json:"role"`
	Mode  string      `json:"mode"`
	Steps []StepInput `json:"steps"`
}

// StepInput describes one plan step to policies.
type StepInput struct {
	Index     int      `json:"index"`
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	Priority  int      `json:"priority"`
	Section   int      `json:"section"`
	DependsOn []string `json:"depends_on"`
	Critical  bool     `json:"critical"`

	// TimeoutSeconds is the step's own timeout; zero means none declared.
	TimeoutSeconds float64 `json:"timeout_seconds"`

	Checkpoint bool `json:"checkpoint"`

	// CheckpointMode is the effective mode: the step's override or the run mode.
	CheckpointMode string `json:"checkpoint_mode,omitempty"`
	NextSection    int    `json:"next_section,omitempty"`
}

// NewPlanInput builds the policy input for plan under mode.
func NewPlanInput(plan *engine.ExecutionPlan, mode engine.RebootMode) *PlanInput {
	input := &PlanInput{
		Role:  plan.Role,
		Mode:  string(mode),
		Steps: make([]StepInput, 0, len(plan.Steps)),
	}

	for i, s := range plan.Steps {
		si := StepInput{
			Index:          i,
			Name:           s.Name,
			Tags:           s.Tags,
			Priority:       s.Priority,
			Section:        s.Section,
			DependsOn:      s.DependsOn,
			Critical:       s.Critical,
			TimeoutSeconds: s.Timeout.Seconds(),
		}
		if si.Tags == nil {
			si.Tags = []string{}
		}
		if si.DependsOn == nil {
			si.DependsOn = []string{}
		}
		if s.IsCheckpoint() {
			si.Checkpoint = true
			si.CheckpointMode = string(mode)
			if s.Checkpoint.Mode != "" {
				si.CheckpointMode = string(s.Checkpoint.Mode)
			}
			si.NextSection = s.Checkpoint.NextSection
			if si.NextSection == 0 {
				si.NextSection = s.Section + 1
			}
		}
		input.Steps = append(input.Steps, si)
	}
	return input
}
