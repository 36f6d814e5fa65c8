package engine

import (
	"context"
	"time"
)

// AllRoles is the tag that selects a step for every role.
const AllRoles = "all"

// DefaultPriority is assigned to steps registered without a priority.
const DefaultPriority = 50

// DetectFunc reports whether a step's effect is already present on the host.
type DetectFunc func(ctx context.Context, rc *RunContext) (bool, error)

// ApplyFunc performs the step's work.
type ApplyFunc func(ctx context.Context, rc *RunContext) error

// VerifyFunc confirms the step's effect after Apply. False is a failure.
type VerifyFunc func(ctx context.Context, rc *RunContext) (bool, error)

// Work is the work unit of a step. Apply is required, Detect and Verify are optional.
type Work struct {
	Detect DetectFunc
	Apply  ApplyFunc
	Verify VerifyFunc
}

// Step is a named, tagged, prioritized unit of work with declared dependencies.
type Step struct {
	// Name is unique within a registry.
	Name string `json:"name"`

	// Description is shown by plan and preview output.
	Description string `json:"description,omitempty"`

	// Tags are the roles this step applies to. AllRoles matches every role.
	Tags []string `json:"tags"`

	// Priority orders steps; lower runs earlier.
	Priority int `json:"priority"`

	// DependsOn lists capabilities required before this step may run.
	DependsOn []string `json:"depends_on,omitempty"`

	// Provides lists capabilities available once this step completes.
	// Always contains Name after registration.
	Provides []string `json:"provides"`

	// Critical steps abort the run on failure.
	Critical bool `json:"critical"`

	// Section groups steps for checkpoint resume points.
	Section int `json:"section"`

	// Timeout bounds the work unit. Zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Retries is the number of additional attempts for retryable apply errors.
	Retries int `json:"retries,omitempty"`

	// Checkpoint is set on checkpoint steps.
	Checkpoint *CheckpointSpec `json:"checkpoint,omitempty"`

	// Work is the step's work unit.
	Work Work `json:"-"`

	// Executed is set at runtime when the work unit completed successfully.
	Executed bool `json:"-"`

	// Skipped is set at runtime when detect reported the step as already done.
	Skipped bool `json:"-"`
}

// HasTag reports whether the step is selected for role.
func (s *Step) HasTag(role string) bool {
	for _, t := range s.Tags {
		if equalFold(t, AllRoles) || equalFold(t, role) {
			return true
		}
	}
	return false
}

// IsCheckpoint reports whether the step is a checkpoint.
func (s *Step) IsCheckpoint() bool {
	return s.Checkpoint != nil
}

// CheckpointSpec parameterizes a checkpoint step.
type CheckpointSpec struct {
	// Mode overrides the run's RebootMode when set.
	Mode RebootMode `json:"mode,omitempty"`

	// NextSection is the section to resume at. Zero means Section+1.
	NextSection int `json:"next_section,omitempty"`
}

// ExecutionPlan is the ordered list of steps for one role.
type ExecutionPlan struct {
	Role     string                     `json:"role"`
	Steps    []*Step                    `json:"steps"`
	Warnings []MissingDependencyWarning `json:"warnings,omitempty"`
}

// Len returns the number of steps in the plan.
func (p *ExecutionPlan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// Index returns the position of the named step, or -1.
func (p *ExecutionPlan) Index(name string) int {
	for i, s := range p.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the step names in plan order.
func (p *ExecutionPlan) Names() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

// RunState is the durable record of one run. Field names are the on-disk contract.
type RunState struct {
	Role              string             `json:"Role"`
	SessionID         string             `json:"SessionId"`
	StartTime         time.Time          `json:"StartTime"`
	Status            RunStatus          `json:"Status"`
	TotalSteps        int                `json:"TotalSteps"`
	CurrentStep       int                `json:"CurrentStep"`
	CurrentSection    int                `json:"CurrentSection"`
	CompletedSteps    []CompletedStep    `json:"CompletedSteps"`
	FailedSteps       []FailedStep       `json:"FailedSteps"`
	RebootCount       int                `json:"RebootCount"`
	RebootMode        RebootMode         `json:"RebootMode"`
	RebootCheckpoints []CheckpointRecord `json:"RebootCheckpoints"`
	ResumeTask        *ResumeTask        `json:"ResumeTask"`
}

// CompletedStep records a step that finished successfully or was already done.
type CompletedStep struct {
	Number    int       `json:"Number"`
	Name      string    `json:"Name"`
	Timestamp time.Time `json:"Timestamp"`
}

// FailedStep records a failed step.
type FailedStep struct {
	Number       int       `json:"Number"`
	Name         string    `json:"Name"`
	Timestamp    time.Time `json:"Timestamp"`
	ErrorMessage string    `json:"ErrorMessage"`
}

// CheckpointRecord records one checkpoint decision.
type CheckpointRecord struct {
	Name      string            `json:"Name"`
	Section   int               `json:"Section"`
	Mode      RebootMode        `json:"Mode"`
	Outcome   CheckpointOutcome `json:"Outcome"`
	Reasons   []string          `json:"Reasons"`
	Timestamp time.Time         `json:"Timestamp"`
}

// ResumeTask describes the pending deferred-relaunch entry.
type ResumeTask struct {
	ID                   string    `json:"Id"`
	Name                 string    `json:"Name"`
	Command              string    `json:"Command"`
	Arguments            []string  `json:"Arguments"`
	Activation           string    `json:"Activation"`
	Identity             string    `json:"Identity"`
	RetryCount           int       `json:"RetryCount"`
	RetryIntervalSeconds int       `json:"RetryIntervalSeconds"`
	DeleteOnSuccess      bool      `json:"DeleteOnSuccess"`
	CreatedAt            time.Time `json:"CreatedAt"`

	// RestartError records a refused restart request. The trigger is still
	// registered, so the run resumes once the host restarts.
	RestartError string `json:"RestartError,omitempty"`
}

// IsCompleted reports whether name appears in CompletedSteps.
func (s *RunState) IsCompleted(name string) bool {
	for _, c := range s.CompletedSteps {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the state.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedSteps = append([]CompletedStep(nil), s.CompletedSteps...)
	c.FailedSteps = append([]FailedStep(nil), s.FailedSteps...)
	c.RebootCheckpoints = make([]CheckpointRecord, len(s.RebootCheckpoints))
	for i, r := range s.RebootCheckpoints {
		r.Reasons = append([]string(nil), r.Reasons...)
		c.RebootCheckpoints[i] = r
	}
	if s.ResumeTask != nil {
		t := *s.ResumeTask
		t.Arguments = append([]string(nil), s.ResumeTask.Arguments...)
		c.ResumeTask = &t
	}
	return &c
}

// ActivationSessionStart activates a resume trigger at the next session start.
const ActivationSessionStart = "session-start"

// Identity is the principal a resume trigger runs as.
type Identity struct {
	Kind     IdentityKind `json:"kind"`
	Username string       `json:"username,omitempty"`
}

// String renders the identity for logs and the persisted descriptor.
func (i Identity) String() string {
	if i.Kind == IdentityUser && i.Username != "" {
		return "user:" + i.Username
	}
	return string(IdentityService)
}

// RetryPolicy controls how the host retries a failed resume trigger.
type RetryPolicy struct {
	Count    int           `json:"count"`
	Interval time.Duration `json:"interval"`
}

// TriggerSpec is the request to create a resume trigger.
type TriggerSpec struct {
	Name            string
	Command         string
	Arguments       []string
	Activation      string
	Identity        Identity
	Retry           RetryPolicy
	DeleteOnSuccess bool
}

// Event is a timeline entry emitted by the engine.
type Event struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	Type       EventType              `json:"type"`
	Level      string                 `json:"level"`
	Step       string                 `json:"step,omitempty"`
	StepNumber int                    `json:"step_number,omitempty"`
	Message    string                 `json:"message"`
	Duration   time.Duration          `json:"duration,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// RunOutcome summarizes a call to Engine.Run.
type RunOutcome struct {
	Status    OutcomeStatus   `json:"status"`
	Executed  []string        `json:"executed,omitempty"`
	Skipped   []string        `json:"skipped,omitempty"`
	Failed    []string        `json:"failed,omitempty"`
	StartedAt int             `json:"started_at"`
	NextStep  int             `json:"next_step"`
	Restart   *RestartPending `json:"-"`
	Duration  time.Duration   `json:"duration"`
}
