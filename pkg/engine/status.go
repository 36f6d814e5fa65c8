package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunStatus is the persisted status of a run. The string values are part of
// the on-disk contract read by other tooling.
type RunStatus string

const (
	// RunStatusInProgress indicates the run has started and has not finished.
	RunStatusInProgress RunStatus = "InProgress"

	// RunStatusCompleted indicates every step in the plan has been processed.
	RunStatusCompleted RunStatus = "Completed"

	// RunStatusFailed indicates a critical step failed and the run was aborted.
	RunStatusFailed RunStatus = "Failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusInProgress, RunStatusCompleted, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown values.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// RebootMode controls whether checkpoints restart the host.
type RebootMode string

const (
	// RebootModeAlways restarts at every checkpoint.
	RebootModeAlways RebootMode = "Always"

	// RebootModeCheck restarts only when the reboot-pending detector says so.
	RebootModeCheck RebootMode = "Check"

	// RebootModeNever never restarts; a pending reboot is only reported.
	RebootModeNever RebootMode = "Never"
)

// Validate checks if the reboot mode is valid.
func (m RebootMode) Validate() error {
	switch m {
	case RebootModeAlways, RebootModeCheck, RebootModeNever:
		return nil
	default:
		return fmt.Errorf("invalid reboot mode: %s", m)
	}
}

// ParseRebootMode parses a reboot mode case-insensitively.
func ParseRebootMode(s string) (RebootMode, error) {
	for _, m := range []RebootMode{RebootModeAlways, RebootModeCheck, RebootModeNever} {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("invalid reboot mode: %q (must be Always, Check or Never)", s)
}

// MarshalJSON implements json.Marshaler.
func (m RebootMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown values.
func (m *RebootMode) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	mode := RebootMode(str)
	if err := mode.Validate(); err != nil {
		return err
	}
	*m = mode
	return nil
}

// CheckpointOutcome is the terminal state of one checkpoint decision.
type CheckpointOutcome string

const (
	// CheckpointRunning means the run continues without a restart.
	CheckpointRunning CheckpointOutcome = "Running"

	// CheckpointRebooting means the run was handed to the resume trigger.
	CheckpointRebooting CheckpointOutcome = "Rebooting"

	// CheckpointCancelled means a restart was decided but could not be made safe.
	CheckpointCancelled CheckpointOutcome = "Cancelled"
)

// OutcomeStatus summarizes how a call to Engine.Run ended.
type OutcomeStatus string

const (
	OutcomeCompleted  OutcomeStatus = "completed"
	OutcomeFailed     OutcomeStatus = "failed"
	OutcomeRestarting OutcomeStatus = "restarting"
	// OutcomeRestartFailed means the state and resume trigger are in place
	// but the host refused the restart request.
	OutcomeRestartFailed OutcomeStatus = "restart_failed"
	OutcomeInterrupted   OutcomeStatus = "interrupted"
	OutcomePreviewed     OutcomeStatus = "previewed"
	OutcomeValidated     OutcomeStatus = "validated"
)

// ExitCode maps an outcome to the process exit code.
func (s OutcomeStatus) ExitCode() int {
	switch s {
	case OutcomeCompleted, OutcomeRestarting, OutcomeRestartFailed, OutcomePreviewed, OutcomeValidated:
		return 0
	default:
		return 1
	}
}

// StepResult is the classification of a single step execution.
type StepResult string

const (
	StepSucceeded StepResult = "succeeded"
	StepSkipped   StepResult = "skipped"
	StepFailed    StepResult = "failed"
	StepTimedOut  StepResult = "timed_out"
)

// EventType represents the type of an engine event.
type EventType string

const (
	EventTypeRunStarted        EventType = "run_started"
	EventTypeRunResumed        EventType = "run_resumed"
	EventTypeRunCompleted      EventType = "run_completed"
	EventTypeRunFailed         EventType = "run_failed"
	EventTypeRunInterrupted    EventType = "run_interrupted"
	EventTypeStepStarted       EventType = "step_started"
	EventTypeStepCompleted     EventType = "step_completed"
	EventTypeStepSkipped       EventType = "step_skipped"
	EventTypeStepFailed        EventType = "step_failed"
	EventTypeCheckpointDecided EventType = "checkpoint_decided"
	EventTypeRestartRequested  EventType = "restart_requested"
	EventTypeRestartFailed     EventType = "restart_failed"
	EventTypePreview           EventType = "preview"
	EventTypeMissingDependency EventType = "missing_dependency"
	EventTypeWarning           EventType = "warning"
)

// Severity returns the default severity of an event type.
func (t EventType) Severity() string {
	switch t {
	case EventTypeRunFailed, EventTypeStepFailed:
		return "error"
	case EventTypeWarning, EventTypeMissingDependency, EventTypeRunInterrupted, EventTypeRestartFailed:
		return "warning"
	default:
		return "info"
	}
}

// IdentityKind selects the principal a resume trigger runs as.
type IdentityKind string

const (
	// IdentityService runs the trigger as the host's service principal (root / SYSTEM).
	IdentityService IdentityKind = "service"

	// IdentityUser runs the trigger inside a named interactive user's session.
	IdentityUser IdentityKind = "user"
)

// Validate checks if the identity kind is valid.
func (k IdentityKind) Validate() error {
	switch k {
	case IdentityService, IdentityUser:
		return nil
	default:
		return fmt.Errorf("invalid identity kind: %s", k)
	}
}
