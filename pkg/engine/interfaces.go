package engine

import (
	"context"
	"time"
)

// StateStore persists the single RunState of a host.
type StateStore interface {
	// Load returns the persisted state, or nil when none exists. An empty or
	// unparsable file is reported as nil, not as an error.
	Load(ctx context.Context) (*RunState, error)

	// Save durably and atomically replaces the persisted state.
	Save(ctx context.Context, state *RunState) error

	// Delete removes the persisted state. Deleting a missing state is not an error.
	Delete(ctx context.Context) error
}

// TriggerManager creates and removes the host-level entry that relaunches the
// orchestrator after a restart.
type TriggerManager interface {
	// Create registers the trigger and returns its id.
	Create(ctx context.Context, spec TriggerSpec) (string, error)

	// Remove deletes the trigger. An empty id names the manager's configured
	// trigger. Removing a missing trigger is a no-op.
	Remove(ctx context.Context, id string) error

	// Exists reports whether the manager's trigger is currently registered.
	Exists(ctx context.Context) (bool, error)
}

// RebootDetector reports whether the host has a restart pending.
type RebootDetector interface {
	IsRequired(ctx context.Context) (bool, []string, error)
}

// Restarter asks the host to restart, optionally after a delay.
type Restarter interface {
	Restart(ctx context.Context, delay time.Duration, message string) error
}

// SecretProvider returns credentials for a role. Used by steps, not by the engine.
type SecretProvider interface {
	GetSecret(ctx context.Context, role string) (string, error)
}

// EventPublisher receives engine events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// RunArchiver keeps finished runs after their state file is gone.
type RunArchiver interface {
	ArchiveRun(ctx context.Context, state *RunState) error
}

// PolicyViolation is a finding reported by a PlanPolicy.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Step     string `json:"step,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Blocking reports whether the violation should stop a run.
func (v PolicyViolation) Blocking() bool {
	return v.Severity == "error" || v.Severity == "critical"
}

// PlanPolicy evaluates a resolved plan before it runs.
type PlanPolicy interface {
	EvaluatePlan(ctx context.Context, plan *ExecutionPlan, mode RebootMode) ([]PolicyViolation, error)
}
