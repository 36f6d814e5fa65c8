package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StartOptions are the entry parameters of a run.
type StartOptions struct {
	// Role selects the steps. Ignored when an in-progress run is resumed.
	Role string

	// ResumeFrom overrides the persisted offset when larger. Negative means unset.
	ResumeFrom int

	// Preview walks the plan without running anything.
	Preview bool

	// ValidateOnly resolves the plan and evaluates policies, then stops.
	ValidateOnly bool

	// Force runs apply even when detect reports the step as done.
	Force bool

	// RetryFailed resumes a failed run at its failed step instead of starting fresh.
	RetryFailed bool

	// RebootMode applies to fresh runs. Empty uses the orchestrator default.
	RebootMode RebootMode
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// DefaultRebootMode is used when StartOptions.RebootMode is empty.
	DefaultRebootMode RebootMode

	// KeepState keeps the state file of a completed run.
	KeepState bool

	// EnforcePolicy makes blocking policy violations stop validate-only and fresh runs.
	EnforcePolicy bool
}

// OrchestratorDeps are the collaborators of an Orchestrator. Archiver and
// Policy are optional.
type OrchestratorDeps struct {
	Registry *Registry
	Engine   *Engine
	Store    StateStore
	Triggers TriggerManager
	Archiver RunArchiver
	Policy   PlanPolicy
}

// Orchestrator decides between a fresh run and a resume, then drives the engine.
type Orchestrator struct {
	deps   OrchestratorDeps
	opts   OrchestratorOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps OrchestratorDeps, logger zerolog.Logger, opts OrchestratorOptions) *Orchestrator {
	if opts.DefaultRebootMode == "" {
		opts.DefaultRebootMode = RebootModeCheck
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		now:    time.Now,
	}
}

// PlanReport is the result of resolving and checking a plan.
type PlanReport struct {
	Plan       *ExecutionPlan    `json:"plan"`
	Violations []PolicyViolation `json:"violations,omitempty"`
}

// Blocking reports whether any violation is blocking.
func (r *PlanReport) Blocking() bool {
	for _, v := range r.Violations {
		if v.Blocking() {
			return true
		}
	}
	return false
}

// Plan resolves the plan for role and evaluates plan policies.
func (o *Orchestrator) Plan(ctx context.Context, role string, mode RebootMode) (*PlanReport, error) {
	if role == "" {
		return nil, NewPermanentError("role is required", nil).WithCode(ErrCodeValidation)
	}
	plan, err := Resolve(o.deps.Registry.Steps(), role)
	if err != nil {
		return nil, err
	}
	for _, w := range plan.Warnings {
		o.logger.Warn().Str("step", w.Step).Str("dependency", w.Dependency).Msg("Missing dependency")
	}

	report := &PlanReport{Plan: plan}
	if o.deps.Policy == nil {
		return report, nil
	}
	if mode == "" {
		mode = o.opts.DefaultRebootMode
	}
	violations, err := o.deps.Policy.EvaluatePlan(ctx, plan, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate plan policies: %w", err)
	}
	for _, v := range violations {
		ev := o.logger.Info()
		if v.Blocking() {
			ev = o.logger.Error()
		} else if v.Severity == "warning" {
			ev = o.logger.Warn()
		}
		ev.Str("policy", v.Policy).Str("step", v.Step).Msg(v.Message)
	}
	report.Violations = violations
	return report, nil
}

// Start runs or resumes the host's run and returns its outcome.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) (*RunOutcome, error) {
	state, err := o.deps.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}

	resuming := false
	switch {
	case state != nil && state.Status == RunStatusInProgress:
		resuming = true
		if opts.Role != "" && !equalFold(opts.Role, state.Role) {
			o.logger.Warn().
				Str("requested_role", opts.Role).
				Str("persisted_role", state.Role).
				Msg("Run already in progress for another role, resuming it")
		}
	case state != nil && state.Status == RunStatusFailed && opts.RetryFailed:
		resuming = true
		o.logger.Info().Str("session_id", state.SessionID).Int("step", state.CurrentStep+1).
			Msg("Retrying failed run")
	case state != nil:
		// Leftover terminal state from an earlier run.
		if !opts.Preview && !opts.ValidateOnly {
			o.archive(ctx, state)
		}
		state = nil
	}

	role := opts.Role
	if resuming {
		role = state.Role
	}

	if opts.ValidateOnly {
		report, err := o.Plan(ctx, role, opts.RebootMode)
		if err != nil {
			return nil, err
		}
		if o.opts.EnforcePolicy && report.Blocking() {
			return &RunOutcome{Status: OutcomeFailed}, policyError(report)
		}
		o.logger.Info().Int("steps", report.Plan.Len()).Msg("Plan is valid")
		return &RunOutcome{Status: OutcomeValidated}, nil
	}

	var plan *ExecutionPlan
	if resuming {
		plan, err = Resolve(o.deps.Registry.Steps(), role)
		if err != nil {
			return nil, err
		}
	} else {
		if role == "" {
			return nil, NewPermanentError("role is required for a fresh run", nil).WithCode(ErrCodeValidation)
		}
		report, err := o.Plan(ctx, role, opts.RebootMode)
		if err != nil {
			return nil, err
		}
		if o.opts.EnforcePolicy && report.Blocking() && !opts.Preview {
			return &RunOutcome{Status: OutcomeFailed}, policyError(report)
		}
		plan = report.Plan
	}

	if opts.Preview {
		previewState := state
		offset := 0
		if resuming {
			offset = o.resumeOffset(state, opts.ResumeFrom)
		} else {
			previewState = o.newState(role, plan, opts.RebootMode)
		}
		return o.deps.Engine.Run(ctx, plan, previewState, offset, RunOptions{Preview: true})
	}

	var offset int
	if resuming {
		offset, err = o.prepareResume(ctx, state, plan, opts)
		if err != nil {
			return nil, err
		}
		if offset >= state.TotalSteps {
			o.logger.Info().Int("offset", offset).Int("total_steps", state.TotalSteps).
				Msg("Nothing left to run, marking run completed")
			return o.finish(ctx, state, &RunOutcome{Status: OutcomeCompleted, StartedAt: offset, NextStep: offset}, nil)
		}
	} else {
		state = o.newState(role, plan, opts.RebootMode)
		if err := o.deps.Store.Save(ctx, state); err != nil {
			return nil, fmt.Errorf("failed to persist initial run state: %w", err)
		}
		o.deps.Engine.publish(ctx, state, EventTypeRunStarted, nil, -1,
			fmt.Sprintf("Started %s run with %d step(s)", role, plan.Len()),
			map[string]interface{}{"role": role, "reboot_mode": string(state.RebootMode), "steps": plan.Names()})
		for _, w := range plan.Warnings {
			o.deps.Engine.publish(ctx, state, EventTypeMissingDependency, nil, -1, w.String(),
				map[string]interface{}{"step": w.Step, "dependency": w.Dependency})
		}
	}

	o.logger.Info().
		Str("session_id", state.SessionID).
		Str("role", state.Role).
		Int("offset", offset).
		Int("total_steps", state.TotalSteps).
		Str("reboot_mode", string(state.RebootMode)).
		Msg("Running plan")

	outcome, runErr := o.deps.Engine.Run(ctx, plan, state, offset, RunOptions{Force: opts.Force})
	if outcome == nil {
		return nil, runErr
	}

	switch outcome.Status {
	case OutcomeRestarting, OutcomeRestartFailed, OutcomeInterrupted:
		return outcome, runErr
	default:
		return o.finish(ctx, state, outcome, runErr)
	}
}

// prepareResume computes the resume offset and removes the satisfied trigger.
func (o *Orchestrator) prepareResume(ctx context.Context, state *RunState, plan *ExecutionPlan, opts StartOptions) (int, error) {
	if plan.Len() != state.TotalSteps {
		o.logger.Warn().Int("persisted", state.TotalSteps).Int("resolved", plan.Len()).
			Msg("Plan length changed since the run started")
		state.TotalSteps = plan.Len()
	}

	offset := o.resumeOffset(state, opts.ResumeFrom)

	if state.ResumeTask != nil && o.deps.Triggers != nil {
		if err := o.deps.Triggers.Remove(ctx, state.ResumeTask.ID); err != nil {
			o.logger.Warn().Err(err).Str("trigger", state.ResumeTask.ID).Msg("Failed to remove resume trigger")
		} else {
			o.logger.Debug().Str("trigger", state.ResumeTask.ID).Msg("Removed resume trigger")
		}
		state.ResumeTask = nil
	}

	remaining := &ExecutionPlan{Role: plan.Role}
	if offset < plan.Len() {
		remaining.Steps = plan.Steps[offset:]
	}
	for _, w := range UnsatisfiedDependencies(remaining, CompletedCapabilities(plan, state)) {
		o.logger.Warn().Str("step", w.Step).Str("dependency", w.Dependency).
			Msg("Dependency not satisfied by completed steps")
	}

	state.Status = RunStatusInProgress
	state.CurrentStep = offset
	if err := o.deps.Store.Save(ctx, state); err != nil {
		return 0, fmt.Errorf("failed to persist resumed run state: %w", err)
	}

	o.deps.Engine.publish(ctx, state, EventTypeRunResumed, nil, offset,
		fmt.Sprintf("Resumed at step %d of %d", offset+1, state.TotalSteps),
		map[string]interface{}{"offset": offset, "reboot_count": state.RebootCount})
	return offset, nil
}

func (o *Orchestrator) resumeOffset(state *RunState, arg int) int {
	offset := state.CurrentStep
	if arg > offset {
		offset = arg
	}
	if offset < 0 {
		offset = 0
	}
	return offset
}

// finish records the terminal status, archives the run and cleans up.
func (o *Orchestrator) finish(ctx context.Context, state *RunState, outcome *RunOutcome, runErr error) (*RunOutcome, error) {
	// Cleanup must happen even if the caller's context was cancelled mid-run.
	ctx = context.WithoutCancel(ctx)

	if outcome.Status == OutcomeCompleted {
		state.Status = RunStatusCompleted
		state.CurrentStep = state.TotalSteps
	} else {
		state.Status = RunStatusFailed
	}
	if err := o.deps.Store.Save(ctx, state); err != nil {
		o.logger.Error().Err(err).Msg("Failed to persist final run state")
	}

	if state.Status == RunStatusCompleted {
		o.deps.Engine.publish(ctx, state, EventTypeRunCompleted, nil, -1,
			fmt.Sprintf("Completed with %d failed step(s)", len(state.FailedSteps)),
			map[string]interface{}{"reboot_count": state.RebootCount, "failed": len(state.FailedSteps)})
		o.logger.Info().
			Int("completed", len(state.CompletedSteps)).
			Int("failed", len(state.FailedSteps)).
			Int("reboots", state.RebootCount).
			Msg("Run completed")
	} else {
		o.deps.Engine.publish(ctx, state, EventTypeRunFailed, nil, -1, errorMessage(runErr), nil)
		o.logger.Error().Err(runErr).Msg("Run failed")
	}

	o.archive(ctx, state)

	if state.Status == RunStatusCompleted && !o.opts.KeepState {
		if err := o.deps.Store.Delete(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to delete run state")
		}
	}
	return outcome, runErr
}

// Reset removes any pending resume trigger and the persisted state,
// archiving the state first.
func (o *Orchestrator) Reset(ctx context.Context) error {
	state, err := o.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}
	if o.deps.Triggers != nil {
		id := ""
		if state != nil && state.ResumeTask != nil {
			id = state.ResumeTask.ID
		}
		if err := o.deps.Triggers.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove resume trigger: %w", err)
		}
	}
	if state == nil {
		return nil
	}
	o.archive(ctx, state)
	return o.deps.Store.Delete(ctx)
}

func (o *Orchestrator) newState(role string, plan *ExecutionPlan, mode RebootMode) *RunState {
	if mode == "" {
		mode = o.opts.DefaultRebootMode
	}
	return &RunState{
		Role:              role,
		SessionID:         uuid.New().String(),
		StartTime:         o.now(),
		Status:            RunStatusInProgress,
		TotalSteps:        plan.Len(),
		RebootMode:        mode,
		CompletedSteps:    []CompletedStep{},
		FailedSteps:       []FailedStep{},
		RebootCheckpoints: []CheckpointRecord{},
	}
}

func (o *Orchestrator) archive(ctx context.Context, state *RunState) {
	if o.deps.Archiver == nil {
		return
	}
	if err := o.deps.Archiver.ArchiveRun(ctx, state); err != nil {
		o.logger.Warn().Err(err).Str("session_id", state.SessionID).Msg("Failed to archive run")
	}
}

func policyError(report *PlanReport) error {
	err := NewPermanentError("plan violates policy", nil).WithCode(ErrCodePolicyViolation)
	for _, v := range report.Violations {
		if v.Blocking() {
			err = err.WithDetail(v.Policy, v.Message)
		}
	}
	return err
}
