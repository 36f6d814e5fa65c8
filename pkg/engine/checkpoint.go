package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTriggerName is the name of the resume trigger when none is configured.
const DefaultTriggerName = "stagehand-resume"

// LaunchSpec is the command that started this process. The resume trigger
// relaunches it with the role and resume offset appended.
type LaunchSpec struct {
	// Executable is the absolute path of the orchestrator binary.
	Executable string

	// BaseArgs precede the run subcommand, e.g. ["--config", "/etc/stagehand/stagehand.yaml"].
	BaseArgs []string
}

// CheckpointOptions configures a CheckpointController.
type CheckpointOptions struct {
	Launch LaunchSpec

	// TriggerName names the host-level resume entry.
	TriggerName string

	// Identities maps a role to the principal its resume trigger runs as.
	// Roles not listed run as the service principal.
	Identities map[string]Identity

	// Retry is the host retry policy for the resume trigger.
	Retry RetryPolicy

	// RestartDelay is the visible delay before the host restarts.
	RestartDelay time.Duration
}

// CheckpointController decides at each checkpoint whether the run must stop
// for a restart, and carries out the persist, trigger and restart sequence.
type CheckpointController struct {
	detector  RebootDetector
	triggers  TriggerManager
	restarter Restarter
	logger    zerolog.Logger
	opts      CheckpointOptions
	now       func() time.Time
}

// NewCheckpointController creates a checkpoint controller.
func NewCheckpointController(detector RebootDetector, triggers TriggerManager, restarter Restarter, logger zerolog.Logger, opts CheckpointOptions) *CheckpointController {
	if opts.TriggerName == "" {
		opts.TriggerName = DefaultTriggerName
	}
	return &CheckpointController{
		detector:  detector,
		triggers:  triggers,
		restarter: restarter,
		logger:    logger.With().Str("component", "checkpoint").Logger(),
		opts:      opts,
		now:       time.Now,
	}
}

// CheckpointConfig declares a checkpoint step.
type CheckpointConfig struct {
	Name        string
	Description string
	Tags        []string
	Priority    int
	DependsOn   []string
	Section     int

	// NextSection is the section to resume at. Zero means Section+1.
	NextSection int

	// Mode overrides the run's reboot mode when set.
	Mode RebootMode
}

// NewCheckpoint builds a checkpoint step whose work unit is the controller's
// decision procedure.
func (c *CheckpointController) NewCheckpoint(cfg CheckpointConfig) *Step {
	tags := cfg.Tags
	if len(tags) == 0 {
		tags = []string{AllRoles}
	}
	desc := cfg.Description
	if desc == "" {
		desc = fmt.Sprintf("Restart checkpoint after section %d", cfg.Section)
	}
	return &Step{
		Name:        cfg.Name,
		Description: desc,
		Tags:        tags,
		Priority:    cfg.Priority,
		DependsOn:   cfg.DependsOn,
		Section:     cfg.Section,
		Checkpoint: &CheckpointSpec{
			Mode:        cfg.Mode,
			NextSection: cfg.NextSection,
		},
		Work: Work{Apply: c.decide},
	}
}

// decide evaluates a checkpoint. It returns nil to keep running and
// *RestartPending once a restart has been requested.
func (c *CheckpointController) decide(ctx context.Context, rc *RunContext) error {
	step := rc.Step
	mode := c.effectiveMode(step, rc.State)
	logger := c.logger.With().Str("step", step.Name).Str("mode", string(mode)).Logger()

	ctx, span := rc.engine.tracer.Start(ctx, "checkpoint.decide")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkpoint.name", step.Name),
		attribute.String("checkpoint.mode", string(mode)),
	)

	reboot, reasons := c.evaluate(ctx, mode, logger)

	record := CheckpointRecord{
		Name:      step.Name,
		Section:   step.Section,
		Mode:      mode,
		Outcome:   CheckpointRunning,
		Reasons:   reasons,
		Timestamp: c.now(),
	}

	if !reboot {
		span.SetAttributes(attribute.String("checkpoint.outcome", string(CheckpointRunning)))
		rc.recordCheckpoint(record)
		c.announce(ctx, rc, record, -1)
		logger.Info().Strs("reasons", reasons).Msg("Checkpoint passed without restart")
		return nil
	}

	next := NextStepIndex(rc.Plan, rc.Index)
	if skipped := SkippedSteps(rc.Plan, rc.Index); len(skipped) > 0 {
		logger.Warn().Strs("skipped", skipped).Int("next_step", next).
			Msg("Steps between the checkpoint and its next section will not run after the restart")
		rc.engine.publish(ctx, rc.State, EventTypeWarning, step, rc.Index,
			fmt.Sprintf("Checkpoint %s skips %s", step.Name, strings.Join(skipped, ", ")),
			map[string]interface{}{"skipped": skipped, "next_step": next})
	}
	record.Outcome = CheckpointRebooting
	span.SetAttributes(
		attribute.String("checkpoint.outcome", string(CheckpointRebooting)),
		attribute.Int("checkpoint.next_step", next),
	)

	// 1. Persist before anything else.
	rollback, err := rc.commitRestart(ctx, next, record)
	if err != nil {
		record.Outcome = CheckpointCancelled
		record.Reasons = append(append([]string(nil), reasons...), "state persistence failed: "+err.Error())
		rc.recordCheckpoint(record)
		c.announce(ctx, rc, record, next)
		logger.Warn().Err(err).Msg("Could not persist run state, restart cancelled. Manual restart required")
		return nil
	}

	// 2. Resume trigger.
	spec := c.triggerSpec(rc.State.Role, next)
	id, err := c.triggers.Create(ctx, spec)
	if err != nil {
		record.Outcome = CheckpointCancelled
		record.Reasons = append(append([]string(nil), reasons...), "resume trigger creation failed: "+err.Error())
		rollback(ctx, record)
		c.announce(ctx, rc, record, next)
		logger.Warn().Err(err).Msg("Could not create resume trigger, restart cancelled. Manual restart required")
		return nil
	}

	task := &ResumeTask{
		ID:                   id,
		Name:                 spec.Name,
		Command:              spec.Command,
		Arguments:            spec.Arguments,
		Activation:           spec.Activation,
		Identity:             spec.Identity.String(),
		RetryCount:           spec.Retry.Count,
		RetryIntervalSeconds: int(spec.Retry.Interval / time.Second),
		DeleteOnSuccess:      spec.DeleteOnSuccess,
		CreatedAt:            c.now(),
	}
	if err := rc.setResumeTask(ctx, task); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist resume task descriptor")
	}
	c.announce(ctx, rc, record, next)

	// 3. Restart.
	pending := &RestartPending{
		Checkpoint: step.Name,
		NextStep:   next,
		TriggerID:  id,
		Reasons:    reasons,
	}
	msg := fmt.Sprintf("Restarting to continue %s configuration at step %d", rc.State.Role, next+1)
	if err := c.restarter.Restart(ctx, c.opts.RestartDelay, msg); err != nil {
		pending.RestartError = err.Error()
		span.SetAttributes(attribute.Bool("checkpoint.restart_failed", true))
		task.RestartError = err.Error()
		if saveErr := rc.setResumeTask(ctx, task); saveErr != nil {
			logger.Warn().Err(saveErr).Msg("Failed to persist restart failure")
		}
		logger.Warn().Err(err).Str("trigger", id).
			Msg("Restart request failed. Manual restart required, the run resumes at next session start")
	} else {
		logger.Info().
			Int("next_step", next).
			Int("reboot_count", rc.State.RebootCount).
			Dur("delay", c.opts.RestartDelay).
			Msg("Restart requested")
	}

	return pending
}

// evaluate applies the reboot mode to the detector's answer.
func (c *CheckpointController) evaluate(ctx context.Context, mode RebootMode, logger zerolog.Logger) (bool, []string) {
	if mode == RebootModeAlways {
		return true, []string{"reboot mode Always"}
	}

	if c.detector == nil {
		return false, nil
	}
	required, reasons, err := c.detector.IsRequired(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Reboot detection failed, treating as not required")
		return false, []string{"detection failed: " + err.Error()}
	}

	if mode == RebootModeNever {
		if required {
			logger.Warn().Strs("reasons", reasons).Msg("Reboot pending but reboot mode is Never")
		}
		return false, reasons
	}
	return required, reasons
}

func (c *CheckpointController) effectiveMode(step *Step, state *RunState) RebootMode {
	if step.Checkpoint != nil && step.Checkpoint.Mode != "" {
		return step.Checkpoint.Mode
	}
	if state.RebootMode != "" {
		return state.RebootMode
	}
	return RebootModeCheck
}

// triggerSpec builds the resume trigger for role at offset next.
func (c *CheckpointController) triggerSpec(role string, next int) TriggerSpec {
	args := append([]string(nil), c.opts.Launch.BaseArgs...)
	args = append(args, "run", "--role", role, "--resume-from", strconv.Itoa(next))
	return TriggerSpec{
		Name:            c.opts.TriggerName,
		Command:         c.opts.Launch.Executable,
		Arguments:       args,
		Activation:      ActivationSessionStart,
		Identity:        c.identityFor(role),
		Retry:           c.opts.Retry,
		DeleteOnSuccess: true,
	}
}

func (c *CheckpointController) identityFor(role string) Identity {
	for r, id := range c.opts.Identities {
		if strings.EqualFold(r, role) {
			return id
		}
	}
	return Identity{Kind: IdentityService}
}

func (c *CheckpointController) announce(ctx context.Context, rc *RunContext, record CheckpointRecord, next int) {
	details := map[string]interface{}{
		"mode":    string(record.Mode),
		"outcome": string(record.Outcome),
		"reasons": record.Reasons,
	}
	if next >= 0 {
		details["next_step"] = next
	}
	rc.engine.publish(ctx, rc.State, EventTypeCheckpointDecided, rc.Step, rc.Index,
		fmt.Sprintf("Checkpoint %s: %s", rc.Step.Name, record.Outcome), details)
}

// NextStepIndex returns the resume index for the checkpoint at index: the
// first later step whose section is at least the checkpoint's next section,
// or len(plan) when there is none.
func NextStepIndex(plan *ExecutionPlan, index int) int {
	cp := plan.Steps[index]
	target := cp.Section + 1
	if cp.Checkpoint != nil && cp.Checkpoint.NextSection > 0 {
		target = cp.Checkpoint.NextSection
	}
	for j := index + 1; j < len(plan.Steps); j++ {
		if plan.Steps[j].Section >= target {
			return j
		}
	}
	return len(plan.Steps)
}

// SkippedSteps returns the non-checkpoint steps after the checkpoint at index
// that come before its resume index. A restart at the checkpoint never runs
// them.
func SkippedSteps(plan *ExecutionPlan, index int) []string {
	var skipped []string
	for j := index + 1; j < NextStepIndex(plan, index); j++ {
		if !plan.Steps[j].IsCheckpoint() {
			skipped = append(skipped, plan.Steps[j].Name)
		}
	}
	return skipped
}
