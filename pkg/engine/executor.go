package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/stagehand/pkg/engine"

// RunContext is passed to every work unit. It carries the run explicitly so
// no step depends on ambient global state.
type RunContext struct {
	// State is the live run state. Work units may read it; only the engine mutates it.
	State *RunState

	// Plan is the plan being executed.
	Plan *ExecutionPlan

	// Index is the plan index of the step being executed.
	Index int

	// Step is the step being executed.
	Step *Step

	// Force bypasses detect.
	Force bool

	// Logger is scoped to the step.
	Logger zerolog.Logger

	// Secrets is available to steps that need credentials.
	Secrets SecretProvider

	engine       *Engine
	capabilities map[string]bool
}

// HasCapability reports whether a capability has been provided by a completed step.
func (rc *RunContext) HasCapability(name string) bool {
	return rc.capabilities[name]
}

// forStep returns the context for one step. A work unit abandoned after its
// timeout keeps its own copy while the run moves on.
func (rc *RunContext) forStep(index int, step *Step, logger zerolog.Logger) *RunContext {
	caps := make(map[string]bool, len(rc.capabilities))
	for name, ok := range rc.capabilities {
		caps[name] = ok
	}
	return &RunContext{
		State:        rc.State,
		Plan:         rc.Plan,
		Index:        index,
		Step:         step,
		Force:        rc.Force,
		Logger:       logger,
		Secrets:      rc.Secrets,
		engine:       rc.engine,
		capabilities: caps,
	}
}

// RunOptions controls a single call to Engine.Run.
type RunOptions struct {
	// Preview walks the plan without invoking any work unit or mutating state.
	Preview bool

	// Force runs apply even when detect reports the step as done.
	Force bool
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// DefaultTimeout applies to steps without their own timeout. Zero disables it.
	DefaultTimeout time.Duration

	// RetryBaseDelay is the first backoff delay for retryable apply errors.
	RetryBaseDelay time.Duration

	// Secrets is handed to work units through RunContext.
	Secrets SecretProvider
}

// Engine walks an execution plan sequentially.
type Engine struct {
	store     StateStore
	publisher EventPublisher
	logger    zerolog.Logger
	opts      EngineOptions
	tracer    trace.Tracer
	now       func() time.Time
}

// NewEngine creates an engine that persists through store.
func NewEngine(store StateStore, publisher EventPublisher, logger zerolog.Logger, opts EngineOptions) *Engine {
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	return &Engine{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "engine").Logger(),
		opts:      opts,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
}

// stepOutcome is the result of one work-unit invocation.
type stepOutcome struct {
	result StepResult
	err    error
}

// Run executes plan from startOffset, persisting state after every step.
func (e *Engine) Run(ctx context.Context, plan *ExecutionPlan, state *RunState, startOffset int, opts RunOptions) (*RunOutcome, error) {
	if plan == nil || state == nil {
		return nil, NewPermanentError("plan and state are required", nil).WithCode(ErrCodeValidation)
	}
	if startOffset < 0 {
		startOffset = 0
	}

	started := e.now()
	outcome := &RunOutcome{StartedAt: startOffset, NextStep: startOffset}

	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.session_id", state.SessionID),
		attribute.String("run.role", state.Role),
		attribute.Int("run.start_offset", startOffset),
		attribute.Bool("run.preview", opts.Preview),
	))
	defer span.End()

	if opts.Preview {
		e.preview(ctx, plan, state, startOffset)
		outcome.Status = OutcomePreviewed
		outcome.Duration = time.Since(started)
		return outcome, nil
	}

	rc := &RunContext{
		State:        state,
		Plan:         plan,
		Force:        opts.Force,
		Secrets:      e.opts.Secrets,
		engine:       e,
		capabilities: CompletedCapabilities(plan, state),
	}

	for i := startOffset; i < len(plan.Steps); i++ {
		select {
		case <-ctx.Done():
			state.CurrentStep = i
			if err := e.store.Save(context.WithoutCancel(ctx), state); err != nil {
				e.logger.Error().Err(err).Msg("Failed to persist state after interrupt")
			}
			e.publish(ctx, state, EventTypeRunInterrupted, nil, i,
				fmt.Sprintf("Run interrupted before step %d", i+1), nil)
			outcome.Status = OutcomeInterrupted
			outcome.NextStep = i
			outcome.Duration = time.Since(started)
			span.SetStatus(codes.Error, "interrupted")
			return outcome, NewPermanentError("run interrupted", ctx.Err()).WithCode(ErrCodeInterrupted)
		default:
		}

		step := plan.Steps[i]
		stepRC := rc.forStep(i, step, e.logger.With().Str("step", step.Name).Int("number", i+1).Logger())
		state.CurrentSection = step.Section

		stepStart := e.now()
		e.publish(ctx, state, EventTypeStepStarted, step, i, fmt.Sprintf("Started %s", step.Name), nil)
		stepRC.Logger.Info().Int("section", step.Section).Msg("Running step")

		res := e.executeStep(ctx, stepRC)
		duration := time.Since(stepStart)

		var pending *RestartPending
		if errors.As(res.err, &pending) {
			outcome.Executed = append(outcome.Executed, step.Name)
			outcome.Status = OutcomeRestarting
			outcome.NextStep = pending.NextStep
			outcome.Restart = pending
			outcome.Duration = time.Since(started)
			step.Executed = true
			if pending.RestartError != "" {
				outcome.Status = OutcomeRestartFailed
				e.publish(ctx, state, EventTypeRestartFailed, step, i,
					fmt.Sprintf("No restart underway, restart the host to resume at step %d", pending.NextStep+1),
					map[string]interface{}{"next_step": pending.NextStep, "error": pending.RestartError, "trigger": pending.TriggerID})
				return outcome, nil
			}
			e.publish(ctx, state, EventTypeRestartRequested, step, i,
				fmt.Sprintf("Exiting for restart, resume at step %d", pending.NextStep+1),
				map[string]interface{}{"next_step": pending.NextStep, "reasons": pending.Reasons})
			return outcome, nil
		}

		switch res.result {
		case StepSucceeded, StepSkipped:
			e.markCompleted(rc, step, i, res.result == StepSkipped)
			if res.result == StepSkipped {
				outcome.Skipped = append(outcome.Skipped, step.Name)
				e.publishTimed(ctx, state, EventTypeStepSkipped, step, i, "Already in desired state", duration)
			} else {
				outcome.Executed = append(outcome.Executed, step.Name)
				e.publishTimed(ctx, state, EventTypeStepCompleted, step, i, fmt.Sprintf("Completed %s", step.Name), duration)
			}
			if err := e.store.Save(ctx, state); err != nil {
				outcome.Status = OutcomeFailed
				outcome.NextStep = i + 1
				outcome.Duration = time.Since(started)
				return outcome, fmt.Errorf("failed to persist state after step %s: %w", step.Name, err)
			}

		default:
			outcome.Failed = append(outcome.Failed, step.Name)
			state.FailedSteps = append(state.FailedSteps, FailedStep{
				Number:       i + 1,
				Name:         step.Name,
				Timestamp:    e.now(),
				ErrorMessage: errorMessage(res.err),
			})
			e.publish(ctx, state, EventTypeStepFailed, step, i, errorMessage(res.err),
				map[string]interface{}{"critical": step.Critical, "result": string(res.result), "duration_ms": duration.Milliseconds()})

			if step.Critical {
				state.Status = RunStatusFailed
				state.CurrentStep = i
				if err := e.store.Save(ctx, state); err != nil {
					e.logger.Error().Err(err).Msg("Failed to persist failed state")
				}
				stepRC.Logger.Error().Err(res.err).Msg("Critical step failed, aborting run")
				outcome.Status = OutcomeFailed
				outcome.NextStep = i
				outcome.Duration = time.Since(started)
				span.SetStatus(codes.Error, "critical step failed")
				return outcome, NewPermanentError("critical step failed", res.err).
					WithCode(ErrCodeCriticalStepFailed).
					WithStep(step.Name)
			}

			stepRC.Logger.Warn().Err(res.err).Msg("Non-critical step failed, continuing")
			state.CurrentStep = i + 1
			if err := e.store.Save(ctx, state); err != nil {
				outcome.Status = OutcomeFailed
				outcome.NextStep = i + 1
				outcome.Duration = time.Since(started)
				return outcome, fmt.Errorf("failed to persist state after step %s: %w", step.Name, err)
			}
		}
	}

	outcome.Status = OutcomeCompleted
	outcome.NextStep = len(plan.Steps)
	outcome.Duration = time.Since(started)
	span.SetStatus(codes.Ok, "")
	return outcome, nil
}

// markCompleted records a successful step. Only the engine calls it.
func (e *Engine) markCompleted(rc *RunContext, step *Step, index int, skipped bool) {
	if skipped {
		step.Skipped = true
	} else {
		step.Executed = true
	}
	for _, p := range step.Provides {
		rc.capabilities[p] = true
	}
	rc.State.CompletedSteps = append(rc.State.CompletedSteps, CompletedStep{
		Number:    index + 1,
		Name:      step.Name,
		Timestamp: e.now(),
	})
	rc.State.CurrentStep = index + 1
}

// executeStep runs one step's work unit under its timeout. Checkpoints run
// inline because they mutate state through the engine.
func (e *Engine) executeStep(ctx context.Context, rc *RunContext) stepOutcome {
	step := rc.Step

	ctx, span := e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("step.name", step.Name),
		attribute.Int("step.section", step.Section),
		attribute.Bool("step.critical", step.Critical),
		attribute.Bool("step.checkpoint", step.IsCheckpoint()),
	))
	defer span.End()

	if step.IsCheckpoint() {
		err := step.Work.Apply(ctx, rc)
		if err != nil && !IsRestartPending(err) {
			recordSpanError(span, err)
			return stepOutcome{result: StepFailed, err: err}
		}
		return stepOutcome{result: StepSucceeded, err: err}
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	// Operator interrupts are honoured between steps only.
	workCtx := context.WithoutCancel(ctx)
	cancel := func() {}
	if timeout > 0 {
		workCtx, cancel = context.WithTimeout(workCtx, timeout)
	}
	defer cancel()

	done := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepOutcome{
					result: StepFailed,
					err:    NewPermanentError(fmt.Sprintf("work unit panicked: %v", r), nil).WithStep(step.Name),
				}
			}
		}()
		done <- e.invoke(workCtx, rc)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			recordSpanError(span, res.err)
		}
		span.SetAttributes(attribute.String("step.result", string(res.result)))
		return res
	case <-workCtx.Done():
		err := NewPermanentError(fmt.Sprintf("step timed out after %s", timeout), workCtx.Err()).
			WithCode(ErrCodeTimeout).
			WithStep(step.Name)
		recordSpanError(span, err)
		return stepOutcome{result: StepTimedOut, err: err}
	}
}

// invoke runs detect, apply (with retries) and verify.
func (e *Engine) invoke(ctx context.Context, rc *RunContext) stepOutcome {
	step := rc.Step
	work := step.Work

	if work.Detect != nil && !rc.Force {
		done, err := work.Detect(ctx, rc)
		if err != nil {
			rc.Logger.Warn().Err(err).Msg("Detect failed, running step anyway")
		} else if done {
			return stepOutcome{result: StepSkipped}
		}
	}

	var err error
	for attempt := 0; attempt <= step.Retries; attempt++ {
		err = work.Apply(ctx, rc)
		if err == nil || !IsRetryable(err) || attempt == step.Retries {
			break
		}

		backoff := e.backoff(attempt, err)
		rc.Logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", step.Retries+1).
			Dur("backoff", backoff).
			Msg("Retrying step after failure")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return stepOutcome{result: StepTimedOut, err: ctx.Err()}
		}
	}
	if err != nil {
		return stepOutcome{result: StepFailed, err: wrapStepError(step.Name, "apply", err)}
	}

	if work.Verify != nil {
		ok, verr := work.Verify(ctx, rc)
		if verr != nil {
			return stepOutcome{result: StepFailed, err: wrapStepError(step.Name, "verify", verr)}
		}
		if !ok {
			return stepOutcome{
				result: StepFailed,
				err: NewPermanentError("verification failed", nil).
					WithCode(ErrCodeVerifyFailed).
					WithStep(step.Name).
					WithOperation("verify"),
			}
		}
	}

	return stepOutcome{result: StepSucceeded}
}

// backoff returns an exponential delay; throttled errors start slower.
func (e *Engine) backoff(attempt int, err error) time.Duration {
	base := e.opts.RetryBaseDelay
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if max := 5 * time.Minute; delay > max {
		delay = max
	}
	return delay
}

// preview logs what Run would do without invoking work units.
func (e *Engine) preview(ctx context.Context, plan *ExecutionPlan, state *RunState, startOffset int) {
	for i := startOffset; i < len(plan.Steps); i++ {
		step := plan.Steps[i]
		ev := e.logger.Info().
			Int("number", i+1).
			Str("step", step.Name).
			Int("section", step.Section).
			Bool("critical", step.Critical)
		if step.IsCheckpoint() {
			mode := step.Checkpoint.Mode
			if mode == "" {
				mode = state.RebootMode
			}
			ev.Str("reboot_mode", string(mode)).Msg("Would evaluate checkpoint")
			continue
		}
		ev.Msg("Would run step")
	}
	e.publish(ctx, state, EventTypePreview, nil, startOffset,
		fmt.Sprintf("Previewed %d step(s) from step %d", len(plan.Steps)-startOffset, startOffset+1),
		map[string]interface{}{"steps": plan.Names()[min(startOffset, len(plan.Steps)):]})
}

// commitRestart durably records the decision to restart: RebootCount+1,
// CurrentStep=next and the checkpoint itself as completed, in one save.
// The returned rollback undoes it when the restart is later cancelled.
func (rc *RunContext) commitRestart(ctx context.Context, next int, record CheckpointRecord) (func(context.Context, CheckpointRecord), error) {
	e := rc.engine
	state := rc.State
	prevCount := state.RebootCount
	prevStep := state.CurrentStep
	prevSection := state.CurrentSection
	prevCompleted := len(state.CompletedSteps)
	prevRecords := len(state.RebootCheckpoints)

	restore := func() {
		state.RebootCount = prevCount
		state.CurrentStep = prevStep
		state.CurrentSection = prevSection
		state.CompletedSteps = state.CompletedSteps[:prevCompleted]
		state.RebootCheckpoints = state.RebootCheckpoints[:prevRecords]
	}

	state.RebootCount++
	state.CurrentStep = next
	if next < len(rc.Plan.Steps) {
		state.CurrentSection = rc.Plan.Steps[next].Section
	}
	state.CompletedSteps = append(state.CompletedSteps, CompletedStep{
		Number:    rc.Index + 1,
		Name:      rc.Step.Name,
		Timestamp: e.now(),
	})
	state.RebootCheckpoints = append(state.RebootCheckpoints, record)

	if err := e.store.Save(ctx, state); err != nil {
		restore()
		return nil, NewPermanentError("failed to persist state before restart", err).
			WithCode(ErrCodeCheckpointPersistence).
			WithStep(rc.Step.Name)
	}

	rollback := func(ctx context.Context, cancelled CheckpointRecord) {
		restore()
		state.RebootCheckpoints = append(state.RebootCheckpoints, cancelled)
		if err := e.store.Save(ctx, state); err != nil {
			e.logger.Error().Err(err).Str("step", rc.Step.Name).Msg("Failed to persist cancelled restart")
		}
	}
	return rollback, nil
}

// recordCheckpoint appends a non-restarting checkpoint decision to state.
// It is persisted by the engine's save after the checkpoint step completes.
func (rc *RunContext) recordCheckpoint(record CheckpointRecord) {
	rc.State.RebootCheckpoints = append(rc.State.RebootCheckpoints, record)
}

// setResumeTask stores the trigger descriptor and persists it.
func (rc *RunContext) setResumeTask(ctx context.Context, task *ResumeTask) error {
	rc.State.ResumeTask = task
	return rc.engine.store.Save(ctx, rc.State)
}

func (e *Engine) publish(ctx context.Context, state *RunState, typ EventType, step *Step, index int, msg string, details map[string]interface{}) {
	e.emit(ctx, state, typ, step, index, msg, 0, details)
}

func (e *Engine) publishTimed(ctx context.Context, state *RunState, typ EventType, step *Step, index int, msg string, d time.Duration) {
	e.emit(ctx, state, typ, step, index, msg, d, nil)
}

func (e *Engine) emit(ctx context.Context, state *RunState, typ EventType, step *Step, index int, msg string, d time.Duration, details map[string]interface{}) {
	if e.publisher == nil {
		return
	}
	ev := &Event{
		ID:         uuid.New().String(),
		SessionID:  state.SessionID,
		Type:       typ,
		Level:      typ.Severity(),
		StepNumber: index + 1,
		Message:    msg,
		Duration:   d,
		Timestamp:  e.now(),
		Details:    details,
	}
	if step != nil {
		ev.Step = step.Name
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Debug().Err(err).Str("event", string(typ)).Msg("Failed to publish event")
	}
}

func wrapStepError(step, op string, err error) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Step == "" {
			ee.Step = step
		}
		if ee.Operation == "" {
			ee.Operation = op
		}
		return err
	}
	return NewPermanentError(fmt.Sprintf("%s failed", op), err).
		WithCode(ErrCodeStepFailed).
		WithStep(step).
		WithOperation(op)
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
