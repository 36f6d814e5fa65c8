package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEngine_Run_Success(t *testing.T) {
	log := &callLog{}
	store := newMemoryStore()
	publisher := &recordingPublisher{}
	plan := mustResolve(t, "web", workStep(log, "a", 10), workStep(log, "b", 20, "a"))
	state := newTestState("web", plan, RebootModeCheck)

	outcome, err := newTestEngine(store, publisher).Run(context.Background(), plan, state, 0, RunOptions{})
	if err != nil {
		t.Fatalf("failed to run plan: %v", err)
	}

	if outcome.Status != OutcomeCompleted {
		t.Errorf("Expected completed, got %s", outcome.Status)
	}
	if !equalStrings(log.names(), []string{"a", "b"}) {
		t.Errorf("Expected [a b] invoked, got %v", log.names())
	}
	if !equalStrings(outcome.Executed, []string{"a", "b"}) {
		t.Errorf("Expected [a b] executed, got %v", outcome.Executed)
	}
	for _, s := range plan.Steps {
		if !s.Executed {
			t.Errorf("Expected step %s to be marked executed", s.Name)
		}
	}

	saved := store.last()
	if saved.CurrentStep != 2 {
		t.Errorf("Expected CurrentStep 2, got %d", saved.CurrentStep)
	}
	if len(saved.CompletedSteps) != 2 || saved.CompletedSteps[1].Number != 2 || saved.CompletedSteps[1].Name != "b" {
		t.Errorf("Unexpected completed steps: %+v", saved.CompletedSteps)
	}
	if store.saveCount() != 2 {
		t.Errorf("Expected a save after every step, got %d saves", store.saveCount())
	}

	types := publisher.types()
	if len(types) != 4 || types[0] != EventTypeStepStarted || types[1] != EventTypeStepCompleted {
		t.Errorf("Unexpected events: %v", types)
	}
}

func TestEngine_Run_DetectSkipsAndForce(t *testing.T) {
	tests := []struct {
		name        string
		force       bool
		wantApplied bool
	}{
		{name: "detect done skips apply", force: false, wantApplied: false},
		{name: "force bypasses detect", force: true, wantApplied: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &callLog{}
			step := workStep(log, "a", 10)
			step.Work.Detect = func(ctx context.Context, rc *RunContext) (bool, error) {
				return true, nil
			}
			plan := mustResolve(t, "web", step)
			state := newTestState("web", plan, RebootModeCheck)

			outcome, err := newTestEngine(newMemoryStore(), nil).Run(context.Background(), plan, state, 0, RunOptions{Force: tt.force})
			if err != nil {
				t.Fatalf("failed to run plan: %v", err)
			}

			applied := len(log.names()) == 1
			if applied != tt.wantApplied {
				t.Errorf("Expected applied=%v, got %v", tt.wantApplied, applied)
			}
			if !tt.wantApplied && (!plan.Steps[0].Skipped || len(outcome.Skipped) != 1) {
				t.Error("Expected step to be marked skipped")
			}
			if !state.IsCompleted("a") {
				t.Error("Expected skipped step to count as completed")
			}
		})
	}
}

func TestEngine_Run_VerifyFalseIsFailure(t *testing.T) {
	log := &callLog{}
	step := workStep(log, "a", 10)
	step.Work.Verify = func(ctx context.Context, rc *RunContext) (bool, error) {
		return false, nil
	}
	plan := mustResolve(t, "web", step, workStep(log, "b", 20))
	state := newTestState("web", plan, RebootModeCheck)

	outcome, err := newTestEngine(newMemoryStore(), nil).Run(context.Background(), plan, state, 0, RunOptions{})
	if err != nil {
		t.Fatalf("Expected non-critical failure not to error, got %v", err)
	}

	if !equalStrings(outcome.Failed, []string{"a"}) {
		t.Errorf("Expected [a] failed, got %v", outcome.Failed)
	}
	if len(state.FailedSteps) != 1 || state.FailedSteps[0].Number != 1 {
		t.Fatalf("Unexpected failed steps: %+v", state.FailedSteps)
	}
	if !equalStrings(log.names(), []string{"a", "b"}) {
		t.Errorf("Expected run to continue to b, got %v", log.names())
	}
	if outcome.Status != OutcomeCompleted {
		t.Errorf("Expected completed, got %s", outcome.Status)
	}
}

func TestEngine_Run_CriticalFailureAborts(t *testing.T) {
	log := &callLog{}
	store := newMemoryStore()
	failing := workStep(log, "b", 20)
	failing.Critical = true
	failing.Work.Apply = func(ctx context.Context, rc *RunContext) error {
		log.add("b")
		return errors.New("installer exited with 1603")
	}
	plan := mustResolve(t, "web", workStep(log, "a", 10), failing, workStep(log, "c", 30))
	state := newTestState("web", plan, RebootModeCheck)

	outcome, err := newTestEngine(store, nil).Run(context.Background(), plan, state, 0, RunOptions{})
	if err == nil {
		t.Fatal("Expected critical failure error, got nil")
	}
	if !IsCriticalFailure(err) {
		t.Errorf("Expected critical failure, got %v", err)
	}
	if outcome.Status != OutcomeFailed || outcome.Status.ExitCode() == 0 {
		t.Errorf("Expected failed outcome with non-zero exit, got %s", outcome.Status)
	}

	if !equalStrings(log.names(), []string{"a", "b"}) {
		t.Errorf("Expected c never to run, got %v", log.names())
	}
	for _, s := range plan.Steps[2:] {
		if s.Executed {
			t.Errorf("Expected step %s after the failure to stay unexecuted", s.Name)
		}
	}

	saved := store.last()
	if saved.Status != RunStatusFailed {
		t.Errorf("Expected persisted status Failed, got %s", saved.Status)
	}
	if saved.CurrentStep != 1 {
		t.Errorf("Expected CurrentStep to point at the failed step, got %d", saved.CurrentStep)
	}
	if len(saved.FailedSteps) != 1 || saved.FailedSteps[0].ErrorMessage == "" {
		t.Errorf("Expected recorded failure with message, got %+v", saved.FailedSteps)
	}
}

func TestEngine_Run_TimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	log := &callLog{}
	slow := workStep(log, "slow", 10)
	slow.Timeout = 20 * time.Millisecond
	slow.Work.Apply = func(ctx context.Context, rc *RunContext) error {
		<-release
		return nil
	}
	plan := mustResolve(t, "web", slow, workStep(log, "next", 20))
	state := newTestState("web", plan, RebootModeCheck)

	outcome, err := newTestEngine(newMemoryStore(), nil).Run(context.Background(), plan, state, 0, RunOptions{})
	if err != nil {
		t.Fatalf("Expected non-critical timeout not to error, got %v", err)
	}

	if !equalStrings(outcome.Failed, []string{"slow"}) {
		t.Errorf("Expected slow to fail, got %v", outcome.Failed)
	}
	if !equalStrings(log.names(), []string{"next"}) {
		t.Errorf("Expected run to continue after timeout, got %v", log.names())
	}
}

func TestEngine_Run_TimedOutStepKeepsItsContext(t *testing.T) {
	type seen struct {
		name  string
		index int
		cap   bool
	}
	done := make(chan seen, 1)

	log := &callLog{}
	slow := workStep(log, "slow", 10)
	slow.Timeout = 5 * time.Millisecond
	slow.Work.Detect = func(ctx context.Context, rc *RunContext) (bool, error) {
		time.Sleep(20 * time.Millisecond)
		done <- seen{name: rc.Step.Name, index: rc.Index, cap: rc.HasCapability("web-server")}
		return false, nil
	}
	next := workStep(log, "next", 20)
	next.Provides = []string{"web-server"}
	plan := mustResolve(t, "web", slow, next, workStep(log, "last", 30))
	state := newTestState("web", plan, RebootModeCheck)

	outcome, err := newTestEngine(newMemoryStore(), nil).Run(context.Background(), plan, state, 0, RunOptions{})
	if err != nil {
		t.Fatalf("failed to run plan: %v", err)
	}
	if !equalStrings(outcome.Failed, []string{"slow"}) {
		t.Errorf("Expected slow to time out, got %v", outcome.Failed)
	}

	select {
	case got := <-done:
		if got.name != "slow" || got.index != 0 {
			t.Errorf("Expected detect to see step slow at index 0, got %s at %d", got.name, got.index)
		}
		if got.cap {
			t.Error("Expected capability from a later step to stay hidden from the timed-out step")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected timed-out detect to finish")
	}
}

func TestEngine_Run_ResumeOffsetSkipsEarlierSteps(t *testing.T) {
	log := &callLog{}
	plan := mustResolve(t, "web",
		workStep(log, "a", 10),
		workStep(log, "b", 20),
		workStep(log, "c", 30),
		workStep(log, "d", 40),
	)
	state := newTestState("web", plan, RebootModeCheck)
	state.CurrentStep = 2

	outcome, err := newTestEngine(newMemoryStore(), nil).Run(context.Background(), plan, state, 2, RunOptions{})
	if err != nil {
		t.Fatalf("failed to run plan: %v", err)
	}

	if !equalStrings(log.names(), []string{"c", "d"}) {
		t.Errorf("Expected only [c d] invoked, got %v", log.names())
	}
	if outcome.StartedAt != 2 || outcome.NextStep != 4 {
		t.Errorf("Unexpected outcome offsets: started=%d next=%d", outcome.StartedAt, outcome.NextStep)
	}
}

func TestEngine_Run_RetriesRetryableErrors(t *testing.T) {
	var attempts int32
	step := &Step{
		Name:    "flaky",
		Tags:    []string{AllRoles},
		Retries: 2,
		Work: Work{Apply: func(ctx context.Context, rc *RunContext) error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return NewTransientError("package manager locked", nil)
			}
			return nil
		}},
	}
	plan := mustResolve(t, "web", step)
	state := newTestState("web", plan, RebootModeCheck)

	outcome, err := newTestEngine(newMemoryStore(), nil).Run(context.Background(), plan, state, 0, RunOptions{})
	if err != nil {
		t.Fatalf("failed to run plan: %v", err)
	}

	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if len(outcome.Failed) != 0 {
		t.Errorf("Expected no failures, got %v", outcome.Failed)
	}
}

func TestEngine_Run_PermanentErrorNotRetried(t *testing.T) {
	var attempts int32
	step := &Step{
		Name:    "broken",
		Tags:    []string{AllRoles},
		Retries: 3,
		Work: Work{Apply: func(ctx context.Context, rc *RunContext) error {
			atomic.AddInt32(&attempts, 1)
			return NewPermanentError("bad input", nil)
		}},
	}
	plan := mustResolve(t, "web", step)
	state := newTestState("web", plan, RebootModeCheck)

	if _, err := newTestEngine(newMemoryStore(), nil).Run(context.Background(), plan, state, 0, RunOptions{}); err != nil {
		t.Fatalf("failed to run plan: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestEngine_Run_PanicIsFailure(t *testing.T) {
	step := &Step{
		Name: "panics",
		Tags: []string{AllRoles},
		Work: Work{Apply: func(ctx context.Context, rc *RunContext) error {
			panic("nil map")
		}},
	}
	plan := mustResolve(t, "web", step)
	state := newTestState("web", plan, RebootModeCheck)

	outcome, err := newTestEngine(newMemoryStore(), nil).Run(context.Background(), plan, state, 0, RunOptions{})
	if err != nil {
		t.Fatalf("failed to run plan: %v", err)
	}
	if !equalStrings(outcome.Failed, []string{"panics"}) {
		t.Errorf("Expected panicking step to fail, got %v", outcome.Failed)
	}
}

func TestEngine_Run_Preview(t *testing.T) {
	log := &callLog{}
	store := newMemoryStore()
	publisher := &recordingPublisher{}
	plan := mustResolve(t, "web", workStep(log, "a", 10), workStep(log, "b", 20))
	state := newTestState("web", plan, RebootModeCheck)

	outcome, err := newTestEngine(store, publisher).Run(context.Background(), plan, state, 0, RunOptions{Preview: true})
	if err != nil {
		t.Fatalf("failed to preview plan: %v", err)
	}

	if outcome.Status != OutcomePreviewed {
		t.Errorf("Expected previewed, got %s", outcome.Status)
	}
	if len(log.names()) != 0 {
		t.Errorf("Expected no work units invoked, got %v", log.names())
	}
	if store.saveCount() != 0 {
		t.Errorf("Expected no state saves, got %d", store.saveCount())
	}
	if len(state.CompletedSteps) != 0 || state.CurrentStep != 0 {
		t.Error("Expected preview not to mutate state")
	}
	if types := publisher.types(); len(types) != 1 || types[0] != EventTypePreview {
		t.Errorf("Expected a single preview event, got %v", types)
	}
}

func TestEngine_Run_InterruptBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := &callLog{}
	first := workStep(log, "a", 10)
	first.Work.Apply = func(c context.Context, rc *RunContext) error {
		log.add("a")
		cancel()
		if c.Err() != nil {
			return errors.New("work unit observed operator cancel")
		}
		return nil
	}
	store := newMemoryStore()
	plan := mustResolve(t, "web", first, workStep(log, "b", 20))
	state := newTestState("web", plan, RebootModeCheck)

	outcome, err := newTestEngine(store, nil).Run(ctx, plan, state, 0, RunOptions{})
	if err == nil {
		t.Fatal("Expected interrupt error, got nil")
	}
	if codeOf(err) != ErrCodeInterrupted {
		t.Errorf("Expected code %s, got %s", ErrCodeInterrupted, codeOf(err))
	}
	if outcome.Status != OutcomeInterrupted {
		t.Errorf("Expected interrupted, got %s", outcome.Status)
	}
	if !equalStrings(log.names(), []string{"a"}) {
		t.Errorf("Expected only a to run, got %v", log.names())
	}
	if !state.IsCompleted("a") {
		t.Error("Expected in-flight step to complete")
	}

	saved := store.last()
	if saved.CurrentStep != 1 || saved.Status != RunStatusInProgress {
		t.Errorf("Expected resumable state at step 1, got step=%d status=%s", saved.CurrentStep, saved.Status)
	}
}

func TestEngine_Run_CapabilitiesVisibleToLaterSteps(t *testing.T) {
	log := &callLog{}
	var sawCapability bool
	provider := workStep(log, "install-iis", 10)
	provider.Provides = []string{"web-server"}
	consumer := workStep(log, "deploy", 20, "web-server")
	consumer.Work.Apply = func(ctx context.Context, rc *RunContext) error {
		sawCapability = rc.HasCapability("web-server")
		return nil
	}
	plan := mustResolve(t, "web", provider, consumer)
	state := newTestState("web", plan, RebootModeCheck)

	if _, err := newTestEngine(newMemoryStore(), nil).Run(context.Background(), plan, state, 0, RunOptions{}); err != nil {
		t.Fatalf("failed to run plan: %v", err)
	}
	if !sawCapability {
		t.Error("Expected web-server capability to be available to deploy")
	}
}

func TestMultiPublisher_DeliversToAll(t *testing.T) {
	first := &recordingPublisher{}
	second := &recordingPublisher{}
	failing := PublisherFunc(func(ctx context.Context, event *Event) error {
		return errors.New("sink unavailable")
	})

	err := MultiPublisher{first, failing, nil, second}.Publish(context.Background(), &Event{Type: EventTypeWarning})
	if err == nil {
		t.Error("Expected joined error from failing publisher")
	}
	if len(first.types()) != 1 || len(second.types()) != 1 {
		t.Error("Expected every publisher to receive the event")
	}
}
