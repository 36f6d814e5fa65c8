package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type orchestratorFixture struct {
	*checkpointFixture
	registry  *Registry
	archiver  *fakeArchiver
	publisher *recordingPublisher
	policy    *fakePolicy
}

func newOrchestratorFixture(t *testing.T, steps ...*Step) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		checkpointFixture: newCheckpointFixture(),
		registry:          NewRegistry(),
		archiver:          &fakeArchiver{},
		publisher:         &recordingPublisher{},
		policy:            &fakePolicy{},
	}
	if len(steps) == 0 {
		steps = f.exampleSteps("")
	}
	for _, s := range steps {
		if err := f.registry.Register(s); err != nil {
			t.Fatalf("failed to register %s: %v", s.Name, err)
		}
	}
	return f
}

func (f *orchestratorFixture) orchestrator(opts OrchestratorOptions) *Orchestrator {
	return NewOrchestrator(OrchestratorDeps{
		Registry: f.registry,
		Engine:   newTestEngine(f.store, f.publisher),
		Store:    f.store,
		Triggers: f.triggers,
		Archiver: f.archiver,
		Policy:   f.policy,
	}, zerolog.Nop(), opts)
}

func TestOrchestrator_Start_FreshRunCompletes(t *testing.T) {
	f := newOrchestratorFixture(t)
	o := f.orchestrator(OrchestratorOptions{})

	outcome, err := o.Start(context.Background(), StartOptions{Role: "web", ResumeFrom: -1})
	if err != nil {
		t.Fatalf("failed to start run: %v", err)
	}

	if outcome.Status != OutcomeCompleted {
		t.Errorf("Expected completed, got %s", outcome.Status)
	}
	if !equalStrings(f.log.names(), []string{"a", "b"}) {
		t.Errorf("Expected [a b] invoked, got %v", f.log.names())
	}
	if !f.store.deleted || f.store.last() != nil {
		t.Error("Expected state file removed after completion")
	}
	if len(f.archiver.runs) != 1 {
		t.Fatalf("Expected one archived run, got %d", len(f.archiver.runs))
	}
	archived := f.archiver.runs[0]
	if archived.Status != RunStatusCompleted || archived.RebootCount != 0 {
		t.Errorf("Expected Completed with RebootCount 0, got %s/%d", archived.Status, archived.RebootCount)
	}
	if archived.SessionID == "" {
		t.Error("Expected a session id")
	}

	types := f.publisher.types()
	if types[0] != EventTypeRunStarted || types[len(types)-1] != EventTypeRunCompleted {
		t.Errorf("Expected run_started ... run_completed, got %v", types)
	}
}

func TestOrchestrator_Start_KeepState(t *testing.T) {
	f := newOrchestratorFixture(t)
	o := f.orchestrator(OrchestratorOptions{KeepState: true})

	if _, err := o.Start(context.Background(), StartOptions{Role: "web", ResumeFrom: -1}); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}

	saved := f.store.last()
	if saved == nil || saved.Status != RunStatusCompleted {
		t.Fatalf("Expected kept Completed state, got %+v", saved)
	}
	if saved.CurrentStep != saved.TotalSteps {
		t.Errorf("Expected CurrentStep at TotalSteps, got %d/%d", saved.CurrentStep, saved.TotalSteps)
	}
}

func TestOrchestrator_RestartAndResume(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.detector.required = true
	o := f.orchestrator(OrchestratorOptions{})

	outcome, err := o.Start(context.Background(), StartOptions{Role: "web", ResumeFrom: -1})
	if err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	if outcome.Status != OutcomeRestarting {
		t.Fatalf("Expected restarting, got %s", outcome.Status)
	}

	saved := f.store.last()
	if saved.RebootCount != 1 || saved.Status != RunStatusInProgress || saved.CurrentStep != 3 {
		t.Fatalf("Unexpected persisted state: count=%d status=%s step=%d",
			saved.RebootCount, saved.Status, saved.CurrentStep)
	}
	if len(f.archiver.runs) != 0 {
		t.Error("Expected no archive while restarting")
	}

	// Relaunch from the trigger after the restart.
	f.detector.required = false
	outcome, err = o.Start(context.Background(), StartOptions{Role: "web", ResumeFrom: 3})
	if err != nil {
		t.Fatalf("failed to resume run: %v", err)
	}

	if outcome.Status != OutcomeCompleted {
		t.Errorf("Expected completed, got %s", outcome.Status)
	}
	if !equalStrings(f.log.names(), []string{"a", "b"}) {
		t.Errorf("Expected no additional work units on resume, got %v", f.log.names())
	}
	if len(f.triggers.removed) != 1 || f.triggers.removed[0] != DefaultTriggerName {
		t.Errorf("Expected resume trigger removed, got %v", f.triggers.removed)
	}
	if len(f.archiver.runs) != 1 {
		t.Fatalf("Expected one archived run, got %d", len(f.archiver.runs))
	}
	archived := f.archiver.runs[0]
	if archived.Status != RunStatusCompleted || archived.RebootCount != 1 {
		t.Errorf("Expected Completed with RebootCount 1, got %s/%d", archived.Status, archived.RebootCount)
	}
	if archived.ResumeTask != nil {
		t.Error("Expected resume task cleared")
	}
}

func TestOrchestrator_Resume_UsesLargerOffset(t *testing.T) {
	log := &callLog{}
	f := newOrchestratorFixture(t,
		workStep(log, "a", 10),
		workStep(log, "b", 20),
		workStep(log, "c", 30),
		workStep(log, "d", 40),
	)
	_ = f.store.Save(context.Background(), &RunState{
		Role:        "web",
		SessionID:   "s-1",
		Status:      RunStatusInProgress,
		TotalSteps:  4,
		CurrentStep: 1,
		RebootMode:  RebootModeCheck,
	})

	tests := []struct {
		name       string
		resumeFrom int
		want       []string
	}{
		{name: "argument larger than persisted", resumeFrom: 2, want: []string{"c", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := f.orchestrator(OrchestratorOptions{})
			outcome, err := o.Start(context.Background(), StartOptions{ResumeFrom: tt.resumeFrom})
			if err != nil {
				t.Fatalf("failed to resume run: %v", err)
			}
			if outcome.StartedAt != 2 {
				t.Errorf("Expected start at 2, got %d", outcome.StartedAt)
			}
			if !equalStrings(log.names(), tt.want) {
				t.Errorf("Expected %v invoked, got %v", tt.want, log.names())
			}
		})
	}
}

func TestOrchestrator_Resume_PersistedOffsetWinsOverSmallerArgument(t *testing.T) {
	log := &callLog{}
	f := newOrchestratorFixture(t, workStep(log, "a", 10), workStep(log, "b", 20), workStep(log, "c", 30))
	_ = f.store.Save(context.Background(), &RunState{
		Role:        "web",
		SessionID:   "s-1",
		Status:      RunStatusInProgress,
		TotalSteps:  3,
		CurrentStep: 2,
	})

	if _, err := f.orchestrator(OrchestratorOptions{}).Start(context.Background(), StartOptions{ResumeFrom: 0}); err != nil {
		t.Fatalf("failed to resume run: %v", err)
	}
	if !equalStrings(log.names(), []string{"c"}) {
		t.Errorf("Expected only c invoked, got %v", log.names())
	}
}

func TestOrchestrator_Resume_PersistedRoleWins(t *testing.T) {
	log := &callLog{}
	web := workStep(log, "web-step", 10)
	web.Tags = []string{"web"}
	db := workStep(log, "db-step", 10)
	db.Tags = []string{"db"}
	f := newOrchestratorFixture(t, web, db)
	_ = f.store.Save(context.Background(), &RunState{
		Role:       "db",
		SessionID:  "s-1",
		Status:     RunStatusInProgress,
		TotalSteps: 1,
	})

	if _, err := f.orchestrator(OrchestratorOptions{}).Start(context.Background(), StartOptions{Role: "web", ResumeFrom: -1}); err != nil {
		t.Fatalf("failed to resume run: %v", err)
	}
	if !equalStrings(log.names(), []string{"db-step"}) {
		t.Errorf("Expected persisted role db to run, got %v", log.names())
	}
}

func TestOrchestrator_Resume_OffsetBeyondTotalCompletes(t *testing.T) {
	f := newOrchestratorFixture(t)
	_ = f.store.Save(context.Background(), &RunState{
		Role:        "web",
		SessionID:   "s-1",
		Status:      RunStatusInProgress,
		TotalSteps:  3,
		CurrentStep: 1,
	})

	outcome, err := f.orchestrator(OrchestratorOptions{KeepState: true}).Start(context.Background(), StartOptions{ResumeFrom: 7})
	if err != nil {
		t.Fatalf("failed to resume run: %v", err)
	}
	if outcome.Status != OutcomeCompleted {
		t.Errorf("Expected completed, got %s", outcome.Status)
	}
	if len(f.log.names()) != 0 {
		t.Errorf("Expected no work units invoked, got %v", f.log.names())
	}
	if saved := f.store.last(); saved.Status != RunStatusCompleted {
		t.Errorf("Expected persisted Completed, got %s", saved.Status)
	}
}

func TestOrchestrator_CriticalFailureAndRetry(t *testing.T) {
	log := &callLog{}
	fail := true
	flaky := workStep(log, "b", 20)
	flaky.Critical = true
	flaky.Work.Apply = func(ctx context.Context, rc *RunContext) error {
		log.add("b")
		if fail {
			return errors.New("service did not start")
		}
		return nil
	}
	f := newOrchestratorFixture(t, workStep(log, "a", 10), flaky, workStep(log, "c", 30))
	o := f.orchestrator(OrchestratorOptions{})

	outcome, err := o.Start(context.Background(), StartOptions{Role: "web", ResumeFrom: -1})
	if !IsCriticalFailure(err) {
		t.Fatalf("Expected critical failure, got %v", err)
	}
	if outcome.Status.ExitCode() == 0 {
		t.Error("Expected non-zero exit code")
	}
	saved := f.store.last()
	if saved == nil || saved.Status != RunStatusFailed {
		t.Fatalf("Expected Failed state kept, got %+v", saved)
	}
	if len(f.archiver.runs) != 1 || f.archiver.runs[0].Status != RunStatusFailed {
		t.Error("Expected failed run archived")
	}

	fail = false
	outcome, err = o.Start(context.Background(), StartOptions{RetryFailed: true, ResumeFrom: -1})
	if err != nil {
		t.Fatalf("failed to retry run: %v", err)
	}
	if outcome.Status != OutcomeCompleted {
		t.Errorf("Expected completed, got %s", outcome.Status)
	}
	if !equalStrings(log.names(), []string{"a", "b", "b", "c"}) {
		t.Errorf("Expected retry to start at b, got %v", log.names())
	}
}

func TestOrchestrator_FailedStateStartsFreshWithoutRetry(t *testing.T) {
	f := newOrchestratorFixture(t)
	_ = f.store.Save(context.Background(), &RunState{
		Role:       "web",
		SessionID:  "old",
		Status:     RunStatusFailed,
		TotalSteps: 3,
	})

	if _, err := f.orchestrator(OrchestratorOptions{}).Start(context.Background(), StartOptions{Role: "web", ResumeFrom: -1}); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	if len(f.archiver.runs) != 2 || f.archiver.runs[0].SessionID != "old" {
		t.Errorf("Expected old run archived before the fresh one, got %d runs", len(f.archiver.runs))
	}
	if f.archiver.runs[1].SessionID == "old" {
		t.Error("Expected a new session id for the fresh run")
	}
}

func TestOrchestrator_ValidateOnly(t *testing.T) {
	f := newOrchestratorFixture(t)

	outcome, err := f.orchestrator(OrchestratorOptions{}).Start(context.Background(), StartOptions{Role: "web", ValidateOnly: true})
	if err != nil {
		t.Fatalf("failed to validate: %v", err)
	}
	if outcome.Status != OutcomeValidated {
		t.Errorf("Expected validated, got %s", outcome.Status)
	}
	if f.store.saveCount() != 0 || len(f.log.names()) != 0 {
		t.Error("Expected validate-only to touch neither state nor steps")
	}
}

func TestOrchestrator_PolicyEnforcement(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.policy.violations = []PolicyViolation{
		{Policy: "section-order", Step: "b", Message: "section decreases", Severity: "error"},
	}

	_, err := f.orchestrator(OrchestratorOptions{EnforcePolicy: true}).Start(context.Background(), StartOptions{Role: "web", ResumeFrom: -1})
	if codeOf(err) != ErrCodePolicyViolation {
		t.Fatalf("Expected policy violation, got %v", err)
	}
	if f.store.saveCount() != 0 {
		t.Error("Expected no state created for a blocked plan")
	}

	outcome, err := f.orchestrator(OrchestratorOptions{}).Start(context.Background(), StartOptions{Role: "web", ResumeFrom: -1})
	if err != nil || outcome.Status != OutcomeCompleted {
		t.Errorf("Expected unenforced policy to allow the run, got %v", err)
	}
}

func TestOrchestrator_CycleFailsBeforeState(t *testing.T) {
	log := &callLog{}
	f := newOrchestratorFixture(t, workStep(log, "a", 10, "b"), workStep(log, "b", 20, "a"))

	_, err := f.orchestrator(OrchestratorOptions{}).Start(context.Background(), StartOptions{Role: "web", ResumeFrom: -1})
	if !IsCycleDetected(err) {
		t.Fatalf("Expected cycle error, got %v", err)
	}
	if f.store.saveCount() != 0 || len(log.names()) != 0 {
		t.Error("Expected no state and no steps executed")
	}
}

func TestOrchestrator_RoleRequiredForFreshRun(t *testing.T) {
	f := newOrchestratorFixture(t)

	_, err := f.orchestrator(OrchestratorOptions{}).Start(context.Background(), StartOptions{ResumeFrom: -1})
	if codeOf(err) != ErrCodeValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestOrchestrator_Preview(t *testing.T) {
	f := newOrchestratorFixture(t)

	outcome, err := f.orchestrator(OrchestratorOptions{}).Start(context.Background(), StartOptions{Role: "web", Preview: true, ResumeFrom: -1})
	if err != nil {
		t.Fatalf("failed to preview: %v", err)
	}
	if outcome.Status != OutcomePreviewed {
		t.Errorf("Expected previewed, got %s", outcome.Status)
	}
	if f.store.saveCount() != 0 || len(f.log.names()) != 0 {
		t.Error("Expected preview to touch neither state nor steps")
	}
}

func TestOrchestrator_Reset(t *testing.T) {
	f := newOrchestratorFixture(t)
	_ = f.store.Save(context.Background(), &RunState{
		Role:       "web",
		SessionID:  "s-1",
		Status:     RunStatusInProgress,
		ResumeTask: &ResumeTask{ID: "stagehand-resume"},
	})

	if err := f.orchestrator(OrchestratorOptions{}).Reset(context.Background()); err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	if f.store.last() != nil {
		t.Error("Expected state deleted")
	}
	if len(f.triggers.removed) != 1 || f.triggers.removed[0] != "stagehand-resume" {
		t.Errorf("Expected trigger removed, got %v", f.triggers.removed)
	}
	if len(f.archiver.runs) != 1 {
		t.Error("Expected state archived before delete")
	}
}
