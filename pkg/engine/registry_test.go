package engine

import (
	"context"
	"testing"
)

func noop(ctx context.Context, rc *RunContext) error { return nil }

func TestRegistry_Register_Defaults(t *testing.T) {
	r := NewRegistry()
	step := &Step{Name: "install-agent", Tags: []string{"web"}, Work: Work{Apply: noop}}

	if err := r.Register(step); err != nil {
		t.Fatalf("failed to register step: %v", err)
	}

	if step.Priority != DefaultPriority {
		t.Errorf("Expected default priority %d, got %d", DefaultPriority, step.Priority)
	}
	if !contains(step.Provides, "install-agent") {
		t.Errorf("Expected Provides to contain own name, got %v", step.Provides)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 step, got %d", r.Len())
	}
}

func TestRegistry_Register_KeepsExplicitProvides(t *testing.T) {
	r := NewRegistry()
	step := &Step{Name: "join-domain", Provides: []string{"domain"}, Priority: 5, Work: Work{Apply: noop}}

	if err := r.Register(step); err != nil {
		t.Fatalf("failed to register step: %v", err)
	}

	if !equalStrings(step.Provides, []string{"join-domain", "domain"}) {
		t.Errorf("Expected [join-domain domain], got %v", step.Provides)
	}
	if step.Priority != 5 {
		t.Errorf("Expected priority 5, got %d", step.Priority)
	}
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Step{Name: "a", Work: Work{Apply: noop}}); err != nil {
		t.Fatalf("failed to register step: %v", err)
	}

	err := r.Register(&Step{Name: "a", Work: Work{Apply: noop}})
	if err == nil {
		t.Fatal("Expected duplicate error, got nil")
	}
	if !IsDuplicateStep(err) {
		t.Errorf("Expected DuplicateStepError, got %T", err)
	}
	if !IsPermanent(err) {
		t.Error("Expected duplicate error to be permanent")
	}
	if r.Len() != 1 {
		t.Errorf("Expected registry to stay at 1 step, got %d", r.Len())
	}
}

func TestRegistry_Register_Invalid(t *testing.T) {
	tests := []struct {
		name string
		step *Step
	}{
		{name: "nil step", step: nil},
		{name: "empty name", step: &Step{Name: "  ", Work: Work{Apply: noop}}},
		{name: "no apply", step: &Step{Name: "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.step)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if codeOf(err) != ErrCodeValidation {
				t.Errorf("Expected code %s, got %s", ErrCodeValidation, codeOf(err))
			}
		})
	}
}

func TestRegistry_Steps_RegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		r.MustRegister(&Step{Name: name, Work: Work{Apply: noop}})
	}

	got := (&ExecutionPlan{Steps: r.Steps()}).Names()
	if !equalStrings(got, []string{"c", "a", "b"}) {
		t.Errorf("Expected registration order [c a b], got %v", got)
	}

	if _, ok := r.Get("a"); !ok {
		t.Error("Expected Get to find step a")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Expected Get to miss unknown step")
	}
}
