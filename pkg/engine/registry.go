package engine

import (
	"strings"
	"sync"
)

// Registry holds step definitions in registration order.
type Registry struct {
	mu    sync.RWMutex
	steps []*Step
	index map[string]*Step
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]*Step)}
}

// Register adds a step. It fails with *DuplicateStepError if the name is taken.
// Priority defaults to DefaultPriority and Provides always contains Name.
func (r *Registry) Register(step *Step) error {
	if step == nil || strings.TrimSpace(step.Name) == "" {
		return NewPermanentError("step has empty name", nil).WithCode(ErrCodeValidation)
	}
	if step.Work.Apply == nil {
		return NewPermanentError("step has no work function", nil).
			WithCode(ErrCodeValidation).
			WithStep(step.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[step.Name]; exists {
		return &DuplicateStepError{Name: step.Name}
	}

	if step.Priority == 0 {
		step.Priority = DefaultPriority
	}
	if !contains(step.Provides, step.Name) {
		step.Provides = append([]string{step.Name}, step.Provides...)
	}

	r.steps = append(r.steps, step)
	r.index[step.Name] = step
	return nil
}

// MustRegister registers steps and panics on error. Intended for static step sets.
func (r *Registry) MustRegister(steps ...*Step) {
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Get returns the named step.
func (r *Registry) Get(name string) (*Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.index[name]
	return s, ok
}

// Steps returns all steps in registration order.
func (r *Registry) Steps() []*Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Step(nil), r.steps...)
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
