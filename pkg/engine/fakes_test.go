package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memoryStore is an in-memory StateStore that keeps every saved snapshot.
type memoryStore struct {
	mu      sync.Mutex
	state   *RunState
	saves   []*RunState
	failAt  int // 1-based save number that fails; 0 never fails
	deleted bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{}
}

func (m *memoryStore) Load(ctx context.Context) (*RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *memoryStore) Save(ctx context.Context, state *RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt > 0 && len(m.saves)+1 == m.failAt {
		m.failAt = 0
		return errors.New("disk full")
	}
	m.state = state.Clone()
	m.saves = append(m.saves, state.Clone())
	return nil
}

func (m *memoryStore) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	m.deleted = true
	return nil
}

func (m *memoryStore) last() *RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

func (m *memoryStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

type fakeTriggers struct {
	created []TriggerSpec
	removed []string
	err     error
	exists  bool
}

func (f *fakeTriggers) Create(ctx context.Context, spec TriggerSpec) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, spec)
	f.exists = true
	return spec.Name, nil
}

func (f *fakeTriggers) Remove(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	f.exists = false
	return nil
}

func (f *fakeTriggers) Exists(ctx context.Context) (bool, error) {
	return f.exists, nil
}

type fakeDetector struct {
	required bool
	reasons  []string
	err      error
	calls    int
}

func (f *fakeDetector) IsRequired(ctx context.Context) (bool, []string, error) {
	f.calls++
	return f.required, f.reasons, f.err
}

// fakeRestarter records the persisted state at the moment a restart is requested.
type fakeRestarter struct {
	store   *memoryStore
	calls   int
	atCall  *RunState
	message string
	err     error
}

func (f *fakeRestarter) Restart(ctx context.Context, delay time.Duration, message string) error {
	f.calls++
	f.message = message
	if f.store != nil {
		f.atCall = f.store.last()
	}
	return f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingPublisher) Publish(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *recordingPublisher) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fakeArchiver struct {
	runs []*RunState
}

func (f *fakeArchiver) ArchiveRun(ctx context.Context, state *RunState) error {
	f.runs = append(f.runs, state.Clone())
	return nil
}

type fakePolicy struct {
	violations []PolicyViolation
}

func (f *fakePolicy) EvaluatePlan(ctx context.Context, plan *ExecutionPlan, mode RebootMode) ([]PolicyViolation, error) {
	return f.violations, nil
}

// callLog records work-unit invocations in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callLog) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// workStep returns a step tagged for every role whose apply records its name.
func workStep(log *callLog, name string, priority int, deps ...string) *Step {
	return &Step{
		Name:      name,
		Tags:      []string{AllRoles},
		Priority:  priority,
		DependsOn: deps,
		Section:   1,
		Work: Work{
			Apply: func(ctx context.Context, rc *RunContext) error {
				log.add(name)
				return nil
			},
		},
	}
}

func newTestEngine(store StateStore, publisher EventPublisher) *Engine {
	return NewEngine(store, publisher, zerolog.Nop(), EngineOptions{RetryBaseDelay: time.Millisecond})
}

func newTestState(role string, plan *ExecutionPlan, mode RebootMode) *RunState {
	return &RunState{
		Role:       role,
		SessionID:  "session-1",
		StartTime:  time.Now(),
		Status:     RunStatusInProgress,
		TotalSteps: plan.Len(),
		RebootMode: mode,
	}
}

func mustResolve(t *testing.T, role string, steps ...*Step) *ExecutionPlan {
	t.Helper()
	r := NewRegistry()
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			t.Fatalf("failed to register %s: %v", s.Name, err)
		}
	}
	plan, err := Resolve(r.Steps(), role)
	if err != nil {
		t.Fatalf("failed to resolve plan: %v", err)
	}
	return plan
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
