package engine

import (
	"fmt"
	"sort"
)

type visitMark int

const (
	unvisited visitMark = iota
	visiting
	visited
)

// resolver carries the traversal state of one Resolve call.
type resolver struct {
	providers map[string]*Step
	marks     map[string]visitMark
	order     []*Step
	warnings  []MissingDependencyWarning
	warned    map[MissingDependencyWarning]bool
}

// Resolve selects the steps tagged for role and orders them so that every
// dependency precedes its dependents. Ties are broken by (Priority, Name).
// Dependencies with no provider among the selected steps produce warnings;
// cycles fail with *CycleDetectedError and no plan.
//
// Resolve performs no I/O. The returned plan holds copies of the steps so
// runtime flags never leak back into the registry.
func Resolve(steps []*Step, role string) (*ExecutionPlan, error) {
	selected := make([]*Step, 0, len(steps))
	for _, s := range steps {
		if s.HasTag(role) {
			c := *s
			selected = append(selected, &c)
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Priority != selected[j].Priority {
			return selected[i].Priority < selected[j].Priority
		}
		return selected[i].Name < selected[j].Name
	})

	r := &resolver{
		providers: make(map[string]*Step),
		marks:     make(map[string]visitMark, len(selected)),
		order:     make([]*Step, 0, len(selected)),
		warned:    make(map[MissingDependencyWarning]bool),
	}

	// The first provider in priority order wins when several provide a capability.
	for _, s := range selected {
		for _, capability := range s.Provides {
			if _, ok := r.providers[capability]; !ok {
				r.providers[capability] = s
			}
		}
		if _, ok := r.providers[s.Name]; !ok {
			r.providers[s.Name] = s
		}
	}

	for _, s := range selected {
		if err := r.visit(s, nil); err != nil {
			return nil, err
		}
	}

	return &ExecutionPlan{
		Role:     role,
		Steps:    r.order,
		Warnings: r.warnings,
	}, nil
}

func (r *resolver) visit(s *Step, path []string) error {
	switch r.marks[s.Name] {
	case visited:
		return nil
	case visiting:
		return &CycleDetectedError{Step: s.Name, Path: cyclePath(path, s.Name)}
	}

	r.marks[s.Name] = visiting
	path = append(path, s.Name)

	for _, dep := range s.DependsOn {
		provider, ok := r.providers[dep]
		if !ok {
			w := MissingDependencyWarning{Step: s.Name, Dependency: dep}
			if !r.warned[w] {
				r.warned[w] = true
				r.warnings = append(r.warnings, w)
			}
			continue
		}
		if err := r.visit(provider, path); err != nil {
			return err
		}
	}

	r.marks[s.Name] = visited
	r.order = append(r.order, s)
	return nil
}

// cyclePath trims path to the part that forms the cycle and closes it.
func cyclePath(path []string, name string) []string {
	for i, p := range path {
		if p == name {
			cycle := append([]string(nil), path[i:]...)
			return append(cycle, name)
		}
	}
	return []string{name}
}

// CompletedCapabilities returns the capabilities made available by the steps
// recorded in state. Names found in plan contribute their Provides; unknown
// names (steps no longer selected) contribute only themselves.
func CompletedCapabilities(plan *ExecutionPlan, state *RunState) map[string]bool {
	caps := make(map[string]bool)
	if state == nil {
		return caps
	}
	byName := make(map[string]*Step)
	if plan != nil {
		for _, s := range plan.Steps {
			byName[s.Name] = s
		}
	}
	for _, c := range state.CompletedSteps {
		caps[c.Name] = true
		if s, ok := byName[c.Name]; ok {
			for _, p := range s.Provides {
				caps[p] = true
			}
		}
	}
	return caps
}

// UnsatisfiedDependencies lists dependencies that are neither provided by an
// earlier step in plan nor present in completed. An empty result means the
// plan can run in order.
func UnsatisfiedDependencies(plan *ExecutionPlan, completed map[string]bool) []MissingDependencyWarning {
	available := make(map[string]bool, len(completed))
	for c := range completed {
		available[c] = true
	}

	var missing []MissingDependencyWarning
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if !available[dep] && !contains(s.Provides, dep) {
				missing = append(missing, MissingDependencyWarning{Step: s.Name, Dependency: dep})
			}
		}
		for _, p := range s.Provides {
			available[p] = true
		}
	}
	return missing
}

// FormatPlan renders the plan as one line per step for logs and the CLI.
func FormatPlan(plan *ExecutionPlan) []string {
	lines := make([]string, 0, plan.Len())
	for i, s := range plan.Steps {
		kind := "step"
		if s.IsCheckpoint() {
			kind = "checkpoint"
		}
		flag := ""
		if s.Critical {
			flag = " critical"
		}
		lines = append(lines, fmt.Sprintf("%3d  %-10s section=%d priority=%d %s%s",
			i, kind, s.Section, s.Priority, s.Name, flag))
	}
	return lines
}
