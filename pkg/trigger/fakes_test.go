package trigger

import (
	"context"
	"strings"
	"sync"

	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// fakeRunner records commands and answers from a table keyed by the joined
// command line.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	results  map[string]hostexec.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]hostexec.Result{}}
}

func (f *fakeRunner) Run(_ context.Context, cmd hostexec.Command) (*hostexec.Result, error) {
	line := strings.Join(append([]string{cmd.Name}, cmd.Args...), " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, line)
	for prefix, res := range f.results {
		if strings.HasPrefix(line, prefix) {
			r := res
			return &r, nil
		}
	}
	return &hostexec.Result{}, nil
}

func (f *fakeRunner) ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
