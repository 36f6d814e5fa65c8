package steps

import (
	"context"
	"errors"
	"sync"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// fakeRunner returns canned results keyed by Command.Name.
type fakeRunner struct {
	mu       sync.Mutex
	results  map[string]*hostexec.Result
	errs     map[string]error
	commands []hostexec.Command
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string]*hostexec.Result),
		errs:    make(map[string]error),
	}
}

func (f *fakeRunner) Run(_ context.Context, cmd hostexec.Command) (*hostexec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)

	if err, ok := f.errs[cmd.Name]; ok {
		return nil, err
	}
	if res, ok := f.results[cmd.Name]; ok {
		return res, nil
	}
	return &hostexec.Result{}, nil
}

func (f *fakeRunner) exit(name string, code int) {
	f.results[name] = &hostexec.Result{ExitCode: code, Stderr: "boom"}
}

func (f *fakeRunner) last() hostexec.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[len(f.commands)-1]
}

type fakeSecrets struct {
	secrets map[string]string
}

func (f *fakeSecrets) GetSecret(_ context.Context, role string) (string, error) {
	s, ok := f.secrets[role]
	if !ok {
		return "", errors.New("no secret")
	}
	return s, nil
}

func runContext(role string, secrets engine.SecretProvider) *engine.RunContext {
	return &engine.RunContext{
		State:   &engine.RunState{Role: role, SessionID: "session-1"},
		Secrets: secrets,
	}
}
