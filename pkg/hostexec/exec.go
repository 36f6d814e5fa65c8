// Package hostexec runs host commands for steps, detectors and trigger backends.
package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Command describes a process to run.
type Command struct {
	// Name is the executable. When Args is empty, Name is a script run by Shell.
	Name string

	// Args are passed to Name directly, without a shell.
	Args []string

	// Shell runs Name when Args is empty. Defaults to /bin/sh on Unix and
	// powershell.exe on Windows.
	Shell string

	// UseSudo runs the command through sudo. Ignored on Windows.
	UseSudo bool

	// SudoPassword is written to sudo's stdin when set.
	SudoPassword string

	// WorkDir is the working directory.
	WorkDir string

	// Env is added to the inherited environment.
	Env map[string]string

	// Stdin is written to the process's standard input.
	Stdin string
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the command exited with code 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// ExitError is returned by RunChecked for a non-zero exit code.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, msg)
}

// Runner runs host commands. A non-zero exit code is reported in Result, not
// as an error; errors mean the process could not be run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger zerolog.Logger
	goos   string
}

// NewExecRunner creates a runner for the current platform.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{
		logger: logger.With().Str("component", "hostexec").Logger(),
		goos:   runtime.GOOS,
	}
}

// Run executes cmd and captures its output.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command is required")
	}

	name, args := r.argv(c)
	cmd := exec.CommandContext(ctx, name, args...)

	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(c.Env)...)
	}

	stdin := c.Stdin
	if c.UseSudo && c.SudoPassword != "" && r.goos != "windows" {
		stdin = c.SudoPassword + "\n" + stdin
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", c.Name, err)
		}
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return result, fmt.Errorf("%s: %w", c.Name, ctx.Err())
		}
	}

	r.logger.Debug().
		Str("command", c.Name).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Command finished")

	return result, nil
}

// argv builds the process name and arguments for c.
func (r *ExecRunner) argv(c Command) (string, []string) {
	var name string
	var args []string

	if len(c.Args) > 0 {
		name, args = c.Name, c.Args
	} else {
		shell := c.Shell
		if shell == "" {
			shell = DefaultShell(r.goos)
		}
		name, args = shell, shellArgs(shell, c.Name)
	}

	if c.UseSudo && r.goos != "windows" {
		sudoArgs := []string{"-n"}
		if c.SudoPassword != "" {
			sudoArgs = []string{"-S"}
		}
		return "sudo", append(append(sudoArgs, name), args...)
	}
	return name, args
}

// DefaultShell returns the shell used for script commands on goos.
func DefaultShell(goos string) string {
	if goos == "windows" {
		return "powershell.exe"
	}
	return "/bin/sh"
}

func shellArgs(shell, script string) []string {
	base := strings.ToLower(shell)
	switch {
	case strings.Contains(base, "powershell") || strings.Contains(base, "pwsh"):
		return []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", script}
	case strings.HasSuffix(base, "cmd.exe") || base == "cmd":
		return []string{"/C", script}
	default:
		return []string{"-c", script}
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// RunChecked runs cmd and returns *ExitError for a non-zero exit code.
func RunChecked(ctx context.Context, r Runner, cmd Command) (*Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, &ExitError{Command: cmd.Name, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// IsNotFound reports whether err means the executable does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}
