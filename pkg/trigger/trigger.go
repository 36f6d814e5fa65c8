// Package trigger registers the host-level entry that relaunches stagehand
// after a restart: a systemd unit on Linux, a scheduled task on Windows.
package trigger

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// Backend names.
const (
	BackendAuto     = "auto"
	BackendSystemd  = "systemd"
	BackendSchtasks = "schtasks"
)

// Options configure a trigger manager.
type Options struct {
	// Name is the trigger name used by Exists and by Remove with an empty id.
	Name string

	// UnitDir is where systemd units are written.
	UnitDir string

	Runner hostexec.Runner
	Logger zerolog.Logger
}

// New returns the manager for backend. BackendAuto picks by operating system.
func New(backend string, opts Options) (engine.TriggerManager, error) {
	if opts.Name == "" {
		opts.Name = engine.DefaultTriggerName
	}
	if opts.Runner == nil {
		opts.Runner = hostexec.NewExecRunner(opts.Logger)
	}

	switch Resolve(backend) {
	case BackendSystemd:
		return NewSystemd(opts), nil
	case BackendSchtasks:
		return NewSchtasks(opts), nil
	default:
		return nil, fmt.Errorf("unknown trigger backend: %s", backend)
	}
}

// Resolve maps BackendAuto to the backend of the running operating system.
func Resolve(backend string) string {
	backend = strings.ToLower(backend)
	if backend == "" || backend == BackendAuto {
		if runtime.GOOS == "windows" {
			return BackendSchtasks
		}
		return BackendSystemd
	}
	return backend
}

func validateSpec(spec engine.TriggerSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("trigger name is required")
	}
	if spec.Command == "" {
		return fmt.Errorf("trigger command is required")
	}
	if spec.Identity.Kind == engine.IdentityUser && spec.Identity.Username == "" {
		return fmt.Errorf("user identity requires a username")
	}
	return nil
}

// retryInterval clamps the interval to what both backends accept.
func retryInterval(d time.Duration) time.Duration {
	if d < time.Minute {
		return time.Minute
	}
	return d.Truncate(time.Minute)
}
