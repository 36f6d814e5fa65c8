package reboot

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// maxWindowsDelay is the largest /t value shutdown.exe accepts.
const maxWindowsDelay = 315360000 * time.Second

// HostRestarter asks the operating system to restart. It implements
// engine.Restarter.
type HostRestarter struct {
	runner hostexec.Runner
	goos   string
	logger zerolog.Logger
}

// NewHostRestarter creates a restarter for the current platform.
func NewHostRestarter(runner hostexec.Runner, logger zerolog.Logger) *HostRestarter {
	return &HostRestarter{
		runner: runner,
		goos:   runtime.GOOS,
		logger: logger.With().Str("component", "reboot").Logger(),
	}
}

// Restart schedules a restart after delay.
func (r *HostRestarter) Restart(ctx context.Context, delay time.Duration, message string) error {
	cmd := r.command(delay, message)

	r.logger.Warn().
		Dur("delay", delay).
		Str("message", message).
		Msg("Requesting host restart")

	if _, err := hostexec.RunChecked(ctx, r.runner, cmd); err != nil {
		return fmt.Errorf("failed to request restart: %w", err)
	}
	return nil
}

func (r *HostRestarter) command(delay time.Duration, message string) hostexec.Command {
	if delay < 0 {
		delay = 0
	}

	if r.goos == "windows" {
		delay = min(delay, maxWindowsDelay)
		args := []string{"/r", "/t", strconv.Itoa(int(delay.Seconds()))}
		if message != "" {
			args = append(args, "/c", message)
		}
		return hostexec.Command{Name: "shutdown.exe", Args: args}
	}

	// shutdown(8) schedules in whole minutes.
	when := "now"
	if delay > 0 {
		when = "+" + strconv.Itoa(int(math.Ceil(delay.Minutes())))
	}
	args := []string{"-r", when}
	if message != "" {
		args = append(args, message)
	}
	return hostexec.Command{Name: "shutdown", Args: args}
}
