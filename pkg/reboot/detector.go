// Package reboot detects pending host restarts and requests them.
//
// A Detector aggregates Signals. Each signal inspects one source, such as a
// marker file, a registry value or the exit code of an agent command, and
// reports whether it asks for a restart and why.
package reboot

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// Signal is one source of restart-pending information.
type Signal interface {
	Name() string

	// Check reports whether the signal asks for a restart, with a reason.
	Check(ctx context.Context) (bool, string, error)
}

// Detector aggregates signals. It implements engine.RebootDetector.
type Detector struct {
	signals []Signal
	logger  zerolog.Logger
}

// NewDetector creates a detector over signals.
func NewDetector(logger zerolog.Logger, signals ...Signal) *Detector {
	return &Detector{
		signals: signals,
		logger:  logger.With().Str("component", "reboot").Logger(),
	}
}

// Signals returns the configured signals.
func (d *Detector) Signals() []Signal {
	return d.signals
}

// IsRequired checks every signal. A failing signal is logged and skipped; an
// error is returned only when every signal failed.
func (d *Detector) IsRequired(ctx context.Context) (bool, []string, error) {
	var (
		reasons []string
		errs    []error
	)

	for _, s := range d.signals {
		required, reason, err := s.Check(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Str("signal", s.Name()).Msg("Reboot signal check failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if required {
			if reason == "" {
				reason = s.Name()
			}
			reasons = append(reasons, reason)
		}
	}

	if len(d.signals) > 0 && len(errs) == len(d.signals) {
		return false, nil, errors.Join(errs...)
	}

	d.logger.Debug().
		Bool("required", len(reasons) > 0).
		Strs("reasons", reasons).
		Msg("Reboot detection finished")
	return len(reasons) > 0, reasons, nil
}

// DefaultSignals returns the built-in signals for goos.
func DefaultSignals(goos string, runner hostexec.Runner) []Signal {
	if goos == "windows" {
		return []Signal{
			&RegistryKeySignal{
				Label:  "cbs-reboot-pending",
				Key:    `HKLM\SOFTWARE\Microsoft\Windows\CurrentVersion\Component Based Servicing\RebootPending`,
				Reason: "Component Based Servicing has a reboot pending",
				Runner: runner,
			},
			&RegistryKeySignal{
				Label:  "windows-update-reboot-required",
				Key:    `HKLM\SOFTWARE\Microsoft\Windows\CurrentVersion\WindowsUpdate\Auto Update\RebootRequired`,
				Reason: "Windows Update requires a reboot",
				Runner: runner,
			},
			&RegistryValueSignal{
				Label:  "pending-file-rename",
				Key:    `HKLM\SYSTEM\CurrentControlSet\Control\Session Manager`,
				Value:  "PendingFileRenameOperations",
				Reason: "File rename operations are pending",
				Runner: runner,
			},
			&ComputerRenameSignal{Runner: runner},
			&RegistryValueSignal{
				Label:  "domain-join",
				Key:    `HKLM\SYSTEM\CurrentControlSet\Services\Netlogon`,
				Value:  "JoinDomain",
				Reason: "A domain join is pending",
				Runner: runner,
			},
		}
	}

	return []Signal{
		&FileSignal{
			Label:    "reboot-required",
			Path:     "/var/run/reboot-required",
			PkgsPath: "/var/run/reboot-required.pkgs",
			Reason:   "System restart required",
		},
		&CommandSignal{
			Label:         "needs-restarting",
			Command:       hostexec.Command{Name: "needs-restarting", Args: []string{"-r"}},
			RequiredCodes: []int{1},
			Reason:        "needs-restarting reports a reboot is required",
			Optional:      true,
			Runner:        runner,
		},
	}
}
