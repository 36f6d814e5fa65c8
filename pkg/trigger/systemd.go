package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// DefaultUnitDir is where resume units are installed.
const DefaultUnitDir = "/etc/systemd/system"

// failedRunExitStatus is the orchestrator's exit code for a failed run.
// Such runs must not be relaunched by the unit's restart policy.
const failedRunExitStatus = 1

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=stagehand resume ({{.Name}})
Wants=network-online.target
After=network-online.target{{if .User}} systemd-user-sessions.service{{end}}
StartLimitIntervalSec={{.StartLimitInterval}}
StartLimitBurst={{.StartLimitBurst}}

[Service]
Type=oneshot
ExecStart={{.ExecStart}}
{{- if .User}}
User={{.User}}
PAMName=login
{{- end}}
Restart=on-failure
RestartSec={{.RestartSec}}
RestartPreventExitStatus={{.PreventExit}}
TimeoutStartSec=infinity

[Install]
WantedBy={{.WantedBy}}
`))

type unitData struct {
	Name               string
	ExecStart          string
	User               string
	RestartSec         int
	StartLimitInterval int
	StartLimitBurst    int
	PreventExit        int
	WantedBy           string
}

// Systemd manages the resume trigger as a oneshot systemd unit enabled for
// the next boot. The resumed run removes the unit, which covers
// DeleteOnSuccess.
type Systemd struct {
	runner  hostexec.Runner
	unitDir string
	name    string
	logger  zerolog.Logger
}

// NewSystemd creates a systemd trigger manager.
func NewSystemd(opts Options) *Systemd {
	dir := opts.UnitDir
	if dir == "" {
		dir = DefaultUnitDir
	}
	name := opts.Name
	if name == "" {
		name = engine.DefaultTriggerName
	}
	return &Systemd{
		runner:  opts.Runner,
		unitDir: dir,
		name:    name,
		logger:  opts.Logger.With().Str("component", "trigger").Str("backend", BackendSystemd).Logger(),
	}
}

// Create writes and enables the unit. The id is the unit name.
func (s *Systemd) Create(ctx context.Context, spec engine.TriggerSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	unit := unitName(spec.Name)
	content, err := RenderUnit(spec)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.unitDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create unit directory: %w", err)
	}
	path := filepath.Join(s.unitDir, unit)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write unit file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to install unit file: %w", err)
	}

	if err := s.systemctl(ctx, "daemon-reload"); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	if err := s.systemctl(ctx, "enable", unit); err != nil {
		_ = os.Remove(path)
		return "", err
	}

	s.logger.Info().
		Str("unit", unit).
		Str("identity", spec.Identity.String()).
		Msg("Resume unit enabled")
	return unit, nil
}

// Remove disables and deletes the unit. A missing unit is not an error.
func (s *Systemd) Remove(ctx context.Context, id string) error {
	if id == "" {
		id = s.name
	}
	unit := unitName(id)
	path := filepath.Join(s.unitDir, unit)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := s.systemctl(ctx, "disable", unit); err != nil {
		s.logger.Warn().Err(err).Str("unit", unit).Msg("Failed to disable resume unit")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	if err := s.systemctl(ctx, "daemon-reload"); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to reload systemd after removing unit")
	}

	s.logger.Info().Str("unit", unit).Msg("Resume unit removed")
	return nil
}

// Exists reports whether the configured unit file is installed.
func (s *Systemd) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(filepath.Join(s.unitDir, unitName(s.name)))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat unit file: %w", err)
	}
	return true, nil
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) error {
	_, err := hostexec.RunChecked(ctx, s.runner, hostexec.Command{Name: "systemctl", Args: args})
	if err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

// RenderUnit renders the unit file for spec.
func RenderUnit(spec engine.TriggerSpec) ([]byte, error) {
	interval := int(retryInterval(spec.Retry.Interval).Seconds())
	burst := spec.Retry.Count + 1

	data := unitData{
		Name:               spec.Name,
		ExecStart:          execLine(spec.Command, spec.Arguments),
		RestartSec:         interval,
		StartLimitInterval: interval * (burst + 1),
		StartLimitBurst:    burst,
		PreventExit:        failedRunExitStatus,
		WantedBy:           "multi-user.target",
	}
	if spec.Identity.Kind == engine.IdentityUser {
		data.User = spec.Identity.Username
		data.WantedBy = "graphical.target"
	}

	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render unit: %w", err)
	}
	return buf.Bytes(), nil
}

func unitName(name string) string {
	if strings.HasSuffix(name, ".service") {
		return name
	}
	return name + ".service"
}

// execLine quotes words for a systemd ExecStart line.
func execLine(command string, args []string) string {
	words := append([]string{command}, args...)
	for i, w := range words {
		if w == "" || strings.ContainsAny(w, " \t\"'\\$%;") {
			r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `$$`, `%`, `%%`)
			words[i] = `"` + r.Replace(w) + `"`
		}
	}
	return strings.Join(words, " ")
}
