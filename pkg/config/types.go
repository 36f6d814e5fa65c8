package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// Config is the stagehand configuration file.
type Config struct {
	// Role is the default role for run and plan when --role is not given.
	Role string `yaml:"role"`

	// StatePath is the RunState file.
	StatePath string `yaml:"state_path" validate:"required"`

	// HistoryPath is the SQLite run archive. Empty disables the archive.
	HistoryPath string `yaml:"history_path"`

	// HistoryKeep is the number of archived runs to keep. Zero keeps all.
	HistoryKeep int `yaml:"history_keep" validate:"min=0"`

	// RebootMode is the default checkpoint mode.
	RebootMode string `yaml:"reboot_mode" validate:"oneof=Always Check Never"`

	// RestartDelay is passed to the host restart request.
	RestartDelay Duration `yaml:"restart_delay"`

	// DefaultTimeout bounds steps that declare no timeout.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// KeepState keeps the state file of a completed run.
	KeepState bool `yaml:"keep_state"`

	// Catalog lists CUE files or directories with step definitions.
	Catalog []string `yaml:"catalog"`

	// Steps are inline step definitions.
	Steps []StepDefinition `yaml:"steps" validate:"dive"`

	Trigger    TriggerConfig             `yaml:"trigger"`
	Identities map[string]IdentityConfig `yaml:"identities" validate:"dive"`
	Reboot     RebootConfig              `yaml:"reboot"`
	Secrets    SecretsConfig             `yaml:"secrets"`
	Policy     PolicyConfig              `yaml:"policy"`
	Telemetry  telemetry.Config          `yaml:"telemetry"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

// TriggerConfig configures the resume trigger.
type TriggerConfig struct {
	// Backend is auto, systemd or schtasks.
	Backend string `yaml:"backend" validate:"oneof=auto systemd schtasks"`

	// Name is the unit or task name.
	Name string `yaml:"name" validate:"required"`

	// UnitDir is where systemd units are written.
	UnitDir string `yaml:"unit_dir"`

	// Executable overrides the binary the trigger launches.
	Executable string `yaml:"executable"`

	RetryCount    int      `yaml:"retry_count" validate:"min=0,max=10"`
	RetryInterval Duration `yaml:"retry_interval"`
}

// IdentityConfig is the principal a role's resume trigger runs as.
type IdentityConfig struct {
	Kind     string `yaml:"kind" validate:"oneof=service user"`
	Username string `yaml:"username" validate:"required_if=Kind user"`
}

// RebootConfig adds signals to the built-in reboot detection.
type RebootConfig struct {
	// DisableDefaults turns off the built-in platform signals.
	DisableDefaults bool `yaml:"disable_defaults"`

	Signals []SignalConfig `yaml:"signals" validate:"dive"`
}

// SignalConfig declares a file or command reboot signal.
type SignalConfig struct {
	Name   string `yaml:"name" validate:"required"`
	Reason string `yaml:"reason"`

	// File asks for a restart while it exists.
	File string `yaml:"file" validate:"required_without=Command"`

	// Command asks for a restart when it exits with one of ExitCodes.
	Command   string   `yaml:"command" validate:"required_without=File"`
	Args      []string `yaml:"args"`
	ExitCodes []int    `yaml:"exit_codes"`
	Optional  bool     `yaml:"optional"`
}

// SecretsConfig configures the secret provider handed to steps.
type SecretsConfig struct {
	// Provider is env or file.
	Provider string `yaml:"provider" validate:"oneof=env file"`

	// EnvPrefix prefixes the role name for the env provider.
	EnvPrefix string `yaml:"env_prefix"`

	// Dir holds one file per role for the file provider.
	Dir string `yaml:"dir" validate:"required_if=Provider file"`
}

// PolicyConfig configures plan policies.
type PolicyConfig struct {
	// Paths lists extra .rego files or directories.
	Paths []string `yaml:"paths"`

	// Enforce makes blocking violations fail validate-only and fresh runs.
	Enforce bool `yaml:"enforce"`

	// Disabled lists built-in policies to skip.
	Disabled []string `yaml:"disabled"`
}

// StepDefinition declares a step in the catalog or the config file.
type StepDefinition struct {
	Name        string   `yaml:"name" json:"name" validate:"required"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Priority    int      `yaml:"priority" json:"priority,omitempty" validate:"min=0"`
	DependsOn   []string `yaml:"depends_on" json:"depends_on,omitempty"`
	Provides    []string `yaml:"provides" json:"provides,omitempty"`
	Section     int      `yaml:"section" json:"section,omitempty" validate:"min=0"`
	Critical    bool     `yaml:"critical" json:"critical,omitempty"`
	Timeout     Duration `yaml:"timeout" json:"timeout,omitempty"`
	Retries     int      `yaml:"retries" json:"retries,omitempty" validate:"min=0,max=10"`

	// Checkpoint makes the step a checkpoint. Checkpoints have no commands.
	Checkpoint *CheckpointDefinition `yaml:"checkpoint" json:"checkpoint,omitempty"`

	Detect *CommandDefinition `yaml:"detect" json:"detect,omitempty"`
	Apply  *CommandDefinition `yaml:"apply" json:"apply,omitempty" validate:"required_without=Checkpoint"`
	Verify *CommandDefinition `yaml:"verify" json:"verify,omitempty"`

	// DetectScript is Starlark that sets done = True when the step's effect
	// is already present. It is used when Detect is unset.
	DetectScript string `yaml:"detect_script" json:"detect_script,omitempty"`

	// SecretEnv names an environment variable that receives the role secret.
	SecretEnv string `yaml:"secret_env" json:"secret_env,omitempty"`

	// Source is the file the definition came from.
	Source string `yaml:"-" json:"-"`
}

// CheckpointDefinition declares checkpoint behavior.
type CheckpointDefinition struct {
	Mode        string `yaml:"mode" json:"mode,omitempty" validate:"omitempty,oneof=Always Check Never"`
	NextSection int    `yaml:"next_section" json:"next_section,omitempty" validate:"min=0"`
}

// CommandDefinition is a host command used by detect, apply or verify.
type CommandDefinition struct {
	// Run is a script for the shell, or the executable when Args is set.
	Run     string            `yaml:"run" json:"run" validate:"required"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Shell   string            `yaml:"shell" json:"shell,omitempty"`
	Sudo    bool              `yaml:"sudo" json:"sudo,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`

	// RetryExitCodes mark apply failures as transient.
	RetryExitCodes []int `yaml:"retry_exit_codes" json:"retry_exit_codes,omitempty"`
}

// IsCheckpoint reports whether the definition declares a checkpoint.
func (d *StepDefinition) IsCheckpoint() bool {
	return d.Checkpoint != nil
}

// ValidationError is a configuration error with its source position.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// Duration is a time.Duration written as "90s" or "5m" in YAML and CUE.
// Plain numbers are seconds.
type Duration time.Duration

// Std returns the time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(val * float64(time.Second))
		return nil
	case string:
		return d.UnmarshalText([]byte(val))
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", data)
	}
}
