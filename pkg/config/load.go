package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/telemetry"
	"github.com/openfroyo/stagehand/pkg/trigger"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "/etc/stagehand/stagehand.yaml"

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		StatePath:      "/var/lib/stagehand/state.json",
		HistoryPath:    "/var/lib/stagehand/history.db",
		HistoryKeep:    100,
		RebootMode:     string(engine.RebootModeCheck),
		RestartDelay:   Duration(15 * time.Second),
		DefaultTimeout: Duration(30 * time.Minute),
		Trigger: TriggerConfig{
			Backend:       "auto",
			Name:          engine.DefaultTriggerName,
			RetryCount:    3,
			RetryInterval: Duration(time.Minute),
		},
		Secrets: SecretsConfig{
			Provider:  "env",
			EnvPrefix: "STAGEHAND_SECRET_",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads and validates the config file at path. A missing file at the
// default path yields the defaults; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	for i := range cfg.Steps {
		cfg.Steps[i].Source = path
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", formatValidation(err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if trigger.Resolve(c.Trigger.Backend) == trigger.BackendSystemd {
		// The resumed unit must read the root-owned state file.
		for role, id := range c.Identities {
			if engine.IdentityKind(id.Kind) == engine.IdentityUser {
				return fmt.Errorf("invalid config: identities.%s: the systemd trigger cannot resume as user %s, use kind service", role, id.Username)
			}
		}
	}
	return nil
}

// ValidateStep checks a single step definition.
func ValidateStep(def *StepDefinition) error {
	if err := validate.Struct(def); err != nil {
		return fmt.Errorf("step %s: %w", def.Name, formatValidation(err))
	}
	if def.Checkpoint != nil && (def.Apply != nil || def.Detect != nil || def.Verify != nil || def.DetectScript != "") {
		return fmt.Errorf("step %s: a checkpoint cannot declare commands", def.Name)
	}
	return nil
}

func formatValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Mode returns the configured reboot mode.
func (c *Config) Mode() engine.RebootMode {
	return engine.RebootMode(c.RebootMode)
}

// IdentityMap converts the identities section for the checkpoint controller.
// Role keys are lower-cased.
func (c *Config) IdentityMap() map[string]engine.Identity {
	out := make(map[string]engine.Identity, len(c.Identities))
	for role, id := range c.Identities {
		out[strings.ToLower(role)] = engine.Identity{
			Kind:     engine.IdentityKind(id.Kind),
			Username: id.Username,
		}
	}
	return out
}

// RetryPolicy returns the trigger retry policy.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{Count: c.Trigger.RetryCount, Interval: c.Trigger.RetryInterval.Std()}
}
