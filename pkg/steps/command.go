package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// Environment variables set for every step command.
const (
	EnvRole      = "STAGEHAND_ROLE"
	EnvSessionID = "STAGEHAND_SESSION_ID"
	EnvStep      = "STAGEHAND_STEP"
)

// commandUnit is the work unit of a command-backed step.
type commandUnit struct {
	def    config.StepDefinition
	runner hostexec.Runner
	logger zerolog.Logger
}

func (u *commandUnit) detect(ctx context.Context, rc *engine.RunContext) (bool, error) {
	res, err := u.run(ctx, rc, u.def.Detect)
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

func (u *commandUnit) apply(ctx context.Context, rc *engine.RunContext) error {
	res, err := u.run(ctx, rc, u.def.Apply)
	if err != nil {
		if ctx.Err() != nil || hostexec.IsNotFound(err) {
			return err
		}
		return engine.NewTransientError("failed to run apply command", err).
			WithCode(engine.ErrCodeStepFailed)
	}
	if res.Success() {
		return nil
	}

	exitErr := &hostexec.ExitError{Command: u.def.Apply.Run, ExitCode: res.ExitCode, Stderr: res.Stderr}
	var ee *engine.EngineError
	if containsInt(u.def.Apply.RetryExitCodes, res.ExitCode) {
		ee = engine.NewTransientError("apply command failed", exitErr)
	} else {
		ee = engine.NewPermanentError("apply command failed", exitErr)
	}
	return ee.WithCode(engine.ErrCodeStepFailed).WithDetail("exit_code", res.ExitCode)
}

func (u *commandUnit) verify(ctx context.Context, rc *engine.RunContext) (bool, error) {
	res, err := u.run(ctx, rc, u.def.Verify)
	if err != nil {
		return false, err
	}
	if !res.Success() {
		u.logger.Warn().
			Int("exit_code", res.ExitCode).
			Str("stderr", strings.TrimSpace(res.Stderr)).
			Msg("Verify command failed")
	}
	return res.Success(), nil
}

func (u *commandUnit) run(ctx context.Context, rc *engine.RunContext, cd *config.CommandDefinition) (*hostexec.Result, error) {
	env, err := u.env(ctx, rc)
	if err != nil {
		return nil, err
	}
	for k, v := range cd.Env {
		env[k] = v
	}

	res, err := u.runner.Run(ctx, hostexec.Command{
		Name:    cd.Run,
		Args:    cd.Args,
		Shell:   cd.Shell,
		UseSudo: cd.Sudo,
		WorkDir: cd.WorkDir,
		Env:     env,
	})
	if err != nil {
		return nil, err
	}

	u.logger.Debug().
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Str("stdout", truncate(strings.TrimSpace(res.Stdout), 2048)).
		Msg("Step command finished")
	return res, nil
}

// env returns the base environment of the step's commands.
func (u *commandUnit) env(ctx context.Context, rc *engine.RunContext) (map[string]string, error) {
	env := map[string]string{EnvStep: u.def.Name}
	if rc != nil && rc.State != nil {
		env[EnvRole] = rc.State.Role
		env[EnvSessionID] = rc.State.SessionID
	}

	if u.def.SecretEnv != "" {
		if rc == nil || rc.Secrets == nil {
			return nil, engine.NewPermanentError("step needs a secret but no secret provider is configured", nil).
				WithCode(engine.ErrCodeValidation)
		}
		role := env[EnvRole]
		secret, err := rc.Secrets.GetSecret(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("failed to get secret for role %s: %w", role, err)
		}
		env[u.def.SecretEnv] = secret
	}
	return env, nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
