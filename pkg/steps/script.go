package steps

import (
	"context"
	"fmt"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// scriptDetect runs a step's detect_script. The script must set done.
type scriptDetect struct {
	def       config.StepDefinition
	runner    hostexec.Runner
	evaluator *config.StarlarkEvaluator
	env       func(ctx context.Context, rc *engine.RunContext) (map[string]string, error)
}

func (s *scriptDetect) detect(ctx context.Context, rc *engine.RunContext) (bool, error) {
	env, err := s.env(ctx, rc)
	if err != nil {
		return false, err
	}

	input := map[string]interface{}{
		"role":       env[EnvRole],
		"session_id": env[EnvSessionID],
		"step":       s.def.Name,
	}
	builtins := starlark.StringDict{
		"sh":     starlark.NewBuiltin("sh", s.sh(env)),
		"exists": starlark.NewBuiltin("exists", exists),
	}

	result, err := s.evaluator.Evaluate(ctx, s.def.Name, s.def.DetectScript, input, builtins)
	if err != nil {
		return false, err
	}

	done, ok := result.Output["done"]
	if !ok {
		return false, fmt.Errorf("detect script of %s did not set done", s.def.Name)
	}
	b, ok := done.(bool)
	if !ok {
		return false, fmt.Errorf("detect script of %s set done to %T, want bool", s.def.Name, done)
	}
	return b, nil
}

// sh runs a shell command and returns struct(code, stdout, stderr).
func (s *scriptDetect) sh(env map[string]string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var cmd string
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &cmd); err != nil {
			return nil, err
		}

		res, err := s.runner.Run(config.ContextFromThread(thread), hostexec.Command{Name: cmd, Env: env})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"code":   starlark.MakeInt(res.ExitCode),
			"stdout": starlark.String(res.Stdout),
			"stderr": starlark.String(res.Stderr),
		}), nil
	}
}

func exists(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	_, err := os.Stat(path)
	return starlark.Bool(err == nil), nil
}
