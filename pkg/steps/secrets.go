package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
)

// EnvSecretProvider reads a role's secret from the environment variable
// Prefix + ROLE, with the role upper-cased and non-alphanumerics replaced by _.
type EnvSecretProvider struct {
	Prefix string
}

// GetSecret implements engine.SecretProvider.
func (p *EnvSecretProvider) GetSecret(_ context.Context, role string) (string, error) {
	name := p.Prefix + envName(role)
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", engine.NewPermanentError(fmt.Sprintf("secret for role %s not set", role), nil).
			WithCode(engine.ErrCodeNotFound).
			WithDetail("variable", name)
	}
	return value, nil
}

func envName(role string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, role)
}

// FileSecretProvider reads a role's secret from Dir/<role>. Trailing newlines
// are trimmed. On Unix the file must not be readable by group or others.
type FileSecretProvider struct {
	Dir string
}

// GetSecret implements engine.SecretProvider.
func (p *FileSecretProvider) GetSecret(_ context.Context, role string) (string, error) {
	if role == "" || strings.ContainsAny(role, `/\`) || role == "." || role == ".." {
		return "", engine.NewPermanentError(fmt.Sprintf("invalid role name %q", role), nil).
			WithCode(engine.ErrCodeValidation)
	}

	path := filepath.Join(p.Dir, role)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", engine.NewPermanentError(fmt.Sprintf("secret for role %s not found", role), err).
				WithCode(engine.ErrCodeNotFound).
				WithDetail("path", path)
		}
		return "", fmt.Errorf("failed to stat secret file: %w", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return "", engine.NewPermanentError(fmt.Sprintf("secret file %s is accessible by other users", path), nil).
			WithCode(engine.ErrCodeValidation)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// NewSecretProvider returns the provider selected by cfg.
func NewSecretProvider(cfg config.SecretsConfig) (engine.SecretProvider, error) {
	switch cfg.Provider {
	case "", "env":
		return &EnvSecretProvider{Prefix: cfg.EnvPrefix}, nil
	case "file":
		return &FileSecretProvider{Dir: cfg.Dir}, nil
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", cfg.Provider)
	}
}
