package steps

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
)

func TestEnvSecretProvider(t *testing.T) {
	t.Setenv("STAGEHAND_SECRET_KIOSK_USER", "hunter2")
	p := &EnvSecretProvider{Prefix: "STAGEHAND_SECRET_"}

	got, err := p.GetSecret(context.Background(), "kiosk-user")
	if err != nil {
		t.Fatalf("failed to get secret: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Expected hunter2, got %q", got)
	}

	_, err = p.GetSecret(context.Background(), "other")
	if err == nil {
		t.Fatal("Expected error for missing secret")
	}
	if engine.IsRetryable(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestFileSecretProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "web"), []byte("pa55\n"), 0o600); err != nil {
		t.Fatalf("failed to write secret: %v", err)
	}
	p := &FileSecretProvider{Dir: dir}
	ctx := context.Background()

	got, err := p.GetSecret(ctx, "web")
	if err != nil {
		t.Fatalf("failed to get secret: %v", err)
	}
	if got != "pa55" {
		t.Errorf("Expected trimmed secret, got %q", got)
	}

	for _, role := range []string{"", "..", "../etc/passwd", "missing"} {
		if _, err := p.GetSecret(ctx, role); err == nil {
			t.Errorf("Expected error for role %q", role)
		}
	}

	if runtime.GOOS != "windows" {
		if err := os.WriteFile(filepath.Join(dir, "open"), []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to write secret: %v", err)
		}
		if _, err := p.GetSecret(ctx, "open"); err == nil {
			t.Error("Expected error for world-readable secret file")
		}
	}
}

func TestNewSecretProvider(t *testing.T) {
	p, err := NewSecretProvider(config.SecretsConfig{Provider: "file", Dir: "/run/secrets"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if _, ok := p.(*FileSecretProvider); !ok {
		t.Errorf("Expected *FileSecretProvider, got %T", p)
	}

	if _, err := NewSecretProvider(config.SecretsConfig{Provider: "vault"}); err == nil {
		t.Error("Expected error for unknown provider")
	}
}
