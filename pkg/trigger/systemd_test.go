package trigger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
)

func resumeSpec() engine.TriggerSpec {
	return engine.TriggerSpec{
		Name:            engine.DefaultTriggerName,
		Command:         "/usr/local/bin/stagehand",
		Arguments:       []string{"--config", "/etc/stagehand/stagehand.yaml", "run", "--role", "web", "--resume-from", "3"},
		Activation:      engine.ActivationSessionStart,
		Identity:        engine.Identity{Kind: engine.IdentityService},
		Retry:           engine.RetryPolicy{Count: 3, Interval: 2 * time.Minute},
		DeleteOnSuccess: true,
	}
}

func TestRenderUnit_Service(t *testing.T) {
	content, err := RenderUnit(resumeSpec())
	if err != nil {
		t.Fatalf("failed to render unit: %v", err)
	}
	unit := string(content)

	for _, want := range []string{
		"Type=oneshot",
		"ExecStart=/usr/local/bin/stagehand --config /etc/stagehand/stagehand.yaml run --role web --resume-from 3",
		"Restart=on-failure",
		"RestartSec=120",
		"RestartPreventExitStatus=1",
		"StartLimitBurst=4",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("Expected %q in unit:\n%s", want, unit)
		}
	}
	if strings.Contains(unit, "User=") {
		t.Errorf("Expected no User= for the service identity:\n%s", unit)
	}
}

func TestRenderUnit_User(t *testing.T) {
	spec := resumeSpec()
	spec.Identity = engine.Identity{Kind: engine.IdentityUser, Username: "deploy"}
	spec.Retry.Interval = 10 * time.Second

	content, err := RenderUnit(spec)
	if err != nil {
		t.Fatalf("failed to render unit: %v", err)
	}
	unit := string(content)

	for _, want := range []string{"User=deploy", "PAMName=login", "WantedBy=graphical.target", "RestartSec=60"} {
		if !strings.Contains(unit, want) {
			t.Errorf("Expected %q in unit:\n%s", want, unit)
		}
	}
}

func TestExecLine_Quoting(t *testing.T) {
	got := execLine("/opt/stage hand/bin", []string{"run", "--role", "100%", `a"b`})
	want := `"/opt/stage hand/bin" run --role "100%%" "a\"b"`
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestSystemd_CreateRemove(t *testing.T) {
	runner := newFakeRunner()
	dir := t.TempDir()
	mgr := NewSystemd(Options{UnitDir: dir, Runner: runner, Logger: zerolog.Nop()})
	ctx := context.Background()

	id, err := mgr.Create(ctx, resumeSpec())
	if err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}
	if id != "stagehand-resume.service" {
		t.Errorf("Expected unit id, got %s", id)
	}
	if _, err := os.Stat(filepath.Join(dir, id)); err != nil {
		t.Fatalf("Expected unit file: %v", err)
	}
	if !runner.ran("systemctl daemon-reload") || !runner.ran("systemctl enable stagehand-resume.service") {
		t.Errorf("Expected reload and enable, got %v", runner.commands)
	}

	exists, err := mgr.Exists(ctx)
	if err != nil || !exists {
		t.Fatalf("Expected trigger to exist, got %v (%v)", exists, err)
	}

	if err := mgr.Remove(ctx, ""); err != nil {
		t.Fatalf("failed to remove trigger: %v", err)
	}
	if !runner.ran("systemctl disable stagehand-resume.service") {
		t.Errorf("Expected disable, got %v", runner.commands)
	}
	if exists, _ := mgr.Exists(ctx); exists {
		t.Error("Expected trigger to be gone")
	}

	// Removing again is a no-op.
	if err := mgr.Remove(ctx, id); err != nil {
		t.Errorf("Expected no error removing a missing unit, got %v", err)
	}
}

func TestSystemd_CreateEnableFails(t *testing.T) {
	runner := newFakeRunner()
	runner.results["systemctl enable"] = hostexec.Result{ExitCode: 1, Stderr: "access denied"}
	dir := t.TempDir()
	mgr := NewSystemd(Options{UnitDir: dir, Runner: runner, Logger: zerolog.Nop()})

	if _, err := mgr.Create(context.Background(), resumeSpec()); err == nil {
		t.Fatal("Expected error when enable fails, got nil")
	}
	if exists, _ := mgr.Exists(context.Background()); exists {
		t.Error("Expected unit file to be cleaned up")
	}
}

func TestSystemd_CreateRejectsInvalidSpec(t *testing.T) {
	mgr := NewSystemd(Options{UnitDir: t.TempDir(), Runner: newFakeRunner(), Logger: zerolog.Nop()})

	spec := resumeSpec()
	spec.Identity = engine.Identity{Kind: engine.IdentityUser}
	if _, err := mgr.Create(context.Background(), spec); err == nil {
		t.Error("Expected error for user identity without username")
	}

	spec = resumeSpec()
	spec.Command = ""
	if _, err := mgr.Create(context.Background(), spec); err == nil {
		t.Error("Expected error for missing command")
	}
}
