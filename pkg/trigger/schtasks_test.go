package trigger

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
)

func TestRenderTask_Service(t *testing.T) {
	content, err := RenderTask(resumeSpec())
	if err != nil {
		t.Fatalf("failed to render task: %v", err)
	}
	if content[0] != 0xFF || content[1] != 0xFE {
		t.Fatalf("Expected UTF-16LE byte order mark, got % x", content[:2])
	}

	doc := DecodeUTF16(content)
	for _, want := range []string{
		`encoding="UTF-16"`,
		"<LogonTrigger>",
		"<UserId>S-1-5-18</UserId>",
		"<RunLevel>HighestAvailable</RunLevel>",
		"<Interval>PT2M</Interval>",
		"<Count>3</Count>",
		"<MultipleInstancesPolicy>IgnoreNew</MultipleInstancesPolicy>",
		"<Command>/usr/local/bin/stagehand</Command>",
		"<Arguments>--config /etc/stagehand/stagehand.yaml run --role web --resume-from 3</Arguments>",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("Expected %q in task:\n%s", want, doc)
		}
	}
	if strings.Contains(doc, "InteractiveToken") {
		t.Errorf("Expected no interactive logon for the service identity")
	}
}

func TestRenderTask_User(t *testing.T) {
	spec := resumeSpec()
	spec.Identity = engine.Identity{Kind: engine.IdentityUser, Username: `CORP\deploy`}
	spec.Retry.Count = 0

	content, err := RenderTask(spec)
	if err != nil {
		t.Fatalf("failed to render task: %v", err)
	}
	doc := DecodeUTF16(content)

	if !strings.Contains(doc, `<UserId>CORP\deploy</UserId>`) || !strings.Contains(doc, "<LogonType>InteractiveToken</LogonType>") {
		t.Errorf("Expected user principal in task:\n%s", doc)
	}
	if strings.Contains(doc, "RestartOnFailure") {
		t.Errorf("Expected no restart rule without retries:\n%s", doc)
	}
}

func TestWindowsQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "plain"},
		{in: "", want: `""`},
		{in: `C:\Program Files\stagehand`, want: `"C:\Program Files\stagehand"`},
		{in: `trailing slash\`, want: `"trailing slash\\"`},
		{in: `say "hi"`, want: `"say \"hi\""`},
	}

	for _, tt := range tests {
		if got := windowsQuote(tt.in); got != tt.want {
			t.Errorf("windowsQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSchtasks_CreateRemove(t *testing.T) {
	runner := newFakeRunner()
	mgr := NewSchtasks(Options{Runner: runner, Logger: zerolog.Nop()})
	mgr.tempDir = t.TempDir()
	ctx := context.Background()

	id, err := mgr.Create(ctx, resumeSpec())
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if id != engine.DefaultTriggerName {
		t.Errorf("Expected task id %s, got %s", engine.DefaultTriggerName, id)
	}
	if !runner.ran("schtasks.exe /Create /TN stagehand-resume /XML") {
		t.Errorf("Expected create command, got %v", runner.commands)
	}

	exists, err := mgr.Exists(ctx)
	if err != nil || !exists {
		t.Fatalf("Expected task to exist, got %v (%v)", exists, err)
	}

	if err := mgr.Remove(ctx, ""); err != nil {
		t.Fatalf("failed to remove task: %v", err)
	}
	if !runner.ran("schtasks.exe /Delete /TN stagehand-resume /F") {
		t.Errorf("Expected delete command, got %v", runner.commands)
	}
}

func TestSchtasks_RemoveMissing(t *testing.T) {
	runner := newFakeRunner()
	runner.results["schtasks.exe /Query"] = hostexec.Result{ExitCode: 1, Stderr: "ERROR: The system cannot find the file specified."}
	mgr := NewSchtasks(Options{Runner: runner, Logger: zerolog.Nop()})

	if err := mgr.Remove(context.Background(), "stagehand-resume"); err != nil {
		t.Fatalf("Expected no error removing a missing task, got %v", err)
	}
	if runner.ran("schtasks.exe /Delete") {
		t.Error("Expected no delete for a missing task")
	}
}

func TestSchtasks_CreateFails(t *testing.T) {
	runner := newFakeRunner()
	runner.results["schtasks.exe /Create"] = hostexec.Result{ExitCode: 1, Stderr: "Access is denied."}
	mgr := NewSchtasks(Options{Runner: runner, Logger: zerolog.Nop()})
	mgr.tempDir = t.TempDir()

	_, err := mgr.Create(context.Background(), resumeSpec())
	if err == nil || !strings.Contains(err.Error(), "Access is denied") {
		t.Fatalf("Expected access denied error, got %v", err)
	}
}
