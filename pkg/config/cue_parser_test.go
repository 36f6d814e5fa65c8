package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCatalogParser_ParseInline(t *testing.T) {
	parser := NewCatalogParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantSteps int
		wantErr   string
		check     func(*testing.T, *Catalog)
	}{
		{
			name: "struct keyed by name",
			content: `
steps: "install-agent": {
	tags: ["web"]
	priority: 10
	timeout: "90s"
	apply: run: "/tmp/install.sh"
}
steps: "reboot": {
	depends_on: ["install-agent"]
	checkpoint: {mode: "Always", next_section: 1}
}
`,
			wantSteps: 2,
			check: func(t *testing.T, c *Catalog) {
				step := c.Steps[0]
				if step.Name != "install-agent" {
					t.Errorf("Expected name from key, got %s", step.Name)
				}
				if step.Timeout.Std() != 90*time.Second {
					t.Errorf("Expected timeout 90s, got %v", step.Timeout.Std())
				}
				if step.Apply == nil || step.Apply.Run != "/tmp/install.sh" {
					t.Errorf("Expected apply command, got %+v", step.Apply)
				}
				if !c.Steps[1].IsCheckpoint() || c.Steps[1].Checkpoint.Mode != "Always" {
					t.Errorf("Expected Always checkpoint, got %+v", c.Steps[1].Checkpoint)
				}
				if step.Source != "inline" {
					t.Errorf("Expected source inline, got %s", step.Source)
				}
			},
		},
		{
			name: "list form",
			content: `
steps: [
	{name: "a", apply: run: "true"},
	{name: "b", apply: {run: "echo", args: ["hi"]}},
]
`,
			wantSteps: 2,
			check: func(t *testing.T, c *Catalog) {
				if c.Steps[1].Apply.Args[0] != "hi" {
					t.Errorf("Expected args [hi], got %v", c.Steps[1].Apply.Args)
				}
			},
		},
		{
			name:      "no steps field",
			content:   `other: 1`,
			wantSteps: 0,
		},
		{
			name:    "schema violation",
			content: `steps: "bad": {priority: -1, apply: run: "true"}`,
			wantErr: "steps",
		},
		{
			name:    "unknown field is closed out",
			content: `steps: "bad": {aply: run: "true"}`,
			wantErr: "aply",
		},
		{
			name:    "name mismatch",
			content: `steps: "a": {name: "b", apply: run: "true"}`,
			wantErr: "does not match its key",
		},
		{
			name:    "checkpoint with commands",
			content: `steps: "c": {checkpoint: {}, apply: run: "true"}`,
			wantErr: "cannot declare commands",
		},
		{
			name:    "syntax error",
			content: `steps: {`,
			wantErr: "inline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("failed to parse inline catalog: %v", err)
			}

			if tt.wantErr != "" {
				if catalog.Err() == nil {
					t.Fatalf("Expected catalog error containing %q, got none", tt.wantErr)
				}
				if !strings.Contains(catalog.Err().Error(), tt.wantErr) {
					t.Errorf("Expected error containing %q, got %v", tt.wantErr, catalog.Err())
				}
				return
			}

			if err := catalog.Err(); err != nil {
				t.Fatalf("unexpected catalog error: %v", err)
			}
			if len(catalog.Steps) != tt.wantSteps {
				t.Fatalf("Expected %d steps, got %d", tt.wantSteps, len(catalog.Steps))
			}
			if tt.check != nil {
				tt.check(t, catalog)
			}
		})
	}
}

func TestCatalogParser_ParseDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.cue":       `steps: "second": {priority: 20, apply: run: "true"}`,
		"a.cue":       `steps: "first": {priority: 10, apply: run: "true"}`,
		"notes.txt":   `not cue`,
		"sub/c.cue":   `steps: "third": {apply: run: "true"}`,
		"sub/ignored": `steps: {`,
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	parser := NewCatalogParser()
	catalog, err := parser.Parse(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("failed to parse directory: %v", err)
	}
	if err := catalog.Err(); err != nil {
		t.Fatalf("unexpected catalog error: %v", err)
	}

	if len(catalog.SourceFiles) != 3 {
		t.Fatalf("Expected 3 source files, got %v", catalog.SourceFiles)
	}
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if catalog.Steps[i].Name != name {
			t.Errorf("Expected step %d to be %s, got %s", i, name, catalog.Steps[i].Name)
		}
	}
	if catalog.Steps[0].Source != filepath.Join(dir, "a.cue") {
		t.Errorf("Expected source a.cue, got %s", catalog.Steps[0].Source)
	}
}

func TestCatalogParser_ErrorPositions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.cue")
	if err := os.WriteFile(path, []byte("steps: \"x\": {\n\tretries: 99\n\tapply: run: \"true\"\n}\n"), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	catalog, err := NewCatalogParser().Parse(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("failed to parse catalog: %v", err)
	}
	if len(catalog.Errors) == 0 {
		t.Fatal("Expected validation errors")
	}

	found := false
	for _, ve := range catalog.Errors {
		if ve.Line > 0 && ve.Path == `steps.x` {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected an error with a line number at steps.x, got %+v", catalog.Errors)
	}
}

func TestCatalogParser_MissingSource(t *testing.T) {
	_, err := NewCatalogParser().Parse(context.Background(), []string{"/nonexistent/catalog.cue"})
	if err == nil {
		t.Error("Expected error for missing source")
	}
}
