package trigger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/hostexec"
)

const taskNamespace = "http://schemas.microsoft.com/windows/2004/02/mit/task"

// localSystemSID is the well-known SID of the LocalSystem account.
const localSystemSID = "S-1-5-18"

type taskXML struct {
	XMLName      xml.Name         `xml:"Task"`
	Version      string           `xml:"version,attr"`
	Xmlns        string           `xml:"xmlns,attr"`
	Registration taskRegistration `xml:"RegistrationInfo"`
	Triggers     taskTriggers     `xml:"Triggers"`
	Principals   taskPrincipals   `xml:"Principals"`
	Settings     taskSettings     `xml:"Settings"`
	Actions      taskActions      `xml:"Actions"`
}

type taskRegistration struct {
	Description string `xml:"Description"`
	URI         string `xml:"URI"`
}

type taskTriggers struct {
	Logon taskLogonTrigger `xml:"LogonTrigger"`
}

type taskLogonTrigger struct {
	Enabled bool   `xml:"Enabled"`
	UserID  string `xml:"UserId,omitempty"`
	Delay   string `xml:"Delay,omitempty"`
}

type taskPrincipals struct {
	Principal taskPrincipal `xml:"Principal"`
}

type taskPrincipal struct {
	ID        string `xml:"id,attr"`
	UserID    string `xml:"UserId"`
	LogonType string `xml:"LogonType,omitempty"`
	RunLevel  string `xml:"RunLevel"`
}

type taskSettings struct {
	MultipleInstancesPolicy    string           `xml:"MultipleInstancesPolicy"`
	DisallowStartIfOnBatteries bool             `xml:"DisallowStartIfOnBatteries"`
	StopIfGoingOnBatteries     bool             `xml:"StopIfGoingOnBatteries"`
	StartWhenAvailable         bool             `xml:"StartWhenAvailable"`
	ExecutionTimeLimit         string           `xml:"ExecutionTimeLimit"`
	RestartOnFailure           *taskRestartRule `xml:"RestartOnFailure,omitempty"`
	Enabled                    bool             `xml:"Enabled"`
}

type taskRestartRule struct {
	Interval string `xml:"Interval"`
	Count    int    `xml:"Count"`
}

type taskActions struct {
	Context string   `xml:"Context,attr"`
	Exec    taskExec `xml:"Exec"`
}

type taskExec struct {
	Command   string `xml:"Command"`
	Arguments string `xml:"Arguments,omitempty"`
}

// Schtasks manages the resume trigger as a Windows scheduled task that runs
// at the next logon. The resumed run deletes the task, which covers
// DeleteOnSuccess.
type Schtasks struct {
	runner  hostexec.Runner
	name    string
	tempDir string
	logger  zerolog.Logger
}

// NewSchtasks creates a scheduled-task trigger manager.
func NewSchtasks(opts Options) *Schtasks {
	name := opts.Name
	if name == "" {
		name = engine.DefaultTriggerName
	}
	return &Schtasks{
		runner:  opts.Runner,
		name:    name,
		tempDir: os.TempDir(),
		logger:  opts.Logger.With().Str("component", "trigger").Str("backend", BackendSchtasks).Logger(),
	}
}

// Create registers the task, replacing an existing one. The id is the task name.
func (s *Schtasks) Create(ctx context.Context, spec engine.TriggerSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	content, err := RenderTask(spec)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(s.tempDir, "stagehand-task-*.xml")
	if err != nil {
		return "", fmt.Errorf("failed to create task file: %w", err)
	}
	path := f.Name()
	defer func() { _ = os.Remove(path) }()

	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write task file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close task file: %w", err)
	}

	_, err = hostexec.RunChecked(ctx, s.runner, hostexec.Command{
		Name: "schtasks.exe",
		Args: []string{"/Create", "/TN", spec.Name, "/XML", filepath.Clean(path), "/F"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to register scheduled task: %w", err)
	}

	s.logger.Info().
		Str("task", spec.Name).
		Str("identity", spec.Identity.String()).
		Msg("Resume task registered")
	return spec.Name, nil
}

// Remove deletes the task. A missing task is not an error.
func (s *Schtasks) Remove(ctx context.Context, id string) error {
	if id == "" {
		id = s.name
	}

	exists, err := s.query(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if _, err := hostexec.RunChecked(ctx, s.runner, hostexec.Command{
		Name: "schtasks.exe",
		Args: []string{"/Delete", "/TN", id, "/F"},
	}); err != nil {
		return fmt.Errorf("failed to delete scheduled task: %w", err)
	}

	s.logger.Info().Str("task", id).Msg("Resume task removed")
	return nil
}

// Exists reports whether the configured task is registered.
func (s *Schtasks) Exists(ctx context.Context) (bool, error) {
	return s.query(ctx, s.name)
}

func (s *Schtasks) query(ctx context.Context, name string) (bool, error) {
	res, err := s.runner.Run(ctx, hostexec.Command{
		Name: "schtasks.exe",
		Args: []string{"/Query", "/TN", name},
	})
	if err != nil {
		return false, fmt.Errorf("failed to query scheduled task: %w", err)
	}
	return res.Success(), nil
}

// RenderTask renders the task definition as UTF-16LE XML with a byte order
// mark, the encoding schtasks expects for /XML.
func RenderTask(spec engine.TriggerSpec) ([]byte, error) {
	task := taskXML{
		Version: "1.2",
		Xmlns:   taskNamespace,
		Registration: taskRegistration{
			Description: fmt.Sprintf("Resumes the stagehand run after a restart (%s)", spec.Name),
			URI:         `\` + spec.Name,
		},
		Triggers: taskTriggers{Logon: taskLogonTrigger{Enabled: true, Delay: "PT30S"}},
		Principals: taskPrincipals{Principal: taskPrincipal{
			ID:       "Author",
			UserID:   localSystemSID,
			RunLevel: "HighestAvailable",
		}},
		Settings: taskSettings{
			MultipleInstancesPolicy: "IgnoreNew",
			StartWhenAvailable:      true,
			ExecutionTimeLimit:      "PT0S",
			Enabled:                 true,
		},
		Actions: taskActions{
			Context: "Author",
			Exec: taskExec{
				Command:   spec.Command,
				Arguments: windowsArgs(spec.Arguments),
			},
		},
	}

	if spec.Identity.Kind == engine.IdentityUser {
		task.Triggers.Logon.UserID = spec.Identity.Username
		task.Principals.Principal.UserID = spec.Identity.Username
		task.Principals.Principal.LogonType = "InteractiveToken"
	}
	if spec.Retry.Count > 0 {
		task.Settings.RestartOnFailure = &taskRestartRule{
			Interval: isoDuration(retryInterval(spec.Retry.Interval)),
			Count:    spec.Retry.Count,
		}
	}

	body, err := xml.MarshalIndent(task, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render task: %w", err)
	}
	doc := `<?xml version="1.0" encoding="UTF-16"?>` + "\n" + string(body) + "\n"

	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFE})
	for _, u := range utf16.Encode([]rune(doc)) {
		_ = binary.Write(&buf, binary.LittleEndian, u)
	}
	return buf.Bytes(), nil
}

// DecodeUTF16 converts a UTF-16LE document with a byte order mark to a string.
func DecodeUTF16(b []byte) string {
	b = bytes.TrimPrefix(b, []byte{0xFF, 0xFE})
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}

// isoDuration formats d as an ISO 8601 duration in whole minutes.
func isoDuration(d time.Duration) string {
	return fmt.Sprintf("PT%dM", int(d.Minutes()))
}

// windowsArgs joins args using the CommandLineToArgvW quoting rules.
func windowsArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = windowsQuote(a)
	}
	return strings.Join(quoted, " ")
}

func windowsQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for _, r := range s {
		switch r {
		case '\\':
			slashes++
		case '"':
			b.WriteString(strings.Repeat(`\`, slashes*2+1))
			b.WriteRune(r)
			slashes = 0
		default:
			b.WriteString(strings.Repeat(`\`, slashes))
			b.WriteRune(r)
			slashes = 0
		}
	}
	b.WriteString(strings.Repeat(`\`, slashes*2))
	b.WriteByte('"')
	return b.String()
}
