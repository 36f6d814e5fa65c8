package reboot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/openfroyo/stagehand/pkg/hostexec"
)

// FileSignal asks for a restart while Path exists. When PkgsPath is set, the
// packages listed there are appended to the reason.
type FileSignal struct {
	Label    string
	Path     string
	PkgsPath string
	Reason   string
}

// Name returns the signal label.
func (s *FileSignal) Name() string { return s.Label }

// Check stats the marker file.
func (s *FileSignal) Check(_ context.Context) (bool, string, error) {
	if _, err := os.Stat(s.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("failed to stat %s: %w", s.Path, err)
	}

	reason := s.Reason
	if reason == "" {
		reason = s.Path + " exists"
	}
	if pkgs := readLines(s.PkgsPath); len(pkgs) > 0 {
		reason += " (" + strings.Join(pkgs, ", ") + ")"
	}
	return true, reason, nil
}

func readLines(path string) []string {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !seen[line] {
			seen[line] = true
			lines = append(lines, line)
		}
	}
	return lines
}

// CommandSignal runs a command and asks for a restart when it exits with one
// of RequiredCodes. It covers third-party agents that expose their reboot flag
// through a CLI.
type CommandSignal struct {
	Label         string
	Command       hostexec.Command
	RequiredCodes []int
	Reason        string

	// Optional signals report false when the executable is not installed.
	Optional bool

	Runner hostexec.Runner
}

// Name returns the signal label.
func (s *CommandSignal) Name() string { return s.Label }

// Check runs the command.
func (s *CommandSignal) Check(ctx context.Context) (bool, string, error) {
	res, err := s.Runner.Run(ctx, s.Command)
	if err != nil {
		if s.Optional && hostexec.IsNotFound(err) {
			return false, "", nil
		}
		return false, "", err
	}

	if !slices.Contains(s.RequiredCodes, res.ExitCode) {
		return false, "", nil
	}
	reason := s.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s exited with code %d", s.Command.Name, res.ExitCode)
	}
	return true, reason, nil
}

// RegistryKeySignal asks for a restart while a registry key exists.
type RegistryKeySignal struct {
	Label  string
	Key    string
	Reason string
	Runner hostexec.Runner
}

// Name returns the signal label.
func (s *RegistryKeySignal) Name() string { return s.Label }

// Check queries the key with reg.exe.
func (s *RegistryKeySignal) Check(ctx context.Context) (bool, string, error) {
	res, err := s.Runner.Run(ctx, hostexec.Command{Name: "reg.exe", Args: []string{"query", s.Key}})
	if err != nil {
		return false, "", err
	}
	if !res.Success() {
		return false, "", nil
	}
	return true, s.Reason, nil
}

// RegistryValueSignal asks for a restart while a registry value exists with
// non-empty data.
type RegistryValueSignal struct {
	Label  string
	Key    string
	Value  string
	Reason string
	Runner hostexec.Runner
}

// Name returns the signal label.
func (s *RegistryValueSignal) Name() string { return s.Label }

// Check queries the value with reg.exe.
func (s *RegistryValueSignal) Check(ctx context.Context) (bool, string, error) {
	data, found, err := queryValue(ctx, s.Runner, s.Key, s.Value)
	if err != nil || !found || data == "" {
		return false, "", err
	}
	return true, s.Reason, nil
}

const (
	activeComputerNameKey  = `HKLM\SYSTEM\CurrentControlSet\Control\ComputerName\ActiveComputerName`
	pendingComputerNameKey = `HKLM\SYSTEM\CurrentControlSet\Control\ComputerName\ComputerName`
)

// ComputerRenameSignal asks for a restart when the pending computer name
// differs from the active one.
type ComputerRenameSignal struct {
	Runner hostexec.Runner
}

// Name returns the signal label.
func (s *ComputerRenameSignal) Name() string { return "computer-rename" }

// Check compares the active and pending computer names.
func (s *ComputerRenameSignal) Check(ctx context.Context) (bool, string, error) {
	active, ok, err := queryValue(ctx, s.Runner, activeComputerNameKey, "ComputerName")
	if err != nil || !ok {
		return false, "", err
	}
	pending, ok, err := queryValue(ctx, s.Runner, pendingComputerNameKey, "ComputerName")
	if err != nil || !ok {
		return false, "", err
	}
	if strings.EqualFold(active, pending) {
		return false, "", nil
	}
	return true, fmt.Sprintf("Computer rename pending (%s -> %s)", active, pending), nil
}

// queryValue runs "reg query key /v value" and returns the value's data.
func queryValue(ctx context.Context, runner hostexec.Runner, key, value string) (string, bool, error) {
	res, err := runner.Run(ctx, hostexec.Command{Name: "reg.exe", Args: []string{"query", key, "/v", value}})
	if err != nil {
		return "", false, err
	}
	if !res.Success() {
		return "", false, nil
	}
	data, ok := ParseRegValue(res.Stdout, value)
	return data, ok, nil
}

// ParseRegValue extracts the data of name from "reg query" output, whose
// value lines read "    <name>    <REG_TYPE>    <data>".
func ParseRegValue(output, name string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || !strings.EqualFold(fields[0], name) || !strings.HasPrefix(fields[1], "REG_") {
			continue
		}
		line := strings.TrimSpace(sc.Text())
		idx := strings.Index(line, fields[1])
		return strings.TrimSpace(line[idx+len(fields[1]):]), true
	}
	return "", false
}
