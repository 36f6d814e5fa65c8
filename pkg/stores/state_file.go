package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// FileStateStore keeps the host's single RunState in a JSON file.
type FileStateStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStateStore creates a store backed by path.
func NewFileStateStore(path string, logger zerolog.Logger) *FileStateStore {
	return &FileStateStore{
		path:   path,
		logger: logger.With().Str("component", "state-store").Str("path", path).Logger(),
	}
}

// Path returns the state file path.
func (s *FileStateStore) Path() string {
	return s.path
}

// Load reads the state file. A missing, empty or unparsable file yields nil.
func (s *FileStateStore) Load(_ context.Context) (*engine.RunState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	data = bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if len(data) == 0 {
		s.logger.Warn().Msg("State file is empty, treating as absent")
		return nil, nil
	}

	var state engine.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn().Err(err).Msg("State file is unparsable, treating as absent")
		return nil, nil
	}
	if state.SessionID == "" || state.Status == "" {
		s.logger.Warn().Msg("State file has no session, treating as absent")
		return nil, nil
	}

	return &state, nil
}

// Save writes state to a temporary file in the same directory, syncs it and
// renames it over the previous file.
func (s *FileStateStore) Save(_ context.Context, state *engine.RunState) error {
	if state == nil {
		return fmt.Errorf("state is required")
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-op once renamed.
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("failed to set state file permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	syncDir(dir)

	s.logger.Debug().
		Str("session_id", state.SessionID).
		Int("current_step", state.CurrentStep).
		Str("status", string(state.Status)).
		Msg("State saved")
	return nil
}

// Delete removes the state file.
func (s *FileStateStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// syncDir flushes the directory entry so the rename survives a power loss.
// Directories cannot be synced on every platform; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
