package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// watchDebounce coalesces the create/write/rename burst of one atomic save.
const watchDebounce = 200 * time.Millisecond

// WatchState calls fn with the current state and then after every change to
// the state file until ctx is done. fn receives nil when the file is removed
// or unreadable. The directory is watched because saves replace the file.
func WatchState(ctx context.Context, store *FileStateStore, logger zerolog.Logger, fn func(*engine.RunState)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(store.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger = logger.With().Str("component", "state-watch").Logger()

	reload := func() {
		state, err := store.Load(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to reload state")
			return
		}
		fn(state)
	}
	reload()

	target := filepath.Clean(store.Path())
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug().Str("op", event.Op.String()).Msg("State file changed")
			timer.Reset(watchDebounce)

		case <-timer.C:
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
