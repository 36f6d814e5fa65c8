package stores

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
)

func TestWatchState(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()
	if err := store.Save(ctx, sampleState()); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan *engine.RunState, 16)
	done := make(chan error, 1)
	go func() {
		done <- WatchState(watchCtx, store, zerolog.Nop(), func(s *engine.RunState) {
			updates <- s
		})
	}()

	first := waitForState(t, updates)
	if first == nil || first.CurrentStep != 3 {
		t.Fatalf("Expected initial state at step 3, got %+v", first)
	}

	next := sampleState()
	next.CurrentStep = 4
	if err := store.Save(ctx, next); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	if got := waitForState(t, updates); got == nil || got.CurrentStep != 4 {
		t.Fatalf("Expected update at step 4, got %+v", got)
	}

	if err := store.Delete(ctx); err != nil {
		t.Fatalf("failed to delete state: %v", err)
	}
	if got := waitForState(t, updates); got != nil {
		t.Fatalf("Expected nil after delete, got %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func waitForState(t *testing.T, updates <-chan *engine.RunState) *engine.RunState {
	t.Helper()
	select {
	case s := <-updates:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for state update")
		return nil
	}
}
