package run

import (
	"errors"
	"testing"

	"github.com/smart-tinker/ncrew-sub000/internal/history"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
	"github.com/smart-tinker/ncrew-sub000/internal/worker"
)

// TestReserveRejectsSecondRun ensures a key holds at most one registered run.
func TestReserveRejectsSecondRun(t *testing.T) {
	registry := NewRegistry()
	key := Key{ProjectID: "demo", TaskID: "T-1"}

	first, err := registry.Reserve(key)
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if _, err := registry.Reserve(key); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if _, err := registry.Reserve(Key{ProjectID: "other", TaskID: "T-1"}); err != nil {
		t.Fatalf("expected other project to reserve, got %v", err)
	}

	registry.Release(first)
	if registry.Has(key) {
		t.Fatal("expected released key to be free")
	}
	if _, err := registry.Reserve(key); err != nil {
		t.Fatalf("Reserve after release error: %v", err)
	}
}

// TestFinishIsFirstWins verifies only the first terminal record is kept.
func TestFinishIsFirstWins(t *testing.T) {
	registry := NewRegistry()
	current, err := registry.Reserve(Key{ProjectID: "demo", TaskID: "T-1"})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	if !registry.Finish(current, history.Record{ID: "r1", Status: stage.StatusFailed}) {
		t.Fatal("expected first Finish to win")
	}
	if registry.Finish(current, history.Record{ID: "r1", Status: stage.StatusDone}) {
		t.Fatal("expected second Finish to be ignored")
	}
	select {
	case <-current.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
	final, ok := registry.result(current)
	if !ok || final.Status != stage.StatusFailed {
		t.Fatalf("result = %+v, %v", final, ok)
	}
	registry.Release(current)
	if registry.Has(current.Key()) {
		t.Fatal("expected finished key to be free")
	}
}

// TestBeginStopWhileStarting ensures a stop before spawn is deferred to Activate.
func TestBeginStopWhileStarting(t *testing.T) {
	registry := NewRegistry()
	key := Key{ProjectID: "demo", TaskID: "T-1"}
	if _, _, err := registry.BeginStop(key); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	current, err := registry.Reserve(key)
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	stopped, handle, err := registry.BeginStop(key)
	if err != nil {
		t.Fatalf("BeginStop error: %v", err)
	}
	if stopped != current || handle != nil {
		t.Fatalf("expected pending stop without handle, got %v %v", stopped, handle)
	}
	runs := registry.Snapshot()
	if len(runs) != 1 || runs[0].State != "starting" {
		t.Fatalf("snapshot = %+v", runs)
	}
}

// TestSettleHonoursAcceptedStop verifies an exit settles as a stop once a stop
// was accepted, and that later stops are rejected.
func TestSettleHonoursAcceptedStop(t *testing.T) {
	registry := NewRegistry()
	plain, err := registry.Reserve(Key{ProjectID: "demo", TaskID: "T-1"})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if kind := registry.settle(plain, worker.OutcomeExited); kind != worker.OutcomeExited {
		t.Fatalf("settle = %v", kind)
	}
	if _, _, err := registry.BeginStop(plain.Key()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected stop after settle to be rejected, got %v", err)
	}

	stopped, err := registry.Reserve(Key{ProjectID: "demo", TaskID: "T-2"})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if _, _, err := registry.BeginStop(stopped.Key()); err != nil {
		t.Fatalf("BeginStop error: %v", err)
	}
	if kind := registry.settle(stopped, worker.OutcomeExited); kind != worker.OutcomeStopped {
		t.Fatalf("settle = %v, want stopped", kind)
	}
	if registry.spawnFailed(stopped) {
		t.Fatal("stopped run reported as spawn failure")
	}

	failed, err := registry.Reserve(Key{ProjectID: "demo", TaskID: "T-3"})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if registry.spawnFailed(failed) {
		t.Fatal("unsettled run reported as spawn failure")
	}
	registry.settle(failed, worker.OutcomeSpawnFailed)
	if !registry.spawnFailed(failed) {
		t.Fatal("expected spawn failure to be recorded")
	}
}

// TestSnapshotIsSorted verifies listings are ordered by project then task.
func TestSnapshotIsSorted(t *testing.T) {
	registry := NewRegistry()
	for _, key := range []Key{{"b", "T-1"}, {"a", "T-2"}, {"a", "T-1"}} {
		if _, err := registry.Reserve(key); err != nil {
			t.Fatalf("Reserve error: %v", err)
		}
	}
	runs := registry.Snapshot()
	got := []string{runs[0].Key.String(), runs[1].Key.String(), runs[2].Key.String()}
	want := []string{"a/T-1", "a/T-2", "b/T-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot order = %v", got)
		}
	}
}
