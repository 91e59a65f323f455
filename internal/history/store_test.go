// Tests for run history persistence.
package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smart-tinker/ncrew-sub000/internal/model"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
)

// TestReadMissingDocument ensures a task without history reads as empty.
func TestReadMissingDocument(t *testing.T) {
	store := newTempStore(t, nil)
	records := store.Read("T-1")
	if records == nil || len(records) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", records)
	}
}

// TestAppendKeepsCreationOrder ensures records come back in the order appended.
func TestAppendKeepsCreationOrder(t *testing.T) {
	store := newTempStore(t, nil)
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := store.Append("T-1", newRecord(id)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	records := store.Read("T-1")
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"run-1", "run-2", "run-3"} {
		if records[i].ID != want {
			t.Fatalf("record %d = %s, want %s", i, records[i].ID, want)
		}
	}
}

// TestUpdateMergesTerminalFields ensures the patch lands on the matching record only.
func TestUpdateMergesTerminalFields(t *testing.T) {
	store := newTempStore(t, nil)
	first := newRecord("run-1")
	if err := store.Append("T-1", first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append("T-1", newRecord("run-2")); err != nil {
		t.Fatalf("append: %v", err)
	}

	code := 0
	completed := first.StartedAt.Add(1500 * time.Millisecond)
	if err := store.Update("T-1", "run-1", Patch{Status: stage.StatusDone, CompletedAt: completed, Duration: 1500 * time.Millisecond, ExitCode: &code}); err != nil {
		t.Fatalf("update: %v", err)
	}

	records := store.Read("T-1")
	if records[0].Status != stage.StatusDone {
		t.Fatalf("status = %q", records[0].Status)
	}
	if records[0].CompletedAt == nil || !records[0].CompletedAt.Equal(completed) {
		t.Fatalf("completedAt = %v", records[0].CompletedAt)
	}
	if records[0].DurationMs == nil || *records[0].DurationMs != 1500 {
		t.Fatalf("durationMs = %v", records[0].DurationMs)
	}
	if records[0].ExitCode == nil || *records[0].ExitCode != 0 {
		t.Fatalf("exitCode = %v", records[0].ExitCode)
	}
	if records[1].Status != stage.StatusInProgress || records[1].CompletedAt != nil {
		t.Fatalf("second record changed: %+v", records[1])
	}
}

// TestUpdateMissingRunIsNoop ensures late or duplicate completion signals are ignored.
func TestUpdateMissingRunIsNoop(t *testing.T) {
	store := newTempStore(t, nil)
	if err := store.Update("T-1", "ghost", Patch{Status: stage.StatusDone, CompletedAt: time.Now()}); err != nil {
		t.Fatalf("update on missing document: %v", err)
	}
	if _, err := os.Stat(store.Path("T-1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no document to be written, got %v", err)
	}

	if err := store.Append("T-1", newRecord("run-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Update("T-1", "ghost", Patch{Status: stage.StatusDone, CompletedAt: time.Now()}); err != nil {
		t.Fatalf("update on missing id: %v", err)
	}
	if records := store.Read("T-1"); records[0].Status != stage.StatusInProgress {
		t.Fatalf("unexpected change: %+v", records[0])
	}
}

// TestReadCorruptDocumentWarns ensures corrupt history degrades to empty with a warning.
func TestReadCorruptDocumentWarns(t *testing.T) {
	var warnings []string
	store := newTempStore(t, func(message string) { warnings = append(warnings, message) })
	if err := os.MkdirAll(filepath.Dir(store.Path("T-1")), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(store.Path("T-1"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	if records := store.Read("T-1"); len(records) != 0 {
		t.Fatalf("expected empty history, got %d records", len(records))
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "T-1") {
		t.Fatalf("unexpected warnings %v", warnings)
	}
	if _, err := store.Load("T-1"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

// TestDocumentShape ensures the file holds a runs list and no temp files remain.
func TestDocumentShape(t *testing.T) {
	store := newTempStore(t, nil)
	if err := store.Append("T-1", newRecord("run-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err := os.ReadFile(store.Path("T-1"))
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	var raw map[string][]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	runs := raw["runs"]
	if len(runs) != 1 || runs[0]["status"] != "In Progress" || runs[0]["stage"] != "Specification" {
		t.Fatalf("unexpected document %s", data)
	}
	if _, ok := runs[0]["completedAt"]; ok {
		t.Fatalf("completedAt should be omitted while in progress: %s", data)
	}

	entries, err := os.ReadDir(filepath.Dir(store.Path("T-1")))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the history document, got %d entries", len(entries))
	}
}

// TestSweepOrphans ensures only In Progress records are finalized.
func TestSweepOrphans(t *testing.T) {
	store := newTempStore(t, nil)
	done := newRecord("run-1")
	done.Status = stage.StatusDone
	if err := store.Append("T-1", done); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append("T-1", newRecord("run-2")); err != nil {
		t.Fatalf("append: %v", err)
	}

	now := time.Date(2026, 10, 16, 12, 0, 10, 0, time.UTC)
	swept, err := store.SweepOrphans("T-1", "orchestrator exited", now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 1 || swept[0] != "run-2" {
		t.Fatalf("swept = %v", swept)
	}
	records := store.Read("T-1")
	if records[0].Status != stage.StatusDone || records[1].Status != stage.StatusFailed {
		t.Fatalf("unexpected statuses %q %q", records[0].Status, records[1].Status)
	}
	if records[1].Reason != "orchestrator exited" || records[1].DurationMs == nil || *records[1].DurationMs != 10000 {
		t.Fatalf("unexpected swept record %+v", records[1])
	}
	if len(store.InProgress("T-1")) != 0 {
		t.Fatal("expected no in-progress records after sweep")
	}
}

// newTempStore builds a Store rooted at a temporary directory.
func newTempStore(t *testing.T, warn func(string)) Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history"), warn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// newRecord builds an In Progress record started at a fixed time.
func newRecord(id string) Record {
	return Record{
		ID:        id,
		Stage:     stage.Specification,
		Status:    stage.StatusInProgress,
		StartedAt: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
		Model:     model.Ref{Provider: "p", Name: "m"},
		LogFile:   "T-1-specification-1792152000000.log",
	}
}
