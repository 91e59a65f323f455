// Package history persists the per-task run history document.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/smart-tinker/ncrew-sub000/internal/model"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
)

const (
	historyFileExt  = ".json"
	historyFileMode = 0o644
	historyDirMode  = 0o755
)

// ErrCorrupt reports a history document that could not be decoded.
var ErrCorrupt = errors.New("history document is corrupt")

// Record describes one run of a task.
type Record struct {
	ID          string       `json:"id"`
	Stage       stage.Stage  `json:"stage"`
	Status      stage.Status `json:"status"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	DurationMs  *int64       `json:"durationMs,omitempty"`
	Model       model.Ref    `json:"model"`
	LogFile     string       `json:"logFile"`
	ExitCode    *int         `json:"exitCode,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Patch holds the fields merged into a record when a run finishes.
type Patch struct {
	Status      stage.Status
	CompletedAt time.Time
	Duration    time.Duration
	ExitCode    *int
	Reason      string
}

// document is the on-disk shape of a history file.
type document struct {
	Runs []Record `json:"runs"`
}

// Store reads and writes history documents under one directory.
type Store struct {
	dir  string
	warn func(string)
	mu   *sync.Mutex
}

// NewStore builds a Store over the provided history directory. Corrupt
// documents are reported through warn.
func NewStore(dir string, warn func(string)) (Store, error) {
	if strings.TrimSpace(dir) == "" {
		return Store{}, errors.New("history directory is required")
	}
	return Store{dir: dir, warn: warn, mu: &sync.Mutex{}}, nil
}

// Path returns the history document path for a task.
func (store Store) Path(taskID string) string {
	return filepath.Join(store.dir, taskID+historyFileExt)
}

// Append adds a record to the end of the task's history.
func (store Store) Append(taskID string, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("run id is required")
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	runs := store.readLocked(taskID)
	runs = append(runs, record)
	return store.writeLocked(taskID, runs)
}

// Update merges patch into the record with runID. A missing record is ignored.
func (store Store) Update(taskID string, runID string, patch Patch) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	runs := store.readLocked(taskID)
	index := -1
	for i := range runs {
		if runs[i].ID == runID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil
	}
	applyPatch(&runs[index], patch)
	return store.writeLocked(taskID, runs)
}

// Read returns the task's records in creation order. Missing or corrupt
// documents read as empty.
func (store Store) Read(taskID string) []Record {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.readLocked(taskID)
}

// InProgress returns the records still marked In Progress.
func (store Store) InProgress(taskID string) []Record {
	var open []Record
	for _, record := range store.Read(taskID) {
		if record.Status == stage.StatusInProgress {
			open = append(open, record)
		}
	}
	return open
}

// SweepOrphans marks every In Progress record as Failed with reason and
// returns the ids it changed. Callers must ensure no run for the task is live.
func (store Store) SweepOrphans(taskID string, reason string, now time.Time) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	runs := store.readLocked(taskID)
	var swept []string
	for i := range runs {
		if runs[i].Status != stage.StatusInProgress {
			continue
		}
		applyPatch(&runs[i], Patch{
			Status:      stage.StatusFailed,
			CompletedAt: now,
			Duration:    now.Sub(runs[i].StartedAt),
			Reason:      reason,
		})
		swept = append(swept, runs[i].ID)
	}
	if len(swept) == 0 {
		return nil, nil
	}
	if err := store.writeLocked(taskID, runs); err != nil {
		return nil, err
	}
	return swept, nil
}

// Load decodes the task's history and reports corruption as ErrCorrupt.
func (store Store) Load(taskID string) ([]Record, error) {
	path := store.Path(taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("read history %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []Record{}, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, path, err)
	}
	if doc.Runs == nil {
		return []Record{}, nil
	}
	return doc.Runs, nil
}

// readLocked loads the task's records, degrading failures to an empty list.
func (store Store) readLocked(taskID string) []Record {
	runs, err := store.Load(taskID)
	if err != nil {
		emitWarning(store.warn, fmt.Sprintf("history for task %s treated as empty: %v", taskID, err))
		return []Record{}
	}
	return runs
}

// writeLocked replaces the whole document through a temp file and rename.
func (store Store) writeLocked(taskID string, runs []Record) error {
	path := store.Path(taskID)
	if err := os.MkdirAll(store.dir, historyDirMode); err != nil {
		return fmt.Errorf("create history directory %s: %w", store.dir, err)
	}
	encoded, err := json.MarshalIndent(document{Runs: runs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history %s: %w", path, err)
	}
	encoded = append(encoded, '\n')

	temp, err := os.CreateTemp(store.dir, "."+taskID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create history temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(encoded); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write history %s: %w", path, err)
	}
	if err := temp.Chmod(historyFileMode); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("chmod history %s: %w", path, err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close history %s: %w", path, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("replace history %s: %w", path, err)
	}
	return nil
}

// applyPatch merges the terminal fields into record.
func applyPatch(record *Record, patch Patch) {
	if patch.Status != "" {
		record.Status = patch.Status
	}
	if !patch.CompletedAt.IsZero() {
		completed := patch.CompletedAt.UTC()
		record.CompletedAt = &completed
		duration := patch.Duration
		if duration < 0 {
			duration = 0
		}
		ms := duration.Milliseconds()
		record.DurationMs = &ms
	}
	if patch.ExitCode != nil {
		code := *patch.ExitCode
		record.ExitCode = &code
	}
	if patch.Reason != "" {
		record.Reason = patch.Reason
	}
}

// emitWarning sends a warning to the configured sink.
func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
