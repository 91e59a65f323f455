// Package run coordinates agent runs for tasks: one active run per task,
// workspace provisioning, prompt assembly, supervision and the terminal
// bookkeeping that follows.
package run

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smart-tinker/ncrew-sub000/internal/history"
	"github.com/smart-tinker/ncrew-sub000/internal/model"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
	"github.com/smart-tinker/ncrew-sub000/internal/worker"
)

var (
	// ErrConcurrencyConflict is returned when a task already has a registered run.
	ErrConcurrencyConflict = errors.New("task already has an active run")
	// ErrNotRunning is returned when stopping or waiting on a task without a run.
	ErrNotRunning = errors.New("task is not running")
)

// Key identifies a task within a project.
type Key struct {
	ProjectID string `json:"projectId"`
	TaskID    string `json:"taskId"`
}

// String renders the key as project/task.
func (key Key) String() string {
	return key.ProjectID + "/" + key.TaskID
}

// State is the lifecycle position of a registered run.
type State int

const (
	// StateStarting covers provisioning and prompt assembly before spawn.
	StateStarting State = iota
	// StateActive means the agent process is running.
	StateActive
	// StateStopping means an operator stop is being applied.
	StateStopping
	// StateTerminal means the run was finalized and deregistered.
	StateTerminal
)

// String returns the state label.
func (state State) String() string {
	switch state {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

// ActiveRun describes a registered run for listings.
type ActiveRun struct {
	Key       Key         `json:"key"`
	RunID     string      `json:"runId,omitempty"`
	Stage     stage.Stage `json:"stage,omitempty"`
	Model     model.Ref   `json:"model"`
	State     string      `json:"state"`
	PID       int         `json:"pid,omitempty"`
	StartedAt time.Time   `json:"startedAt,omitempty"`
	LogFile   string      `json:"logFile,omitempty"`
}

// Entry is one registered run.
type Entry struct {
	key           Key
	state         State
	stopRequested bool
	handle        *worker.Handle
	info          ActiveRun
	final         history.Record
	finalized     bool
	settled       bool
	outcome       worker.OutcomeKind
	done          chan struct{}
}

// Registry tracks the runs owned by this process, keyed by (project, task).
// Entries leave the registry only through Finish or Release.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[Key]*Entry{}}
}

// Reserve registers key in StateStarting. A key already present yields
// ErrConcurrencyConflict and leaves the registry unchanged.
func (registry *Registry) Reserve(key Key) (*Entry, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.entries[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrConcurrencyConflict, key)
	}
	current := &Entry{
		key:   key,
		state: StateStarting,
		info:  ActiveRun{Key: key},
		done:  make(chan struct{}),
	}
	registry.entries[key] = current
	return current, nil
}

// describe records run details shown in listings while the run is starting.
func (registry *Registry) describe(current *Entry, info ActiveRun) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	info.Key = current.key
	current.info = info
}

// Activate attaches the supervised handle. It reports false when the run was
// already finalized (for example by a spawn failure delivered during Start),
// and stop reports whether a stop arrived while the run was starting.
func (registry *Registry) Activate(current *Entry, handle *worker.Handle) (active bool, stop bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if current.state == StateTerminal || registry.entries[current.key] != current {
		return false, false
	}
	current.handle = handle
	current.info.PID = handle.PID()
	if current.stopRequested {
		current.state = StateStopping
		return true, true
	}
	current.state = StateActive
	return true, false
}

// BeginStop marks the run for key as stopping. It returns the handle to
// signal, or nil when the run has not spawned yet; in that case the stop is
// applied as soon as the process starts.
func (registry *Registry) BeginStop(key Key) (*Entry, *worker.Handle, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	current, ok := registry.entries[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotRunning, key)
	}
	if current.settled {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotRunning, key)
	}
	switch current.state {
	case StateStarting:
		current.stopRequested = true
		return current, nil, nil
	case StateActive, StateStopping:
		current.state = StateStopping
		return current, current.handle, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrNotRunning, key)
}

// settle fixes the outcome kind of a finishing run, turning a process exit
// into a stop when a stop was already accepted. Stops arriving afterwards are
// rejected with ErrNotRunning.
func (registry *Registry) settle(current *Entry, kind worker.OutcomeKind) worker.OutcomeKind {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if kind == worker.OutcomeExited && (current.state == StateStopping || current.stopRequested) {
		kind = worker.OutcomeStopped
	}
	current.settled = true
	current.outcome = kind
	return kind
}

// spawnFailed reports whether the run ended because its process never started.
func (registry *Registry) spawnFailed(current *Entry) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return current.settled && current.outcome == worker.OutcomeSpawnFailed
}

// runID returns the run id recorded for the entry.
func (registry *Registry) runID(current *Entry) string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return current.info.RunID
}

// Finish records the terminal record and removes the entry. Only the first
// call for an entry has an effect.
func (registry *Registry) Finish(current *Entry, final history.Record) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if current.state == StateTerminal {
		return false
	}
	current.state = StateTerminal
	current.final = final
	current.finalized = true
	if registry.entries[current.key] == current {
		delete(registry.entries, current.key)
	}
	close(current.done)
	return true
}

// Release removes an entry that never spawned a process.
func (registry *Registry) Release(current *Entry) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if current.state == StateTerminal {
		return
	}
	current.state = StateTerminal
	if registry.entries[current.key] == current {
		delete(registry.entries, current.key)
	}
	close(current.done)
}

// Lookup returns the registered entry for key.
func (registry *Registry) Lookup(key Key) (*Entry, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	current, ok := registry.entries[key]
	return current, ok
}

// Has reports whether key has a registered run.
func (registry *Registry) Has(key Key) bool {
	_, ok := registry.Lookup(key)
	return ok
}

// Snapshot lists registered runs ordered by key.
func (registry *Registry) Snapshot() []ActiveRun {
	registry.mu.Lock()
	runs := make([]ActiveRun, 0, len(registry.entries))
	for _, current := range registry.entries {
		info := current.info
		info.State = current.state.String()
		runs = append(runs, info)
	}
	registry.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Key.ProjectID != runs[j].Key.ProjectID {
			return runs[i].Key.ProjectID < runs[j].Key.ProjectID
		}
		return runs[i].Key.TaskID < runs[j].Key.TaskID
	})
	return runs
}

// result returns the terminal record once the entry is done.
func (registry *Registry) result(current *Entry) (history.Record, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return current.final, current.finalized
}

// Done is closed once the run is finalized or released.
func (current *Entry) Done() <-chan struct{} {
	return current.done
}

// Key returns the task the entry belongs to.
func (current *Entry) Key() Key {
	return current.key
}
