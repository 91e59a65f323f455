// Package worker supervises agent processes: it spawns them, streams their
// output to a log file and reports exactly one terminal outcome per run.
package worker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smart-tinker/ncrew-sub000/internal/logging"
)

const (
	// logFileMode is the file mode for run log files.
	logFileMode = 0o644
	// logDirMode is the directory mode for log directories.
	logDirMode = 0o755
	// DefaultKillGrace is how long a stopped process gets before SIGKILL.
	DefaultKillGrace = 5 * time.Second
)

var (
	// ErrSpawn marks an agent executable that could not be launched.
	ErrSpawn = errors.New("agent process could not be started")
	// ErrStopped marks a run cancelled by an operator stop request.
	ErrStopped = errors.New("run stopped by operator")
)

// OutcomeKind labels how a run ended.
type OutcomeKind int

const (
	// OutcomeExited means the process exited on its own.
	OutcomeExited OutcomeKind = iota + 1
	// OutcomeSpawnFailed means the process never started.
	OutcomeSpawnFailed
	// OutcomeStopped means an operator stopped the run.
	OutcomeStopped
)

// String returns the outcome label.
func (kind OutcomeKind) String() string {
	switch kind {
	case OutcomeExited:
		return "exited"
	case OutcomeSpawnFailed:
		return "spawn_failed"
	case OutcomeStopped:
		return "stopped"
	}
	return "unknown"
}

// Outcome is the terminal result of a supervised process.
type Outcome struct {
	Kind       OutcomeKind
	ExitCode   int
	Err        error
	FinishedAt time.Time
}

// Success reports whether the process exited with status zero.
func (outcome Outcome) Success() bool {
	return outcome.Kind == OutcomeExited && outcome.ExitCode == 0
}

// Reason describes a non-successful outcome.
func (outcome Outcome) Reason() string {
	switch {
	case outcome.Success():
		return ""
	case outcome.Kind == OutcomeExited && outcome.ExitCode < 0:
		return "terminated by signal"
	case outcome.Kind == OutcomeExited:
		return fmt.Sprintf("exit code %d", outcome.ExitCode)
	case outcome.Err != nil:
		return outcome.Err.Error()
	}
	return outcome.Kind.String()
}

// State is the lifecycle position of a Handle.
type State int

const (
	// StateStarting is the state before the process is launched.
	StateStarting State = iota
	// StateRunning is the state while the process is alive and unfinished.
	StateRunning
	// StateTerminal is the state after the outcome was delivered.
	StateTerminal
)

// Spec describes the process to launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	LogPath string
	Env     map[string]string
}

// Options configures a Supervisor.
type Options struct {
	KillGrace time.Duration
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Supervisor launches agent processes.
type Supervisor struct {
	killGrace time.Duration
	logger    logrus.FieldLogger
	now       func() time.Time
}

// Handle tracks one supervised process.
type Handle struct {
	mu       sync.Mutex
	state    State
	pid      int
	outcome  Outcome
	done     func(Outcome)
	finished chan struct{}
	exited   chan struct{}

	supervisor *Supervisor
}

// NewSupervisor builds a Supervisor.
func NewSupervisor(options Options) *Supervisor {
	grace := options.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Supervisor{killGrace: grace, logger: logging.OrDiscard(options.Logger), now: now}
}

// Start launches the process described by spec. stdin reads from the null
// device; stdout and stderr share one append-mode log descriptor. done is
// called exactly once with the terminal outcome, possibly before Start
// returns when the process cannot be spawned. Start itself fails only for an
// invalid spec or an unwritable log file.
func (supervisor *Supervisor) Start(spec Spec, done func(Outcome)) (*Handle, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("command is required")
	}
	if strings.TrimSpace(spec.LogPath) == "" {
		return nil, errors.New("log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), logDirMode); err != nil {
		return nil, fmt.Errorf("create logs directory %s: %w", filepath.Dir(spec.LogPath), err)
	}
	logFile, err := os.OpenFile(spec.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFileMode)
	if err != nil {
		return nil, fmt.Errorf("open run log %s: %w", spec.LogPath, err)
	}

	handle := &Handle{
		state:      StateStarting,
		done:       done,
		finished:   make(chan struct{}),
		exited:     make(chan struct{}),
		supervisor: supervisor,
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	entry := supervisor.logger.WithFields(logrus.Fields{"command": spec.Command, "dir": spec.Dir, "log": spec.LogPath})
	if err := cmd.Start(); err != nil {
		_, _ = fmt.Fprintf(logFile, "failed to start %s: %v\n", spec.Command, err)
		_ = logFile.Close()
		close(handle.exited)
		entry.WithError(err).Warn("agent spawn failed")
		handle.finish(Outcome{Kind: OutcomeSpawnFailed, ExitCode: -1, Err: fmt.Errorf("%w: %v", ErrSpawn, err), FinishedAt: supervisor.now()})
		return handle, nil
	}

	handle.mu.Lock()
	handle.pid = cmd.Process.Pid
	handle.state = StateRunning
	handle.mu.Unlock()
	entry.WithField("pid", handle.pid).Debug("agent started")

	go func() {
		waitErr := cmd.Wait()
		_ = logFile.Close()
		close(handle.exited)
		code := 0
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		if !handle.finish(Outcome{Kind: OutcomeExited, ExitCode: code, Err: waitErr, FinishedAt: supervisor.now()}) {
			entry.WithField("exit_code", code).Debug("exit after stop ignored")
		}
	}()
	return handle, nil
}

// PID returns the process id, or zero when the process never started.
func (handle *Handle) PID() int {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.pid
}

// State returns the current lifecycle state.
func (handle *Handle) State() State {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.state
}

// Outcome returns the terminal outcome once the handle is terminal.
func (handle *Handle) Outcome() (Outcome, bool) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.outcome, handle.state == StateTerminal
}

// Done is closed after the terminal outcome has been delivered.
func (handle *Handle) Done() <-chan struct{} {
	return handle.finished
}

// Exited is closed once the operating system process has been reaped.
func (handle *Handle) Exited() <-chan struct{} {
	return handle.exited
}

// Stop finalizes the run as stopped and delivers that outcome on the
// caller's goroutine before signalling the process group. A process exit
// arriving later is ignored. Stop reports false when the run had already
// finished.
func (handle *Handle) Stop() bool {
	if !handle.finish(Outcome{Kind: OutcomeStopped, ExitCode: -1, Err: ErrStopped, FinishedAt: handle.supervisor.now()}) {
		return false
	}
	pid := handle.PID()
	if pid <= 0 {
		return true
	}
	logger := handle.supervisor.logger.WithField("pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.WithError(err).Warn("signal agent process group")
	}
	go func() {
		select {
		case <-handle.exited:
		case <-time.After(handle.supervisor.killGrace):
			logger.Warn("agent ignored SIGTERM; killing process group")
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				logger.WithError(err).Warn("kill agent process group")
			}
		}
	}()
	return true
}

// finish moves the handle to Terminal and delivers outcome. Only the first
// caller wins.
func (handle *Handle) finish(outcome Outcome) bool {
	handle.mu.Lock()
	if handle.state == StateTerminal {
		handle.mu.Unlock()
		return false
	}
	handle.state = StateTerminal
	handle.outcome = outcome
	done := handle.done
	handle.mu.Unlock()

	if done != nil {
		done(outcome)
	}
	close(handle.finished)
	return true
}

// mergeEnv overlays extra variables on base in a stable order.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(base)+len(keys))
	for _, entry := range base {
		name, _, _ := strings.Cut(entry, "=")
		if _, override := extra[name]; override {
			continue
		}
		env = append(env, entry)
	}
	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}
	return env
}
