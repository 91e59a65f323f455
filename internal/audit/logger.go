// Package audit provides the append-only audit trail of workspace and run events.
package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// stateDirName is the relative path for orchestrator state.
	stateDirName = ".ncrew"
	// auditLogFileName is the filename used for audit logging.
	auditLogFileName = "audit.log"
	// auditLogFileMode defines the permissions for the audit log file.
	auditLogFileMode = 0o644
	// auditLogDirMode defines the permissions for the audit log directory.
	auditLogDirMode = 0o755
)

const (
	// EventWorkspaceCreate records a new task worktree.
	EventWorkspaceCreate = "workspace.create"
	// EventWorkspaceReuse records reuse of an existing task worktree.
	EventWorkspaceReuse = "workspace.reuse"
	// EventRunStart records an agent process launch.
	EventRunStart = "run.start"
	// EventRunOutcome records the terminal outcome of a run.
	EventRunOutcome = "run.outcome"
	// EventRunStop records an operator stop request.
	EventRunStop = "run.stop"
	// EventRunOrphan records a run finalized by recovery.
	EventRunOrphan = "run.orphan"
	// EventStageAdvance records a stage transition.
	EventStageAdvance = "stage.advance"
)

// Logger appends audit entries to a log file.
type Logger struct {
	path string
	warn func(string)
	now  func() time.Time
	mu   sync.Mutex
}

// Field represents a logfmt key/value pair.
type Field struct {
	Key   string
	Value string
}

// Entry captures the required audit log fields and any optional fields.
type Entry struct {
	TaskID string
	Event  string
	Fields []Field
}

// NewLogger builds an audit logger for the project at projectPath. Write
// failures are reported through warn.
func NewLogger(projectPath string, warn func(string)) (*Logger, error) {
	if strings.TrimSpace(projectPath) == "" {
		return nil, errors.New("project path is required")
	}
	return &Logger{
		path: filepath.Join(projectPath, stateDirName, auditLogFileName),
		warn: warn,
		now:  time.Now,
	}, nil
}

// Path returns the audit log location.
func (logger *Logger) Path() string {
	if logger == nil {
		return ""
	}
	return logger.path
}

// Log writes a generic audit entry to the log file. A nil logger discards entries.
func (logger *Logger) Log(entry Entry) error {
	if logger == nil {
		return nil
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()

	line, err := logger.formatEntry(entry)
	if err != nil {
		logger.warnf("audit log entry rejected: %v", err)
		return err
	}
	if err := logger.appendLine(line); err != nil {
		logger.warnf("audit log write failed for %s: %v", logger.path, err)
		return err
	}
	return nil
}

// LogWorkspace records a worktree creation or reuse.
func (logger *Logger) LogWorkspace(taskID string, reused bool, path string, branch string) error {
	event := EventWorkspaceCreate
	if reused {
		event = EventWorkspaceReuse
	}
	return logger.Log(Entry{
		TaskID: taskID,
		Event:  event,
		Fields: []Field{
			{Key: "path", Value: path},
			{Key: "branch", Value: branch},
		},
	})
}

// LogRunStart records an agent launch.
func (logger *Logger) LogRunStart(taskID string, runID string, stage string, model string, logFile string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Event:  EventRunStart,
		Fields: []Field{
			{Key: "run_id", Value: runID},
			{Key: "stage", Value: stage},
			{Key: "model", Value: model},
			{Key: "log", Value: logFile},
		},
	})
}

// LogRunOutcome records the terminal status of a run. exitCode is omitted when negative.
func (logger *Logger) LogRunOutcome(taskID string, runID string, status string, exitCode int, reason string) error {
	fields := []Field{
		{Key: "run_id", Value: runID},
		{Key: "status", Value: status},
	}
	if exitCode >= 0 {
		fields = append(fields, Field{Key: "exit_code", Value: strconv.Itoa(exitCode)})
	}
	fields = append(fields, Field{Key: "reason", Value: reason})
	return logger.Log(Entry{TaskID: taskID, Event: EventRunOutcome, Fields: fields})
}

// LogRunStop records an operator stop request.
func (logger *Logger) LogRunStop(taskID string, runID string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Event:  EventRunStop,
		Fields: []Field{{Key: "run_id", Value: runID}},
	})
}

// LogRunOrphan records a run finalized by recovery.
func (logger *Logger) LogRunOrphan(taskID string, runID string) error {
	return logger.Log(Entry{
		TaskID: taskID,
		Event:  EventRunOrphan,
		Fields: []Field{{Key: "run_id", Value: runID}},
	})
}

// LogStageAdvance records a stage transition.
func (logger *Logger) LogStageAdvance(taskID string, from string, to string) error {
	if from == "" || to == "" {
		return fmt.Errorf("stage advance requires from and to stages")
	}
	return logger.Log(Entry{
		TaskID: taskID,
		Event:  EventStageAdvance,
		Fields: []Field{
			{Key: "from", Value: from},
			{Key: "to", Value: to},
		},
	})
}

// formatEntry renders an audit entry in logfmt-style order.
func (logger *Logger) formatEntry(entry Entry) (string, error) {
	if entry.TaskID == "" {
		return "", errors.New("task id is required")
	}
	if entry.Event == "" {
		return "", errors.New("event is required")
	}
	now := logger.now
	if now == nil {
		now = time.Now
	}

	fields := []string{
		formatField("ts", now().UTC().Format(time.RFC3339)),
		formatField("task_id", entry.TaskID),
		formatField("event", entry.Event),
	}
	for _, field := range entry.Fields {
		if field.Value == "" {
			continue
		}
		if field.Key == "" {
			return "", errors.New("field key is required")
		}
		fields = append(fields, formatField(field.Key, field.Value))
	}
	return strings.Join(fields, " "), nil
}

// formatField encodes a logfmt key/value pair.
func formatField(key string, value string) string {
	encoded := strings.NewReplacer("\n", `\n`, "\r", `\r`).Replace(value)
	if needsQuoting(encoded) {
		return fmt.Sprintf(`%s="%s"`, key, escapeLogfmt(encoded))
	}
	return key + "=" + encoded
}

// needsQuoting reports whether the value needs logfmt quoting.
func needsQuoting(value string) bool {
	if value == "" {
		return true
	}
	return strings.ContainsAny(value, " \t=\"")
}

// escapeLogfmt escapes characters that must be quoted in logfmt values.
func escapeLogfmt(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}

// appendLine writes the log entry to the audit log file.
func (logger *Logger) appendLine(line string) error {
	if err := os.MkdirAll(filepath.Dir(logger.path), auditLogDirMode); err != nil {
		return fmt.Errorf("create audit log directory %s: %w", filepath.Dir(logger.path), err)
	}
	file, err := os.OpenFile(logger.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", logger.path, err)
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		_ = file.Close()
		return fmt.Errorf("write audit log %s: %w", logger.path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audit log %s: %w", logger.path, err)
	}
	return nil
}

// warnf sends a formatted warning to the configured sink.
func (logger *Logger) warnf(format string, args ...any) {
	if logger.warn == nil {
		return
	}
	logger.warn(fmt.Sprintf(format, args...))
}
