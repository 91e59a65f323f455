// Tests for the audit logger.
package audit

import (
	"os"
	"strings"
	"testing"
	"time"
)

// TestLoggerWritesEntries ensures audit entries are written in order.
func TestLoggerWritesEntries(t *testing.T) {
	project := t.TempDir()
	var warnings []string
	logger, err := NewLogger(project, func(message string) { warnings = append(warnings, message) })
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.now = func() time.Time {
		return time.Date(2026, 10, 16, 9, 2, 11, 0, time.UTC)
	}

	if err := logger.LogWorkspace("T-014", false, ".ncrew/worktrees/task-T-014", "task-T-014"); err != nil {
		t.Fatalf("log workspace: %v", err)
	}
	if err := logger.LogRunOutcome("T-014", "run-1", "Failed", 2, "exit status 2"); err != nil {
		t.Fatalf("log outcome: %v", err)
	}
	if err := logger.LogStageAdvance("T-014", "Specification", "Plan"); err != nil {
		t.Fatalf("log stage advance: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}

	data, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := []string{
		"ts=2026-10-16T09:02:11Z task_id=T-014 event=workspace.create path=.ncrew/worktrees/task-T-014 branch=task-T-014",
		`ts=2026-10-16T09:02:11Z task_id=T-014 event=run.outcome run_id=run-1 status=Failed exit_code=2 reason="exit status 2"`,
		"ts=2026-10-16T09:02:11Z task_id=T-014 event=stage.advance from=Specification to=Plan",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d audit lines, got %d:\n%s", len(want), len(lines), data)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

// TestLoggerRejectsMissingTask ensures entries without a task id are rejected with a warning.
func TestLoggerRejectsMissingTask(t *testing.T) {
	var warnings []string
	logger, err := NewLogger(t.TempDir(), func(message string) { warnings = append(warnings, message) })
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if err := logger.LogRunStop("", "run-1"); err == nil {
		t.Fatal("expected error for missing task id")
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
}

// TestNilLoggerDiscards ensures an unset logger is safe to call.
func TestNilLoggerDiscards(t *testing.T) {
	var logger *Logger
	if err := logger.LogRunStart("T-1", "run-1", "Plan", "p/m", "x.log"); err != nil {
		t.Fatalf("nil logger: %v", err)
	}
}

// TestFormatFieldQuotesAndEscapes ensures values stay single-line logfmt.
func TestFormatFieldQuotesAndEscapes(t *testing.T) {
	got := formatField("reason", "line one\nsaid \"hi\"")
	want := `reason="line one\\nsaid \"hi\""`
	if got != want {
		t.Fatalf("formatField = %q, want %q", got, want)
	}
}
