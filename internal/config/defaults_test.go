// Package config tests default configuration behavior.
package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// TestDefaultsDocumentedValues verifies the published defaults are stable.
func TestDefaultsDocumentedValues(t *testing.T) {
	t.Parallel()

	cfg := Defaults()

	if got, want := cfg.Agent.Binary, defaultAgentBinary; got != want {
		t.Fatalf("agent.binary = %q, want %q", got, want)
	}
	if got, want := cfg.Agent.KillGrace(), 5*time.Second; got != want {
		t.Fatalf("agent kill grace = %v, want %v", got, want)
	}
	if cfg.Paths.Tasks != ".ncrew/tasks" || cfg.Paths.History != ".ncrew/history" || cfg.Paths.Logs != ".ncrew/logs" {
		t.Fatalf("unexpected paths %+v", cfg.Paths)
	}
	if cfg.Telemetry.Enabled {
		t.Fatal("telemetry should be disabled by default")
	}
	if cfg.Projects == nil || len(cfg.Projects) != 0 {
		t.Fatal("projects should default to an empty list")
	}
}

// TestApplyDefaultsMissingConfig verifies a zero config becomes the defaults without warnings.
func TestApplyDefaultsMissingConfig(t *testing.T) {
	t.Parallel()

	var warnings []string
	cfg := ApplyDefaults(Config{}, func(message string) { warnings = append(warnings, message) })
	if !configsEqual(cfg, Defaults()) {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
}

// TestApplyDefaultsInvalidValues verifies invalid values are replaced and reported.
func TestApplyDefaultsInvalidValues(t *testing.T) {
	t.Parallel()

	var warnings []string
	cfg := ApplyDefaults(Config{
		Agent: AgentConfig{KillGraceSeconds: -3},
		Projects: []Project{
			{ID: "web", Path: "/srv/web", WorktreePrefix: "-bad", DefaultModel: "no-slash"},
		},
		Paths:     PathsConfig{Tasks: "/etc/tasks", History: "../outside", Logs: "custom/logs/"},
		Log:       LogConfig{Level: "LOUD", Format: "JSON"},
		Telemetry: TelemetryConfig{Exporter: "zipkin"},
	}, func(message string) { warnings = append(warnings, message) })

	if cfg.Agent.KillGraceSeconds != defaultKillGraceSeconds {
		t.Fatalf("kill grace = %d", cfg.Agent.KillGraceSeconds)
	}
	if cfg.Projects[0].WorktreePrefix != defaultWorktreePrefix || cfg.Projects[0].DefaultModel != "" {
		t.Fatalf("unexpected project %+v", cfg.Projects[0])
	}
	if cfg.Paths.Tasks != defaultTasksDir || cfg.Paths.History != defaultHistoryDir || cfg.Paths.Logs != "custom/logs" {
		t.Fatalf("unexpected paths %+v", cfg.Paths)
	}
	if cfg.Log.Level != defaultLogLevel || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Telemetry.Exporter != ExporterStdout {
		t.Fatalf("telemetry.exporter = %q", cfg.Telemetry.Exporter)
	}

	for _, want := range []string{
		"agent.kill_grace_seconds",
		"projects[0].worktree_prefix",
		"projects[0].default_model",
		"paths.tasks",
		"paths.history",
		"log.level",
		"telemetry.exporter",
	} {
		if !warningsContain(warnings, want) {
			t.Fatalf("expected warning for %s, got %v", want, warnings)
		}
	}
}

// TestIsValidPrefix verifies which branch prefixes are accepted.
func TestIsValidPrefix(t *testing.T) {
	t.Parallel()

	for _, prefix := range []string{"task-", "feature/", "ncrew_", "v1.task-"} {
		if !isValidPrefix(prefix) {
			t.Fatalf("expected %q to be valid", prefix)
		}
	}
	for _, prefix := range []string{"-x", ".x", "/x", "a..b", "a//b", "a b", "a~b"} {
		if isValidPrefix(prefix) {
			t.Fatalf("expected %q to be rejected", prefix)
		}
	}
}

func configsEqual(left Config, right Config) bool {
	return reflect.DeepEqual(left, right)
}

func warningsContain(warnings []string, substr string) bool {
	for _, warning := range warnings {
		if strings.Contains(warning, substr) {
			return true
		}
	}
	return false
}
