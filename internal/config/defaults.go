// Package config provides default configuration handling.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/smart-tinker/ncrew-sub000/internal/model"
)

const (
	defaultAgentBinary          = "opencode"
	defaultKillGraceSeconds     = 5
	defaultWorktreePrefix       = "task-"
	defaultTasksDir             = ".ncrew/tasks"
	defaultHistoryDir           = ".ncrew/history"
	defaultLogsDir              = ".ncrew/logs"
	defaultServerAddr           = "127.0.0.1:8787"
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
	defaultTelemetryExporter    = ExporterStdout
	defaultTelemetryServiceName = "ncrew"
)

// Telemetry exporter names.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
	ExporterNone   = "none"
)

// Defaults returns the documented configuration defaults.
//
// Defaults:
// - agent.binary: "opencode"
// - agent.kill_grace_seconds: 5
// - projects: []
// - paths.tasks: ".ncrew/tasks"
// - paths.history: ".ncrew/history"
// - paths.logs: ".ncrew/logs"
// - server.addr: "127.0.0.1:8787"
// - log.level: "info", log.format: "text"
// - telemetry.enabled: false, telemetry.exporter: "stdout", telemetry.service_name: "ncrew"
// - prompt.stage_template: "" (none)
func Defaults() Config {
	return Config{
		Agent: AgentConfig{
			Binary:           defaultAgentBinary,
			KillGraceSeconds: defaultKillGraceSeconds,
		},
		Projects: []Project{},
		Paths: PathsConfig{
			Tasks:   defaultTasksDir,
			History: defaultHistoryDir,
			Logs:    defaultLogsDir,
		},
		Server: ServerConfig{Addr: defaultServerAddr},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Telemetry: TelemetryConfig{
			Exporter:    defaultTelemetryExporter,
			ServiceName: defaultTelemetryServiceName,
		},
	}
}

// ApplyDefaults fills missing or invalid values with documented defaults.
func ApplyDefaults(cfg Config, warn func(string)) Config {
	defaults := Defaults()

	cfg.Agent.Binary = normalizeNonEmpty(cfg.Agent.Binary, defaults.Agent.Binary)
	cfg.Agent.KillGraceSeconds = normalizePositiveInt(
		cfg.Agent.KillGraceSeconds,
		defaults.Agent.KillGraceSeconds,
		"agent.kill_grace_seconds",
		warn,
	)

	cfg.Projects = normalizeProjects(cfg.Projects, warn)

	cfg.Paths.Tasks = normalizeRelativeDir(cfg.Paths.Tasks, defaults.Paths.Tasks, "paths.tasks", warn)
	cfg.Paths.History = normalizeRelativeDir(cfg.Paths.History, defaults.Paths.History, "paths.history", warn)
	cfg.Paths.Logs = normalizeRelativeDir(cfg.Paths.Logs, defaults.Paths.Logs, "paths.logs", warn)

	cfg.Server.Addr = normalizeNonEmpty(cfg.Server.Addr, defaults.Server.Addr)

	cfg.Log.Level = normalizeChoice(
		strings.ToLower(cfg.Log.Level),
		defaults.Log.Level,
		"log.level",
		[]string{"trace", "debug", "info", "warn", "warning", "error"},
		warn,
	)
	cfg.Log.Format = normalizeChoice(
		strings.ToLower(cfg.Log.Format),
		defaults.Log.Format,
		"log.format",
		[]string{"text", "json"},
		warn,
	)

	cfg.Telemetry.Exporter = normalizeChoice(
		strings.ToLower(cfg.Telemetry.Exporter),
		defaults.Telemetry.Exporter,
		"telemetry.exporter",
		[]string{ExporterStdout, ExporterOTLP, ExporterNone},
		warn,
	)
	cfg.Telemetry.ServiceName = normalizeNonEmpty(cfg.Telemetry.ServiceName, defaults.Telemetry.ServiceName)

	return cfg
}

// normalizeProjects drops unusable entries and fills per-project defaults.
func normalizeProjects(projects []Project, warn func(string)) []Project {
	normalized := make([]Project, 0, len(projects))
	seen := map[string]bool{}
	for index, project := range projects {
		key := fmt.Sprintf("projects[%d]", index)
		if project.ID == "" || project.Path == "" {
			emitWarning(warn, "invalid "+key+"; id and path are required")
			continue
		}
		if seen[project.ID] {
			emitWarning(warn, "duplicate project id "+project.ID+"; keeping the first entry")
			continue
		}
		seen[project.ID] = true

		if project.WorktreePrefix == "" {
			project.WorktreePrefix = defaultWorktreePrefix
		} else if !isValidPrefix(project.WorktreePrefix) {
			emitWarning(warn, "invalid "+key+".worktree_prefix; using default")
			project.WorktreePrefix = defaultWorktreePrefix
		}
		if project.DefaultModel != "" {
			if _, err := model.Parse(project.DefaultModel); err != nil {
				emitWarning(warn, "invalid "+key+".default_model; ignoring")
				project.DefaultModel = ""
			}
		}
		project.Path = filepath.Clean(project.Path)
		normalized = append(normalized, project)
	}
	return normalized
}

// isValidPrefix reports whether prefix can start a git branch name.
func isValidPrefix(prefix string) bool {
	if strings.HasPrefix(prefix, "-") || strings.HasPrefix(prefix, ".") || strings.HasPrefix(prefix, "/") {
		return false
	}
	if strings.Contains(prefix, "..") || strings.Contains(prefix, "//") {
		return false
	}
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/':
		default:
			return false
		}
	}
	return true
}

// normalizeRelativeDir keeps project-relative directories inside the project.
func normalizeRelativeDir(value string, fallback string, key string, warn func(string)) string {
	if value == "" {
		return fallback
	}
	clean := filepath.ToSlash(filepath.Clean(value))
	if filepath.IsAbs(value) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return clean
}

// normalizeChoice defaults values outside the allowed set.
func normalizeChoice(value string, fallback string, key string, allowed []string, warn func(string)) string {
	if value == "" {
		return fallback
	}
	for _, candidate := range allowed {
		if value == candidate {
			return value
		}
	}
	emitWarning(warn, "invalid "+key+"; using default")
	return fallback
}

// normalizeNonEmpty defaults blank values.
func normalizeNonEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// normalizePositiveInt defaults invalid values. Zero means unset and is not reported.
func normalizePositiveInt(value int, fallback int, key string, warn func(string)) int {
	if value == 0 {
		return fallback
	}
	if value < 0 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

// emitWarning sends a warning message when a sink is configured.
func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
