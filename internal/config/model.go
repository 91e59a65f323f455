// Package config defines the configuration model for ncrew.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/smart-tinker/ncrew-sub000/internal/model"
)

// ErrProjectNotFound is returned when no configured project matches a lookup.
var ErrProjectNotFound = errors.New("project not found")

// Config defines the full configuration surface for ncrew.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Projects  []Project       `yaml:"projects"`
	Paths     PathsConfig     `yaml:"paths"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Prompt    PromptConfig    `yaml:"prompt"`
}

// AgentConfig captures how the coding agent CLI is launched.
type AgentConfig struct {
	Binary           string `yaml:"binary"`
	KillGraceSeconds int    `yaml:"kill_grace_seconds"`
}

// KillGrace returns the stop grace period as a duration.
func (cfg AgentConfig) KillGrace() time.Duration {
	return time.Duration(cfg.KillGraceSeconds) * time.Second
}

// Project is a registered repository the orchestrator runs tasks in.
type Project struct {
	ID             string `yaml:"id"`
	Path           string `yaml:"path"`
	WorktreePrefix string `yaml:"worktree_prefix"`
	DefaultModel   string `yaml:"default_model"`
	AgentBinary    string `yaml:"agent_binary"`
}

// DefaultModelRef parses the project default model, returning the zero ref when unset or invalid.
func (project Project) DefaultModelRef() model.Ref {
	if strings.TrimSpace(project.DefaultModel) == "" {
		return model.Ref{}
	}
	ref, err := model.Parse(project.DefaultModel)
	if err != nil {
		return model.Ref{}
	}
	return ref
}

// PathsConfig names the per-project state directories, relative to the project root.
type PathsConfig struct {
	Tasks   string `yaml:"tasks"`
	History string `yaml:"history"`
	Logs    string `yaml:"logs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures application logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// PromptConfig configures prompt assembly.
type PromptConfig struct {
	StageTemplate string `yaml:"stage_template"`
}

// Project looks up a configured project by id.
func (cfg Config) Project(id string) (Project, error) {
	trimmed := strings.TrimSpace(id)
	for _, project := range cfg.Projects {
		if project.ID == trimmed {
			return project, nil
		}
	}
	return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
}

// ProjectForPath returns the configured project rooted at path. When none is
// configured, an implicit project named after the directory is returned with
// default settings.
func (cfg Config) ProjectForPath(path string) Project {
	clean := filepath.Clean(path)
	for _, project := range cfg.Projects {
		if filepath.Clean(project.Path) == clean {
			return project
		}
	}
	return Project{
		ID:             filepath.Base(clean),
		Path:           clean,
		WorktreePrefix: defaultWorktreePrefix,
		AgentBinary:    cfg.Agent.Binary,
	}
}

// AgentBinaryFor returns the project override or the global agent binary.
func (cfg Config) AgentBinaryFor(project Project) string {
	if binary := strings.TrimSpace(project.AgentBinary); binary != "" {
		return binary
	}
	return cfg.Agent.Binary
}
