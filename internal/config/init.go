// Package config provides project initialization helpers.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/smart-tinker/ncrew-sub000/internal/templates"
)

// projectLayout lists the directories created under the project state directory.
var projectLayout = []string{
	"tasks",
	"history",
	"logs",
	"stages",
	"templates",
	"worktrees",
}

// gitignoreContent keeps machine-local state out of the project history.
const gitignoreContent = "worktrees/\nlogs/\nworktrees.lock\naudit.log\n"

// InitOptions configures init-time behaviors such as verbose logging.
type InitOptions struct {
	Verbose bool
	Writer  io.Writer
}

func (opts InitOptions) logf(format string, args ...interface{}) {
	if !opts.Verbose {
		return
	}
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}
	fmt.Fprintf(writer, format+"\n", args...)
}

// InitProject creates the .ncrew layout, the default stage prompts and a
// project config file. It is idempotent and never overwrites existing files.
func InitProject(projectPath string, opts InitOptions) error {
	if projectPath == "" {
		return fmt.Errorf("project path cannot be empty")
	}
	stateDir := filepath.Join(projectPath, projectStateDirName)
	for _, dir := range projectLayout {
		if err := ensureDir(filepath.Join(stateDir, dir), opts); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if err := ensureStagePrompts(projectPath, opts); err != nil {
		return fmt.Errorf("create stage prompts: %w", err)
	}
	if err := ensureProjectConfig(projectPath, opts); err != nil {
		return fmt.Errorf("initialize config: %w", err)
	}
	gitignore := filepath.Join(stateDir, ".gitignore")
	if err := ensureFile(projectPath, gitignore, []byte(gitignoreContent), opts); err != nil {
		return fmt.Errorf("create gitignore: %w", err)
	}
	return nil
}

// ensureProjectConfig writes a commented starter config when none exists.
func ensureProjectConfig(projectPath string, opts InitOptions) error {
	defaults := Defaults()
	starter := map[string]any{
		"agent": map[string]any{
			"binary": defaults.Agent.Binary,
		},
		"prompt": map[string]any{
			"stage_template": "",
		},
	}
	data, err := yaml.Marshal(starter)
	if err != nil {
		return fmt.Errorf("marshal starter config: %w", err)
	}
	header := "# Project overrides for ncrew. Keys mirror ~/.config/ncrew/config.yaml.\n"
	return ensureFile(projectPath, ProjectConfigPath(projectPath), append([]byte(header), data...), opts)
}

// ensureStagePrompts copies the embedded stage prompts so they can be edited per project.
func ensureStagePrompts(projectPath string, opts InitOptions) error {
	stagesDir := filepath.Join(projectPath, projectStateDirName, "stages")
	for _, name := range templates.Required() {
		data, err := templates.Read(name)
		if err != nil {
			return fmt.Errorf("read embedded stage prompt %s: %w", name, err)
		}
		target := filepath.Join(stagesDir, path.Base(name))
		if err := ensureFile(projectPath, target, data, opts); err != nil {
			return err
		}
	}
	return nil
}

func ensureDir(path string, opts InitOptions) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	opts.logf("created directory %s", path)
	return nil
}

// ensureFile writes data to target unless the file already exists.
func ensureFile(projectPath string, target string, data []byte, opts InitOptions) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", target, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	opts.logf("created file %s", projectRelativePath(projectPath, target))
	return nil
}

func projectRelativePath(projectPath, target string) string {
	rel, err := filepath.Rel(projectPath, target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}
