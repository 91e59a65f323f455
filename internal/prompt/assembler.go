// Package prompt builds the instruction text handed to the coding agent.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/sirupsen/logrus"

	"github.com/smart-tinker/ncrew-sub000/internal/logging"
	"github.com/smart-tinker/ncrew-sub000/internal/stage"
	"github.com/smart-tinker/ncrew-sub000/internal/templates"
)

const (
	// stagesDirName holds project stage prompt overrides.
	stagesDirName = ".ncrew/stages"
	// templatesDirName holds project templates that can be copied into workspaces.
	templatesDirName = ".ncrew/templates"
	// materializedDirMode defines permissions for copied template directories.
	materializedDirMode = 0o755
	// materializedFileMode defines permissions for copied templates.
	materializedFileMode = 0o644
	// rewriteTimeout bounds a single reference rewrite.
	rewriteTimeout = time.Second

	// DefaultInstruction is used when neither the project nor the binary carries a stage prompt.
	DefaultInstruction = "Work on task {{taskId}} ({{title}}) for the {{stage}} stage.\n\n{{body}}\n"
)

// Variable names available to stage prompts.
const (
	VarTaskID    = "taskId"
	VarTitle     = "title"
	VarStage     = "stage"
	VarBody      = "body"
	VarTaskFile  = "taskFile"
	VarWorkspace = "workspace"
	VarBranch    = "branch"
	VarTemplate  = "template"
)

// Options configures an Assembler.
type Options struct {
	// StageTemplate names a file under .ncrew/templates copied into every workspace.
	StageTemplate string
	// HomeDir overrides the home directory used to recognize "~/" references.
	HomeDir string
	Logger  logrus.FieldLogger
}

// Assembler resolves stage prompts for one project.
type Assembler struct {
	projectPath   string
	stageTemplate string
	homeDir       string
	logger        logrus.FieldLogger
}

// Input carries the task details substituted into the prompt.
type Input struct {
	TaskID        string
	Title         string
	Stage         stage.Stage
	Body          string
	TaskFile      string
	WorkspacePath string
	Branch        string
}

// NewAssembler builds an Assembler for the project at projectPath.
func NewAssembler(projectPath string, options Options) Assembler {
	home := options.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return Assembler{
		projectPath:   projectPath,
		stageTemplate: strings.TrimSpace(options.StageTemplate),
		homeDir:       home,
		logger:        logging.OrDiscard(options.Logger),
	}
}

// Assemble renders the full prompt for a run.
func (assembler Assembler) Assemble(input Input) (string, error) {
	if strings.TrimSpace(input.TaskID) == "" {
		return "", errors.New("task id is required")
	}
	text := assembler.ResolveStagePrompt(input.Stage)

	vars := map[string]string{
		VarTaskID:    input.TaskID,
		VarTitle:     input.Title,
		VarStage:     string(input.Stage),
		VarBody:      strings.TrimRight(input.Body, "\n"),
		VarTaskFile:  input.TaskFile,
		VarWorkspace: input.WorkspacePath,
		VarBranch:    input.Branch,
	}
	if assembler.stageTemplate != "" && input.WorkspacePath != "" {
		relPath, rewritten := assembler.MaterializeTemplate(input.WorkspacePath, assembler.stageTemplate, text)
		text = rewritten
		if relPath != "" {
			vars[VarTemplate] = relPath
		}
	}
	return Substitute(text, vars), nil
}

// ResolveStagePrompt returns the project override for the stage, the embedded
// default, or DefaultInstruction, in that order.
func (assembler Assembler) ResolveStagePrompt(current stage.Stage) string {
	lower := current.Lower()
	if assembler.projectPath != "" {
		dir := filepath.Join(assembler.projectPath, filepath.FromSlash(stagesDirName))
		for _, name := range []string{lower + ".md", string(current) + ".md"} {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err == nil && strings.TrimSpace(string(data)) != "" {
				return string(data)
			}
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				assembler.logger.WithError(err).WithField("stage", current).Warn("read stage prompt")
			}
		}
	}
	if data, err := templates.StagePrompt(lower); err == nil {
		return string(data)
	}
	return DefaultInstruction
}

// Substitute replaces every {{name}} with its value. Unknown placeholders are left intact.
func Substitute(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// MaterializeTemplate copies a project template into the workspace and
// rewrites absolute or "~/" references to it in text to the workspace-relative
// path. On failure the text is returned unchanged with an empty path.
func (assembler Assembler) MaterializeTemplate(workspacePath string, templateName string, text string) (string, string) {
	entry := assembler.logger.WithFields(logrus.Fields{"template": templateName, "workspace": workspacePath})
	name, err := cleanTemplateName(templateName)
	if err != nil {
		entry.WithError(err).Warn("skip template")
		return "", text
	}
	source := filepath.Join(assembler.projectPath, filepath.FromSlash(templatesDirName), filepath.FromSlash(name))
	data, err := os.ReadFile(source)
	if err != nil {
		entry.WithError(err).Warn("read template")
		return "", text
	}

	relPath := path.Join(templatesDirName, name)
	target := filepath.Join(workspacePath, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(target), materializedDirMode); err != nil {
		entry.WithError(err).Warn("create template directory")
		return "", text
	}
	if err := os.WriteFile(target, data, materializedFileMode); err != nil {
		entry.WithError(err).Warn("write template")
		return "", text
	}

	rewritten, err := rewriteReferences(text, assembler.referenceForms(source), relPath)
	if err != nil {
		entry.WithError(err).Warn("rewrite template references")
		return relPath, text
	}
	return relPath, rewritten
}

// referenceForms lists the spellings a prompt may use for the source template.
func (assembler Assembler) referenceForms(source string) []string {
	forms := []string{source}
	if resolved, err := filepath.EvalSymlinks(source); err == nil && resolved != source {
		forms = append(forms, resolved)
	}
	if assembler.homeDir != "" {
		for _, form := range append([]string(nil), forms...) {
			if rel, err := filepath.Rel(assembler.homeDir, form); err == nil && !strings.HasPrefix(rel, "..") {
				forms = append(forms, "~/"+filepath.ToSlash(rel))
			}
		}
	}
	return forms
}

// rewriteReferences replaces whole-path occurrences of any form with relPath.
// The lookbehind keeps longer paths that merely end with a form untouched.
func rewriteReferences(text string, forms []string, relPath string) (string, error) {
	alternatives := make([]string, 0, len(forms))
	for _, form := range forms {
		alternatives = append(alternatives, regexp2.Escape(form))
	}
	pattern := `(?<![\w./~-])(?:` + strings.Join(alternatives, "|") + `)(?![\w/-]|\.\w)`
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return "", fmt.Errorf("compile reference pattern: %w", err)
	}
	re.MatchTimeout = rewriteTimeout
	replaced, err := re.Replace(text, strings.ReplaceAll(relPath, "$", "$$"), -1, -1)
	if err != nil {
		return "", fmt.Errorf("replace template references: %w", err)
	}
	return replaced, nil
}

// cleanTemplateName validates a template name relative to the templates directory.
func cleanTemplateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New("template name is required")
	}
	if strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, "\\") {
		return "", fmt.Errorf("template name %q must be a relative slash path", name)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("template name %q has an invalid segment", name)
		}
	}
	return path.Clean(trimmed), nil
}
