// Package templates provides the embedded default stage prompts.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

const stagesRoot = "stages"

//go:embed stages/*.md
var embeddedFS embed.FS

var requiredTemplates = []string{
	"stages/specification.md",
	"stages/plan.md",
	"stages/implementation.md",
	"stages/verification.md",
}

// Required returns the lookup keys of every embedded stage prompt.
func Required() []string {
	return append([]string(nil), requiredTemplates...)
}

// StagePrompt returns the default prompt for a stage given by its lowercase name.
func StagePrompt(stageLower string) ([]byte, error) {
	return Read(stagesRoot + "/" + strings.TrimSpace(stageLower) + ".md")
}

// Read returns the embedded template contents for the provided lookup key.
func Read(name string) ([]byte, error) {
	cleaned, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}

	data, err := fs.ReadFile(embeddedFS, cleaned)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", cleaned, err)
	}
	return data, nil
}

// sanitizeName validates and normalizes template lookup keys.
func sanitizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New("template name is required")
	}
	if strings.HasPrefix(trimmed, "/") {
		return "", errors.New("template name must be relative")
	}
	if strings.Contains(trimmed, "\\") {
		return "", errors.New("template name must use forward slashes")
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" {
			return "", errors.New("template name must not contain empty segments")
		}
		if segment == "." || segment == ".." {
			return "", errors.New("template name must not include dot segments")
		}
	}

	cleaned := path.Clean(trimmed)
	if !strings.HasPrefix(cleaned, stagesRoot+"/") {
		return "", errors.New("template name must start with stages/")
	}
	return cleaned, nil
}
