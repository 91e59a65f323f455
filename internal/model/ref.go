// Package model identifies the agent model selected for a run.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is returned for selections that are not in provider/model form.
var ErrInvalid = errors.New("invalid model selection")

// Ref names a model as provider plus model name.
type Ref struct {
	Provider string `json:"provider" yaml:"provider"`
	Name     string `json:"name" yaml:"name"`
}

// Parse splits a "provider/model" selection. The model name may itself
// contain slashes; only the first one separates the provider.
func Parse(value string) (Ref, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Ref{}, fmt.Errorf("%w: model selection is required", ErrInvalid)
	}
	provider, name, ok := strings.Cut(trimmed, "/")
	if !ok || strings.TrimSpace(provider) == "" || strings.TrimSpace(name) == "" {
		return Ref{}, fmt.Errorf("%w: %q must be in provider/model form", ErrInvalid, value)
	}
	return Ref{Provider: strings.TrimSpace(provider), Name: strings.TrimSpace(name)}, nil
}

// String renders the selection in the provider/model form passed to the agent.
func (ref Ref) String() string {
	if ref.IsZero() {
		return ""
	}
	return ref.Provider + "/" + ref.Name
}

// IsZero reports whether no model is selected.
func (ref Ref) IsZero() bool {
	return ref.Provider == "" && ref.Name == ""
}
