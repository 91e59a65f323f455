// Package stage defines the four-stage task workflow and its transition guards.
package stage

import (
	"errors"
	"fmt"
	"strings"
)

// Stage labels one of the sequential task workflow phases.
type Stage string

const (
	// Specification is the first stage; tasks start here.
	Specification Stage = "Specification"
	// Plan follows Specification.
	Plan Stage = "Plan"
	// Implementation follows Plan.
	Implementation Stage = "Implementation"
	// Verification is the final stage.
	Verification Stage = "Verification"
)

// Status labels the run status of a task within its current stage.
type Status string

const (
	// StatusNew indicates no run has happened in the current stage.
	StatusNew Status = "New"
	// StatusInProgress indicates a run is active.
	StatusInProgress Status = "In Progress"
	// StatusDone indicates the last run succeeded.
	StatusDone Status = "Done"
	// StatusFailed indicates the last run failed, crashed or was stopped.
	StatusFailed Status = "Failed"
)

var (
	// ErrNotDone is returned when advancing a task whose status is not Done.
	ErrNotDone = errors.New("task status must be Done to advance")
	// ErrFinalStage is returned when advancing a task already in Verification.
	ErrFinalStage = errors.New("task is already in the final stage")
)

// order lists stages in workflow order.
var order = []Stage{Specification, Plan, Implementation, Verification}

// allowedTransitions defines the permitted stage changes. The workflow is
// linear with no cycles.
var allowedTransitions = map[Stage]Stage{
	Specification:  Plan,
	Plan:           Implementation,
	Implementation: Verification,
}

// All returns the stages in workflow order.
func All() []Stage {
	return append([]Stage(nil), order...)
}

// Valid reports whether the stage is one of the known stages.
func (s Stage) Valid() bool {
	for _, candidate := range order {
		if candidate == s {
			return true
		}
	}
	return false
}

// Lower returns the lowercase stage name used in file names.
func (s Stage) Lower() string {
	return strings.ToLower(string(s))
}

// Valid reports whether the status is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusDone, StatusFailed:
		return true
	}
	return false
}

// ParseStage resolves a stage name case-insensitively. Empty input yields
// Specification so tasks without a header start at the beginning.
func ParseStage(value string) (Stage, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Specification, nil
	}
	for _, candidate := range order {
		if strings.EqualFold(string(candidate), trimmed) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", value)
}

// ParseStatus resolves a status name case-insensitively, accepting the
// hyphenated and underscored spellings of In Progress. Empty input yields New.
func ParseStatus(value string) (Status, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return StatusNew, nil
	}
	normalized := strings.NewReplacer("-", " ", "_", " ").Replace(trimmed)
	for _, candidate := range []Status{StatusNew, StatusInProgress, StatusDone, StatusFailed} {
		if strings.EqualFold(string(candidate), normalized) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", value)
}

// IsValidTransition reports whether the workflow allows moving from one stage to another.
func IsValidTransition(from Stage, to Stage) bool {
	next, ok := allowedTransitions[from]
	return ok && next == to
}

// Next returns the stage that follows current together with the reset status.
// Advancing requires status Done; Verification has no successor.
func Next(current Stage, status Status) (Stage, Status, error) {
	if !current.Valid() {
		return current, status, fmt.Errorf("unknown stage %q", current)
	}
	next, ok := allowedTransitions[current]
	if !ok {
		return current, status, ErrFinalStage
	}
	if status != StatusDone {
		return current, status, fmt.Errorf("%w: status is %q", ErrNotDone, status)
	}
	return next, StatusNew, nil
}
