// Package templates tests embedded template loading and validation.
package templates

import (
	"bytes"
	"errors"
	"io/fs"
	"testing"
)

// TestReadRequiredTemplates ensures every stage prompt is embedded, ASCII and templated.
func TestReadRequiredTemplates(t *testing.T) {
	for _, name := range Required() {
		data, err := Read(name)
		if err != nil {
			t.Fatalf("expected template %s to load: %v", name, err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			t.Fatalf("expected template %s to be non-empty", name)
		}
		if !isASCII(data) {
			t.Fatalf("expected template %s to be ASCII", name)
		}
		if !bytes.Contains(data, []byte("{{taskId}}")) {
			t.Fatalf("expected template %s to reference the task id", name)
		}
	}
}

// TestStagePrompt ensures stage prompts resolve by lowercase stage name.
func TestStagePrompt(t *testing.T) {
	data, err := StagePrompt("implementation")
	if err != nil {
		t.Fatalf("StagePrompt error: %v", err)
	}
	if !bytes.Contains(data, []byte("{{branch}}")) {
		t.Fatalf("unexpected implementation prompt %q", data)
	}
	if _, err := StagePrompt("deploy"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

// TestReadInvalidName rejects invalid lookup keys.
func TestReadInvalidName(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"/stages/plan.md",
		"stages//plan.md",
		"stages/../stages/plan.md",
		"stages/./plan.md",
		"stages\\plan.md",
		"other/plan.md",
	}
	for _, name := range cases {
		if _, err := Read(name); err == nil {
			t.Fatalf("expected error for invalid name %q", name)
		}
	}
}

// isASCII reports whether all bytes are valid ASCII characters.
func isASCII(data []byte) bool {
	for _, b := range data {
		if b > 0x7f {
			return false
		}
	}
	return true
}
