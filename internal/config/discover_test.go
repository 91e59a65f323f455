// Tests for project root discovery.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestDiscoverProjectRootPrefersStateDir verifies the nearest .ncrew directory wins over the git root.
func TestDiscoverProjectRootPrefersStateDir(t *testing.T) {
	root := t.TempDir()
	mkdirAll(t, filepath.Join(root, ".git"))
	project := filepath.Join(root, "services", "api")
	mkdirAll(t, filepath.Join(project, ".ncrew"))
	nested := filepath.Join(project, "cmd", "server")
	mkdirAll(t, nested)

	got, err := DiscoverProjectRoot(nested)
	if err != nil {
		t.Fatalf("discover root: %v", err)
	}
	if want := canonicalPath(t, project); got != want {
		t.Fatalf("project root = %s, want %s", got, want)
	}
}

// TestDiscoverProjectRootFallsBackToGit verifies an uninitialized repository resolves to its git root.
func TestDiscoverProjectRootFallsBackToGit(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".git"), []byte("gitdir: /tmp/nowhere\n"), 0o644); err != nil {
		t.Fatalf("write .git: %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	mkdirAll(t, nested)

	got, err := DiscoverProjectRoot(nested)
	if err != nil {
		t.Fatalf("discover root: %v", err)
	}
	if want := canonicalPath(t, root); got != want {
		t.Fatalf("project root = %s, want %s", got, want)
	}
}

// TestDiscoverProjectRootMissing verifies a clear error outside any project.
func TestDiscoverProjectRootMissing(t *testing.T) {
	if _, err := DiscoverProjectRoot(""); !errors.Is(err, ErrNoProjectRoot) {
		t.Fatalf("expected ErrNoProjectRoot, got %v", err)
	}
}

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func canonicalPath(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("eval symlinks %s: %v", path, err)
	}
	return resolved
}
