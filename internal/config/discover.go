package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoProjectRoot is returned when no project root can be discovered.
var ErrNoProjectRoot = errors.New("no project root found")

// DiscoverProjectRoot walks upward from start and returns the nearest
// directory holding a .ncrew state directory. When none exists the nearest
// git repository root is returned instead, so ncrew can run in a repository
// that was never initialized.
func DiscoverProjectRoot(start string) (string, error) {
	if start == "" {
		return "", fmt.Errorf("%w: provide a start directory", ErrNoProjectRoot)
	}
	absStart, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", start, err)
	}
	absStart, err = filepath.EvalSymlinks(absStart)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks for %s: %w", absStart, err)
	}

	gitRoot := ""
	for current := absStart; ; {
		if found, err := hasEntry(current, projectStateDirName, true); err != nil {
			return "", err
		} else if found {
			return current, nil
		}
		if gitRoot == "" {
			found, err := hasEntry(current, ".git", false)
			if err != nil {
				return "", err
			}
			if found {
				gitRoot = current
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	if gitRoot != "" {
		return gitRoot, nil
	}
	return "", fmt.Errorf("%w from %s; run inside a git repository", ErrNoProjectRoot, absStart)
}

// hasEntry reports whether dir contains name. dirOnly restricts matches to directories.
func hasEntry(dir string, name string, dirOnly bool) (bool, error) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if dirOnly {
		return info.IsDir(), nil
	}
	return true, nil
}
