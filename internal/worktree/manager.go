// Package worktree provisions the per-task git worktrees agents run in.
package worktree

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/smart-tinker/ncrew-sub000/internal/audit"
	"github.com/smart-tinker/ncrew-sub000/internal/logging"
	"github.com/smart-tinker/ncrew-sub000/internal/repolock"
	"github.com/smart-tinker/ncrew-sub000/internal/slug"
	"github.com/smart-tinker/ncrew-sub000/internal/task"
)

const (
	// worktreesDirName is the project-relative directory holding task worktrees.
	worktreesDirName = ".ncrew/worktrees"
	// metadataDirName holds per-task worktree metadata inside worktreesDirName.
	metadataDirName = "meta"
	// worktreesDirMode defines permissions for worktree state directories.
	worktreesDirMode = 0o755
	// metadataFileMode defines permissions for metadata files.
	metadataFileMode = 0o644
	// DefaultPrefix is the branch prefix used when a project sets none.
	DefaultPrefix = "task-"
)

// Runner executes git commands. It returns stdout and an error carrying
// stderr when git exits non-zero.
type Runner interface {
	Git(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs the git binary found on PATH.
type ExecRunner struct{}

// Handle describes a task worktree.
type Handle struct {
	Branch       string
	Path         string
	RelativePath string
	Reused       bool
}

// ProvisioningError reports a failed worktree operation. The run that asked
// for the worktree is aborted before anything is spawned.
type ProvisioningError struct {
	TaskID  string
	Op      string
	Command []string
	Err     error
}

// Error implements error.
func (err *ProvisioningError) Error() string {
	if len(err.Command) > 0 {
		return fmt.Sprintf("provision workspace for task %s: %s: git %s: %v", err.TaskID, err.Op, strings.Join(err.Command, " "), err.Err)
	}
	return fmt.Sprintf("provision workspace for task %s: %s: %v", err.TaskID, err.Op, err.Err)
}

// Unwrap returns the underlying failure.
func (err *ProvisioningError) Unwrap() error {
	return err.Err
}

// Options configures a Manager.
type Options struct {
	Runner Runner
	Logger logrus.FieldLogger
}

// Manager coordinates creation and reuse of task worktrees.
type Manager struct {
	runner Runner
	logger logrus.FieldLogger
}

// NewManager builds a Manager. A nil Runner uses the git binary.
func NewManager(options Options) Manager {
	runner := options.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return Manager{runner: runner, logger: logging.OrDiscard(options.Logger)}
}

// BranchName returns the deterministic branch for a task under prefix.
func BranchName(prefix string, taskID string) string {
	return prefix + slug.RefComponent(taskID)
}

// Ensure returns the worktree for a task, creating it on first use. A task
// keeps the worktree recorded in its metadata even after the project prefix
// changes. Calls for one repository are serialized by the repository lock.
func (manager Manager) Ensure(ctx context.Context, projectPath string, taskID string, prefix string) (Handle, error) {
	fail := func(op string, err error) (Handle, error) {
		return Handle{}, &ProvisioningError{TaskID: taskID, Op: op, Err: err}
	}
	if strings.TrimSpace(projectPath) == "" {
		return fail("validate", errors.New("project path is required"))
	}
	if err := task.ValidateID(taskID); err != nil {
		return fail("validate", err)
	}
	root, err := filepath.Abs(projectPath)
	if err != nil {
		return fail("resolve project path", err)
	}

	lock, err := repolock.Acquire(ctx, root)
	if err != nil {
		return fail("lock repository", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			manager.logger.WithError(err).Warn("release repository lock")
		}
	}()

	registered, err := manager.list(ctx, root, taskID)
	if err != nil {
		return Handle{}, err
	}

	handle, found, err := manager.fromMetadata(root, taskID, registered)
	if err != nil {
		return fail("read metadata", err)
	}
	if !found {
		branch := BranchName(prefix, taskID)
		if err := validateBranch(branch); err != nil {
			return fail("derive branch", err)
		}
		if entry, ok := registered.byBranch(branch); ok {
			handle = Handle{Branch: branch, Path: entry.path, Reused: true}
		} else {
			handle, err = manager.add(ctx, root, taskID, branch)
			if err != nil {
				return Handle{}, err
			}
		}
	}

	handle.Path = canonicalPath(handle.Path)
	handle.RelativePath, err = projectRelativePath(root, handle.Path)
	if err != nil {
		return fail("resolve relative path", err)
	}
	if err := writeMetadata(root, taskID, metadata{WorktreeRelPath: handle.RelativePath, Branch: handle.Branch}); err != nil {
		return fail("write metadata", err)
	}

	auditLogger, err := audit.NewLogger(root, logging.WarnSink(manager.logger))
	if err == nil {
		_ = auditLogger.LogWorkspace(taskID, handle.Reused, handle.RelativePath, handle.Branch)
	}
	manager.logger.WithFields(logrus.Fields{
		"task":   taskID,
		"branch": handle.Branch,
		"path":   handle.Path,
		"reused": handle.Reused,
	}).Debug("workspace ready")
	return handle, nil
}

// WorktreePath returns the default location for a branch's worktree.
func WorktreePath(projectPath string, branch string) string {
	return filepath.Join(projectPath, filepath.FromSlash(worktreesDirName), filepath.FromSlash(branch))
}

// add creates the worktree, reusing the branch when it survived an earlier
// worktree removal.
func (manager Manager) add(ctx context.Context, root string, taskID string, branch string) (Handle, error) {
	target := WorktreePath(root, branch)
	if err := os.MkdirAll(filepath.Dir(target), worktreesDirMode); err != nil {
		return Handle{}, &ProvisioningError{TaskID: taskID, Op: "create worktree directory", Err: err}
	}

	exists, err := manager.branchExists(ctx, root, taskID, branch)
	if err != nil {
		return Handle{}, err
	}
	args := []string{"worktree", "add", "-b", branch, target}
	if exists {
		args = []string{"worktree", "add", target, branch}
	}
	if _, err := manager.git(ctx, root, taskID, "add worktree", args...); err != nil {
		return Handle{}, err
	}
	return Handle{Branch: branch, Path: target, Reused: false}, nil
}

// branchExists reports whether a local branch exists in the repository.
func (manager Manager) branchExists(ctx context.Context, root string, taskID string, branch string) (bool, error) {
	args := []string{"show-ref", "--verify", "--quiet", "refs/heads/" + branch}
	_, err := manager.runner.Git(ctx, root, args...)
	if err == nil {
		return true, nil
	}
	if isExitStatus(err, 1) {
		return false, nil
	}
	return false, &ProvisioningError{TaskID: taskID, Op: "check branch", Command: args, Err: err}
}

// fromMetadata returns the worktree recorded for the task when git still lists it.
func (manager Manager) fromMetadata(root string, taskID string, registered worktreeList) (Handle, bool, error) {
	meta, ok, err := readMetadata(root, taskID)
	if err != nil || !ok || meta.WorktreeRelPath == "" {
		return Handle{}, false, err
	}
	path := filepath.Join(root, filepath.FromSlash(meta.WorktreeRelPath))
	entry, ok := registered.byPath(path)
	if !ok {
		manager.logger.WithFields(logrus.Fields{"task": taskID, "path": path}).Info("recorded workspace no longer registered")
		return Handle{}, false, nil
	}
	branch := entry.branch
	if branch == "" {
		branch = meta.Branch
	}
	return Handle{Branch: branch, Path: entry.path, Reused: true}, true, nil
}

// worktreeEntry is one record of `git worktree list --porcelain`.
type worktreeEntry struct {
	path   string
	branch string
}

// worktreeList holds the worktrees registered in a repository.
type worktreeList []worktreeEntry

// list reads the registered worktrees other than the main checkout.
func (manager Manager) list(ctx context.Context, root string, taskID string) (worktreeList, error) {
	output, err := manager.git(ctx, root, taskID, "list worktrees", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	main := canonicalPath(root)
	var entries worktreeList
	for _, entry := range parsePorcelain(output) {
		if canonicalPath(entry.path) != main {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// parsePorcelain decodes porcelain worktree output. Records are separated by
// blank lines; prunable worktrees whose directory is gone are skipped.
func parsePorcelain(output string) worktreeList {
	var entries worktreeList
	var current *worktreeEntry
	flush := func() {
		if current != nil && current.path != "" {
			if _, err := os.Stat(current.path); err == nil {
				entries = append(entries, *current)
			}
		}
		current = nil
	}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &worktreeEntry{path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return entries
}

// byBranch finds the worktree checked out on branch.
func (list worktreeList) byBranch(branch string) (worktreeEntry, bool) {
	for _, entry := range list {
		if entry.branch == branch {
			return entry, true
		}
	}
	return worktreeEntry{}, false
}

// byPath finds the worktree registered at path.
func (list worktreeList) byPath(path string) (worktreeEntry, bool) {
	want := canonicalPath(path)
	for _, entry := range list {
		if canonicalPath(entry.path) == want {
			return entry, true
		}
	}
	return worktreeEntry{}, false
}

// metadata records the worktree chosen for a task.
type metadata struct {
	WorktreeRelPath string `json:"worktree_rel_path"`
	Branch          string `json:"branch,omitempty"`
}

// metadataFilePath returns the metadata location for a task.
func metadataFilePath(root string, taskID string) string {
	return filepath.Join(root, filepath.FromSlash(worktreesDirName), metadataDirName, taskID+".json")
}

// readMetadata loads the task metadata when present.
func readMetadata(root string, taskID string) (metadata, bool, error) {
	metaPath := metadataFilePath(root, taskID)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return metadata{}, false, nil
		}
		return metadata{}, false, fmt.Errorf("read metadata %s: %w", metaPath, err)
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return metadata{}, false, fmt.Errorf("decode metadata %s: %w", metaPath, err)
	}
	return meta, true, nil
}

// writeMetadata persists the task metadata.
func writeMetadata(root string, taskID string, meta metadata) error {
	metaPath := metadataFilePath(root, taskID)
	if err := os.MkdirAll(filepath.Dir(metaPath), worktreesDirMode); err != nil {
		return fmt.Errorf("create metadata directory %s: %w", filepath.Dir(metaPath), err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", metaPath, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(metaPath, data, metadataFileMode); err != nil {
		return fmt.Errorf("write metadata %s: %w", metaPath, err)
	}
	return nil
}

// validateBranch rejects branches that cannot live under the worktrees directory.
func validateBranch(branch string) error {
	if strings.TrimSpace(branch) == "" || strings.HasSuffix(branch, "/") {
		return fmt.Errorf("branch %q is empty after sanitizing", branch)
	}
	if branch == metadataDirName || strings.HasPrefix(branch, metadataDirName+"/") {
		return fmt.Errorf("branch %q collides with the metadata directory", branch)
	}
	if strings.Contains(branch, "..") || strings.HasPrefix(branch, "/") {
		return fmt.Errorf("branch %q is not a valid ref", branch)
	}
	return nil
}

// canonicalPath resolves symlinks so git's paths compare equal to ours.
func canonicalPath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// projectRelativePath returns a project-relative path using forward slashes.
func projectRelativePath(root string, path string) (string, error) {
	rel, err := filepath.Rel(canonicalPath(root), canonicalPath(path))
	if err != nil {
		return "", fmt.Errorf("resolve relative path for %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}

// git runs a git command and wraps failures as ProvisioningError.
func (manager Manager) git(ctx context.Context, root string, taskID string, op string, args ...string) (string, error) {
	manager.logger.WithFields(logrus.Fields{"task": taskID, "args": strings.Join(args, " ")}).Debug("git")
	output, err := manager.runner.Git(ctx, root, args...)
	if err != nil {
		return "", &ProvisioningError{TaskID: taskID, Op: op, Command: args, Err: err}
	}
	return output, nil
}

// Git runs git in dir.
func (ExecRunner) Git(ctx context.Context, dir string, args ...string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("git directory is required")
	}
	if len(args) == 0 {
		return "", errors.New("git arguments are required")
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// isExitStatus reports whether the error is an exec.ExitError with the given status.
func isExitStatus(err error, status int) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return exitErr.ExitCode() == status
}
