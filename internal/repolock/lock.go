// Package repolock serializes worktree changes within one repository.
package repolock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// stateDirName is the relative path for orchestrator state.
	stateDirName = ".ncrew"
	// lockFileName is the filename used for worktree locking.
	lockFileName = "worktrees.lock"
	// lockFileMode defines the permissions for the lock file.
	lockFileMode = 0o644
	// stateDirMode defines the permissions for the state directory.
	stateDirMode = 0o755
	// pollInterval is how often a waiting caller retries the lock.
	pollInterval = 25 * time.Millisecond
)

// ErrLockHeld is returned when the context ends while another holder keeps the lock.
var ErrLockHeld = errors.New("repository lock already held")

// Lock holds the acquired repository lock file handle.
type Lock struct {
	file *os.File
	path string
}

// Path returns the lock file location for a project.
func Path(projectPath string) string {
	return filepath.Join(projectPath, stateDirName, lockFileName)
}

// Acquire waits for the repository lock until ctx ends. The lock is an
// advisory flock, so it also serializes goroutines of one process that open
// the file separately.
func Acquire(ctx context.Context, projectPath string) (*Lock, error) {
	if strings.TrimSpace(projectPath) == "" {
		return nil, errors.New("project path is required")
	}

	lockPath := Path(projectPath)
	if err := os.MkdirAll(filepath.Dir(lockPath), stateDirMode); err != nil {
		return nil, fmt.Errorf("create repository lock directory %s: %w", filepath.Dir(lockPath), err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open repository lock %s: %w", lockPath, err)
	}

	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if !isLockBusy(err) {
			_ = file.Close()
			return nil, fmt.Errorf("lock repository lock %s: %w", lockPath, err)
		}
		select {
		case <-ctx.Done():
			_ = file.Close()
			return nil, fmt.Errorf("%w: %v", ErrLockHeld, formatHeldLockError(lockPath, ctx.Err()))
		case <-time.After(pollInterval):
		}
	}

	info := lockInfo{pid: os.Getpid(), startedAt: time.Now().UTC()}
	if err := writeLockInfo(file, info); err != nil {
		_ = releaseFileLock(file)
		_ = file.Close()
		return nil, err
	}
	return &Lock{file: file, path: lockPath}, nil
}

// Release unlocks the repository lock. The file is left in place so waiters
// always contend on the same inode.
func (lock *Lock) Release() error {
	if lock == nil || lock.file == nil {
		return nil
	}
	_ = lock.file.Truncate(0)
	if err := releaseFileLock(lock.file); err != nil {
		_ = lock.file.Close()
		lock.file = nil
		return err
	}
	err := lock.file.Close()
	lock.file = nil
	return err
}

// lockInfo captures metadata written to the lock file.
type lockInfo struct {
	pid       int
	startedAt time.Time
}

// formatHeldLockError builds a lock-held error message with holder metadata when available.
func formatHeldLockError(lockPath string, cause error) error {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return fmt.Errorf("repository lock %s is held: %v", lockPath, cause)
	}
	info, err := parseLockInfo(data)
	if err != nil {
		return fmt.Errorf("repository lock %s is held: %v", lockPath, cause)
	}
	return fmt.Errorf("repository lock %s is held by pid %d since %s: %v",
		lockPath, info.pid, info.startedAt.Format(time.RFC3339), cause)
}

// parseLockInfo reads pid and timestamp metadata from the lock file.
func parseLockInfo(data []byte) (lockInfo, error) {
	info := lockInfo{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if value, ok := strings.CutPrefix(line, "pid="); ok {
			pid, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || pid <= 0 {
				return lockInfo{}, fmt.Errorf("parse pid %q", value)
			}
			info.pid = pid
			continue
		}
		if value, ok := strings.CutPrefix(line, "started_at="); ok {
			parsed, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return lockInfo{}, fmt.Errorf("parse started_at: %w", err)
			}
			info.startedAt = parsed
		}
	}
	if info.pid == 0 {
		return lockInfo{}, errors.New("missing pid")
	}
	if info.startedAt.IsZero() {
		return lockInfo{}, errors.New("missing started_at")
	}
	return info, nil
}

// writeLockInfo truncates and writes holder metadata to the lock file.
func writeLockInfo(file *os.File, info lockInfo) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate repository lock: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek repository lock: %w", err)
	}
	payload := fmt.Sprintf("pid=%d\nstarted_at=%s\n", info.pid, info.startedAt.Format(time.RFC3339))
	if _, err := file.WriteString(payload); err != nil {
		return fmt.Errorf("write repository lock: %w", err)
	}
	return nil
}

// releaseFileLock unlocks an advisory lock on the file.
func releaseFileLock(file *os.File) error {
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock repository lock: %w", err)
	}
	return nil
}

// isLockBusy returns true when the lock is already held elsewhere.
func isLockBusy(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
