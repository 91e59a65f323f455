// Package runlock marks which processes own live agent runs for a project.
//
// Every process that launches runs holds a shared lock on .ncrew/runs.lock
// for as long as it lives. Orphan recovery needs the lock exclusively, so it
// refuses to touch In Progress records while another process may still be
// supervising them.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	// stateDirName is the relative path for orchestrator state.
	stateDirName = ".ncrew"
	// lockFileName is the filename used for run ownership.
	lockFileName = "runs.lock"
	// lockFileMode defines the permissions for the lock file.
	lockFileMode = 0o644
	// stateDirMode defines the permissions for the state directory.
	stateDirMode = 0o755
	// pollInterval is how often a waiting owner retries the shared lock.
	pollInterval = 25 * time.Millisecond
)

// ErrLockHeld is returned when another process owns runs in the project.
var ErrLockHeld = errors.New("runs are owned by another ncrew process")

// Lock holds the run ownership lock file handle.
type Lock struct {
	file *os.File
	path string
}

// Path returns the lock file location for a project.
func Path(projectPath string) string {
	return filepath.Join(projectPath, stateDirName, lockFileName)
}

// AcquireShared registers the caller as a run owner, waiting out any
// recovery in progress until ctx ends.
func AcquireShared(ctx context.Context, projectPath string) (*Lock, error) {
	lock, err := open(projectPath)
	if err != nil {
		return nil, err
	}
	for {
		err := flock(lock.file, syscall.LOCK_SH|syscall.LOCK_NB)
		if err == nil {
			return lock, nil
		}
		if !isLockBusy(err) {
			_ = lock.file.Close()
			return nil, fmt.Errorf("lock run owners %s: %w", lock.path, err)
		}
		select {
		case <-ctx.Done():
			_ = lock.file.Close()
			return nil, fmt.Errorf("lock run owners %s: %w", lock.path, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// AcquireExclusive takes the lock only when no other process owns runs.
func AcquireExclusive(projectPath string) (*Lock, error) {
	lock, err := open(projectPath)
	if err != nil {
		return nil, err
	}
	if err := lock.Exclusive(); err != nil {
		_ = lock.file.Close()
		return nil, err
	}
	return lock, nil
}

// Exclusive converts a held lock to exclusive without waiting. It fails with
// ErrLockHeld while any other holder remains.
func (lock *Lock) Exclusive() error {
	err := flock(lock.file, syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return nil
	}
	if isLockBusy(err) {
		return fmt.Errorf("%w: %s", ErrLockHeld, lock.path)
	}
	return fmt.Errorf("lock run owners %s: %w", lock.path, err)
}

// Shared converts an exclusive lock back to a shared one.
func (lock *Lock) Shared() error {
	if err := flock(lock.file, syscall.LOCK_SH); err != nil {
		return fmt.Errorf("share run owners lock %s: %w", lock.path, err)
	}
	return nil
}

// Release drops the lock. The file stays in place so every process contends
// on the same inode.
func (lock *Lock) Release() error {
	if lock == nil || lock.file == nil {
		return nil
	}
	unlockErr := flock(lock.file, syscall.LOCK_UN)
	closeErr := lock.file.Close()
	lock.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock run owners %s: %w", lock.path, unlockErr)
	}
	return closeErr
}

// open creates the state directory and opens the lock file.
func open(projectPath string) (*Lock, error) {
	if strings.TrimSpace(projectPath) == "" {
		return nil, errors.New("project path is required")
	}
	lockPath := Path(projectPath)
	if err := os.MkdirAll(filepath.Dir(lockPath), stateDirMode); err != nil {
		return nil, fmt.Errorf("create run lock directory %s: %w", filepath.Dir(lockPath), err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open run lock %s: %w", lockPath, err)
	}
	return &Lock{file: file, path: lockPath}, nil
}

func flock(file *os.File, how int) error {
	return syscall.Flock(int(file.Fd()), how)
}

// isLockBusy returns true when the lock is already held elsewhere.
func isLockBusy(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
