// Tests for run ownership locking.
package runlock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// TestSharedOwnersCoexist verifies several owners hold the lock together and
// block exclusive recovery until the last one leaves.
func TestSharedOwnersCoexist(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireShared(context.Background(), dir)
	if err != nil {
		t.Fatalf("acquire first: %v", err)
	}
	second, err := AcquireShared(context.Background(), dir)
	if err != nil {
		t.Fatalf("acquire second: %v", err)
	}

	if _, err := AcquireExclusive(dir); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := first.Exclusive(); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected upgrade to fail while second owner holds, got %v", err)
	}

	if err := second.Release(); err != nil {
		t.Fatalf("release second: %v", err)
	}
	if err := first.Exclusive(); err != nil {
		t.Fatalf("upgrade sole owner: %v", err)
	}
	if err := first.Shared(); err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release first: %v", err)
	}

	exclusive, err := AcquireExclusive(dir)
	if err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("expected lock file: %v", err)
	}
	if err := exclusive.Release(); err != nil {
		t.Fatalf("release exclusive: %v", err)
	}
}

// TestAcquireSharedWaitsForRecovery ensures owners give up when ctx ends
// while an exclusive holder remains.
func TestAcquireSharedWaitsForRecovery(t *testing.T) {
	dir := t.TempDir()
	exclusive, err := AcquireExclusive(dir)
	if err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	defer func() {
		_ = exclusive.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := AcquireShared(ctx, dir); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

// TestExclusiveAcrossProcesses ensures an owner in another process blocks recovery.
func TestExclusiveAcrossProcesses(t *testing.T) {
	dir := t.TempDir()

	cmd := exec.Command(os.Args[0], "-test.run=TestRunLockHelperProcess", "--", dir)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("read helper output: %v", err)
	}
	if strings.TrimSpace(line) != "locked" {
		t.Fatalf("expected helper to report lock acquired, got %q", line)
	}

	if _, err := AcquireExclusive(dir); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	_ = stdin.Close()
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait helper: %v", err)
	}

	lock, err := AcquireExclusive(dir)
	if err != nil {
		t.Fatalf("acquire after helper exit: %v", err)
	}
	_ = lock.Release()
}

// TestRunLockHelperProcess holds a shared lock to simulate another owner.
func TestRunLockHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	root, err := helperProjectRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	lock, err := AcquireShared(context.Background(), root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock helper failed: %v\n", err)
		os.Exit(2)
	}
	defer func() {
		_ = lock.Release()
	}()

	fmt.Fprintln(os.Stdout, "locked")
	_, _ = io.Copy(io.Discard, os.Stdin)
}

// helperProjectRoot extracts the project root argument from the helper process args.
func helperProjectRoot() (string, error) {
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			return os.Args[i+1], nil
		}
	}
	return "", fmt.Errorf("missing project root")
}
