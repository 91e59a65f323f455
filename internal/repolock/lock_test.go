// Tests for repository locking.
package repolock

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestAcquireRelease verifies the lock records its holder and can be reacquired.
func TestAcquireRelease(t *testing.T) {
	project := t.TempDir()
	lock, err := Acquire(context.Background(), project)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	data, err := os.ReadFile(Path(project))
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if !strings.Contains(string(data), "pid=") {
		t.Fatalf("expected holder metadata, got %q", data)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	again, err := Acquire(context.Background(), project)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = again.Release()
}

// TestAcquireWaitsForHolder verifies a second caller blocks until the first releases.
func TestAcquireWaitsForHolder(t *testing.T) {
	project := t.TempDir()
	first, err := Acquire(context.Background(), project)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := Acquire(ctx, project); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := Acquire(context.Background(), project)
		if err != nil {
			t.Errorf("acquire after release: %v", err)
			return
		}
		close(acquired)
		_ = second.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired while lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	wg.Wait()
}

// TestAcquireRequiresProjectPath verifies empty input is rejected.
func TestAcquireRequiresProjectPath(t *testing.T) {
	if _, err := Acquire(context.Background(), " "); err == nil {
		t.Fatal("expected error")
	}
}
