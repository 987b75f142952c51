package probehub

import (
	"errors"
	"testing"
)

func TestLockManager_TryAcquireAndRelease(t *testing.T) {
	lm, err := NewLockManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}

	handle, err := lm.TryAcquire(1)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if handle.ProbeID() != 1 {
		t.Errorf("ProbeID() = %d, want 1", handle.ProbeID())
	}

	if err := handle.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	// Releasing twice must be a harmless no-op.
	if err := handle.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestLockManager_BusyWhileHeld(t *testing.T) {
	lm, err := NewLockManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}

	first, err := lm.TryAcquire(2)
	if err != nil {
		t.Fatalf("first TryAcquire() error = %v", err)
	}
	defer first.Release()

	_, err = lm.TryAcquire(2)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second TryAcquire() error = %v, want ErrBusy", err)
	}
}

func TestLockManager_ReacquireAfterRelease(t *testing.T) {
	lm, err := NewLockManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}

	h1, err := lm.TryAcquire(3)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if err := h1.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	h2, err := lm.TryAcquire(3)
	if err != nil {
		t.Fatalf("TryAcquire() after release error = %v", err)
	}
	h2.Release()
}

func TestLockManager_StaleLockFileToleratedAsUnlocked(t *testing.T) {
	dir := t.TempDir()
	lm, err := NewLockManager(dir)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}

	// Simulate a stale lock file left behind by a crashed process: the
	// file exists but no flock is held on it, so a new acquire must
	// still succeed (§4.4: the lock is never implied by file existence).
	h, err := lm.TryAcquire(4)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	h.Release()

	h2, err := lm.TryAcquire(4)
	if err != nil {
		t.Fatalf("TryAcquire() over stale file error = %v", err)
	}
	h2.Release()
}
