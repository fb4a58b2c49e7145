//go:build unix

package pipeline

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestMergeTimesOutWhenLockHeld(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("goal", "run-1", DefaultSeed()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate another process holding the lock.
	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open lock: %v", err)
	}
	defer f.Close()
	if err := tryLock(f); err != nil {
		t.Fatalf("tryLock: %v", err)
	}

	s.SetLockTimeout(100 * time.Millisecond)
	if _, err := s.Merge(Patch{Phase: Ptr("2")}); !errors.Is(err, ErrLocked) {
		t.Errorf("Merge error = %v, want ErrLocked", err)
	}

	if err := unlock(f); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := s.Merge(Patch{Phase: Ptr("2")}); err != nil {
		t.Errorf("Merge after release: %v", err)
	}
}
