package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/debian-tools/btsmirror/internal/storage/memory"
)

func TestLockPath(t *testing.T) {
	got := LockPath("/state", "owner/name")
	want := filepath.Join("/state", "locks", "owner__name.lock")
	if got != want {
		t.Errorf("LockPath = %q, want %q", got, want)
	}
}

func TestRepoLockExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := NewRepoLock(dir, "owner/foo", nil)
	if err := first.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	second := NewRepoLock(dir, "owner/foo", nil)
	err := second.Acquire(ctx, 100*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second Acquire = %v, want ErrLockTimeout", err)
	}
	if err := second.Acquire(ctx, 0); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("zero-timeout Acquire = %v, want ErrLockTimeout", err)
	}

	other := NewRepoLock(dir, "owner/bar", nil)
	if err := other.Acquire(ctx, 0); err != nil {
		t.Fatalf("lock on another repository should not block: %v", err)
	}
	_ = other.Release()

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}

	if err := second.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release()
}

func TestRepoLockWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := NewRepoLock(dir, "owner/foo", nil)
	if err := first.Acquire(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = first.Release()
	}()

	second := NewRepoLock(dir, "owner/foo", nil)
	if err := second.Acquire(ctx, 5*time.Second); err != nil {
		t.Fatalf("Acquire should succeed once the holder releases: %v", err)
	}
	_ = second.Release()
}

func TestResolverHoldsLockUntilRelease(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := memory.New()

	r, err := Open(ctx, store, Options{Repository: "owner/foo", StateDir: dir, LockTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	_, err = Open(ctx, store, Options{Repository: "owner/foo", StateDir: dir, LockTimeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second Open = %v, want ErrLockTimeout", err)
	}

	if err := r.Release(); err != nil {
		t.Fatal(err)
	}
	r2, err := Open(ctx, store, Options{Repository: "owner/foo", StateDir: dir, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open after Release: %v", err)
	}
	_ = r2.Release()
}
