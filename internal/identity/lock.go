package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	// DefaultLockTimeout bounds the wait for a repository lock when no
	// explicit timeout is configured.
	DefaultLockTimeout = 30 * time.Second

	// lockPollInterval is how often to retry acquiring the lock
	lockPollInterval = 50 * time.Millisecond
)

// ErrLockTimeout is returned when another pass holds the repository lock
// for longer than the configured wait.
var ErrLockTimeout = errors.New("timeout waiting for repository lock")

// RepoLock is the single-writer guard for one repository's slice of the
// link store. It is an exclusive file lock, so it also excludes other
// processes; the OS drops it if the holder dies.
type RepoLock struct {
	flock *flock.Flock
	repo  string
	log   *slog.Logger
}

// LockPath returns the lock file used for repo under stateDir.
// "owner/name" maps to <stateDir>/locks/owner__name.lock.
func LockPath(stateDir, repo string) string {
	name := strings.ReplaceAll(repo, "/", "__")
	return filepath.Join(stateDir, "locks", name+".lock")
}

// NewRepoLock creates (but does not acquire) the lock for repo.
func NewRepoLock(stateDir, repo string, log *slog.Logger) *RepoLock {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RepoLock{flock: flock.New(LockPath(stateDir, repo)), repo: repo, log: log}
}

// Path returns the lock file path.
func (l *RepoLock) Path() string {
	return l.flock.Path()
}

// Acquire takes the exclusive lock, polling until timeout or ctx is done.
// A zero timeout tries exactly once.
func (l *RepoLock) Acquire(ctx context.Context, timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(l.flock.Path()), 0o750); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	start := time.Now()
	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock for %s: %w", l.repo, err)
	}
	if locked {
		l.log.Debug("acquired repository lock", "repository", l.repo, "path", l.flock.Path())
		return nil
	}
	if timeout == 0 {
		return fmt.Errorf("%w %s after 0s (another pass is running)", ErrLockTimeout, l.repo)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err = l.flock.TryLockContext(timeoutCtx, lockPollInterval)
	if locked {
		l.log.Debug("acquired repository lock", "repository", l.repo, "waited", time.Since(start))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to acquire lock for %s: %w", l.repo, err)
	}
	return fmt.Errorf("%w %s after %v (another pass is running)", ErrLockTimeout, l.repo, time.Since(start).Round(time.Millisecond))
}

// Release releases the lock.
// Safe to call multiple times (idempotent).
func (l *RepoLock) Release() error {
	if l.flock == nil || !l.flock.Locked() {
		return nil
	}
	l.log.Debug("releasing repository lock", "repository", l.repo)
	return l.flock.Unlock()
}
