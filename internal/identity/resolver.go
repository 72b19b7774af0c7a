// Package identity maintains the durable correspondence between source bugs
// and the sink issues mirroring them, one repository at a time.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/debian-tools/btsmirror/internal/storage"
	"github.com/debian-tools/btsmirror/internal/types"
)

// ErrStaleLink is returned by Retarget when the link no longer points at
// the issue the caller expected to replace.
var ErrStaleLink = errors.New("link target changed")

// ErrReleased is returned when a released resolver is used.
var ErrReleased = errors.New("resolver released")

// DuplicateLinkError reports an attempt to link a bug or an issue that
// already has a different counterpart. It is never resolved automatically.
type DuplicateLinkError struct {
	Repository  string
	SourceBugID string
	SinkIssueID int

	// Existing is the link that already occupies one side.
	Existing *types.MirrorLink
}

func (e *DuplicateLinkError) Error() string {
	if e.Existing == nil {
		return fmt.Sprintf("duplicate link in %s: bug #%s -> issue %d conflicts with an existing link",
			e.Repository, e.SourceBugID, e.SinkIssueID)
	}
	return fmt.Sprintf("duplicate link in %s: bug #%s -> issue %d conflicts with bug #%s -> issue %d",
		e.Repository, e.SourceBugID, e.SinkIssueID, e.Existing.SourceBugID, e.Existing.SinkIssueID)
}

// Options configures Open.
type Options struct {
	Repository string
	SyncLabel  string

	// StateDir holds the repository lock. Empty disables locking.
	StateDir    string
	LockTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Resolver is the repository-scoped view of the link store. It holds the
// repository lock from Open until Release.
type Resolver struct {
	store    storage.LinkStorage
	repo     string
	label    string
	lock     *RepoLock
	log      *slog.Logger
	now      func() time.Time
	released atomic.Bool
}

// Open acquires the repository scope and returns a resolver over store.
// The caller must Release it, typically with defer.
func Open(ctx context.Context, store storage.LinkStorage, opts Options) (*Resolver, error) {
	if opts.Repository == "" {
		return nil, errors.New("identity: repository is required")
	}
	r := &Resolver{
		store: store,
		repo:  opts.Repository,
		label: opts.SyncLabel,
		log:   opts.Logger,
		now:   opts.Now,
	}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if opts.StateDir != "" {
		r.lock = NewRepoLock(opts.StateDir, opts.Repository, r.log)
		if err := r.lock.Acquire(ctx, opts.LockTimeout); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Repository returns the repository this resolver is scoped to.
func (r *Resolver) Repository() string { return r.repo }

// Release gives up the repository scope. Safe to call multiple times.
func (r *Resolver) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	if r.lock != nil {
		return r.lock.Release()
	}
	return nil
}

// Lookup returns the link for bugID, if any.
func (r *Resolver) Lookup(ctx context.Context, bugID string) (*types.MirrorLink, bool, error) {
	if r.released.Load() {
		return nil, false, ErrReleased
	}
	return found(r.store.GetLink(ctx, r.repo, bugID))
}

// LookupBySink returns the link for the sink issue number, if any.
func (r *Resolver) LookupBySink(ctx context.Context, number int) (*types.MirrorLink, bool, error) {
	if r.released.Load() {
		return nil, false, ErrReleased
	}
	return found(r.store.GetLinkBySink(ctx, r.repo, number))
}

// Links returns every link of the repository ordered by bug id.
func (r *Resolver) Links(ctx context.Context) ([]*types.MirrorLink, error) {
	if r.released.Load() {
		return nil, ErrReleased
	}
	return r.store.ListLinks(ctx, r.repo)
}

// Record links bugID to number. Recording an identical link again is a
// no-op; any other collision is a *DuplicateLinkError.
func (r *Resolver) Record(ctx context.Context, bugID string, number int) (*types.MirrorLink, error) {
	if r.released.Load() {
		return nil, ErrReleased
	}
	var result *types.MirrorLink
	err := r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		result = nil
		existing, ok, err := found(tx.GetLink(ctx, r.repo, bugID))
		if err != nil {
			return err
		}
		if ok {
			if existing.SinkIssueID == number {
				result = existing
				return nil
			}
			return r.duplicate(bugID, number, existing)
		}

		other, ok, err := found(tx.GetLinkBySink(ctx, r.repo, number))
		if err != nil {
			return err
		}
		if ok {
			return r.duplicate(bugID, number, other)
		}

		now := r.now()
		link := &types.MirrorLink{
			Repository:  r.repo,
			SourceBugID: bugID,
			SinkIssueID: number,
			SyncLabel:   r.label,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertLink(ctx, link); err != nil {
			if storage.IsConflict(err) {
				return r.duplicate(bugID, number, nil)
			}
			return err
		}
		result = link
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug("recorded link", "repository", r.repo, "bug", bugID, "issue", number)
	return result, nil
}

// Retarget moves the link of bugID from oldNumber to newNumber. It is the
// recovery path for issues deleted out of band.
func (r *Resolver) Retarget(ctx context.Context, bugID string, oldNumber, newNumber int) (*types.MirrorLink, error) {
	if r.released.Load() {
		return nil, ErrReleased
	}
	var result *types.MirrorLink
	err := r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		result = nil
		current, ok, err := found(tx.GetLink(ctx, r.repo, bugID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("retarget %s#%s: no link: %w", r.repo, bugID, ErrStaleLink)
		}
		if current.SinkIssueID == newNumber {
			result = current
			return nil
		}
		if current.SinkIssueID != oldNumber {
			return fmt.Errorf("retarget %s#%s: expected issue %d, found %d: %w",
				r.repo, bugID, oldNumber, current.SinkIssueID, ErrStaleLink)
		}

		other, ok, err := found(tx.GetLinkBySink(ctx, r.repo, newNumber))
		if err != nil {
			return err
		}
		if ok {
			return r.duplicate(bugID, newNumber, other)
		}

		now := r.now()
		if err := tx.RetargetLink(ctx, r.repo, bugID, oldNumber, newNumber, now); err != nil {
			switch {
			case storage.IsConflict(err):
				return r.duplicate(bugID, newNumber, nil)
			case storage.IsNotFound(err):
				return fmt.Errorf("retarget %s#%s: %w", r.repo, bugID, ErrStaleLink)
			}
			return err
		}
		updated := *current
		updated.SinkIssueID = newNumber
		updated.UpdatedAt = now
		result = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("retargeted link", "repository", r.repo, "bug", bugID, "from", oldNumber, "to", newNumber)
	return result, nil
}

func (r *Resolver) duplicate(bugID string, number int, existing *types.MirrorLink) error {
	return &DuplicateLinkError{
		Repository:  r.repo,
		SourceBugID: bugID,
		SinkIssueID: number,
		Existing:    existing,
	}
}

// found turns storage.ErrNotFound into a false result.
func found(link *types.MirrorLink, err error) (*types.MirrorLink, bool, error) {
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return link, true, nil
}
