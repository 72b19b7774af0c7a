// Package storage defines the durable link store shared by every backend.
//
// Concrete implementations live in the sqlite, dolt and memory sub-packages.
// This package holds the interface and sentinel errors referenced by both
// the implementations and their consumers (internal/identity, cmd/btsmirror).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/debian-tools/btsmirror/internal/types"
)

// Sentinel errors for common database conditions
var (
	// ErrNotFound indicates the requested link does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique constraint violation: one side of the
	// link is already taken.
	ErrConflict = errors.New("conflict")
)

// LinkStorage is the persisted MirrorLink table plus per-repository pass state.
// Links are never deleted; the only mutation after insert is a retarget.
type LinkStorage interface {
	// GetLink returns the link for (repo, bugID) or ErrNotFound.
	GetLink(ctx context.Context, repo, bugID string) (*types.MirrorLink, error)

	// GetLinkBySink returns the link for (repo, number) or ErrNotFound.
	GetLinkBySink(ctx context.Context, repo string, number int) (*types.MirrorLink, error)

	// ListLinks returns every link of repo ordered by source bug id.
	ListLinks(ctx context.Context, repo string) ([]*types.MirrorLink, error)

	// LastPass returns the time of the last fully successful pass over repo,
	// or the zero time when none was recorded.
	LastPass(ctx context.Context, repo string) (time.Time, error)

	// SetLastPass records the completion time of a successful pass.
	SetLastPass(ctx context.Context, repo string, at time.Time) error

	// RunInTransaction runs fn inside a single transaction. A non-nil
	// return (or a panic) rolls back; nil commits.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Close releases the underlying database handle.
	Close() error
}

// Transaction exposes the link operations that must be atomic with the
// lookups guarding them.
type Transaction interface {
	GetLink(ctx context.Context, repo, bugID string) (*types.MirrorLink, error)
	GetLinkBySink(ctx context.Context, repo string, number int) (*types.MirrorLink, error)

	// InsertLink stores a new link. Either side already being linked
	// yields ErrConflict.
	InsertLink(ctx context.Context, link *types.MirrorLink) error

	// RetargetLink moves the link of (repo, bugID) from oldNumber to
	// newNumber. ErrNotFound when no link points at oldNumber, ErrConflict
	// when newNumber is already linked.
	RetargetLink(ctx context.Context, repo, bugID string, oldNumber, newNumber int, at time.Time) error
}

// Committer is implemented by versioned backends that record a history
// entry for each completed pass.
type Committer interface {
	Commit(ctx context.Context, message string) error
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
