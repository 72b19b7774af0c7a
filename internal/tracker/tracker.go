// Package tracker defines the contracts between the mirror core and the
// external trackers it reads from and writes to.
//
// A SourceTracker is the authoritative bug database (read-only from our side).
// A SinkTracker is the issue tracker that receives mirrored issues. Concrete
// adapters register themselves at init time, see Register.
package tracker

import (
	"context"

	"github.com/debian-tools/btsmirror/internal/types"
)

// SourceTracker fetches bug snapshots from the authoritative bug database.
type SourceTracker interface {
	// Name returns the lowercase identifier for this tracker (e.g., "debbugs").
	Name() string

	// Fetch returns every non-archived bug filed against pkg.
	// An empty result is a valid snapshot. Transport or decoding failures
	// are reported as *SourceUnavailable.
	Fetch(ctx context.Context, pkg string) ([]types.SourceBug, error)
}

// SinkTracker manipulates issues in a repository on the sink tracker.
// Every error returned by an implementation is a *SinkRequestFailed.
type SinkTracker interface {
	// Name returns the lowercase identifier for this tracker (e.g., "github").
	Name() string

	// ListLabeled returns open and closed issues carrying label.
	// Issues without the label are never returned.
	ListLabeled(ctx context.Context, repo, label string) ([]types.SinkIssue, error)

	// Create opens a new issue carrying label.
	Create(ctx context.Context, repo, title, body, label string) (*types.SinkIssue, error)

	// Update replaces the title and body of an existing issue.
	Update(ctx context.Context, repo string, number int, title, body string) (*types.SinkIssue, error)

	// SetState opens or closes an existing issue.
	SetState(ctx context.Context, repo string, number int, state types.Status) (*types.SinkIssue, error)

	// EnsureLabel checks that label exists in repo. A missing label is a
	// non-retryable failure wrapping ErrLabelMissing.
	EnsureLabel(ctx context.Context, repo, label string) error

	// ListComments returns the comments on an issue, oldest first.
	ListComments(ctx context.Context, repo string, number int) ([]types.SinkComment, error)

	// CreateComment adds a comment to an existing issue.
	CreateComment(ctx context.Context, repo string, number int, body string) (*types.SinkComment, error)
}
