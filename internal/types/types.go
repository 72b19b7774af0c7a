// Package types defines the records exchanged between the source tracker,
// the sink tracker and the link store.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state shared by source bugs and sink issues.
type Status string

// Status constants. Both trackers collapse to these two states.
const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// IsValid checks if the status is one of the known values.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusClosed:
		return true
	}
	return false
}

// ParseStatus converts a tracker state string to a Status.
// Unknown values are treated as open: an unrecognized state must never
// cause an issue to be closed.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "closed", "done", "fixed", "resolved":
		return StatusClosed
	default:
		return StatusOpen
	}
}

// SourceBug is a normalized bug report from the source tracker.
// It is an immutable snapshot for the duration of one reconciliation pass.
type SourceBug struct {
	ID           string    `json:"id"`
	Package      string    `json:"package"`
	Title        string    `json:"title"`
	Body         string    `json:"body,omitempty"`
	Status       Status    `json:"status"`
	LastModified time.Time `json:"last_modified"`

	// Informational fields rendered into the issue body.
	Severity  string   `json:"severity,omitempty"`
	Submitter string   `json:"submitter,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	URL       string   `json:"url,omitempty"`

	// Messages are the follow-ups to the report, in log order.
	// Each is mirrored as one comment on the issue.
	Messages []BugMessage `json:"messages,omitempty"`
}

// BugMessage is one follow-up message of a bug log.
type BugMessage struct {
	ID     string `json:"id"` // Message-ID header, angle brackets included
	Author string `json:"author,omitempty"`
	Body   string `json:"body"`
}

// IsOpen reports whether the bug is open on the source tracker.
func (b *SourceBug) IsOpen() bool {
	return b.Status != StatusClosed
}

// SinkIssue is an issue on the sink tracker.
type SinkIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     Status    `json:"state"`
	Labels    []string  `json:"labels,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	URL       string    `json:"url,omitempty"`
}

// HasLabel reports whether the issue carries the given label.
func (i *SinkIssue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// SinkComment is a comment on a sink issue.
type SinkComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// MirrorLink is the durable correlation between one source bug and one sink
// issue within a repository.
type MirrorLink struct {
	Repository  string    `json:"repository"`
	SourceBugID string    `json:"source_bug_id"`
	SinkIssueID int       `json:"sink_issue_id"`
	SyncLabel   string    `json:"sync_label"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (l *MirrorLink) String() string {
	return fmt.Sprintf("%s:#%s->%d", l.Repository, l.SourceBugID, l.SinkIssueID)
}

// Pair is one configured (source package, sink repository) combination.
type Pair struct {
	Package    string `json:"debian_pkg" yaml:"debian_pkg" mapstructure:"debian_pkg"`
	Repository string `json:"github_repo" yaml:"github_repo" mapstructure:"github_repo"`
}

func (p Pair) String() string {
	return p.Package + " -> " + p.Repository
}
