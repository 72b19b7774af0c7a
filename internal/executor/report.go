package executor

import (
	"fmt"
	"time"

	"github.com/debian-tools/btsmirror/internal/reconcile"
)

// Status is the result of applying one action.
type Status int

// Outcome statuses.
const (
	Succeeded Status = iota
	FailedRetryable
	FailedFatal
	Skipped
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case FailedRetryable:
		return "failed-retryable"
	case FailedFatal:
		return "failed-fatal"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome records what happened to one planned action.
type Outcome struct {
	Action   reconcile.Action
	Status   Status
	Attempts int
	Err      error

	// Issue is the sink issue the action ended on, 0 if none.
	Issue int
}

// CommentOutcome records what happened to one bug-log message. An outcome
// with an empty MessageID is a failure to read the issue's comments.
type CommentOutcome struct {
	BugID     string
	Issue     int
	MessageID string
	Status    Status
	Attempts  int
	Err       error
}

// Report is the result of one pass.
type Report struct {
	Package    string
	Repository string
	DryRun     bool

	Outcomes []Outcome
	Comments []CommentOutcome
	Warnings []reconcile.OutOfBandDeletion

	// Aborted is set when the pass stopped early. Outcomes after the
	// aborting action are Skipped.
	Aborted error

	Started  time.Time
	Finished time.Time
}

// Counts returns the number of outcomes per status.
func (r *Report) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, o := range r.Outcomes {
		out[o.Status]++
	}
	return out
}

// CommentCounts returns the number of comment outcomes per status.
func (r *Report) CommentCounts() map[Status]int {
	out := make(map[Status]int)
	for _, c := range r.Comments {
		out[c.Status]++
	}
	return out
}

// Failed returns the number of actions and comments that did not
// succeed, excluding those skipped by a dry run.
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if r.failed(o.Status) {
			n++
		}
	}
	for _, c := range r.Comments {
		if r.failed(c.Status) {
			n++
		}
	}
	return n
}

func (r *Report) failed(s Status) bool {
	switch s {
	case FailedRetryable, FailedFatal:
		return true
	case Skipped:
		return !r.DryRun
	}
	return false
}

// OK reports whether the pass completed with every action applied and
// every comment posted.
func (r *Report) OK() bool {
	return r.Aborted == nil && r.Failed() == 0
}

// Duration returns how long the pass took.
func (r *Report) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
