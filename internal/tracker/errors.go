package tracker

import (
	"errors"
	"fmt"
)

// ErrLabelMissing is wrapped by EnsureLabel when the sync label does not exist.
var ErrLabelMissing = errors.New("sync label not found")

// SourceUnavailable reports that the source tracker could not produce a
// snapshot: it was unreachable or returned malformed data.
type SourceUnavailable struct {
	Package string
	Err     error
}

func (e *SourceUnavailable) Error() string {
	return fmt.Sprintf("source unavailable for package %s: %v", e.Package, e.Err)
}

func (e *SourceUnavailable) Unwrap() error { return e.Err }

// SinkRequestFailed reports a failed call to the sink tracker.
// Retryable is set for transient conditions (rate limits, 5xx, transport
// errors); permission and validation failures are not retryable.
type SinkRequestFailed struct {
	Op         string
	Repository string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *SinkRequestFailed) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (%s, HTTP %d): %v", e.Op, e.Repository, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Op, e.Repository, kind, e.Err)
}

func (e *SinkRequestFailed) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable sink failure.
func IsRetryable(err error) bool {
	var sf *SinkRequestFailed
	if errors.As(err, &sf) {
		return sf.Retryable
	}
	return false
}
