package github

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimitTracker remembers the rate limit state reported by the last
// response and holds back the next request while the quota is exhausted.
type rateLimitTracker struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
	known     bool // set after the first response with rate limit headers

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func newRateLimitTracker() *rateLimitTracker {
	return &rateLimitTracker{now: time.Now, after: time.After}
}

// update records rate limit state from response headers.
func (tracker *rateLimitTracker) update(header http.Header) {
	if tracker == nil {
		return
	}
	remainingStr := header.Get("X-RateLimit-Remaining")
	resetStr := header.Get("X-RateLimit-Reset")
	if remainingStr == "" || resetStr == "" {
		return
	}

	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return
	}
	resetUnix, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.remaining = remaining
	tracker.reset = time.Unix(resetUnix, 0)
	tracker.known = true
}

// wait blocks until the reset time when the quota is known to be spent.
// It returns an error only if ctx ends first.
func (tracker *rateLimitTracker) wait(ctx context.Context) error {
	if tracker == nil {
		return nil
	}
	tracker.mu.Lock()
	if !tracker.known || tracker.remaining > 0 {
		tracker.mu.Unlock()
		return nil
	}
	sleep := tracker.reset.Sub(tracker.now())
	tracker.mu.Unlock()

	if sleep <= 0 {
		return nil
	}

	select {
	case <-tracker.after(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfter computes the suggested wait from a rate-limited response:
// Retry-After (secondary limits) first, then X-RateLimit-Reset.
func (tracker *rateLimitTracker) retryAfter(header http.Header) time.Duration {
	now := time.Now
	if tracker != nil {
		now = tracker.now
	}
	if retryStr := header.Get("Retry-After"); retryStr != "" {
		if seconds, err := strconv.Atoi(retryStr); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if resetStr := header.Get("X-RateLimit-Reset"); resetStr != "" {
		if resetUnix, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			if d := time.Unix(resetUnix, 0).Sub(now()); d > 0 {
				return d
			}
		}
	}
	return 0
}

// holdFor marks the quota as spent for d, so the next request waits.
// Used for secondary limits, which only send Retry-After.
func (tracker *rateLimitTracker) holdFor(d time.Duration) {
	if tracker == nil || d <= 0 {
		return
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	until := tracker.now().Add(d)
	if tracker.known && tracker.remaining == 0 && tracker.reset.After(until) {
		return
	}
	tracker.remaining = 0
	tracker.reset = until
	tracker.known = true
}
