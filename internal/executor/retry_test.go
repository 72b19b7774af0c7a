package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/debian-tools/btsmirror/internal/tracker/trackertest"
)

func recordSleeps(delays *[]time.Duration) SleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestPolicyDoRetriesRetryable(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 4, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	calls := 0
	n, err := p.Do(context.Background(), recordSleeps(&delays), func(attempt int) error {
		calls++
		if attempt != calls {
			t.Errorf("attempt = %d, want %d", attempt, calls)
		}
		if calls < 3 {
			return trackertest.Retryable("update")
		}
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("Do = %d, %v; want 3, nil", n, err)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 sleeps, got %v", delays)
	}
	if delays[0] < 90*time.Millisecond || delays[0] > 110*time.Millisecond {
		t.Errorf("first delay %v not near 100ms", delays[0])
	}
	if delays[1] < 180*time.Millisecond || delays[1] > 220*time.Millisecond {
		t.Errorf("second delay %v not near 200ms", delays[1])
	}
}

func TestPolicyDoStopsAtMaxAttempts(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 2 * time.Second, Multiplier: 4}

	n, err := p.Do(context.Background(), recordSleeps(&delays), func(int) error {
		return trackertest.Retryable("create")
	})
	if n != 3 || err == nil {
		t.Fatalf("Do = %d, %v", n, err)
	}
	if len(delays) != 2 {
		t.Fatalf("sleeps = %v", delays)
	}
	if delays[1] > 2200*time.Millisecond {
		t.Errorf("delay %v exceeds MaxInterval", delays[1])
	}
}

func TestPolicyDoFatalIsNotRetried(t *testing.T) {
	var delays []time.Duration
	n, err := DefaultPolicy().Do(context.Background(), recordSleeps(&delays), func(int) error {
		return trackertest.Fatal("update")
	})
	if n != 1 || err == nil || len(delays) != 0 {
		t.Errorf("Do = %d, %v, sleeps %v", n, err, delays)
	}

	plain := errors.New("not a sink error")
	n, err = DefaultPolicy().Do(context.Background(), recordSleeps(&delays), func(int) error { return plain })
	if n != 1 || !errors.Is(err, plain) {
		t.Errorf("Do = %d, %v", n, err)
	}
}

func TestPolicyDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := DefaultPolicy().Do(ctx, nil, func(int) error {
		return trackertest.Retryable("update")
	})
	if n != 1 || !errors.Is(err, context.Canceled) {
		t.Errorf("Do = %d, %v; want 1, context.Canceled", n, err)
	}
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{}.normalized()
	if p != DefaultPolicy() {
		t.Errorf("zero policy normalized to %+v", p)
	}
}
