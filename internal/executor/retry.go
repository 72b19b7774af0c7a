package executor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/debian-tools/btsmirror/internal/tracker"
)

// Policy bounds the retries of a single sink request.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// DefaultPolicy returns five attempts starting one second apart, doubling
// up to thirty seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// newBackOff returns a fresh delay schedule. BackOff implementations are
// stateful, so every retried request gets its own.
func (p Policy) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0 // bounded by attempts, not time
	bo.Reset()
	return bo
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls op until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. It returns the number of attempts made and the
// last error. Only retryable *tracker.SinkRequestFailed errors are retried.
func (p Policy) Do(ctx context.Context, sleep SleepFunc, op func(attempt int) error) (int, error) {
	p = p.normalized()
	if sleep == nil {
		sleep = sleepContext
	}
	bo := p.newBackOff()

	var err error
	for attempt := 1; ; attempt++ {
		if err = op(attempt); err == nil {
			return attempt, nil
		}
		if !tracker.IsRetryable(err) || attempt >= p.MaxAttempts {
			return attempt, err
		}
		if serr := sleep(ctx, bo.NextBackOff()); serr != nil {
			return attempt, serr
		}
	}
}
