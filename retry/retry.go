// Package retry wraps fallible steps in a bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes how many times and how far apart a step is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0 disables
}

// Backoff returns the delay before the given retry (1-based).
func (p Policy) Backoff(retry int) time.Duration {
	if retry <= 0 {
		retry = 1
	}

	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := time.Duration(float64(base) * math.Pow(mult, float64(retry-1)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * p.Jitter
		delay = time.Duration(float64(delay) * (1 + spread))
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// Attempts returns the bounded number of attempts, at least one.
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Func is one attempt of a step. attempt is 1-based.
type Func func(ctx context.Context, attempt int) error

// Options tune a single Do call.
type Options struct {
	// Retryable reports whether err deserves another attempt. Nil retries
	// every error.
	Retryable func(err error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep is swapped in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// policy, or ctx is done. It returns the number of attempts made and the last
// error.
func Do(ctx context.Context, p Policy, opts Options, fn Func) (int, error) {
	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	max := p.Attempts()
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt - 1, err
		}

		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt == max {
			break
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return attempt, err
		}

		delay := p.Backoff(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return attempt, err
		}
	}
	return max, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
