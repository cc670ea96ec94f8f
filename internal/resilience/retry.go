package resilience

import (
	"context"
	"time"
)

// BackoffConfig describes an exponential backoff schedule.
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// DefaultBackoffConfig returns the schedule used by background workers.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: 500 * time.Millisecond, Max: 30 * time.Second}
}

// Delay returns the wait before the given retry attempt (1-based):
// Base, 2*Base, 4*Base ... capped at Max.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if c.Base <= 0 {
		return 0
	}
	d := c.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.Max > 0 && d >= c.Max {
			return c.Max
		}
	}
	if c.Max > 0 && d > c.Max {
		return c.Max
	}
	return d
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

// Retry calls fn until it succeeds, retryable reports false, attempts are
// exhausted or ctx is done. It returns the last error and the number of calls made.
func Retry(ctx context.Context, maxAttempts int, backoff BackoffConfig, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if attempt == maxAttempts || (retryable != nil && !retryable(err)) {
			return attempt, err
		}
		if serr := Sleep(ctx, backoff.Delay(attempt)); serr != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}
