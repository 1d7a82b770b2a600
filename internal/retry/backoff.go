// Package retry runs best-effort side calls (stock photo search, artifact upload) a bounded
// number of times. The generation backend call is never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	// Delays[i] is waited before attempt i+2; the last entry repeats
	Delays []time.Duration
	// Jitter adds up to this fraction of each delay, e.g. 0.2 for +20%
	Jitter float64
}

// permanentError marks an error that must not be retried
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so WithRetry returns it immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (c Config) delay(attempt int) time.Duration {
	if len(c.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(c.Delays) {
		idx = len(c.Delays) - 1
	}
	d := c.Delays[idx]
	if c.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * c.Jitter * float64(d)) //nolint:gosec // jitter needs no crypto randomness
	}
	return d
}

// WithRetry executes fn up to MaxAttempts times, waiting between attempts.
// Errors wrapped with Permanent stop the loop at once.
func WithRetry(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.delay(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
