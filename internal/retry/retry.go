// Package retry runs operations under a bounded exponential backoff policy.
// The same policy drives per-file processing in the watcher and write
// operations in the datastore.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/errors"
)

// Default policy values
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
	DefaultMultiplier   = 2.0
	DefaultJitter       = 0.1 // +/-10%
)

// Config is a bounded retry policy. MaxAttempts counts the first attempt.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, 0 disables
}

// Default returns 3 attempts, 500ms initial delay doubling up to 5s, +/-10% jitter.
func Default() Config {
	return Config{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Jitter:       DefaultJitter,
	}
}

// FromSettings builds a policy from a configuration section. Missing values
// fall back to the defaults.
func FromSettings(s conf.RetrySettings) Config {
	cfg := Default()
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.InitialDelay > 0 {
		cfg.InitialDelay = s.InitialDelay
	}
	if s.MaxDelay > 0 {
		cfg.MaxDelay = s.MaxDelay
	}
	if s.Multiplier >= 1 {
		cfg.Multiplier = s.Multiplier
	}
	return cfg
}

// Delay returns the wait before the attempt following attempt n (1-based).
func (c Config) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := float64(c.InitialDelay) * math.Pow(multiplier, float64(n-1))
	if c.Jitter > 0 {
		backoff *= 1 - c.Jitter + 2*c.Jitter*rand.Float64() //nolint:gosec // G404: jitter needs no crypto randomness
	}
	if c.MaxDelay > 0 && backoff > float64(c.MaxDelay) {
		backoff = float64(c.MaxDelay)
	}

	return time.Duration(backoff)
}

// permanentError stops Do from retrying
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Option customizes a single Do call
type Option func(*options)

type options struct {
	retryIf func(error) bool
	onRetry func(attempt int, err error, delay time.Duration)
}

// If restricts retries to errors for which fn returns true
func If(fn func(error) bool) Option {
	return func(o *options) { o.retryIf = fn }
}

// OnRetry is called before sleeping between attempts
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do calls fn until it succeeds, returns a permanent or non-retryable error,
// the attempts are exhausted or ctx is done. The error of the last attempt is
// returned wrapped in a CategoryRetry error so its own category stays
// reachable with errors.As.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(lastErr, err)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var p *permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}
		if o.retryIf != nil && !o.retryIf(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		delay := cfg.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}

	return errors.New(lastErr).
		Category(errors.CategoryRetry).
		Context("attempts", maxAttempts).
		Build()
}

// Exhausted reports whether err came from Do running out of attempts
func Exhausted(err error) bool {
	return errors.IsCategory(err, errors.CategoryRetry)
}
