// test_helpers_test.go - Shared test helpers for jobqueue package
package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcam-go/internal/retry"
)

const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second
)

// waitForChannel waits for a signal on the channel or fails after timeout.
func waitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// fastRetry keeps backoff in the millisecond range
func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

// startQueue creates and starts a queue that is stopped at test cleanup
func startQueue[T any](t *testing.T, cfg Config, handler Handler[T], opts ...Option[T]) *Queue[T] {
	t.Helper()
	q, err := New(cfg, handler, opts...)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(DefaultTestTimeout) })
	return q
}

// waitForValue receives one value from ch or fails after ShortTestTimeout
func waitForValue[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(ShortTestTimeout):
		require.FailNow(t, "timed out waiting for value")
	}
	var zero T
	return zero
}
