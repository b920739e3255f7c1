// File: internal/transport/retry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/momentics/hioload-ipc/api"
)

// RetryPolicy bounds the backoff a writer performs while the ring is full.
// Attempts progress through Spins busy retries, then Yields scheduler
// yields, then sleeps doubling from BaseSleep up to MaxSleep.
type RetryPolicy struct {
	Spins       int
	Yields      int
	BaseSleep   time.Duration
	MaxSleep    time.Duration
	MaxAttempts int // total budget; zero means until ctx is done
}

// DefaultRetryPolicy is tuned for a peer that drains within a millisecond.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Spins:       32,
		Yields:      64,
		BaseSleep:   2 * time.Microsecond,
		MaxSleep:    time.Millisecond,
		MaxAttempts: 8192,
	}
}

// backoff waits before attempt n+1. It fails once the budget or ctx is spent.
func (p RetryPolicy) backoff(ctx context.Context, n int) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if p.MaxAttempts > 0 && n >= p.MaxAttempts {
		return fmt.Errorf("transport: retry budget of %d attempts spent: %w", p.MaxAttempts, api.ErrTimeout)
	}
	switch {
	case n < p.Spins:
	case n < p.Spins+p.Yields:
		runtime.Gosched()
	default:
		d := p.BaseSleep << min(n-p.Spins-p.Yields, 20)
		if d <= 0 || d > p.MaxSleep {
			d = p.MaxSleep
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctxErr(ctx)
		case <-t.C:
		}
	}
	return nil
}

// ctxErr maps an expired deadline to api.ErrTimeout and leaves
// cancellation as is.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("transport: %w", api.ErrTimeout)
	}
	return err
}
