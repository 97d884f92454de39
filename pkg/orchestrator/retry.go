package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cuahq/conductor/pkg/httpclient"
)

// Backoff retries transient failures with exponential delay and jitter.
// Target errors and context cancellation are never retried.
type Backoff struct {
	Base     time.Duration
	Factor   float64
	Jitter   float64
	Cap      time.Duration
	MaxTries int
}

// LLMBackoff is the policy for model calls.
var LLMBackoff = Backoff{
	Base:     500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.25,
	Cap:      8 * time.Second,
	MaxTries: 4,
}

// ComputerBackoff is the tighter policy for device calls.
var ComputerBackoff = Backoff{
	Base:     500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.25,
	Cap:      8 * time.Second,
	MaxTries: 2,
}

// delay returns the wait before try number attempt (0-based counts the
// first retry), honoring a provider Retry-After hint when larger.
func (b Backoff) delay(attempt int, hint time.Duration) time.Duration {
	d := time.Duration(float64(b.Base) * pow(b.Factor, attempt))
	if d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	}
	if hint > d {
		d = hint
	}
	return d
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// Retry runs fn until it succeeds, fails non-transiently, or the policy's
// tries are spent. The last error is returned as-is.
func (b Backoff) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < b.MaxTries; attempt++ {
		if attempt > 0 {
			var hint time.Duration
			var te *httpclient.TransportError
			if errors.As(lastErr, &te) {
				hint = te.RetryAfter
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.delay(attempt-1, hint)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(ctx, lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// retryable treats transport errors as retryable, plus per-call timeouts
// as long as the run itself is still alive.
func retryable(ctx context.Context, err error) bool {
	if httpclient.IsTransient(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}
