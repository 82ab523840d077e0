// Package backoff computes retry and poll delays.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Exponential doubles the delay on each attempt starting from Initial and
// never exceeds Max when Max is positive. Attempts are 1-indexed.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter, when set, draws the delay uniformly from [d/2, d].
	Jitter bool
}

// NewExponential returns an exponential schedule without jitter.
func NewExponential(initial, maxDelay time.Duration) Exponential {
	return Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns the wait before the given attempt.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d = d/2 + rand.Float64()*d/2 //nolint:gosec // jitter only
	}
	return time.Duration(d)
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
