package fetcher

import (
	"context"
	"fmt"
	"time"
)

// Backoff waits Start before the first retry and Increment longer before each
// following one, never more than Max.
type Backoff struct {
	Start     time.Duration
	Increment time.Duration
	Max       time.Duration
}

// DefaultBackoff waits 1s, 4s, 7s, ... capped at 31s.
var DefaultBackoff = Backoff{Start: time.Second, Increment: 3 * time.Second, Max: 31 * time.Second}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Start + time.Duration(attempt-1)*b.Increment
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	if d < 0 {
		return 0
	}
	return d
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
