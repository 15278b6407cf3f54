// package retry runs an operation a bounded number of times.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy says how often to try and how long to wait in between. There is no
// backoff: the delay is the same every time.
type Policy struct {
	Attempts int
	Delay    time.Duration
	// Retryable decides whether an error is worth another attempt. Nil means
	// every error is.
	Retryable func(error) bool
}

// Do calls f until it succeeds, returns an error Retryable rejects, ctx is
// done, or the attempts run out. The last error from f is returned, wrapped
// with the attempt count when there was more than one.
func (p Policy) Do(ctx context.Context, f func() error) error {
	attempts := max(p.Attempts, 1)
	i := 0
	var err error
	for i < attempts {
		i++
		if err = f(); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			break
		}
		if i == attempts || !p.wait(ctx) {
			break
		}
	}
	if i > 1 {
		return fmt.Errorf("after %d attempts: %w", i, err)
	}
	return err
}

// wait sleeps for the delay and reports whether to carry on.
func (p Policy) wait(ctx context.Context) bool {
	if p.Delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
