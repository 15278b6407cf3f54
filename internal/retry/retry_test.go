package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func TestDo(t *testing.T) {
	errFatal := errors.New("fatal")
	for _, c := range []struct {
		name      string
		policy    Policy
		failures  int
		failWith  error
		wantCalls int
		wantErr   error
	}{
		{name: "first try", policy: Policy{Attempts: 3}, wantCalls: 1},
		{name: "second try", policy: Policy{Attempts: 3}, failures: 1, failWith: errFlaky, wantCalls: 2},
		{name: "exhausted", policy: Policy{Attempts: 3}, failures: 5, failWith: errFlaky, wantCalls: 3, wantErr: errFlaky},
		{name: "zero attempts means one", policy: Policy{}, failures: 5, failWith: errFlaky, wantCalls: 1, wantErr: errFlaky},
		{
			name:      "not retryable",
			policy:    Policy{Attempts: 3, Retryable: func(err error) bool { return errors.Is(err, errFlaky) }},
			failures:  5,
			failWith:  errFatal,
			wantCalls: 1,
			wantErr:   errFatal,
		},
		{name: "with delay", policy: Policy{Attempts: 2, Delay: time.Millisecond}, failures: 1, failWith: errFlaky, wantCalls: 2},
	} {
		calls := 0
		err := c.policy.Do(context.Background(), func() error {
			calls++
			if calls <= c.failures {
				return c.failWith
			}
			return nil
		})
		if !errors.Is(err, c.wantErr) || (c.wantErr == nil && err != nil) {
			t.Errorf("%s: Do = %v, want: %v", c.name, err, c.wantErr)
		}
		if calls != c.wantCalls {
			t.Errorf("%s: %d calls, want: %d", c.name, calls, c.wantCalls)
		}
	}
}

func TestDoReportsAttempts(t *testing.T) {
	err := Policy{Attempts: 3}.Do(context.Background(), func() error { return errFlaky })
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Do = %v", err)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Policy{Attempts: 5, Delay: time.Hour}.Do(ctx, func() error {
		calls++
		return errFlaky
	})
	if calls != 1 || !errors.Is(err, errFlaky) {
		t.Errorf("Do after cancel = %v with %d calls", err, calls)
	}
}
