package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how often and for how long a retryable call is repeated.
type Policy struct {
	Backoff     Backoff
	MaxAttempts int
	MaxElapsed  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Backoff:     DefaultBackoff(),
		MaxAttempts: 5,
		MaxElapsed:  15 * time.Second,
	}
}

// ExhaustedError is returned once a retryable failure outlives the policy.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// policy runs out. onRetry, when set, is told about every scheduled retry.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	start := time.Now()

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
		if attempt >= maxAttempts {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := p.Backoff.Next(attempt)
		if p.MaxElapsed > 0 && time.Since(start)+wait > p.MaxElapsed {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
