// Package retry re-invokes fallible operations with linear backoff. Only
// failures classified as transient by rpcerr are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/rpcerr"
)

// ErrExhausted is matched by errors.Is when every attempt failed
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy configures Do
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number to get the wait after
	// that attempt fails
	BaseDelay time.Duration
	// OnRetry is called before each wait
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Validate validates the policy
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay cannot be negative")
	}
	return nil
}

// Backoff returns the wait that follows the given failed attempt (1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.attempts, e.err)
}

func (e *exhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.err}
}

// Do runs op until it succeeds, returns a non-transient error, or the
// attempt budget is spent. The last error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !rpcerr.IsTransient(err) {
			return err
		}
		if attempt >= attempts {
			return &exhaustedError{attempts: attempt, err: err}
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if werr := Wait(ctx, wait); werr != nil {
			return fmt.Errorf("%w (last error: %v)", werr, err)
		}
	}
}

// DoValue is Do for operations that produce a value
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Wait blocks for d or until ctx is done. It suspends only the calling
// goroutine.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
