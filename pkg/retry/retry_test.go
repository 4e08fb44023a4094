package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xmhha/transfer-indexer/pkg/rpcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	var waits []time.Duration
	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			waits = append(waits, wait)
		},
	}

	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int
	last := errors.New("i/o timeout #3")

	err := Do(context.Background(), Policy{MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		if calls == 3 {
			return last
		}
		return errors.New("i/o timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestDo_DoesNotRetryPermanent(t *testing.T) {
	var calls int
	permanent := rpcerr.Permanent(errors.New("invalid params"))

	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		return permanent
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_DoesNotRetrySizeLimit(t *testing.T) {
	var calls int
	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		return errors.New("query returned more than 10000 results")
	})

	assert.Equal(t, 1, calls)
	_, ok := rpcerr.SizeLimit(err)
	assert.True(t, ok)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	err := Do(context.Background(), Policy{}, func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		OnRetry:     func(int, time.Duration, error) { cancel() },
	}

	start := time.Now()
	err := Do(ctx, policy, func(ctx context.Context) error {
		return errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "last error: timeout")
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_WaitDoesNotBlockOtherGoroutines(t *testing.T) {
	var slowCalls, fastDone atomic.Int32
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = Do(context.Background(), Policy{MaxAttempts: 2, BaseDelay: 50 * time.Millisecond}, func(ctx context.Context) error {
			slowCalls.Add(1)
			return errors.New("timeout")
		})
	}()

	for i := 0; i < 10; i++ {
		require.NoError(t, Do(context.Background(), Policy{MaxAttempts: 1}, func(ctx context.Context) error {
			fastDone.Add(1)
			return nil
		}))
	}
	assert.Equal(t, int32(10), fastDone.Load())
	<-done
	assert.Equal(t, int32(2), slowCalls.Load())
}

func TestDoValue(t *testing.T) {
	var calls int
	v, err := DoValue(context.Background(), Policy{MaxAttempts: 2}, func(ctx context.Context) (uint64, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("503 service unavailable")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	_, err = DoValue(context.Background(), Policy{MaxAttempts: 1}, func(ctx context.Context) (string, error) {
		return "", rpcerr.Permanent(errors.New("bad"))
	})
	assert.Error(t, err)
}

func TestPolicy(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: 800 * time.Millisecond}
	require.NoError(t, p.Validate())
	assert.Equal(t, 800*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 1600*time.Millisecond, p.Backoff(2))

	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, BaseDelay: -1}.Validate())
}

func TestWait(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), 0))
	assert.NoError(t, Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
}
