package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunSucceedsAfterRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Policy{MaxAttempts: 5, Delay: 5 * time.Second, Clock: clock, Log: zaptest.NewLogger(t)},
			func(_ context.Context, attempt int) error {
				calls.Add(1)
				if attempt < 3 {
					return errors.New("worker process exited with status 1")
				}
				return nil
			})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range 2 {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(5 * time.Second)
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("supervisor did not finish")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunDoesNotRetryBeforeDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	go func() {
		_ = Run(context.Background(), Policy{MaxAttempts: 3, Delay: time.Minute, Clock: clock},
			func(context.Context, int) error {
				calls.Add(1)
				return errors.New("boom")
			})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunExhaustsAttempts(t *testing.T) {
	var calls int
	err := Run(context.Background(), Policy{MaxAttempts: 3, Delay: 0, Clock: clockwork.NewRealClock()},
		func(context.Context, int) error {
			calls++
			return errors.New("model failed to load")
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Contains(t, err.Error(), "model failed to load")
	assert.Equal(t, 3, calls)
}

func TestRunStopsOnPermanentError(t *testing.T) {
	var calls int
	bad := errors.New("paths.input_dir is required")
	err := Run(context.Background(), Policy{MaxAttempts: 10}, func(context.Context, int) error {
		calls++
		return Permanent(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.False(t, errors.Is(err, ErrAttemptsExhausted))
	assert.Equal(t, 1, calls)
}

func TestRunCancellationSkipsDelayAndAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Policy{MaxAttempts: 10, Delay: time.Hour, Clock: clock}, func(context.Context, int) error {
			calls.Add(1)
			return errors.New("crash")
		})
	}()

	wait, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, clock.BlockUntilContext(wait, 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-wait.Done():
		t.Fatal("cancellation did not interrupt the retry delay")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunInterruptedAttemptIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Run(ctx, Policy{MaxAttempts: 10, Delay: time.Hour}, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("signal: interrupt")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
