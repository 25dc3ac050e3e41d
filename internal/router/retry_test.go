package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	e := NewRetryExecutor(3, time.Millisecond, nil, metrics.New())
	p := newFake("p0")

	calls := 0
	attempts, err := e.Do(context.Background(), p, providers.OpQuery, func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	e := NewRetryExecutor(2, time.Millisecond, nil, nil)

	attempts, err := e.Do(context.Background(), newFake("p0"), providers.OpCompletion, func(context.Context) error {
		return errBoom
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)

	var re *RetryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "p0", re.Provider)
	assert.Equal(t, "completion", re.Op)
	assert.Equal(t, 2, re.Attempts)
	assert.False(t, re.Interrupted)
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, ErrInterrupted)
}

func TestRetry_RetriesTerminalKindsByDefault(t *testing.T) {
	e := NewRetryExecutor(3, time.Millisecond, nil, nil)
	auth := &providers.Error{Kind: providers.KindAuth, Provider: "p0"}

	attempts, err := e.Do(context.Background(), newFake("p0"), providers.OpQuery, func(context.Context) error {
		return auth
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, providers.KindAuth, providers.Classify(err))
}

func TestRetry_FailedHalfOpenAttemptStopsRetrying(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newCircuitBreaker([]string{"p0"}, CBConfig{ErrorThreshold: 1, HalfOpenTimeout: time.Second}, clk.Now)
	cb.RecordFailure("p0")
	clk.Advance(2 * time.Second)
	require.True(t, cb.Allow("p0"))
	require.Equal(t, BreakerHalfOpen, cb.State("p0"))

	e := NewRetryExecutor(3, time.Millisecond, nil, nil).WithBreaker(cb)
	attempts, err := e.Do(context.Background(), newFake("p0"), providers.OpQuery, func(context.Context) error {
		return errBoom
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, BreakerOpen, cb.State("p0"))
	assert.NotErrorIs(t, err, ErrInterrupted)
}

func TestRetry_HalfOpenSuccessCloses(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newCircuitBreaker([]string{"p0"}, CBConfig{ErrorThreshold: 1, HalfOpenTimeout: time.Second}, clk.Now)
	cb.RecordFailure("p0")
	clk.Advance(2 * time.Second)
	require.True(t, cb.Allow("p0"))

	e := NewRetryExecutor(3, time.Millisecond, nil, nil).WithBreaker(cb)
	attempts, err := e.Do(context.Background(), newFake("p0"), providers.OpQuery, func(context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, BreakerClosed, cb.State("p0"))
}

func TestRetry_SkipTerminal(t *testing.T) {
	e := NewRetryExecutor(3, time.Millisecond, nil, nil).SkipTerminal(true)

	attempts, err := e.Do(context.Background(), newFake("p0"), providers.OpQuery, func(context.Context) error {
		return &providers.Error{Kind: providers.KindInvalidRequest}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	attempts, err = e.Do(context.Background(), newFake("p0"), providers.OpQuery, func(context.Context) error {
		return &providers.Error{Kind: providers.KindRateLimit}
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_LinearBackoff(t *testing.T) {
	unit := 20 * time.Millisecond
	e := NewRetryExecutor(3, unit, nil, nil)

	start := time.Now()
	_, err := e.Do(context.Background(), newFake("p0"), providers.OpQuery, func(context.Context) error {
		return errBoom
	})
	require.Error(t, err)

	// unit*1 + unit*2 between three attempts
	assert.GreaterOrEqual(t, time.Since(start), 3*unit)
}

func TestRetry_CancelDuringBackoff(t *testing.T) {
	e := NewRetryExecutor(3, time.Hour, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	attempts, err := e.Do(ctx, newFake("p0"), providers.OpQuery, func(context.Context) error {
		time.AfterFunc(10*time.Millisecond, cancel)
		return errBoom
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errBoom)

	var re *RetryError
	require.True(t, errors.As(err, &re))
	assert.True(t, re.Interrupted)
}

func TestRetry_ContextAlreadyDone(t *testing.T) {
	e := NewRetryExecutor(3, time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	attempts, err := e.Do(ctx, newFake("p0"), providers.OpQuery, func(context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.Zero(t, attempts)
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestRetry_Defaults(t *testing.T) {
	e := NewRetryExecutor(0, -1, nil, nil)
	assert.Equal(t, providers.MaxRetries, e.MaxRetries())
	assert.Equal(t, DefaultBackoffUnit, e.unit)
}

func TestSleep(t *testing.T) {
	require.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleep(ctx, 0), context.Canceled)
}
