package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

// DefaultBackoffUnit is the delay multiplied by the attempt number between
// attempts: 1s, 2s, 3s, ...
const DefaultBackoffUnit = time.Second

// RetryExecutor calls a single provider up to maxRetries times. It never
// switches providers.
type RetryExecutor struct {
	maxRetries   int
	unit         time.Duration
	skipTerminal bool
	breaker      *CircuitBreaker
	log          *zap.Logger
	metrics      *metrics.Registry
}

// NewRetryExecutor builds an executor. maxRetries < 1 becomes
// providers.MaxRetries; a negative unit becomes DefaultBackoffUnit.
func NewRetryExecutor(maxRetries int, unit time.Duration, log *zap.Logger, m *metrics.Registry) *RetryExecutor {
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}
	if unit < 0 {
		unit = DefaultBackoffUnit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryExecutor{maxRetries: maxRetries, unit: unit, log: log, metrics: m}
}

// SkipTerminal stops retrying errors whose kind can never succeed on retry
// (auth, invalid_request, config_error).
func (e *RetryExecutor) SkipTerminal(skip bool) *RetryExecutor {
	e.skipTerminal = skip
	return e
}

// WithBreaker feeds every attempt outcome into cb.
func (e *RetryExecutor) WithBreaker(cb *CircuitBreaker) *RetryExecutor {
	e.breaker = cb
	return e
}

func (e *RetryExecutor) MaxRetries() int { return e.maxRetries }

// Do runs call against p until it succeeds, attempts run out, or ctx ends.
// It returns the number of attempts made. Failures are *RetryError.
//
// An attempt made while p's breaker is half-open is the recovery probe; when
// it fails the breaker reopens and Do stops without spending the remaining
// attempts.
func (e *RetryExecutor) Do(ctx context.Context, p providers.Provider, op providers.Operation, call func(context.Context) error) (int, error) {
	name := p.Name()
	opName := op.String()

	var lastErr error
	attempt := 0

	for attempt < e.maxRetries {
		if err := ctx.Err(); err != nil {
			return attempt, e.interrupted(name, opName, attempt, lastErr, err)
		}

		attempt++
		probing := e.breaker != nil && e.breaker.State(name) == BreakerHalfOpen
		start := time.Now()
		err := call(ctx)
		dur := time.Since(start)

		if err == nil {
			e.metrics.ObserveUpstreamAttempt(name, opName, "ok", dur)
			e.recordBreaker(name, true)
			if attempt > 1 {
				e.log.Info("provider_recovered",
					zap.String("provider", name),
					zap.String("operation", opName),
					zap.Int("attempt", attempt),
				)
			}
			return attempt, nil
		}

		lastErr = err
		kind := providers.Classify(err)
		e.metrics.ObserveUpstreamAttempt(name, opName, string(kind), dur)
		e.recordBreaker(name, false)

		e.log.Warn("provider_attempt_failed",
			zap.String("provider", name),
			zap.String("operation", opName),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.maxRetries),
			zap.String("kind", string(kind)),
			zap.Int64("latency_ms", dur.Milliseconds()),
			zap.Error(err),
		)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, e.interrupted(name, opName, attempt, lastErr, ctxErr)
		}

		if probing {
			e.log.Warn("provider_half_open_failed",
				zap.String("provider", name),
				zap.String("operation", opName),
				zap.Int("attempt", attempt),
				zap.String("kind", string(kind)),
			)
			return attempt, &RetryError{Provider: name, Op: opName, Attempts: attempt, Kind: kind, Err: lastErr}
		}

		if e.skipTerminal && kind.Terminal() {
			e.log.Warn("provider_error_terminal",
				zap.String("provider", name),
				zap.String("operation", opName),
				zap.String("kind", string(kind)),
			)
			return attempt, &RetryError{Provider: name, Op: opName, Attempts: attempt, Kind: kind, Err: lastErr}
		}

		if attempt >= e.maxRetries {
			break
		}

		e.metrics.RecordRetry(name, string(kind))
		if err := sleep(ctx, e.unit*time.Duration(attempt)); err != nil {
			return attempt, e.interrupted(name, opName, attempt, lastErr, err)
		}
	}

	e.metrics.RecordRetryExhausted(name)
	e.log.Warn("provider_retries_exhausted",
		zap.String("provider", name),
		zap.String("operation", opName),
		zap.Int("attempts", attempt),
		zap.Error(lastErr),
	)

	return attempt, &RetryError{
		Provider: name,
		Op:       opName,
		Attempts: attempt,
		Kind:     providers.Classify(lastErr),
		Err:      lastErr,
	}
}

func (e *RetryExecutor) interrupted(provider, op string, attempts int, lastErr, ctxErr error) *RetryError {
	kind := providers.KindTimeout
	if lastErr != nil {
		kind = providers.Classify(lastErr)
	}
	if lastErr == nil {
		lastErr = ctxErr
	}
	return &RetryError{
		Provider:    provider,
		Op:          op,
		Attempts:    attempts,
		Kind:        kind,
		Interrupted: true,
		Err:         lastErr,
		ctxErr:      ctxErr,
	}
}

func (e *RetryExecutor) recordBreaker(provider string, ok bool) {
	if e.breaker == nil {
		return
	}
	if ok {
		e.breaker.RecordSuccess(provider)
	} else {
		e.breaker.RecordFailure(provider)
	}
	e.metrics.SetCircuitBreaker(provider, int64(e.breaker.State(provider)))
}

// sleep waits for d or until ctx ends, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
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
