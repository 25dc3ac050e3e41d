package router

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// BreakerState is the operational state of one provider's breaker.
//
//	BreakerClosed   normal operation; attempts pass through.
//	BreakerOpen     provider is failing; FAILOVER skips it.
//	BreakerHalfOpen one probe attempt is let through to test recovery.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerOpen     BreakerState = 1
	BreakerHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the defaults in the providers package.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: providers.CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	// Default: providers.CBTimeWindow (60s).
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe. Default: providers.CBHalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return providers.CBHalfOpenTimeout
}

type providerCB struct {
	mu sync.Mutex

	state         BreakerState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker tracks an independent breaker per provider name. It is safe
// for concurrent use.
type CircuitBreaker struct {
	breakers map[string]*providerCB
	cfg      CBConfig
	now      func() time.Time
}

// NewCircuitBreaker creates closed breakers for the named providers. The
// set is fixed, like the pool it mirrors.
func NewCircuitBreaker(names []string, cfg CBConfig) *CircuitBreaker {
	return newCircuitBreaker(names, cfg, time.Now)
}

// newCircuitBreaker reads every timestamp, window starts included, from now.
func newCircuitBreaker(names []string, cfg CBConfig, now func() time.Time) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*providerCB, len(names)),
		cfg:      cfg,
		now:      now,
	}
	for _, name := range names {
		cb.breakers[name] = &providerCB{state: BreakerClosed, windowStart: cb.now()}
	}
	return cb
}

// Allow reports whether provider should receive the next attempt.
//
//   - Closed   → always true.
//   - Open     → false until HalfOpenTimeout has elapsed, then one probe.
//   - HalfOpen → true only if no probe is in flight.
//
// Unknown providers are always allowed.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.breakers[provider]
	if pcb == nil {
		return true
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case BreakerOpen:
		if cb.now().Sub(pcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			pcb.state = BreakerHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false

	case BreakerHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess closes the breaker regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.breakers[provider]
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = BreakerClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = cb.now()
}

// RecordFailure counts an error; ErrorThreshold errors inside TimeWindow
// open the breaker. A failed half-open probe reopens it immediately.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.breakers[provider]
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := cb.now()

	if pcb.state == BreakerHalfOpen {
		pcb.state = BreakerOpen
		pcb.openedAt = now
		pcb.probeInflight = false
		return
	}

	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = BreakerOpen
		pcb.openedAt = now
	}
}

func (cb *CircuitBreaker) State(provider string) BreakerState {
	pcb := cb.breakers[provider]
	if pcb == nil {
		return BreakerClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// States returns the state label of every tracked provider.
func (cb *CircuitBreaker) States() map[string]string {
	out := make(map[string]string, len(cb.breakers))
	for name := range cb.breakers {
		out[name] = cb.State(name).String()
	}
	return out
}
