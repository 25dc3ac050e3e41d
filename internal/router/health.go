package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	DefaultHealthInterval = 30 * time.Second
	healthProbeTimeout    = 5 * time.Second
)

const (
	statusUnknown  = "unknown"
	statusOK       = "ok"
	statusDegraded = "degraded"
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthChecker runs background liveness probes against the pool and
// exposes the latest results. It never influences routing.
type HealthChecker struct {
	pool       []providers.Provider
	cacheReady func(context.Context) bool
	baseCtx    context.Context
	interval   time.Duration
	metrics    *metrics.Registry
	log        *zap.Logger

	statuses    []*componentStatus
	cacheStatus componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// HealthOption configures a HealthChecker.
type HealthOption func(*HealthChecker)

// WithCacheProbe adds a cache readiness probe. Without one the cache is
// reported "ok".
func WithCacheProbe(ready func(context.Context) bool) HealthOption {
	return func(hc *HealthChecker) { hc.cacheReady = ready }
}

func WithHealthInterval(d time.Duration) HealthOption {
	return func(hc *HealthChecker) {
		if d > 0 {
			hc.interval = d
		}
	}
}

func WithHealthMetrics(m *metrics.Registry) HealthOption {
	return func(hc *HealthChecker) { hc.metrics = m }
}

func WithHealthLogger(log *zap.Logger) HealthOption {
	return func(hc *HealthChecker) {
		if log != nil {
			hc.log = log
		}
	}
}

// NewHealthChecker creates a HealthChecker and starts background probes.
// The first probe runs synchronously so the snapshot is never all
// "unknown".
func NewHealthChecker(ctx context.Context, pool []providers.Provider, opts ...HealthOption) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		pool:      pool,
		baseCtx:   ctx,
		interval:  DefaultHealthInterval,
		log:       zap.NewNop(),
		statuses:  make([]*componentStatus, len(pool)),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(hc)
	}
	for i := range pool {
		hc.statuses[i] = &componentStatus{status: statusUnknown}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the current health state of every component.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
}

func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := statusOK

	provs := make(map[string]string, len(hc.pool))
	for i, p := range hc.pool {
		st := hc.statuses[i].get()
		provs[p.Name()] = st
		if st != statusOK {
			overall = statusDegraded
		}
	}

	cache := hc.cacheStatus.get()
	if cache != statusOK {
		overall = statusDegraded
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         cache,
	}
}

// ProviderStatus returns the last probe result for the provider at index.
func (hc *HealthChecker) ProviderStatus(index int) string {
	if index < 0 || index >= len(hc.statuses) {
		return statusUnknown
	}
	return hc.statuses[index].get()
}

// Close stops the background probe goroutine. It is safe to call twice.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var g errgroup.Group

	for i, p := range hc.pool {
		s := hc.statuses[i]
		g.Go(func() error {
			ok := p.IsOnline(ctx)
			if ok {
				s.set(statusOK)
			} else {
				s.set(statusDegraded)
				hc.log.Debug("provider_probe_failed", zap.String("provider", p.Name()), zap.Int("index", i))
			}
			hc.metrics.SetProviderHealth(p.Name(), ok)
			return nil
		})
	}

	g.Go(func() error {
		if hc.cacheReady == nil || hc.cacheReady(ctx) {
			hc.cacheStatus.set(statusOK)
		} else {
			hc.cacheStatus.set(statusDegraded)
		}
		return nil
	})

	_ = g.Wait()
}
