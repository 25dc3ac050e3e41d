// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     external connections (Redis when needed)
//  2. initProviders the ordered provider pool
//  3. initServices  metrics, audit trail, circuit breaker, cache, limiter
//  4. initRouter    the strategy router and its health checker
//  5. initServer    the HTTP surface
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/server"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *zap.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	memCache *cache.MemoryCache
	vectors  *cache.VectorCache
	limiter  ratelimit.Limiter
	breaker  *router.CircuitBreaker
	trail    *audit.Trail
	prom     *metrics.Registry

	pool   []providers.Provider
	health *router.HealthChecker
	rt     *router.Router
	srv    *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: logger.OrNop(log)}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"router", a.initRouter},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Router exposes the configured router for embedding callers.
func (a *App) Router() *router.Router { return a.rt }

// Run serves HTTP until ctx is cancelled or the server fails, then shuts
// the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("router_starting",
		zap.String("version", a.version),
		zap.String("addr", addr),
		zap.String("strategy", a.rt.Strategy().String()),
		zap.Strings("providers", a.rt.Providers()),
		zap.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("http_shutdown_failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call more
// than once.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.trail != nil {
		if err := a.trail.Close(); err != nil {
			a.log.Error("audit_close_failed", zap.Error(err))
		}
		a.trail = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis_close_failed", zap.Error(err))
		}
		a.rdb = nil
	}
	_ = a.log.Sync()
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
