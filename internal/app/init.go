package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-router/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/llm-router/internal/providers/gemini"
	ollamaprov "github.com/nulpointcorp/llm-router/internal/providers/ollama"
	openaiprov "github.com/nulpointcorp/llm-router/internal/providers/openai"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/server"
)

// initInfra connects to Redis when the cache or the rate limiter needs it.
// A cache in redis mode requires the connection; the limiter only uses it
// when present.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}
	if a.cfg.Cache.Mode != "redis" && a.cfg.RateLimit.RPMLimit == 0 {
		return nil
	}

	a.log.Info("redis_connecting", zap.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		if a.cfg.Cache.Mode == "redis" {
			return fmt.Errorf("redis: %w", err)
		}
		a.log.Warn("redis_unavailable", zap.Error(err))
		return nil
	}
	a.rdb = rdb
	a.log.Info("redis_connected")

	return nil
}

// initProviders builds the pool in PROVIDER_ORDER. Config validation has
// already checked that every listed provider has credentials.
func (a *App) initProviders(ctx context.Context) error {
	pool, err := buildProviders(ctx, a.cfg)
	if err != nil {
		return err
	}
	if len(pool) == 0 {
		return fmt.Errorf("no providers configured")
	}
	a.pool = pool

	a.log.Info("providers_loaded", zap.Strings("providers", a.cfg.ProviderOrder))
	return nil
}

// initServices creates metrics, the audit trail, the circuit breaker, the
// embedding cache and the rate limiter.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version, a.cfg.Routing.Strategy.String())

	trail, err := audit.New(a.log.Named("audit"), audit.WithDropHook(a.prom.RecordAuditDropped))
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	a.trail = trail

	if a.cfg.CircuitBreaker.Enabled {
		a.breaker = router.NewCircuitBreaker(poolNames(a.pool), router.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		})
	}

	var backend cache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		backend = cache.NewRedisCacheFromClient(a.rdb, a.log.Named("cache"))
		a.log.Info("cache_backend", zap.String("mode", "redis"))
	case "memory":
		a.memCache = cache.NewMemoryCache(ctx, a.cfg.Cache.MaxEntries)
		backend = a.memCache
		a.log.Info("cache_backend", zap.String("mode", "memory"), zap.Int("max_entries", a.cfg.Cache.MaxEntries))
	case "none":
		a.log.Info("cache_backend", zap.String("mode", "none"))
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if backend != nil {
		exclusions, err := cache.ParseExclusions(a.cfg.Cache.Exclude)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		if exclusions.Len() > 0 {
			a.log.Info("cache_exclusions_loaded", zap.Int("rules", exclusions.Len()))
		}
		a.vectors = cache.NewVectorCache(backend, a.cfg.Cache.TTL,
			cache.WithNamespace(cacheNamespace(a.cfg)),
			cache.WithExclusions(exclusions),
			cache.WithMetrics(a.prom),
		)
	}

	if rpm := a.cfg.RateLimit.RPMLimit; rpm > 0 {
		if a.rdb != nil {
			a.limiter = ratelimit.NewRPMLimiter(a.rdb, rpm, a.log.Named("ratelimit"))
			a.log.Info("rate_limiting_enabled", zap.String("backend", "redis"), zap.Int("rpm_limit", rpm))
		} else {
			a.limiter = ratelimit.NewLocalLimiter(rpm)
			a.log.Info("rate_limiting_enabled", zap.String("backend", "local"), zap.Int("rpm_limit", rpm))
		}
	}

	return nil
}

func (a *App) initRouter(ctx context.Context) error {
	rc := a.cfg.Routing

	rt, err := router.New(a.pool, router.Options{
		Strategy:               rc.Strategy,
		MaxRetries:             rc.MaxRetries,
		Timeout:                rc.Timeout,
		BackoffUnit:            rc.RetryBackoff,
		SkipTerminalRetries:    rc.SkipTerminalRetries,
		ConcurrentVerification: rc.VerifyConcurrent,
		DivergenceThreshold:    &rc.VerifyThreshold,
		SmartLengthThreshold:   rc.SmartLengthThreshold,
		SmartKeywords:          rc.SmartKeywords,
		Breaker:                a.breaker,
		Metrics:                a.prom,
		Audit:                  a.trail,
		Logger:                 a.log,
	})
	if err != nil {
		return err
	}
	a.rt = rt

	healthOpts := []router.HealthOption{
		router.WithHealthInterval(a.cfg.HealthInterval),
		router.WithHealthMetrics(a.prom),
		router.WithHealthLogger(a.log),
	}
	if a.vectors != nil {
		healthOpts = append(healthOpts, router.WithCacheProbe(a.vectors.Ping))
	}
	a.health = router.NewHealthChecker(ctx, a.pool, healthOpts...)

	return nil
}

func (a *App) initServer(_ context.Context) error {
	a.srv = server.New(a.rt, server.Options{
		Vectors:     a.vectors,
		Limiter:     a.limiter,
		Health:      a.health,
		Breaker:     a.breaker,
		Metrics:     a.prom,
		Logger:      a.log,
		CORSOrigins: a.cfg.CORSOrigins,
	})
	return nil
}

// buildProviders creates one provider per PROVIDER_ORDER entry, each
// carrying the configured model aliases.
func buildProviders(ctx context.Context, cfg *config.Config) ([]providers.Provider, error) {
	pool := make([]providers.Provider, 0, len(cfg.ProviderOrder))

	for _, name := range cfg.ProviderOrder {
		var p providers.Provider

		switch name {
		case config.ProviderOpenAI:
			p = openaiprov.New(cfg.OpenAI.APIKey,
				openaiprov.WithBaseURL(cfg.OpenAI.BaseURL),
				openaiprov.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
				openaiprov.WithCompletionModel(cfg.OpenAI.CompletionModel),
			)

		case config.ProviderOllama:
			p = ollamaprov.New(
				ollamaprov.WithBaseURL(cfg.Ollama.BaseURL),
				ollamaprov.WithEmbeddingModel(cfg.Ollama.EmbeddingModel),
				ollamaprov.WithCompletionModel(cfg.Ollama.CompletionModel),
			)

		case config.ProviderAnthropic:
			var opts []anthropicprov.Option
			if cfg.Anthropic.BaseURL != "" {
				opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
			}
			opts = append(opts, anthropicprov.WithCompletionModel(cfg.Anthropic.CompletionModel))
			p = anthropicprov.New(cfg.Anthropic.APIKey, opts...)

		case config.ProviderGemini:
			opts := []geminiprov.Option{
				geminiprov.WithEmbeddingModel(cfg.Gemini.EmbeddingModel),
				geminiprov.WithCompletionModel(cfg.Gemini.CompletionModel),
			}
			if cfg.Gemini.BaseURL != "" {
				opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
			}
			gp, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
			if err != nil {
				return nil, err
			}
			p = gp

		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}

		pool = append(pool, providers.WithAliases(p, cfg.ModelAliases))
	}

	return pool, nil
}

func poolNames(pool []providers.Provider) []string {
	names := make([]string, len(pool))
	for i, p := range pool {
		names[i] = p.Name()
	}
	return names
}

// cacheNamespace scopes cached vectors to the strategy and pool: a
// different pool or strategy may serve a text from another provider.
func cacheNamespace(cfg *config.Config) string {
	return cfg.Routing.Strategy.String() + "/" + strings.Join(cfg.ProviderOrder, ",")
}
