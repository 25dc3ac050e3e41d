// Package server exposes a Router over HTTP: routed embedding and
// completion endpoints plus the statistics, model catalog and health
// surfaces used to operate it.
package server

import (
	"context"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	routing "github.com/nulpointcorp/llm-router/internal/router"
)

const (
	headerRequestID = "X-Request-ID"
	headerClientID  = "X-Client-ID"
	headerCache     = "X-Cache"

	userValueRequestID = "request_id"

	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 60 * time.Second
)

// Options carries the server's optional collaborators. Every field may be
// left zero.
type Options struct {
	// Vectors caches embedding results. Nil disables caching.
	Vectors *cache.VectorCache
	// Limiter bounds routed requests per minute. Nil disables limiting.
	Limiter ratelimit.Limiter
	Health  *routing.HealthChecker
	Breaker *routing.CircuitBreaker
	Metrics *metrics.Registry
	Logger  *zap.Logger

	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	rt      *routing.Router
	vectors *cache.VectorCache
	limiter ratelimit.Limiter
	health  *routing.HealthChecker
	breaker *routing.CircuitBreaker
	metrics *metrics.Registry
	log     *zap.Logger

	corsOrigins []string
	srv         *fasthttp.Server
}

// New panics on a nil router.
func New(rt *routing.Router, opts Options) *Server {
	if rt == nil {
		panic("server: New called with nil router")
	}

	log := logger.OrNop(opts.Logger).Named("http")

	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	s := &Server{
		rt:          rt,
		vectors:     opts.Vectors,
		limiter:     opts.Limiter,
		health:      opts.Health,
		breaker:     opts.Breaker,
		metrics:     opts.Metrics,
		log:         log,
		corsOrigins: opts.CORSOrigins,
	}

	s.srv = &fasthttp.Server{
		Name:         "llm-router",
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		Logger:       zap.NewStdLog(log),
	}

	return s
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/embeddings", s.instrument("embeddings", s.limited(s.handleEmbeddings)))
	r.POST("/v1/completions", s.instrument("completions", s.limited(s.handleCompletions)))

	r.GET("/v1/models", s.instrument("models", s.handleModels))
	r.GET("/v1/models/lookup", s.instrument("models_lookup", s.handleModelLookup))
	r.POST("/v1/models/refresh", s.instrument("models_refresh", s.handleModelsRefresh))
	r.GET("/v1/providers/{index}/health", s.instrument("provider_health", s.handleProviderHealth))

	r.GET("/stats", s.instrument("stats", s.handleStats))
	r.POST("/stats/reset", s.instrument("stats_reset", s.handleStatsReset))

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("http_listening", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Serve accepts connections from ln until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
