// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Every recording method is safe to call on a nil *Registry, which makes
// metrics optional for library users and tests.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_requests_total{strategy,operation,provider,role}
	routed *prometheus.CounterVec

	// router_request_failures_total{strategy,operation,kind}
	routeFailures *prometheus.CounterVec

	// router_upstream_attempts_total{provider,operation,outcome}
	upstreamAttempts *prometheus.CounterVec

	// router_upstream_attempt_duration_seconds{provider,operation,outcome}
	upstreamDuration *prometheus.HistogramVec

	// router_retries_total{provider,kind}
	retries *prometheus.CounterVec

	// router_retry_exhausted_total{provider}
	retryExhausted *prometheus.CounterVec

	// router_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec

	// router_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// router_model_resolutions_total{tier}
	resolutions *prometheus.CounterVec

	// router_model_index_builds_total
	indexBuilds prometheus.Counter

	// router_verification_similarity
	similarity prometheus.Histogram

	// router_verification_divergence_total{reason}
	divergence *prometheus.CounterVec

	// router_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// router_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// router_circuit_breaker_state{provider}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// router_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// router_circuit_breaker_rejections_total{provider,state}
	cbRejections *prometheus.CounterVec

	// router_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// router_audit_dropped_total
	auditDropped prometheus.Counter

	// router_build_info{version,strategy}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_requests_total",
				Help: "Requests served, by strategy and serving provider (role=primary|secondary)",
			},
			[]string{"strategy", "operation", "provider", "role"},
		),

		routeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_request_failures_total",
				Help: "Requests that failed after every permitted attempt",
			},
			[]string{"strategy", "operation", "kind"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries and failovers)",
			},
			[]string{"provider", "operation", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"provider", "operation", "outcome"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_retries_total",
				Help: "Retries scheduled after a failed attempt, by error kind",
			},
			[]string{"provider", "kind"},
		),

		retryExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_retry_exhausted_total",
				Help: "Calls that used every retry against a single provider",
			},
			[]string{"provider"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_events_total",
				Help: "Failover events from the primary to a secondary provider",
			},
			[]string{"from", "to", "reason"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_exhausted_total",
				Help: "Requests where the secondary also failed after failover",
			},
			[]string{"primary"},
		),

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_model_resolutions_total",
				Help: "Model hint resolutions by matching tier (exact, alias, substring_name, substring_alias, none)",
			},
			[]string{"tier"},
		),

		indexBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_model_index_builds_total",
			Help: "Model index rebuilds",
		}),

		similarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "router_verification_similarity",
			Help:    "Cosine similarity between primary and secondary embeddings under dual verification",
			Buckets: []float64{-1, 0, 0.5, 0.7, 0.8, 0.9, 0.95, 0.99, 1},
		}),

		divergence: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_verification_divergence_total",
				Help: "Dual verification divergences (low_similarity, dimension_mismatch, secondary_failed)",
			},
			[]string{"reason"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cache_operations_total",
				Help: "Embedding cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_rejections_total",
				Help: "Attempts skipped because the provider's breaker was open",
			},
			[]string{"provider", "state"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_provider_health",
				Help: "Provider liveness (1=online, 0=offline)",
			},
			[]string{"provider"},
		),

		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_audit_dropped_total",
			Help: "Routing decisions dropped because the audit buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version", "strategy"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.routed,
		r.routeFailures,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.retries,
		r.retryExhausted,
		r.failoverEvents,
		r.failoverExhausted,
		r.resolutions,
		r.indexBuilds,
		r.similarity,
		r.divergence,
		r.cacheOps,
		r.rateLimitTotal,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.providerHealth,
		r.auditDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordServed counts a request served by provider under strategy.
func (r *Registry) RecordServed(strategy, operation, provider string, primary bool) {
	if r == nil {
		return
	}
	role := "secondary"
	if primary {
		role = "primary"
	}
	r.routed.WithLabelValues(strategy, operation, provider, role).Inc()
}

func (r *Registry) RecordRouteFailure(strategy, operation, kind string) {
	if r != nil {
		r.routeFailures.WithLabelValues(strategy, operation, kind).Inc()
	}
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, operation, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(provider, operation, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, operation, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRetry(provider, kind string) {
	if r != nil {
		r.retries.WithLabelValues(provider, kind).Inc()
	}
}

func (r *Registry) RecordRetryExhausted(provider string) {
	if r != nil {
		r.retryExhausted.WithLabelValues(provider).Inc()
	}
}

func (r *Registry) RecordFailover(from, to, reason string) {
	if r != nil {
		r.failoverEvents.WithLabelValues(from, to, reason).Inc()
	}
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	if r != nil {
		r.failoverExhausted.WithLabelValues(primary).Inc()
	}
}

func (r *Registry) RecordResolution(tier string) {
	if r != nil {
		r.resolutions.WithLabelValues(tier).Inc()
	}
}

func (r *Registry) RecordIndexBuild() {
	if r != nil {
		r.indexBuilds.Inc()
	}
}

func (r *Registry) ObserveSimilarity(v float64) {
	if r != nil {
		r.similarity.Observe(v)
	}
}

func (r *Registry) RecordDivergence(reason string) {
	if r != nil {
		r.divergence.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) RecordRateLimit(result string) {
	if r != nil {
		r.rateLimitTotal.WithLabelValues(result).Inc()
	}
}

func (r *Registry) CacheGetHit() {
	if r != nil {
		r.cacheOps.WithLabelValues("get", "hit").Inc()
	}
}

func (r *Registry) CacheGetMiss() {
	if r != nil {
		r.cacheOps.WithLabelValues("get", "miss").Inc()
	}
}

func (r *Registry) CacheSetOK() {
	if r != nil {
		r.cacheOps.WithLabelValues("set", "ok").Inc()
	}
}

func (r *Registry) CacheSetError() {
	if r != nil {
		r.cacheOps.WithLabelValues("set", "error").Inc()
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) RecordAuditDropped() {
	if r != nil {
		r.auditDropped.Inc()
	}
}

func (r *Registry) SetBuildInfo(version, strategy string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version, strategy).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	if r == nil {
		return
	}
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	if r != nil {
		r.cbRejections.WithLabelValues(provider, state).Inc()
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
