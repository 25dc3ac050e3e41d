// Package router selects which provider in a fixed, ordered pool serves an
// embedding or completion request. It retries within a provider, fails over
// between providers, verifies providers against each other, resolves model
// names to providers and keeps routing statistics.
//
// Index 0 of the pool is the primary; every other index is a secondary.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

// Defaults applied by New to zero-valued Options fields.
const (
	DefaultStrategy             = Failover
	DefaultTimeout              = providers.ProviderTimeout
	DefaultDivergenceThreshold  = 0.8
	DefaultSmartLengthThreshold = 1000
)

// DefaultSmartKeywords mark input that asks for analytical depth.
var DefaultSmartKeywords = []string{"explain", "analyze", "analyse", "compare", "evaluate"}

// Options configures a Router. Zero values select the defaults.
type Options struct {
	Strategy Strategy
	// MaxRetries is the number of attempts per provider. Default 3.
	MaxRetries int
	// Timeout bounds a whole public call, retries and backoff included.
	Timeout time.Duration
	// BackoffUnit is multiplied by the attempt number between attempts.
	BackoffUnit time.Duration
	// SkipTerminalRetries stops retrying auth, invalid_request and
	// config_error failures.
	SkipTerminalRetries bool
	// ConcurrentVerification runs both DUAL_VERIFICATION calls at once.
	ConcurrentVerification bool
	// DivergenceThreshold is the cosine similarity below which
	// DUAL_VERIFICATION logs a divergence, within [-1, 1]. Nil selects
	// DefaultDivergenceThreshold; zero is a valid threshold.
	DivergenceThreshold  *float64
	SmartLengthThreshold int
	SmartKeywords        []string

	Breaker *CircuitBreaker
	Metrics *metrics.Registry
	Audit   *audit.Trail
	Logger  *zap.Logger
}

// Router is safe for concurrent use. Its pool and strategy are fixed at
// construction.
type Router struct {
	pool     []providers.Provider
	strategy Strategy
	timeout  time.Duration

	threshold     float64
	smartLength   int
	smartKeywords []string
	concurrent    bool

	retry    *RetryExecutor
	resolver *ModelResolver
	stats    *StatsCollector
	breaker  *CircuitBreaker

	metrics *metrics.Registry
	audit   *audit.Trail
	log     *zap.Logger
}

// New validates opts and builds a Router over pool. An empty pool returns
// ErrNoProviders.
func New(pool []providers.Provider, opts Options) (*Router, error) {
	if len(pool) == 0 {
		return nil, ErrNoProviders
	}
	for i, p := range pool {
		if p == nil {
			return nil, &providers.Error{
				Kind:     providers.KindConfig,
				Provider: "router",
				Op:       "new",
				Message:  fmt.Sprintf("provider at index %d is nil", i),
			}
		}
	}

	if opts.MaxRetries < 0 {
		return nil, configError("max retries must be at least 1, got %d", opts.MaxRetries)
	}
	if opts.Timeout < 0 || (opts.Timeout > 0 && opts.Timeout < time.Second) {
		return nil, configError("timeout must be at least 1s, got %s", opts.Timeout)
	}
	threshold := DefaultDivergenceThreshold
	if opts.DivergenceThreshold != nil {
		threshold = *opts.DivergenceThreshold
	}
	if threshold < -1 || threshold > 1 {
		return nil, configError("divergence threshold must be within [-1, 1], got %g", threshold)
	}
	if opts.Strategy == strategyUnset {
		opts.Strategy = DefaultStrategy
	}
	if !opts.Strategy.Valid() {
		return nil, configError("unknown strategy %s", opts.Strategy)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = providers.MaxRetries
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = DefaultBackoffUnit
	}
	if opts.SmartLengthThreshold <= 0 {
		opts.SmartLengthThreshold = DefaultSmartLengthThreshold
	}
	if opts.SmartKeywords == nil {
		opts.SmartKeywords = DefaultSmartKeywords
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("router")

	keywords := make([]string, 0, len(opts.SmartKeywords))
	for _, k := range opts.SmartKeywords {
		if k = normalize(k); k != "" {
			keywords = append(keywords, k)
		}
	}

	owned := make([]providers.Provider, len(pool))
	copy(owned, pool)

	retry := NewRetryExecutor(opts.MaxRetries, opts.BackoffUnit, log, opts.Metrics).
		SkipTerminal(opts.SkipTerminalRetries).
		WithBreaker(opts.Breaker)

	r := &Router{
		pool:          owned,
		strategy:      opts.Strategy,
		timeout:       opts.Timeout,
		threshold:     threshold,
		smartLength:   opts.SmartLengthThreshold,
		smartKeywords: keywords,
		concurrent:    opts.ConcurrentVerification,
		retry:         retry,
		resolver:      NewModelResolver(owned, log, opts.Metrics),
		stats:         NewStatsCollector(len(owned)),
		breaker:       opts.Breaker,
		metrics:       opts.Metrics,
		audit:         opts.Audit,
		log:           log,
	}

	log.Info("router_initialized",
		zap.String("strategy", r.strategy.String()),
		zap.Strings("providers", r.Providers()),
		zap.Int("max_retries", opts.MaxRetries),
		zap.Duration("timeout", r.timeout),
	)

	return r, nil
}

func configError(format string, args ...any) error {
	return &providers.Error{
		Kind:     providers.KindConfig,
		Provider: "router",
		Op:       "new",
		Message:  fmt.Sprintf(format, args...),
	}
}

type request struct {
	op     providers.Operation
	text   string // embedding input or user prompt
	system string
	model  string
}

type outcome struct {
	vector   []float32
	text     string
	index    int
	model    string
	attempts int
	failover bool
}

// Embed returns the embedding of text. op must be OpQuery or OpDocument.
// modelHint is only consulted by MODEL_BASED.
func (r *Router) Embed(ctx context.Context, op providers.Operation, text, modelHint string) ([]float32, error) {
	if !op.IsEmbedding() {
		return nil, &providers.Error{
			Kind:     providers.KindInvalidRequest,
			Provider: "router",
			Op:       "embed",
			Message:  fmt.Sprintf("operation %s is not an embedding operation", op),
		}
	}
	out, err := r.do(ctx, request{op: op, text: text, model: modelHint})
	if err != nil {
		return nil, err
	}
	return out.vector, nil
}

// Complete generates a completion of prompt under systemPrompt. model is
// only consulted by MODEL_BASED.
func (r *Router) Complete(ctx context.Context, systemPrompt, prompt, model string) (string, error) {
	out, err := r.do(ctx, request{op: providers.OpCompletion, text: prompt, system: systemPrompt, model: model})
	if err != nil {
		return "", err
	}
	return out.text, nil
}

func (r *Router) Statistics() Stats { return r.stats.Snapshot() }

func (r *Router) ResetStatistics() {
	r.stats.Reset()
	r.log.Info("statistics_reset")
}

// IsProviderHealthy probes the provider at index. Out-of-range indexes are
// unhealthy.
func (r *Router) IsProviderHealthy(ctx context.Context, index int) bool {
	if index < 0 || index >= len(r.pool) {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	return r.pool[index].IsOnline(ctx)
}

// AllModels returns every provider's model catalog in pool order.
func (r *Router) AllModels(ctx context.Context) ([]ProviderCatalog, error) {
	return r.resolver.Catalogs(ctx)
}

// FindProviderIndexByModel returns the pool index serving name, or -1 and
// false.
func (r *Router) FindProviderIndexByModel(ctx context.Context, name string) (int, bool) {
	res, ok := r.resolver.Resolve(ctx, name)
	if !ok {
		return -1, false
	}
	return res.Index, true
}

// RefreshModels invalidates the model index; the next lookup rebuilds it.
func (r *Router) RefreshModels() { r.resolver.Refresh() }

func (r *Router) Strategy() Strategy { return r.strategy }

// Providers returns provider names in pool order.
func (r *Router) Providers() []string {
	names := make([]string, len(r.pool))
	for i, p := range r.pool {
		names[i] = p.Name()
	}
	return names
}

func (r *Router) do(ctx context.Context, req request) (outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	out, err := r.route(ctx, req)
	r.finish(req, out, err, time.Since(start))
	return out, err
}

// route is the only place that dispatches on the strategy.
func (r *Router) route(ctx context.Context, req request) (outcome, error) {
	switch r.strategy {
	case PrimaryOnly:
		return r.serveFrom(ctx, req, 0, "")
	case Failover:
		return r.failover(ctx, req)
	case RoundRobin:
		return r.serveFrom(ctx, req, r.stats.NextRoundRobin(len(r.pool)), "")
	case Specialized:
		return r.serveFrom(ctx, req, r.specializedIndex(req.op), "")
	case DualVerification:
		return r.dualVerify(ctx, req)
	case SmartRouting:
		return r.serveFrom(ctx, req, r.smartIndex(req.text), "")
	case ModelBased:
		idx, model := r.resolveTarget(ctx, req.model)
		return r.serveFrom(ctx, req, idx, model)
	}
	return outcome{index: -1}, configError("unknown strategy %s", r.strategy)
}

// serveFrom sends req to exactly one provider.
func (r *Router) serveFrom(ctx context.Context, req request, idx int, model string) (outcome, error) {
	out, err := r.invoke(ctx, req, idx, model)
	if err != nil {
		return out, err
	}
	r.recordServed(req, idx)
	return out, nil
}

// invoke calls one provider through the retry executor.
func (r *Router) invoke(ctx context.Context, req request, idx int, model string) (outcome, error) {
	p := r.pool[idx]
	params := providers.Params{Model: model}
	out := outcome{index: idx, model: model}

	attempts, err := r.retry.Do(ctx, p, req.op, func(ctx context.Context) error {
		if req.op.IsEmbedding() {
			vec, err := p.Embed(ctx, req.op, req.text, params)
			if err != nil {
				return err
			}
			out.vector = vec
			return nil
		}
		text, err := p.Complete(ctx, req.system, req.text, params)
		if err != nil {
			return err
		}
		out.text = text
		return nil
	})
	out.attempts = attempts
	return out, err
}

// failover tries the primary, then the first secondary once. A primary
// whose breaker is open is skipped.
func (r *Router) failover(ctx context.Context, req request) (outcome, error) {
	if len(r.pool) == 1 {
		return r.serveFrom(ctx, req, 0, "")
	}

	primary, secondary := r.pool[0].Name(), r.pool[1].Name()
	var reason string
	attempts := 0

	if r.breaker != nil && !r.breaker.Allow(primary) {
		state := r.breaker.State(primary).String()
		r.metrics.RecordCircuitBreakerRejection(primary, state)
		r.log.Warn("circuit_breaker_open",
			zap.String("provider", primary),
			zap.String("state", state),
		)
		reason = "circuit_open"
	} else {
		out, err := r.invoke(ctx, req, 0, "")
		if err == nil {
			r.recordServed(req, 0)
			return out, nil
		}
		if errors.Is(err, ErrInterrupted) {
			return out, err
		}
		attempts = out.attempts
		reason = string(providers.Classify(err))
	}

	r.stats.RecordFailover()
	r.metrics.RecordFailover(primary, secondary, reason)
	r.log.Warn("failover_triggered",
		zap.String("from", primary),
		zap.String("to", secondary),
		zap.String("reason", reason),
		zap.String("operation", req.op.String()),
	)

	out, err := r.invoke(ctx, req, 1, "")
	out.attempts += attempts
	out.failover = true
	if err != nil {
		r.metrics.RecordFailoverExhausted(primary)
		return out, &RoutingError{Strategy: r.strategy, Op: req.op.String(), Err: err}
	}

	r.log.Info("failover_success",
		zap.String("provider", secondary),
		zap.String("operation", req.op.String()),
	)
	r.recordServed(req, 1)
	return out, nil
}

// dualVerify serves from the primary and compares the first secondary's
// result against it. Divergence is logged, never returned.
func (r *Router) dualVerify(ctx context.Context, req request) (outcome, error) {
	if len(r.pool) < 2 {
		return r.serveFrom(ctx, req, 0, "")
	}

	var (
		primary, secondary outcome
		perr, serr         error
	)

	if r.concurrent {
		var g errgroup.Group
		g.Go(func() error {
			primary, perr = r.invoke(ctx, req, 0, "")
			return nil
		})
		g.Go(func() error {
			secondary, serr = r.invoke(ctx, req, 1, "")
			return nil
		})
		_ = g.Wait()
		if perr != nil {
			return primary, perr
		}
	} else {
		primary, perr = r.invoke(ctx, req, 0, "")
		if perr != nil {
			return primary, perr
		}
		secondary, serr = r.invoke(ctx, req, 1, "")
	}

	if serr != nil {
		r.metrics.RecordDivergence("secondary_error")
		r.log.Warn("verification_skipped",
			zap.String("provider", r.pool[1].Name()),
			zap.String("operation", req.op.String()),
			zap.Error(serr),
		)
	} else {
		r.verify(req, primary, secondary)
	}

	primary.attempts += secondary.attempts
	r.recordServed(req, 0)
	return primary, nil
}

func (r *Router) verify(req request, primary, secondary outcome) {
	if !req.op.IsEmbedding() {
		r.log.Debug("verification_completed",
			zap.String("operation", req.op.String()),
			zap.Int("primary_len", len(primary.text)),
			zap.Int("secondary_len", len(secondary.text)),
			zap.Bool("identical", primary.text == secondary.text),
		)
		return
	}

	if len(primary.vector) != len(secondary.vector) {
		r.metrics.RecordDivergence("dimension_mismatch")
		r.log.Warn("verification_divergence",
			zap.String("reason", "dimension_mismatch"),
			zap.String("operation", req.op.String()),
			zap.Int("primary_dims", len(primary.vector)),
			zap.Int("secondary_dims", len(secondary.vector)),
		)
		return
	}

	sim := CosineSimilarity(primary.vector, secondary.vector)
	r.metrics.ObserveSimilarity(sim)
	if sim < r.threshold {
		r.metrics.RecordDivergence("low_similarity")
		r.log.Warn("verification_divergence",
			zap.String("reason", "low_similarity"),
			zap.String("operation", req.op.String()),
			zap.Float64("similarity", sim),
			zap.Float64("threshold", r.threshold),
		)
		return
	}
	r.log.Debug("verification_completed", zap.Float64("similarity", sim))
}

func (r *Router) specializedIndex(op providers.Operation) int {
	if op == providers.OpCompletion && len(r.pool) > 1 {
		return 1
	}
	return 0
}

// smartIndex sends long or analytical input to the first secondary.
func (r *Router) smartIndex(text string) int {
	if len(r.pool) < 2 {
		return 0
	}
	if utf8.RuneCountInString(text) > r.smartLength {
		return 1
	}
	lower := strings.ToLower(text)
	for _, k := range r.smartKeywords {
		if strings.Contains(lower, k) {
			return 1
		}
	}
	return 0
}

// resolveTarget maps a model hint to a pool index and the registered model
// name to request. Missing and unresolved hints fall back to the primary
// and its default model.
func (r *Router) resolveTarget(ctx context.Context, hint string) (int, string) {
	if strings.TrimSpace(hint) == "" {
		r.log.Warn("model_unresolved_fallback",
			zap.String("reason", "missing"),
			zap.String("provider", r.pool[0].Name()),
		)
		return 0, ""
	}

	res, ok := r.resolver.Resolve(ctx, hint)
	if !ok {
		r.log.Warn("model_unresolved_fallback",
			zap.String("reason", "not_found"),
			zap.String("model", hint),
			zap.String("provider", r.pool[0].Name()),
		)
		return 0, ""
	}

	r.log.Debug("model_resolved",
		zap.String("model", hint),
		zap.String("resolved", res.Model),
		zap.String("provider", res.Provider),
		zap.Int("index", res.Index),
		zap.String("tier", res.Tier.String()),
	)
	return res.Index, res.Model
}

func (r *Router) recordServed(req request, idx int) {
	r.stats.RecordServed(idx)
	r.metrics.RecordServed(r.strategy.String(), req.op.String(), r.pool[idx].Name(), idx == 0)
}

// finish emits the audit decision and failure telemetry for one call.
func (r *Router) finish(req request, out outcome, err error, dur time.Duration) {
	d := audit.Decision{
		Strategy:  r.strategy.String(),
		Operation: req.op.String(),
		Index:     out.index,
		Model:     out.model,
		Attempts:  out.attempts,
		Failover:  out.failover,
		Outcome:   "ok",
		LatencyMs: dur.Milliseconds(),
	}

	if err != nil {
		kind := providers.Classify(err)
		d.Outcome = "error"
		d.ErrorKind = string(kind)
		d.Index = -1
		r.metrics.RecordRouteFailure(r.strategy.String(), req.op.String(), string(kind))
		r.log.Warn("route_failed",
			zap.String("strategy", r.strategy.String()),
			zap.String("operation", req.op.String()),
			zap.String("kind", string(kind)),
			zap.Int("attempts", out.attempts),
			zap.Int64("latency_ms", d.LatencyMs),
			zap.Error(err),
		)
	} else {
		d.Provider = r.pool[out.index].Name()
		r.log.Debug("request_routed",
			zap.String("strategy", r.strategy.String()),
			zap.String("operation", req.op.String()),
			zap.String("provider", d.Provider),
			zap.Int("index", out.index),
			zap.Int("attempts", out.attempts),
			zap.Int64("latency_ms", d.LatencyMs),
		)
	}

	if r.audit != nil {
		r.audit.Record(d)
	}
}
