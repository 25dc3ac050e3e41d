package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

func newRouter(t *testing.T, s Strategy, ps ...*funcProvider) *Router {
	t.Helper()
	r, err := New(pool(ps...), Options{Strategy: s, BackoffUnit: time.Millisecond})
	require.NoError(t, err)
	return r
}

func observed(t *testing.T, s Strategy, ps ...*funcProvider) (*Router, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	r, err := New(pool(ps...), Options{Strategy: s, BackoffUnit: time.Millisecond, Logger: zap.New(core)})
	require.NoError(t, err)
	return r, logs
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{})
	require.ErrorIs(t, err, ErrNoProviders)
	assert.Equal(t, providers.KindConfig, providers.Classify(err))

	_, err = New([]providers.Provider{nil}, Options{})
	assert.Equal(t, providers.KindConfig, providers.Classify(err))

	_, err = New(pool(newFake("p0")), Options{MaxRetries: -1})
	assert.Equal(t, providers.KindConfig, providers.Classify(err))

	_, err = New(pool(newFake("p0")), Options{Timeout: -time.Second})
	assert.Error(t, err)

	_, err = New(pool(newFake("p0")), Options{Timeout: 500 * time.Millisecond})
	assert.Equal(t, providers.KindConfig, providers.Classify(err))

	tooHigh := 1.5
	_, err = New(pool(newFake("p0")), Options{DivergenceThreshold: &tooHigh})
	assert.Equal(t, providers.KindConfig, providers.Classify(err))

	_, err = New(pool(newFake("p0")), Options{Strategy: Strategy(99)})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	r, err := New(pool(newFake("p0"), newFake("p1")), Options{})
	require.NoError(t, err)

	assert.Equal(t, Failover, r.Strategy())
	assert.Equal(t, providers.MaxRetries, r.retry.MaxRetries())
	assert.Equal(t, DefaultTimeout, r.timeout)
	assert.Equal(t, DefaultDivergenceThreshold, r.threshold)
	assert.Equal(t, []string{"p0", "p1"}, r.Providers())
}

func TestPrimaryOnly_NeverTouchesSecondary(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	r := newRouter(t, PrimaryOnly, p0, p1)

	for i := 0; i < 5; i++ {
		_, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
		require.NoError(t, err)
		_, err = r.Complete(context.Background(), "", "explain everything", "gpt-4")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(10), p0.calls())
	assert.Zero(t, p1.calls())
	assert.Equal(t, uint64(10), r.Statistics().PrimaryRequests)
}

func TestPrimaryOnly_ExhaustionReturnsRetryError(t *testing.T) {
	p0, p1 := failing("p0", errBoom), newFake("p1")
	r := newRouter(t, PrimaryOnly, p0, p1)

	_, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.Error(t, err)

	var re *RetryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "p0", re.Provider)
	assert.Equal(t, 3, re.Attempts)
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, p1.calls())
	assert.Zero(t, r.Statistics().TotalRequests())
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	r := newRouter(t, Failover, p0, p1)

	_, err := r.Embed(context.Background(), providers.OpDocument, "chunk", "")
	require.NoError(t, err)

	assert.Equal(t, int64(1), p0.calls())
	assert.Zero(t, p1.calls())
	st := r.Statistics()
	assert.Zero(t, st.FailoverEvents)
	assert.Equal(t, uint64(1), st.PrimaryRequests)
}

func TestFailover_PrimaryExhausted(t *testing.T) {
	p0, p1 := failing("p0", errBoom), newFake("p1")
	r, logs := observed(t, Failover, p0, p1)

	vec, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)

	assert.Equal(t, int64(3), p0.calls())
	assert.Equal(t, int64(1), p1.calls())

	st := r.Statistics()
	assert.Equal(t, uint64(1), st.FailoverEvents)
	assert.Equal(t, uint64(1), st.SecondaryRequests)
	assert.Zero(t, st.PrimaryRequests)

	assert.Equal(t, 1, logs.FilterMessage("failover_triggered").Len())
	assert.Equal(t, 1, logs.FilterMessage("failover_success").Len())
	assert.Equal(t, 3, logs.FilterMessage("provider_attempt_failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("provider_retries_exhausted").Len())
}

func TestFailover_BothFail(t *testing.T) {
	cause := &providers.Error{Kind: providers.KindServiceUnavailable, Provider: "p1", Op: "complete"}
	p0, p1 := failing("p0", errBoom), failing("p1", cause)
	r := newRouter(t, Failover, p0, p1)

	_, err := r.Complete(context.Background(), "", "hi", "")
	require.Error(t, err)

	var re *RoutingError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, Failover, re.Strategy)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, providers.KindServiceUnavailable, providers.Classify(err))

	assert.Equal(t, int64(3), p0.calls())
	assert.Equal(t, int64(3), p1.calls())
	assert.Equal(t, uint64(1), r.Statistics().FailoverEvents)
	assert.Zero(t, r.Statistics().TotalRequests())
}

func TestFailover_SingleProviderBehavesLikePrimaryOnly(t *testing.T) {
	p0 := failing("p0", errBoom)
	r := newRouter(t, Failover, p0)

	_, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.Error(t, err)

	var re *RetryError
	assert.True(t, errors.As(err, &re))
	assert.Zero(t, r.Statistics().FailoverEvents)
}

func TestFailover_OpenBreakerSkipsPrimary(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	cb := NewCircuitBreaker([]string{"p0", "p1"}, CBConfig{ErrorThreshold: 1, HalfOpenTimeout: time.Hour})
	cb.RecordFailure("p0")

	r, err := New(pool(p0, p1), Options{Strategy: Failover, BackoffUnit: time.Millisecond, Breaker: cb})
	require.NoError(t, err)

	_, err = r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)

	assert.Zero(t, p0.calls())
	assert.Equal(t, int64(1), p1.calls())
	assert.Equal(t, uint64(1), r.Statistics().FailoverEvents)
}

func TestFailover_RetriesFeedBreaker(t *testing.T) {
	p0, p1 := failing("p0", errBoom), newFake("p1")
	cb := NewCircuitBreaker([]string{"p0", "p1"}, CBConfig{ErrorThreshold: 3, HalfOpenTimeout: time.Hour})

	r, err := New(pool(p0, p1), Options{Strategy: Failover, BackoffUnit: time.Millisecond, Breaker: cb})
	require.NoError(t, err)

	_, err = r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, cb.State("p0"))

	_, err = r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p0.calls())
	assert.Equal(t, int64(2), p1.calls())
}

func TestFailover_HalfOpenFailureFailsOverAfterOneAttempt(t *testing.T) {
	p0, p1 := failing("p0", errBoom), newFake("p1")
	clk := &fakeClock{now: time.Now()}
	cb := newCircuitBreaker([]string{"p0", "p1"}, CBConfig{ErrorThreshold: 1, HalfOpenTimeout: time.Second}, clk.Now)
	cb.RecordFailure("p0")
	clk.Advance(2 * time.Second)

	r, err := New(pool(p0, p1), Options{Strategy: Failover, BackoffUnit: time.Millisecond, Breaker: cb})
	require.NoError(t, err)

	_, err = r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)

	assert.Equal(t, int64(1), p0.calls(), "a half-open breaker allows one attempt")
	assert.Equal(t, int64(1), p1.calls())
	assert.Equal(t, BreakerOpen, cb.State("p0"))
	assert.Equal(t, uint64(1), r.Statistics().FailoverEvents)
}

func TestRoundRobin_CyclesInPoolOrder(t *testing.T) {
	ps := []*funcProvider{newFake("p0"), newFake("p1"), newFake("p2")}
	var (
		mu    sync.Mutex
		order []string
	)
	for _, p := range ps {
		p.complete = func(_ context.Context, _, _ string, _ providers.Params) (string, error) {
			mu.Lock()
			order = append(order, p.name)
			mu.Unlock()
			return "ok", nil
		}
	}
	r := newRouter(t, RoundRobin, ps...)

	const k = 8
	for i := 0; i < k; i++ {
		_, err := r.Complete(context.Background(), "", "hi", "")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"p0", "p1", "p2", "p0", "p1", "p2", "p0", "p1"}, order)
	for _, p := range ps {
		c := p.calls()
		assert.True(t, c == k/3 || c == k/3+1, "provider %s got %d calls", p.name, c)
	}

	st := r.Statistics()
	assert.Equal(t, uint64(k), st.RoundRobinCursor)
	assert.Equal(t, []uint64{3, 3, 2}, st.PerProvider)
	assert.Equal(t, uint64(3), st.PrimaryRequests)
	assert.Equal(t, uint64(5), st.SecondaryRequests)
}

func TestRoundRobin_ContinuesFromCursor(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	r := newRouter(t, RoundRobin, p0, p1)

	_, err := r.Embed(context.Background(), providers.OpQuery, "a", "")
	require.NoError(t, err)
	_, err = r.Embed(context.Background(), providers.OpQuery, "b", "")
	require.NoError(t, err)
	_, err = r.Embed(context.Background(), providers.OpQuery, "c", "")
	require.NoError(t, err)

	assert.Equal(t, int64(2), p0.calls())
	assert.Equal(t, int64(1), p1.calls())

	r.ResetStatistics()
	_, err = r.Embed(context.Background(), providers.OpQuery, "d", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), p0.calls())
}

func TestRoundRobin_ConcurrentEvenSpread(t *testing.T) {
	p0, p1, p2, p3 := newFake("p0"), newFake("p1"), newFake("p2"), newFake("p3")
	r := newRouter(t, RoundRobin, p0, p1, p2, p3)

	const workers, each = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, _ = r.Embed(context.Background(), providers.OpQuery, "q", "")
			}
		}()
	}
	wg.Wait()

	for _, p := range []*funcProvider{p0, p1, p2, p3} {
		assert.Equal(t, int64(workers*each/4), p.calls(), p.name)
	}
	assert.Equal(t, uint64(workers*each), r.Statistics().TotalRequests())
}

func TestSpecialized(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	r := newRouter(t, Specialized, p0, p1)

	_, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	_, err = r.Embed(context.Background(), providers.OpDocument, "d", "")
	require.NoError(t, err)
	out, err := r.Complete(context.Background(), "sys", "hi", "")
	require.NoError(t, err)

	assert.Equal(t, "p1: hi", out)
	assert.Equal(t, int64(2), p0.embedCalls.Load())
	assert.Equal(t, int64(1), p1.completeCalls.Load())
	assert.Zero(t, p1.embedCalls.Load())

	solo := newFake("solo")
	r = newRouter(t, Specialized, solo)
	_, err = r.Complete(context.Background(), "", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), solo.completeCalls.Load())
}

func TestSmartRouting(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	r := newRouter(t, SmartRouting, p0, p1)

	_, err := r.Complete(context.Background(), "", strings.Repeat("x", 5000), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p1.calls())
	assert.Zero(t, p0.calls())

	_, err = r.Complete(context.Background(), "", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p0.calls())

	_, err = r.Embed(context.Background(), providers.OpQuery, "Please EXPLAIN monads", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p1.calls())

	_, err = r.Complete(context.Background(), "", strings.Repeat("é", 1000), "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p0.calls(), "exactly threshold runes stays on primary")
}

func TestSmartRouting_SingleProvider(t *testing.T) {
	p0 := newFake("p0")
	r := newRouter(t, SmartRouting, p0)

	_, err := r.Complete(context.Background(), "", "compare "+strings.Repeat("x", 5000), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p0.calls())
}

func TestSmartRouting_CustomKeywords(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	r, err := New(pool(p0, p1), Options{Strategy: SmartRouting, SmartKeywords: []string{"Summarize"}})
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), "", "explain", "")
	require.NoError(t, err)
	_, err = r.Complete(context.Background(), "", "summarize this", "")
	require.NoError(t, err)

	assert.Equal(t, int64(1), p0.calls())
	assert.Equal(t, int64(1), p1.calls())
}

func TestDualVerification_ReturnsPrimary(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	p1.embed = func(context.Context, providers.Operation, string, providers.Params) ([]float32, error) {
		return []float32{0, 1, 0}, nil
	}
	r, logs := observed(t, DualVerification, p0, p1)

	vec, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)

	assert.Equal(t, int64(1), p0.calls())
	assert.Equal(t, int64(1), p1.calls())

	div := logs.FilterMessage("verification_divergence").All()
	require.Len(t, div, 1)
	assert.Equal(t, "low_similarity", div[0].ContextMap()["reason"])

	st := r.Statistics()
	assert.Equal(t, uint64(1), st.PrimaryRequests)
	assert.Zero(t, st.SecondaryRequests)
}

func TestDualVerification_ZeroThresholdIsKept(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	p1.embed = func(context.Context, providers.Operation, string, providers.Params) ([]float32, error) {
		return []float32{1, 1, 0}, nil
	}
	core, logs := observer.New(zap.DebugLevel)
	zero := 0.0
	r, err := New(pool(p0, p1), Options{
		Strategy:            DualVerification,
		BackoffUnit:         time.Millisecond,
		DivergenceThreshold: &zero,
		Logger:              zap.New(core),
	})
	require.NoError(t, err)
	assert.Zero(t, r.threshold)

	_, err = r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("verification_divergence").Len())
	assert.Equal(t, 1, logs.FilterMessage("verification_completed").Len())
}

func TestDualVerification_DimensionMismatch(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	p1.embed = func(context.Context, providers.Operation, string, providers.Params) ([]float32, error) {
		return []float32{1, 0}, nil
	}
	r, logs := observed(t, DualVerification, p0, p1)

	_, err := r.Embed(context.Background(), providers.OpDocument, "d", "")
	require.NoError(t, err)

	div := logs.FilterMessage("verification_divergence").All()
	require.Len(t, div, 1)
	assert.Equal(t, "dimension_mismatch", div[0].ContextMap()["reason"])
}

func TestDualVerification_AgreeingProvidersNoWarning(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	r, logs := observed(t, DualVerification, p0, p1)

	_, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("verification_divergence").Len())
}

func TestDualVerification_SecondaryFailureIsNotAnError(t *testing.T) {
	p0, p1 := newFake("p0"), failing("p1", errBoom)
	r, logs := observed(t, DualVerification, p0, p1)

	out, err := r.Complete(context.Background(), "", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "p0: hi", out)
	assert.Equal(t, 1, logs.FilterMessage("verification_skipped").Len())
}

func TestDualVerification_PrimaryFailureSkipsSecondary(t *testing.T) {
	p0, p1 := failing("p0", errBoom), newFake("p1")
	r := newRouter(t, DualVerification, p0, p1)

	_, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.Error(t, err)
	assert.Zero(t, p1.calls())
}

func TestDualVerification_Concurrent(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	r, err := New(pool(p0, p1), Options{Strategy: DualVerification, ConcurrentVerification: true})
	require.NoError(t, err)

	vec, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, int64(1), p0.calls())
	assert.Equal(t, int64(1), p1.calls())
}

func TestDualVerification_SingleProvider(t *testing.T) {
	p0 := newFake("p0")
	r := newRouter(t, DualVerification, p0)

	_, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p0.calls())
}

func TestModelBased_Scenario(t *testing.T) {
	p0 := newFake("p0", "llama2", "mistral")
	p1 := newFake("p1", "gpt-4")
	r, logs := observed(t, ModelBased, p0, p1)

	out, err := r.Complete(context.Background(), "", "hi", "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "p1: hi", out)
	assert.Equal(t, int64(1), p1.calls())
	assert.Zero(t, p0.calls())
	assert.Equal(t, "gpt-4", p1.model())
	assert.Equal(t, uint64(1), r.Statistics().SecondaryRequests)

	r.ResetStatistics()

	_, err = r.Complete(context.Background(), "", "hi", "unknown-x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p0.calls())
	assert.Empty(t, p0.model())
	assert.Equal(t, uint64(1), r.Statistics().PrimaryRequests)

	fallback := logs.FilterMessage("model_unresolved_fallback").All()
	require.Len(t, fallback, 1)
	assert.Equal(t, zap.WarnLevel, fallback[0].Level)
	assert.Equal(t, "not_found", fallback[0].ContextMap()["reason"])
}

func TestModelBased_PassesCanonicalName(t *testing.T) {
	p0 := newFake("p0")
	p1 := newFake("p1")
	p1.models = map[string]providers.ModelInfo{
		"nomic-embed-text": {Name: "nomic-embed-text", Aliases: []string{"nomic"}, Type: providers.ModelEmbedding},
	}
	r := newRouter(t, ModelBased, p0, p1)

	_, err := r.Embed(context.Background(), providers.OpQuery, "q", "  NOMIC ")
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", p1.model())
}

func TestModelBased_NoHintUsesPrimary(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1", "gpt-4")
	r, logs := observed(t, ModelBased, p0, p1)

	_, err := r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p0.calls())
	assert.Zero(t, p1.catalogCalls.Load())

	fallback := logs.FilterMessage("model_unresolved_fallback").All()
	require.Len(t, fallback, 1)
	assert.Equal(t, zap.WarnLevel, fallback[0].Level)
	assert.Equal(t, "missing", fallback[0].ContextMap()["reason"])
}

func TestEmbed_RejectsCompletionOp(t *testing.T) {
	r := newRouter(t, PrimaryOnly, newFake("p0"))
	_, err := r.Embed(context.Background(), providers.OpCompletion, "q", "")
	assert.Equal(t, providers.KindInvalidRequest, providers.Classify(err))
}

func TestTimeoutIsAuthoritative(t *testing.T) {
	p0 := newFake("p0")
	p0.embed = func(ctx context.Context, _ providers.Operation, _ string, _ providers.Params) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p1 := newFake("p1")
	r, err := New(pool(p0, p1), Options{Strategy: Failover, Timeout: time.Second})
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, providers.KindTimeout, providers.Classify(err))
	assert.Zero(t, p1.calls(), "an expired request does not fail over")
	assert.Equal(t, int64(1), p0.calls())
}

func TestIsProviderHealthy(t *testing.T) {
	p0, p1 := newFake("p0"), newFake("p1")
	p1.setOnline(false)
	r := newRouter(t, Failover, p0, p1)

	assert.True(t, r.IsProviderHealthy(context.Background(), 0))
	assert.False(t, r.IsProviderHealthy(context.Background(), 1))
	assert.False(t, r.IsProviderHealthy(context.Background(), 2))
	assert.False(t, r.IsProviderHealthy(context.Background(), -1))
}

func TestAllModelsAndFind(t *testing.T) {
	p0 := newFake("p0", "llama2")
	p1 := newFake("p1", "gpt-4")
	p2 := newFake("p2")
	p2.catalog = func(context.Context) (map[string]providers.ModelInfo, error) { return nil, errBoom }
	r := newRouter(t, ModelBased, p0, p1, p2)

	cats, err := r.AllModels(context.Background())
	require.NoError(t, err)
	require.Len(t, cats, 3)
	assert.Contains(t, cats[0].Models, "llama2")
	assert.Contains(t, cats[1].Models, "gpt-4")
	assert.True(t, cats[1].Available)
	assert.False(t, cats[2].Available)

	idx, ok := r.FindProviderIndexByModel(context.Background(), "GPT-4")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, ok = r.FindProviderIndexByModel(context.Background(), "claude")
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
}

func TestRefreshModels(t *testing.T) {
	p0 := newFake("p0", "llama2")
	p1 := newFake("p1")
	r := newRouter(t, ModelBased, p0, p1)

	_, ok := r.FindProviderIndexByModel(context.Background(), "phi3")
	assert.False(t, ok)

	p1.models = map[string]providers.ModelInfo{"phi3": {Name: "phi3"}}
	_, ok = r.FindProviderIndexByModel(context.Background(), "phi3")
	assert.False(t, ok, "index is reused until refresh")

	r.RefreshModels()
	idx, ok := r.FindProviderIndexByModel(context.Background(), "phi3")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, int64(2), p1.catalogCalls.Load())
}

func TestAuditTrailReceivesDecisions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	trail, err := audit.New(zap.New(core))
	require.NoError(t, err)

	p0, p1 := failing("p0", errBoom), newFake("p1")
	r, err := New(pool(p0, p1), Options{Strategy: Failover, BackoffUnit: time.Millisecond, Audit: trail})
	require.NoError(t, err)

	_, err = r.Embed(context.Background(), providers.OpQuery, "q", "")
	require.NoError(t, err)
	require.NoError(t, trail.Close())

	entries := logs.FilterMessage("routing_decision").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "p1", fields["provider"])
	assert.Equal(t, true, fields["failover"])
	assert.Equal(t, int64(4), fields["attempts"])
}
