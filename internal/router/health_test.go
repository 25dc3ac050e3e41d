package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nulpointcorp/llm-router/internal/metrics"
)

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	assert.Panics(t, func() {
		NewHealthChecker(nil, nil)
	})
}

func TestHealthChecker_InitialProbe(t *testing.T) {
	p0, p1 := newFake("ollama"), newFake("openai")
	p1.setOnline(false)

	hc := NewHealthChecker(context.Background(), pool(p0, p1), WithHealthMetrics(metrics.New()))
	defer hc.Close()

	snap := hc.Snapshot()
	assert.Equal(t, "ok", snap.Providers["ollama"])
	assert.Equal(t, "degraded", snap.Providers["openai"])
	assert.Equal(t, "degraded", snap.Status)
	assert.Equal(t, "ok", snap.Cache)

	assert.Equal(t, "ok", hc.ProviderStatus(0))
	assert.Equal(t, "degraded", hc.ProviderStatus(1))
	assert.Equal(t, "unknown", hc.ProviderStatus(7))
}

func TestHealthChecker_AllHealthy(t *testing.T) {
	hc := NewHealthChecker(context.Background(), pool(newFake("ollama"), newFake("openai")))
	defer hc.Close()

	assert.Equal(t, "ok", hc.Snapshot().Status)
}

func TestHealthChecker_CacheProbe(t *testing.T) {
	hc := NewHealthChecker(context.Background(), pool(newFake("ollama")),
		WithCacheProbe(func(context.Context) bool { return false }))
	defer hc.Close()

	snap := hc.Snapshot()
	assert.Equal(t, "degraded", snap.Cache)
	assert.Equal(t, "degraded", snap.Status)
}

func TestHealthChecker_PeriodicProbe(t *testing.T) {
	p0 := newFake("ollama")
	p0.setOnline(false)

	hc := NewHealthChecker(context.Background(), pool(p0), WithHealthInterval(10*time.Millisecond))
	defer hc.Close()
	assert.Equal(t, "degraded", hc.ProviderStatus(0))

	p0.setOnline(true)
	assert.Eventually(t, func() bool { return hc.ProviderStatus(0) == "ok" }, time.Second, 5*time.Millisecond)
}

func TestHealthChecker_CloseTwice(t *testing.T) {
	hc := NewHealthChecker(context.Background(), pool(newFake("ollama")))
	hc.Close()
	hc.Close()
}
