package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-router/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func exhaust(t *testing.T, l ratelimit.Limiter, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ok, err := l.Allow(context.Background(), key)
		require.NoError(t, err)
		require.True(t, ok, "request %d should be admitted", i)
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewRPMLimiter(rdb, 3, nil)

	exhaust(t, l, "", 3)

	ok, err := l.Allow(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRPMLimiter_KeysAreIndependent(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := ratelimit.NewRPMLimiter(rdb, 2, nil)

	exhaust(t, l, "10.0.0.1", 2)
	exhaust(t, l, "10.0.0.2", 2)

	ok, _ := l.Allow(context.Background(), "10.0.0.1")
	assert.False(t, ok)
}

func TestRPMLimiter_DegradesWhenRedisDown(t *testing.T) {
	rdb, mr := newTestRedis(t)
	mr.Close()

	ok, err := ratelimit.NewRPMLimiter(rdb, 1, nil).Allow(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLimiter_Burst(t *testing.T) {
	l := ratelimit.NewLocalLimiter(5)

	exhaust(t, l, "", 5)
	ok, err := l.Allow(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)

	exhaust(t, l, "other", 5)
}

func TestLocalLimiter_ZeroRejects(t *testing.T) {
	ok, err := ratelimit.NewLocalLimiter(0).Allow(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

var (
	_ ratelimit.Limiter = (*ratelimit.RPMLimiter)(nil)
	_ ratelimit.Limiter = (*ratelimit.LocalLimiter)(nil)
)
