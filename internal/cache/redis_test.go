package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedisCache_GetMiss(t *testing.T) {
	c, _ := newTestRedis(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestRedisCache_SetAndGet(t *testing.T) {
	c, _ := newTestRedis(t)

	require.NoError(t, c.Set(context.Background(), "k", []byte{1, 2, 3}, time.Hour))
	got, ok := c.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)
	assert.True(t, c.Ping(context.Background()))
}

func TestRedisCache_TTL(t *testing.T) {
	c, mr := newTestRedis(t)

	require.NoError(t, c.Set(context.Background(), "ttl-key", []byte("payload"), 10*time.Second))
	_, ok := c.Get(context.Background(), "ttl-key")
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	_, ok = c.Get(context.Background(), "ttl-key")
	assert.False(t, ok)
}

func TestRedisCache_Delete(t *testing.T) {
	c, _ := newTestRedis(t)

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Hour))
	require.NoError(t, c.Delete(context.Background(), "k"))
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)

	assert.NoError(t, c.Delete(context.Background(), "ghost-key"))
}

func TestRedisCache_DegradesWhenDown(t *testing.T) {
	c, mr := newTestRedis(t)
	mr.Close()

	data, ok := c.Get(context.Background(), "any-key")
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.NoError(t, c.Set(context.Background(), "any-key", []byte("v"), time.Hour))
	assert.False(t, c.Ping(context.Background()))
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := NewRedisCacheFromURL(context.Background(), "not-a-valid-url", nil)
	assert.Error(t, err)
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
