package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisCache implements Cache on Redis.
//
// It degrades instead of failing: Get reports a miss and Set returns nil
// when Redis is unavailable, so a cache outage never fails a request.
// Delete returns the underlying error.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
	log          *zap.Logger
}

// NewRedisCacheFromClient wraps an existing client. The caller owns the
// client's lifecycle.
func NewRedisCacheFromClient(cli *redis.Client, log *zap.Logger) *RedisCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: cli, queryTimeout: defaultQueryTimeout, log: log}
}

// NewRedisCacheFromURL parses redisURL, connects and verifies the
// connection with a PING.
func NewRedisCacheFromURL(ctx context.Context, redisURL string, log *zap.Logger) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisCacheFromClient(cli, log), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache_get_error", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return val, true
}

// Set always returns nil; write failures are logged.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Warn("cache_set_error", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
