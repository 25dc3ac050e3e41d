// Package ratelimit bounds how many routed requests the HTTP surface
// accepts per minute, either across replicas through a Redis sliding window
// or in-process with a token bucket.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter admits or rejects one request for key. An empty key is the
// global bucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// slidingWindowScript keeps one sorted-set member per admitted request.
// KEYS[1] = bucket key
// ARGV[1] = now in nanoseconds
// ARGV[2] = window in nanoseconds
// ARGV[3] = limit
// Returns 1 if admitted, 0 if limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		if redis.call('ZCARD', key) >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "ratelimit:router:rpm"

// RPMLimiter enforces a requests-per-minute limit shared by every replica.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	log      *zap.Logger
}

// NewRPMLimiter builds a limiter admitting rpmLimit requests per key per
// minute. A non-positive limit rejects everything.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int, log *zap.Logger) *RPMLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, log: log}
}

// Allow admits the request when Redis is unreachable.
func (r *RPMLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := keyPrefix
	if key != "" {
		bucket += ":" + key
	}

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{bucket},
		time.Now().UnixNano(), time.Minute.Nanoseconds(), r.rpmLimit,
	).Int()
	if err != nil {
		r.log.Warn("rate_limit_degraded", zap.String("bucket", bucket), zap.Error(err))
		return true, nil
	}

	return res == 1, nil
}
