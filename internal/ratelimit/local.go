package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is the single-replica Limiter: one token bucket per key,
// refilled at rpm/minute with a burst of rpm.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	// maxKeys bounds the bucket map; when exceeded all buckets reset.
	maxKeys int
}

func NewLocalLimiter(rpm int) *LocalLimiter {
	l := &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		maxKeys: 10_000,
	}
	if rpm > 0 {
		l.limit = rate.Every(time.Minute / time.Duration(rpm))
		l.burst = rpm
	}
	return l
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.bucket(key).Allow(), nil
}

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			clear(l.buckets)
		}
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}
