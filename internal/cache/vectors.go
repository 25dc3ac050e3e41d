package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	keyPrefix  = "emb:"
	DefaultTTL = 24 * time.Hour
)

var errCorruptVector = errors.New("cache: corrupt vector payload")

// VectorCache caches embedding vectors on top of a byte-level Cache.
type VectorCache struct {
	backend   Cache
	ttl       time.Duration
	namespace string
	exclude   *Exclusions
	metrics   *metrics.Registry
}

type VectorOption func(*VectorCache)

// WithNamespace separates entries produced under different pools or
// strategies sharing one backend.
func WithNamespace(ns string) VectorOption {
	return func(v *VectorCache) { v.namespace = ns }
}

func WithExclusions(ex *Exclusions) VectorOption {
	return func(v *VectorCache) { v.exclude = ex }
}

func WithMetrics(m *metrics.Registry) VectorOption {
	return func(v *VectorCache) { v.metrics = m }
}

// NewVectorCache wraps backend. A non-positive ttl means DefaultTTL.
func NewVectorCache(backend Cache, ttl time.Duration, opts ...VectorOption) *VectorCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	v := &VectorCache{backend: backend, ttl: ttl}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Key derives the cache key: SHA-256 over namespace, operation, model and
// text, each length-prefixed so field boundaries cannot collide.
func Key(namespace string, op providers.Operation, model, text string) string {
	h := sha256.New()
	for _, part := range []string{namespace, op.String(), model, text} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached vector. Excluded models and a nil cache always miss.
func (v *VectorCache) Get(ctx context.Context, op providers.Operation, model, text string) ([]float32, bool) {
	if v == nil || v.exclude.Excluded(model) {
		return nil, false
	}

	key := Key(v.namespace, op, model, text)
	raw, ok := v.backend.Get(ctx, key)
	if !ok {
		v.metrics.CacheGetMiss()
		return nil, false
	}

	vec, err := decodeVector(raw)
	if err != nil {
		v.metrics.CacheGetMiss()
		_ = v.backend.Delete(ctx, key)
		return nil, false
	}

	v.metrics.CacheGetHit()
	return vec, true
}

// Set stores vec. Empty vectors and excluded models are skipped.
func (v *VectorCache) Set(ctx context.Context, op providers.Operation, model, text string, vec []float32) {
	if v == nil || len(vec) == 0 || v.exclude.Excluded(model) {
		return
	}
	if err := v.backend.Set(ctx, Key(v.namespace, op, model, text), encodeVector(vec), v.ttl); err != nil {
		v.metrics.CacheSetError()
		return
	}
	v.metrics.CacheSetOK()
}

// Ping reports backend reachability for the health checker.
func (v *VectorCache) Ping(ctx context.Context) bool { return v.backend.Ping(ctx) }

// encodeVector lays vec out as little-endian IEEE-754 float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, errCorruptVector
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
