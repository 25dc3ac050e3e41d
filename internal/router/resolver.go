package router

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

// catalogTimeout bounds one index build. The build is shared by every
// caller waiting on it, so it does not inherit any one caller's deadline.
const catalogTimeout = 15 * time.Second

// MatchTier records which matching rule resolved a model name.
type MatchTier int

const (
	TierNone MatchTier = iota
	TierExact
	TierAlias
	TierSubstringName
	TierSubstringAlias
)

func (t MatchTier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierAlias:
		return "alias"
	case TierSubstringName:
		return "substring_name"
	case TierSubstringAlias:
		return "substring_alias"
	default:
		return "none"
	}
}

// Resolution is the provider chosen for a model name.
type Resolution struct {
	Index    int
	Provider string
	// Model is the registered model name the request resolved to.
	Model string
	Tier  MatchTier
}

// ProviderCatalog is one provider's registered models as seen by the last
// index build. Available is false when the catalog could not be fetched.
type ProviderCatalog struct {
	Index     int                            `json:"index"`
	Provider  string                         `json:"provider"`
	Available bool                           `json:"available"`
	Models    map[string]providers.ModelInfo `json:"models"`
}

type indexEntry struct {
	key   string // normalized name or alias
	model string // registered model name
	index int
}

// modelIndex is immutable once built. Refresh replaces it wholesale.
type modelIndex struct {
	exact    map[string]indexEntry
	alias    map[string]indexEntry
	names    []indexEntry // pool order, sorted by name within a provider
	aliases  []indexEntry
	catalogs []ProviderCatalog
}

func (ix *modelIndex) resolve(q string) (indexEntry, MatchTier) {
	if e, ok := ix.exact[q]; ok {
		return e, TierExact
	}
	if e, ok := ix.alias[q]; ok {
		return e, TierAlias
	}
	for _, e := range ix.names {
		if overlaps(e.key, q) {
			return e, TierSubstringName
		}
	}
	for _, e := range ix.aliases {
		if overlaps(e.key, q) {
			return e, TierSubstringAlias
		}
	}
	return indexEntry{index: -1}, TierNone
}

// overlaps reports a substring match in either direction.
func overlaps(registered, q string) bool {
	return strings.Contains(registered, q) || strings.Contains(q, registered)
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// ModelResolver maps model names and aliases onto pool indexes. The index
// is built lazily from every provider's catalog and reused until Refresh.
type ModelResolver struct {
	pool    []providers.Provider
	log     *zap.Logger
	metrics *metrics.Registry
	timeout time.Duration

	mu    sync.RWMutex
	index *modelIndex
	gen   uint64

	builds singleflight.Group
}

func NewModelResolver(pool []providers.Provider, log *zap.Logger, m *metrics.Registry) *ModelResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &ModelResolver{pool: pool, log: log, metrics: m, timeout: catalogTimeout}
}

// Resolve finds the provider serving name: exact name, then exact alias,
// then substring over names, then substring over aliases. Within a tier
// the lowest pool index wins. ok is false when nothing matched or ctx
// ended before the index was available.
func (r *ModelResolver) Resolve(ctx context.Context, name string) (Resolution, bool) {
	q := normalize(name)
	if q == "" {
		return Resolution{Index: -1}, false
	}

	ix, err := r.current(ctx)
	if err != nil {
		return Resolution{Index: -1}, false
	}

	e, tier := ix.resolve(q)
	r.metrics.RecordResolution(tier.String())
	if tier == TierNone {
		return Resolution{Index: -1}, false
	}

	return Resolution{
		Index:    e.index,
		Provider: r.pool[e.index].Name(),
		Model:    e.model,
		Tier:     tier,
	}, true
}

// Catalogs returns every provider's catalog in pool order.
func (r *ModelResolver) Catalogs(ctx context.Context) ([]ProviderCatalog, error) {
	ix, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderCatalog, len(ix.catalogs))
	copy(out, ix.catalogs)
	return out, nil
}

// Refresh drops the index. The next lookup rebuilds it; a build already in
// flight finishes for its callers but is never installed.
func (r *ModelResolver) Refresh() {
	r.mu.Lock()
	r.gen++
	r.index = nil
	r.mu.Unlock()
	r.log.Info("model_index_invalidated")
}

func (r *ModelResolver) current(ctx context.Context) (*modelIndex, error) {
	r.mu.RLock()
	ix, gen := r.index, r.gen
	r.mu.RUnlock()
	if ix != nil {
		return ix, nil
	}

	ch := r.builds.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		built := r.build(ctx)

		r.mu.Lock()
		if r.gen == gen {
			r.index = built
		}
		r.mu.Unlock()

		return built, nil
	})

	select {
	case res := <-ch:
		return res.Val.(*modelIndex), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *ModelResolver) build(ctx context.Context) *modelIndex {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	start := time.Now()
	catalogs := make([]ProviderCatalog, len(r.pool))

	var g errgroup.Group
	for i, p := range r.pool {
		g.Go(func() error {
			catalogs[i] = ProviderCatalog{Index: i, Provider: p.Name()}
			models, err := p.RegisteredModels(ctx)
			if err != nil {
				r.log.Debug("model_catalog_unavailable",
					zap.String("provider", p.Name()),
					zap.Int("index", i),
					zap.Error(err),
				)
				return nil
			}
			catalogs[i].Available = true
			catalogs[i].Models = models
			return nil
		})
	}
	_ = g.Wait()

	ix := &modelIndex{
		exact:    make(map[string]indexEntry),
		alias:    make(map[string]indexEntry),
		catalogs: catalogs,
	}

	for i, c := range catalogs {
		names := make([]string, 0, len(c.Models))
		for name := range c.Models {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			key := normalize(name)
			if key == "" {
				continue
			}
			e := indexEntry{key: key, model: name, index: i}
			if _, taken := ix.exact[key]; !taken {
				ix.exact[key] = e
			}
			ix.names = append(ix.names, e)
		}

		for _, name := range names {
			for _, a := range c.Models[name].Aliases {
				key := normalize(a)
				if key == "" {
					continue
				}
				e := indexEntry{key: key, model: name, index: i}
				if _, taken := ix.alias[key]; !taken {
					ix.alias[key] = e
				}
				ix.aliases = append(ix.aliases, e)
			}
		}
	}

	r.metrics.RecordIndexBuild()
	r.log.Debug("model_index_built",
		zap.Int("providers", len(r.pool)),
		zap.Int("models", len(ix.names)),
		zap.Int("aliases", len(ix.aliases)),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	)

	return ix
}
