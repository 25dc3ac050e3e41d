package router

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// funcProvider is a configurable providers.Provider for tests. Nil funcs
// succeed with fixed results.
type funcProvider struct {
	name     string
	models   map[string]providers.ModelInfo
	offline  atomic.Bool
	embed    func(ctx context.Context, op providers.Operation, text string, p providers.Params) ([]float32, error)
	complete func(ctx context.Context, sys, user string, p providers.Params) (string, error)
	catalog  func(ctx context.Context) (map[string]providers.ModelInfo, error)

	embedCalls    atomic.Int64
	completeCalls atomic.Int64
	catalogCalls  atomic.Int64
	lastModel     atomic.Value
}

var errBoom = errors.New("boom")

func newFake(name string, models ...string) *funcProvider {
	m := make(map[string]providers.ModelInfo, len(models))
	for _, n := range models {
		m[n] = providers.ModelInfo{Name: n, Type: providers.ModelLanguage}
	}
	return &funcProvider{name: name, models: m}
}

// failing returns a provider whose every call fails with err.
func failing(name string, err error) *funcProvider {
	p := newFake(name)
	p.embed = func(context.Context, providers.Operation, string, providers.Params) ([]float32, error) {
		return nil, err
	}
	p.complete = func(context.Context, string, string, providers.Params) (string, error) {
		return "", err
	}
	return p
}

func (p *funcProvider) Name() string                    { return p.name }
func (p *funcProvider) IsOnline(_ context.Context) bool { return !p.offline.Load() }

func (p *funcProvider) setOnline(v bool) { p.offline.Store(!v) }

func (p *funcProvider) RegisteredModels(ctx context.Context) (map[string]providers.ModelInfo, error) {
	p.catalogCalls.Add(1)
	if p.catalog != nil {
		return p.catalog(ctx)
	}
	return p.models, nil
}

func (p *funcProvider) Embed(ctx context.Context, op providers.Operation, text string, params providers.Params) ([]float32, error) {
	p.embedCalls.Add(1)
	p.lastModel.Store(params.Model)
	if p.embed != nil {
		return p.embed(ctx, op, text, params)
	}
	return []float32{1, 0, 0}, nil
}

func (p *funcProvider) Complete(ctx context.Context, sys, user string, params providers.Params) (string, error) {
	p.completeCalls.Add(1)
	p.lastModel.Store(params.Model)
	if p.complete != nil {
		return p.complete(ctx, sys, user, params)
	}
	return p.name + ": " + user, nil
}

func (p *funcProvider) calls() int64 { return p.embedCalls.Load() + p.completeCalls.Load() }

func (p *funcProvider) model() string {
	s, _ := p.lastModel.Load().(string)
	return s
}

func pool(ps ...*funcProvider) []providers.Provider {
	out := make([]providers.Provider, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}
