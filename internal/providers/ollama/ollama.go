// Package ollama serves local models through Ollama's OpenAI-compatible
// endpoint. It reuses the openai adapter and adds what Ollama's catalog
// needs: tag-less aliases ("llama2:latest" is reachable as "llama2") and
// nomic-style task prefixes for asymmetric embedding models.
package ollama

import (
	"context"
	"strings"

	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/providers/openai"
)

const (
	providerName   = "ollama"
	defaultBaseURL = "http://localhost:11434"

	DefaultEmbeddingModel  = "nomic-embed-text"
	DefaultCompletionModel = "llama3.2"
)

type Provider struct {
	*openai.Provider
}

type config struct {
	baseURL         string
	embeddingModel  string
	completionModel string
	models          map[string]providers.ModelInfo
}

type Option func(*config)

// WithBaseURL sets the Ollama server root, e.g. http://gpu-box:11434.
func WithBaseURL(u string) Option {
	return func(c *config) {
		if u != "" {
			c.baseURL = u
		}
	}
}

func WithEmbeddingModel(m string) Option {
	return func(c *config) {
		if m != "" {
			c.embeddingModel = m
		}
	}
}

func WithCompletionModel(m string) Option {
	return func(c *config) {
		if m != "" {
			c.completionModel = m
		}
	}
}

func WithModels(models map[string]providers.ModelInfo) Option {
	return func(c *config) { c.models = models }
}

func New(opts ...Option) *Provider {
	c := &config{
		baseURL:         defaultBaseURL,
		embeddingModel:  DefaultEmbeddingModel,
		completionModel: DefaultCompletionModel,
	}
	for _, o := range opts {
		o(c)
	}

	oaOpts := []openai.Option{
		openai.WithName(providerName),
		openai.WithBaseURL(strings.TrimRight(c.baseURL, "/") + "/v1"),
		openai.WithEmbeddingModel(c.embeddingModel),
		openai.WithCompletionModel(c.completionModel),
		openai.WithModels(c.models),
	}
	if strings.HasPrefix(c.embeddingModel, "nomic-embed") {
		oaOpts = append(oaOpts, openai.WithTaskPrefixes("search_query: ", "search_document: "))
	}

	return &Provider{Provider: openai.New("", oaOpts...)}
}

// RegisteredModels adds the untagged name of every "name:tag" model as an alias.
func (p *Provider) RegisteredModels(ctx context.Context) (map[string]providers.ModelInfo, error) {
	models, err := p.Provider.RegisteredModels(ctx)
	if err != nil {
		return nil, err
	}

	for name, info := range models {
		base, _, tagged := strings.Cut(name, ":")
		if !tagged || base == "" {
			continue
		}
		if _, exists := models[base]; exists {
			continue
		}
		info.Aliases = appendUnique(info.Aliases, base)
		models[name] = info
	}

	return models, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
