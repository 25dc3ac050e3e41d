// Package providers defines the capability contract shared by every inference
// backend the router can dispatch to (OpenAI, Ollama, Anthropic, Gemini).
//
// Each backend lives in its own sub-package and implements Provider. The
// router treats providers as opaque and immutable: it never mutates one and
// the pool is fixed for the router's lifetime.
package providers

import (
	"context"
	"strings"
	"time"
)

// Operation is the kind of work a request asks a provider to do.
type Operation int

const (
	// OpQuery embeds a search query.
	OpQuery Operation = iota
	// OpDocument embeds a document or chunk for indexing.
	OpDocument
	// OpCompletion generates text.
	OpCompletion
)

func (o Operation) String() string {
	switch o {
	case OpQuery:
		return "query"
	case OpDocument:
		return "document"
	case OpCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// IsEmbedding reports whether the operation produces a vector.
func (o Operation) IsEmbedding() bool { return o == OpQuery || o == OpDocument }

// ParseOperation maps "query" / "document" / "completion" to an Operation.
// Empty input means OpQuery.
func ParseOperation(s string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "query":
		return OpQuery, true
	case "document", "doc":
		return OpDocument, true
	case "completion":
		return OpCompletion, true
	}
	return OpQuery, false
}

// ModelType tags what a registered model is good for.
type ModelType string

const (
	ModelLanguage  ModelType = "LANGUAGE"
	ModelEmbedding ModelType = "EMBEDDING"
	ModelFast      ModelType = "FAST"
	ModelReasoning ModelType = "REASONING"
)

// ModelInfo describes one entry of a provider's model catalog.
type ModelInfo struct {
	Name    string    `json:"name"`
	Aliases []string  `json:"aliases,omitempty"`
	Type    ModelType `json:"type"`
}

// Params carries per-call knobs. Zero values mean "provider default".
type Params struct {
	// Model overrides the provider's configured default model.
	Model       string
	Temperature float64
	MaxTokens   int
	// Dimensions requests a truncated embedding when the backend supports it.
	Dimensions int
}

// Provider is an inference backend.
type Provider interface {
	Name() string
	// IsOnline is a cheap liveness probe. It never returns an error; an
	// unreachable backend is simply offline.
	IsOnline(ctx context.Context) bool
	// RegisteredModels returns the catalog keyed by model name.
	RegisteredModels(ctx context.Context) (map[string]ModelInfo, error)
	Embed(ctx context.Context, op Operation, text string, params Params) ([]float32, error)
	Complete(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error)
}

// Default router and circuit breaker constants.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 3
	ProviderTimeout   = 30 * time.Second
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// InferModelType guesses a ModelType from a model identifier. Used for
// catalogs discovered from a backend's model listing, which carry no tags.
func InferModelType(name string) ModelType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "embed"), strings.Contains(n, "bge"), strings.Contains(n, "minilm"):
		return ModelEmbedding
	case strings.Contains(n, "o1"), strings.Contains(n, "o3"), strings.Contains(n, "o4"),
		strings.Contains(n, "reason"), strings.Contains(n, "r1"), strings.Contains(n, "thinking"):
		return ModelReasoning
	case strings.Contains(n, "mini"), strings.Contains(n, "flash"), strings.Contains(n, "haiku"),
		strings.Contains(n, "instant"), strings.Contains(n, "lite"):
		return ModelFast
	default:
		return ModelLanguage
	}
}

// MergeCatalog copies src into dst. Entries already in dst keep their
// aliases and type; discovered entries never override configured ones.
func MergeCatalog(dst, src map[string]ModelInfo) {
	for name, info := range src {
		if _, ok := dst[name]; ok {
			continue
		}
		if info.Name == "" {
			info.Name = name
		}
		dst[name] = info
	}
}
