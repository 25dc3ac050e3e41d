// Package openai adapts the OpenAI API (and any endpoint that speaks it) to
// the providers.Provider contract using the official openai-go SDK.
package openai

import (
	"context"
	"errors"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	providerName = "openai"

	DefaultEmbeddingModel  = "text-embedding-3-small"
	DefaultCompletionModel = "gpt-4o-mini"
)

type Provider struct {
	name            string
	apiKey          string
	baseURL         string
	embeddingModel  string
	completionModel string
	queryPrefix     string
	documentPrefix  string
	discover        bool
	models          map[string]providers.ModelInfo
	httpClient      *http.Client
	client          openaiSDK.Client
}

type Option func(*Provider)

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithName overrides the provider identity used in logs and errors.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

func WithEmbeddingModel(m string) Option {
	return func(p *Provider) {
		if m != "" {
			p.embeddingModel = m
		}
	}
}

func WithCompletionModel(m string) Option {
	return func(p *Provider) {
		if m != "" {
			p.completionModel = m
		}
	}
}

// WithModels registers a static catalog. Configured entries always appear
// in RegisteredModels, even when the upstream listing is unavailable.
func WithModels(models map[string]providers.ModelInfo) Option {
	return func(p *Provider) {
		for name, info := range models {
			if info.Name == "" {
				info.Name = name
			}
			p.models[name] = info
		}
	}
}

// WithDiscovery toggles merging the upstream /models listing into the catalog.
func WithDiscovery(enabled bool) Option {
	return func(p *Provider) { p.discover = enabled }
}

// WithTaskPrefixes prepends per-operation instructions to embedding input,
// as required by asymmetric models such as nomic-embed-text.
func WithTaskPrefixes(query, document string) Option {
	return func(p *Provider) {
		p.queryPrefix = query
		p.documentPrefix = document
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:            providerName,
		apiKey:          apiKey,
		embeddingModel:  DefaultEmbeddingModel,
		completionModel: DefaultCompletionModel,
		discover:        true,
		models:          make(map[string]providers.ModelInfo),
		httpClient:      &http.Client{Timeout: providers.ProviderTimeout},
	}

	for _, o := range opts {
		o(p)
	}

	key := p.apiKey
	if key == "" {
		// Local OpenAI-compatible servers ignore the key but the SDK wants one.
		key = "unused"
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(p.httpClient),
		// Retries belong to the router.
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(sdkOpts...)
	return p
}

func (p *Provider) Name() string { return p.name }

// EmbeddingModel returns the model used when a call does not name one.
func (p *Provider) EmbeddingModel() string { return p.embeddingModel }

// CompletionModel returns the model used when a call does not name one.
func (p *Provider) CompletionModel() string { return p.completionModel }

func (p *Provider) IsOnline(ctx context.Context) bool {
	_, err := p.client.Models.List(ctx)
	return err == nil
}

func (p *Provider) RegisteredModels(ctx context.Context) (map[string]providers.ModelInfo, error) {
	out := make(map[string]providers.ModelInfo, len(p.models)+2)
	for name, info := range p.models {
		out[name] = info
	}
	providers.MergeCatalog(out, map[string]providers.ModelInfo{
		p.embeddingModel:  {Name: p.embeddingModel, Type: providers.ModelEmbedding},
		p.completionModel: {Name: p.completionModel, Type: providers.InferModelType(p.completionModel)},
	})

	if !p.discover {
		return out, nil
	}

	page, err := p.client.Models.List(ctx)
	if err != nil {
		if len(p.models) > 0 {
			return out, nil
		}
		return nil, p.toProviderError("models", err)
	}

	discovered := make(map[string]providers.ModelInfo, len(page.Data))
	for _, m := range page.Data {
		discovered[m.ID] = providers.ModelInfo{Name: m.ID, Type: providers.InferModelType(m.ID)}
	}
	providers.MergeCatalog(out, discovered)

	return out, nil
}

func (p *Provider) Embed(ctx context.Context, op providers.Operation, text string, params providers.Params) ([]float32, error) {
	model := params.Model
	if model == "" {
		model = p.embeddingModel
	}

	switch op {
	case providers.OpQuery:
		text = p.queryPrefix + text
	case providers.OpDocument:
		text = p.documentPrefix + text
	}

	req := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	}
	if params.Dimensions > 0 {
		req.Dimensions = openaiSDK.Int(int64(params.Dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, req)
	if err != nil {
		return nil, p.toProviderError("embed", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, &providers.Error{
			Kind:     providers.KindInvalidResponse,
			Provider: p.name,
			Op:       "embed",
			Message:  "empty embedding in response",
		}
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (p *Provider) Complete(ctx context.Context, systemPrompt, userPrompt string, params providers.Params) (string, error) {
	model := params.Model
	if model == "" {
		model = p.completionModel
	}

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(systemPrompt))
	}
	msgs = append(msgs, openaiSDK.UserMessage(userPrompt))

	req := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	if params.Temperature != 0 {
		req.Temperature = openaiSDK.Float(params.Temperature)
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = openaiSDK.Int(int64(params.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", p.toProviderError("complete", err)
	}
	if len(resp.Choices) == 0 {
		return "", &providers.Error{
			Kind:     providers.KindInvalidResponse,
			Provider: p.name,
			Op:       "complete",
			Message:  "no choices in response",
		}
	}

	return resp.Choices[0].Message.Content, nil
}

func (p *Provider) toProviderError(op string, err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Kind:       providers.KindForStatus(apierr.StatusCode),
			Provider:   p.name,
			Op:         op,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Err:        err,
		}
	}
	return providers.NewError(p.name, op, "", err)
}
