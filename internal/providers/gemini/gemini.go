// Package gemini adapts Google Gemini (AI Studio) to providers.Provider using
// the official GenAI SDK. Embedding calls carry the retrieval task type that
// matches the requested operation.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"

	DefaultEmbeddingModel  = "text-embedding-004"
	DefaultCompletionModel = "gemini-2.0-flash"
)

// Provider implements providers.Provider for Google Gemini.
type Provider struct {
	apiKey          string
	baseURL         string
	embeddingModel  string
	completionModel string
	models          map[string]providers.ModelInfo
	client          *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing). A trailing
// version segment such as /v1beta selects the API version.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
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

// WithModels registers configured catalog entries.
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

// New creates a new Gemini Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{
		apiKey:          apiKey,
		baseURL:         defaultBaseURL,
		embeddingModel:  DefaultEmbeddingModel,
		completionModel: DefaultCompletionModel,
		models:          make(map[string]providers.ModelInfo),
	}
	for _, o := range opts {
		o(p)
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.ProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) IsOnline(ctx context.Context) bool {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
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

	page, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 100})
	if err != nil {
		if len(p.models) > 0 {
			return out, nil
		}
		return nil, toProviderError("models", err)
	}

	discovered := make(map[string]providers.ModelInfo, len(page.Items))
	for _, m := range page.Items {
		if m == nil || m.Name == "" {
			continue
		}
		name := strings.TrimPrefix(m.Name, "models/")
		info := providers.ModelInfo{Name: name, Type: providers.InferModelType(name)}
		if slices.Contains(m.SupportedActions, "embedContent") {
			info.Type = providers.ModelEmbedding
		}
		if name != m.Name {
			info.Aliases = []string{m.Name}
		}
		discovered[name] = info
	}
	providers.MergeCatalog(out, discovered)

	return out, nil
}

func (p *Provider) Embed(ctx context.Context, op providers.Operation, text string, params providers.Params) ([]float32, error) {
	model := params.Model
	if model == "" {
		model = p.embeddingModel
	}

	cfg := &genai.EmbedContentConfig{TaskType: taskType(op)}
	if params.Dimensions > 0 {
		cfg.OutputDimensionality = genai.Ptr[int32](int32(params.Dimensions))
	}

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	resp, err := p.client.Models.EmbedContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toProviderError("embed", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, &providers.Error{
			Kind:     providers.KindInvalidResponse,
			Provider: providerName,
			Op:       "embed",
			Message:  "empty embedding in response",
		}
	}

	return resp.Embeddings[0].Values, nil
}

func (p *Provider) Complete(ctx context.Context, systemPrompt, userPrompt string, params providers.Params) (string, error) {
	model := params.Model
	if model == "" {
		model = p.completionModel
	}

	contents := []*genai.Content{genai.NewContentFromText(userPrompt, genai.RoleUser)}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || params.Temperature > 0 || params.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}
	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if cfg != nil && params.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(params.Temperature))
	}
	if cfg != nil && params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", toProviderError("complete", err)
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}
	if out == "" {
		return "", &providers.Error{
			Kind:     providers.KindInvalidResponse,
			Provider: providerName,
			Op:       "complete",
			Message:  "no text in response",
		}
	}
	return out, nil
}

func taskType(op providers.Operation) string {
	if op == providers.OpDocument {
		return "RETRIEVAL_DOCUMENT"
	}
	return "RETRIEVAL_QUERY"
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toProviderError(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Kind:       providers.KindForStatus(apiErr.Code),
			Provider:   providerName,
			Op:         op,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	return providers.NewError(providerName, op, "", err)
}
