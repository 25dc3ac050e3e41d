// Package anthropic adapts Claude models to providers.Provider through the
// official SDK. Anthropic offers no embeddings endpoint, so Embed always
// fails with an invalid_request error and routers should not place this
// provider where embeddings are expected.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096

	DefaultCompletionModel = "claude-3-5-haiku-latest"
)

// dated model ids end in -YYYYMMDD; the undated prefix is registered as an alias.
var dateSuffix = regexp.MustCompile(`-\d{8}$`)

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	apiKey          string
	baseURL         string
	completionModel string
	models          map[string]providers.ModelInfo
	client          anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
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

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:          apiKey,
		completionModel: DefaultCompletionModel,
		models:          make(map[string]providers.ModelInfo),
	}
	for _, o := range opts {
		o(p)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = anthropic.NewClient(sdkOpts...)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) IsOnline(ctx context.Context) bool {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	return err == nil
}

func (p *Provider) RegisteredModels(ctx context.Context) (map[string]providers.ModelInfo, error) {
	out := make(map[string]providers.ModelInfo, len(p.models)+1)
	for name, info := range p.models {
		out[name] = info
	}

	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(100),
	})
	if err != nil {
		if len(out) > 0 {
			return out, nil
		}
		return nil, toProviderError("models", err)
	}

	discovered := make(map[string]providers.ModelInfo, len(page.Data))
	for _, m := range page.Data {
		info := providers.ModelInfo{Name: m.ID, Type: providers.InferModelType(m.ID)}
		if alias := dateSuffix.ReplaceAllString(m.ID, ""); alias != m.ID {
			info.Aliases = []string{alias}
		}
		discovered[m.ID] = info
	}
	providers.MergeCatalog(out, discovered)

	return out, nil
}

// Embed is unsupported by Anthropic.
func (p *Provider) Embed(_ context.Context, _ providers.Operation, _ string, _ providers.Params) ([]float32, error) {
	return nil, &providers.Error{
		Kind:     providers.KindInvalidRequest,
		Provider: providerName,
		Op:       "embed",
		Message:  "embeddings are not supported",
	}
}

func (p *Provider) Complete(ctx context.Context, systemPrompt, userPrompt string, params providers.Params) (string, error) {
	model := params.Model
	if model == "" {
		model = p.completionModel
	}

	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: userPrompt}},
			},
		}},
	}
	if systemPrompt != "" {
		req.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if params.Temperature > 0 {
		req.Temperature = anthropic.Float(params.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, req)
	if err != nil {
		return "", toProviderError("complete", err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &providers.Error{
			Kind:     providers.KindInvalidResponse,
			Provider: providerName,
			Op:       "complete",
			Message:  "no text blocks in response",
		}
	}

	return sb.String(), nil
}

func toProviderError(op string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Kind:       providers.KindForStatus(apierr.StatusCode),
			Provider:   providerName,
			Op:         op,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Err:        err,
		}
	}
	return providers.NewError(providerName, op, "", err)
}
