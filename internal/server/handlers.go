package server

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/nulpointcorp/llm-router/internal/providers"
	routing "github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

type (
	// embeddingRequest is the POST /v1/embeddings body. "input" is a string
	// or an array of strings; "type" is "query" (default) or "document".
	embeddingRequest struct {
		Input json.RawMessage `json:"input"`
		Type  string          `json:"type"`
		Model string          `json:"model"`
	}

	embeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	embeddingResponse struct {
		Object string          `json:"object"`
		Data   []embeddingData `json:"data"`
		Model  string          `json:"model,omitempty"`
	}

	completionRequest struct {
		System string `json:"system"`
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
	}

	completionResponse struct {
		Object string `json:"object"`
		Model  string `json:"model,omitempty"`
		Text   string `json:"text"`
	}

	modelsResponse struct {
		Object string                    `json:"object"`
		Data   []routing.ProviderCatalog `json:"data"`
	}

	lookupResponse struct {
		Model    string `json:"model"`
		Index    int    `json:"index"`
		Provider string `json:"provider"`
	}

	providerHealthResponse struct {
		Index    int    `json:"index"`
		Provider string `json:"provider"`
		Healthy  bool   `json:"healthy"`
		Probe    string `json:"probe,omitempty"`
		Breaker  string `json:"breaker,omitempty"`
	}

	statsResponse struct {
		routing.Stats

		Strategy         string   `json:"strategy"`
		Providers        []string `json:"providers"`
		TotalRequests    uint64   `json:"total_requests"`
		SecondaryPercent float64  `json:"secondary_percent"`
	}

	healthResponse struct {
		routing.HealthSnapshot
		CircuitBreakers map[string]string `json:"circuit_breakers,omitempty"`
	}
)

// parseEmbeddingInput normalizes "input" to a non-empty []string.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// handleEmbeddings routes each input through Router.Embed, consulting the
// vector cache first. X-Cache is HIT only when every input was cached.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	var req embeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, "invalid JSON: "+err.Error())
		return
	}

	op, ok := providers.ParseOperation(req.Type)
	if !ok || !op.IsEmbedding() {
		apierr.WriteInvalid(ctx, fmt.Sprintf("'type' must be \"query\" or \"document\", got %q", req.Type))
		return
	}

	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}

	s.log.Debug("embedding_request",
		zap.String("request_id", requestIDOf(ctx)),
		zap.String("operation", op.String()),
		zap.String("model", req.Model),
		zap.Int("inputs", len(inputs)),
	)

	resp := embeddingResponse{Object: "list", Model: req.Model, Data: make([]embeddingData, len(inputs))}
	hits := 0
	for i, text := range inputs {
		vec, cached := s.vectors.Get(ctx, op, req.Model, text)
		if cached {
			hits++
		} else {
			vec, err = s.rt.Embed(ctx, op, text, req.Model)
			if err != nil {
				apierr.WriteError(ctx, err)
				return
			}
			s.vectors.Set(ctx, op, req.Model, text, vec)
		}
		resp.Data[i] = embeddingData{Object: "embedding", Index: i, Embedding: vec}
	}

	switch {
	case s.vectors == nil:
		ctx.Response.Header.Set(headerCache, "BYPASS")
	case hits == len(inputs):
		ctx.Response.Header.Set(headerCache, "HIT")
	default:
		ctx.Response.Header.Set(headerCache, "MISS")
	}

	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleCompletions(ctx *fasthttp.RequestCtx) {
	var req completionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Prompt == "" {
		apierr.WriteInvalid(ctx, "field 'prompt' is required")
		return
	}

	s.log.Debug("completion_request",
		zap.String("request_id", requestIDOf(ctx)),
		zap.String("model", req.Model),
		zap.Int("prompt_len", len(req.Prompt)),
	)

	text, err := s.rt.Complete(ctx, req.System, req.Prompt, req.Model)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, completionResponse{Object: "text_completion", Model: req.Model, Text: text})
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	catalogs, err := s.rt.AllModels(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, modelsResponse{Object: "list", Data: catalogs})
}

// handleModelLookup answers GET /v1/models/lookup?name=<model>.
func (s *Server) handleModelLookup(ctx *fasthttp.RequestCtx) {
	name := string(ctx.QueryArgs().Peek("name"))
	if name == "" {
		apierr.WriteInvalid(ctx, "query parameter 'name' is required")
		return
	}

	idx, ok := s.rt.FindProviderIndexByModel(ctx, name)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("no provider serves model %q", name),
			apierr.TypeNotFound, apierr.CodeModelNotFound)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, lookupResponse{Model: name, Index: idx, Provider: s.rt.Providers()[idx]})
}

func (s *Server) handleModelsRefresh(ctx *fasthttp.RequestCtx) {
	s.rt.RefreshModels()
	s.log.Info("model_refresh_requested", zap.String("request_id", requestIDOf(ctx)))
	writeJSON(ctx, fasthttp.StatusAccepted, map[string]string{"status": "refreshing"})
}

// handleProviderHealth runs a live probe against one pool member.
func (s *Server) handleProviderHealth(ctx *fasthttp.RequestCtx) {
	names := s.rt.Providers()

	raw, _ := ctx.UserValue("index").(string)
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 || idx >= len(names) {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("no provider at index %q", raw),
			apierr.TypeNotFound, apierr.CodeProviderNotFound)
		return
	}

	resp := providerHealthResponse{
		Index:    idx,
		Provider: names[idx],
		Healthy:  s.rt.IsProviderHealthy(ctx, idx),
	}
	if s.health != nil {
		resp.Probe = s.health.ProviderStatus(idx)
	}
	if s.breaker != nil {
		resp.Breaker = s.breaker.State(names[idx]).String()
	}

	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	st := s.rt.Statistics()
	writeJSON(ctx, fasthttp.StatusOK, statsResponse{
		Strategy:         s.rt.Strategy().String(),
		Providers:        s.rt.Providers(),
		Stats:            st,
		TotalRequests:    st.TotalRequests(),
		SecondaryPercent: st.SecondaryPercent(),
	})
}

func (s *Server) handleStatsReset(ctx *fasthttp.RequestCtx) {
	s.rt.ResetStatistics()
	s.log.Info("statistics_reset", zap.String("request_id", requestIDOf(ctx)))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	resp := healthResponse{HealthSnapshot: s.health.Snapshot()}
	if s.breaker != nil {
		resp.CircuitBreakers = s.breaker.States()
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// handleReadiness is 503 while any probed component is degraded.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.Snapshot().Status == "ok" {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
