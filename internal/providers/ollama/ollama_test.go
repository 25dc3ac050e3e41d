package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

func TestProvider_RegisteredModels_TaglessAliases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []any{
				map[string]any{"id": "llama2:latest", "object": "model", "created": 0, "owned_by": "library"},
				map[string]any{"id": "mistral:7b", "object": "model", "created": 0, "owned_by": "library"},
				map[string]any{"id": "nomic-embed-text:latest", "object": "model", "created": 0, "owned_by": "library"},
			},
		})
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL))
	assert.Equal(t, "ollama", p.Name())

	models, err := p.RegisteredModels(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"llama2"}, models["llama2:latest"].Aliases)
	assert.Equal(t, []string{"mistral"}, models["mistral:7b"].Aliases)
	// The configured default already owns the bare name, so no alias is added.
	assert.Empty(t, models["nomic-embed-text:latest"].Aliases)
	assert.Equal(t, providers.ModelEmbedding, models[DefaultEmbeddingModel].Type)
}

func TestProvider_Embed_UsesNomicPrefixes(t *testing.T) {
	var input []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var body struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		input = body.Input

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  DefaultEmbeddingModel,
			"data":   []any{map[string]any{"object": "embedding", "index": 0, "embedding": []float64{1, 0}}},
		})
	}))
	defer srv.Close()

	vec, err := New(WithBaseURL(srv.URL+"/")).Embed(context.Background(), providers.OpDocument, "page one", providers.Params{})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.Equal(t, []string{"search_document: page one"}, input)
}
