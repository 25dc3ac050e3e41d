// Package upstreamtest runs fake OpenAI-compatible backends for tests. The
// same wire format covers the openai and ollama providers.
//
// Responses are deterministic: an embedding is derived from the model and
// input text, and a completion echoes the server name and prompt, so tests
// can tell which upstream served a request.
package upstreamtest

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// DefaultDimensions is the embedding length when Config leaves it zero.
const DefaultDimensions = 8

type Config struct {
	// Name prefixes completion text.
	Name string
	// Models is the /v1/models listing.
	Models []string
	// Dimensions of returned embeddings.
	Dimensions int
	// Latency is added before every response.
	Latency time.Duration
}

// Server is a running fake upstream. Close it with t.Cleanup, which
// NewOpenAI already registers.
type Server struct {
	*httptest.Server

	cfg        Config
	failStatus atomic.Int64

	embeds      atomic.Int64
	completions atomic.Int64
	listings    atomic.Int64
}

// NewOpenAI starts a fake OpenAI-compatible server.
func NewOpenAI(t testing.TB, cfg Config) *Server {
	t.Helper()

	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Name == "" {
		cfg.Name = "mock"
	}

	s := &Server{cfg: cfg}
	s.Server = httptest.NewServer(s.handler())
	t.Cleanup(s.Close)
	return s
}

// BaseURL is the /v1 root the openai provider expects.
func (s *Server) BaseURL() string { return s.URL + "/v1" }

// FailWith makes every request answer with status. Zero restores normal
// responses.
func (s *Server) FailWith(status int) { s.failStatus.Store(int64(status)) }

func (s *Server) Embeddings() int64  { return s.embeds.Load() }
func (s *Server) Completions() int64 { return s.completions.Load() }
func (s *Server) Listings() int64    { return s.listings.Load() }

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		s.completions.Add(1)
		if s.failing(w) {
			return
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		var prompt string
		for _, m := range req.Messages {
			if m.Role == "user" {
				prompt = m.Content
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": s.cfg.Name + ": " + prompt},
					"finish_reason": "stop",
				},
			},
		})
	})

	mux.HandleFunc("POST /v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		s.embeds.Add(1)
		if s.failing(w) {
			return
		}

		var req struct {
			Model string `json:"model"`
			Input any    `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		var inputs []string
		switch v := req.Input.(type) {
		case string:
			inputs = []string{v}
		case []any:
			for _, x := range v {
				if str, ok := x.(string); ok {
					inputs = append(inputs, str)
				}
			}
		}

		data := make([]map[string]any, len(inputs))
		for i, in := range inputs {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": Embedding(req.Model, in, s.cfg.Dimensions),
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": len(inputs), "total_tokens": len(inputs)},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		s.listings.Add(1)
		if s.failing(w) {
			return
		}

		data := make([]map[string]any, len(s.cfg.Models))
		for i, id := range s.cfg.Models {
			data[i] = map[string]any{"id": id, "object": "model", "created": 1710000000, "owned_by": s.cfg.Name}
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// failing applies latency and, when FailWith is set, writes the error.
func (s *Server) failing(w http.ResponseWriter) bool {
	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}
	status := int(s.failStatus.Load())
	if status == 0 {
		return false
	}
	writeError(w, status, fmt.Sprintf("mock failure %d", status), "server_error")
	return true
}

// Embedding is the vector the fake returns for model and text.
func Embedding(model, text string, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	seed := h.Sum64()

	r := rand.New(rand.NewPCG(seed, seed>>1))
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{
		"message": msg,
		"type":    typ,
		"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
