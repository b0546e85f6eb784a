package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIEmbedder_Embed(t *testing.T) {
	// Verifies that a successful embeddings call returns the vector and sends
	// the configured model with the bearer token.
	var gotAuth, gotModel, gotInput string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel = req.Model
		gotInput = req.Input

		resp := embeddingResponse{Data: []embeddingData{{Embedding: []float32{0.1, 0.2, 0.3}}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(OpenAIEmbedderConfig{
		BaseURL: server.URL,
		Model:   "all-minilm",
		APIKey:  "test-key",
	})

	vec, err := embedder.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("unexpected vector: %v", vec)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("authorization = %q, want bearer token", gotAuth)
	}
	if gotModel != "all-minilm" || gotInput != "hello world" {
		t.Errorf("request carried model=%q input=%q", gotModel, gotInput)
	}
}

func TestOpenAIEmbedder_NoAuthHeaderWithoutKey(t *testing.T) {
	// Verifies that no Authorization header is sent when the API key is empty;
	// local endpoints reject unexpected auth or simply need none.
	var sawAuth bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		json.NewEncoder(w).Encode(embeddingResponse{Data: []embeddingData{{Embedding: []float32{1}}}})
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(OpenAIEmbedderConfig{BaseURL: server.URL})
	if _, err := embedder.Embed(context.Background(), "text"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if sawAuth {
		t.Error("Authorization header sent without an API key")
	}
}

func TestOpenAIEmbedder_EmptyText(t *testing.T) {
	// Verifies that empty text short-circuits without any HTTP call.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected HTTP call for empty text")
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(OpenAIEmbedderConfig{BaseURL: server.URL})
	vec, err := embedder.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vec != nil {
		t.Errorf("expected nil vector for empty text, got %v", vec)
	}
}

func TestOpenAIEmbedder_APIError(t *testing.T) {
	// Verifies that an API-level error payload surfaces as an error with the
	// provider's message.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "model not found", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(OpenAIEmbedderConfig{BaseURL: server.URL})
	_, err := embedder.Embed(context.Background(), "text")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error does not carry the provider message: %v", err)
	}
}

func TestOpenAIEmbedder_RateLimit(t *testing.T) {
	// Verifies that HTTP 429 is reported as a rate limit error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit_error"}}`))
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(OpenAIEmbedderConfig{BaseURL: server.URL})
	_, err := embedder.Embed(context.Background(), "text")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "rate limit") {
		t.Errorf("expected rate limit error, got: %v", err)
	}
}

func TestOpenAIEmbedder_EmptyData(t *testing.T) {
	// Verifies that a 200 response with no embedding data is an error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingResponse{})
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(OpenAIEmbedderConfig{BaseURL: server.URL})
	if _, err := embedder.Embed(context.Background(), "text"); err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestOpenAIEmbedder_Defaults(t *testing.T) {
	// Verifies the zero-config defaults.
	embedder := NewOpenAIEmbedder(OpenAIEmbedderConfig{})
	if embedder.cfg.BaseURL != defaultEmbeddingBase {
		t.Errorf("base URL = %q, want %q", embedder.cfg.BaseURL, defaultEmbeddingBase)
	}
	if embedder.cfg.Model != defaultEmbeddingModel {
		t.Errorf("model = %q, want %q", embedder.cfg.Model, defaultEmbeddingModel)
	}
	if embedder.cfg.Timeout != defaultEmbeddingTimeout {
		t.Errorf("timeout = %v, want %v", embedder.cfg.Timeout, defaultEmbeddingTimeout)
	}
}
