package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablewood/reverie/pkg/types"
)

func testClient(baseURL string) *Client {
	return NewClient(ClientConfig{
		BaseURL:           baseURL,
		Model:             "test-model",
		EmbeddingModel:    "test-embed",
		RequestsPerSecond: 1000,
	})
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "summarize this", req.Prompt)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(generateResponse{Response: "a summary", Done: true})
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).Complete(context.Background(), "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "a summary", got)
}

func TestCompleteBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), "p")
	var genErr *types.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "complete", genErr.Op)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-embed", req.Model)
		assert.Equal(t, "remember the deadline", req.Input)

		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	vec, err := testClient(srv.URL).Embed(context.Background(), "remember the deadline")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{}})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Embed(context.Background(), "text")
	var genErr *types.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "embed", genErr.Op)
	assert.Contains(t, genErr.Error(), "empty vector")
}

func TestEmbedBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Embed(context.Background(), "text")
	var genErr *types.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "embed", genErr.Op)
}
