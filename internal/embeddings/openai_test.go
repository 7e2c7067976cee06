package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nickcecere/coderag/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockOpenAIServer(t *testing.T, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			return
		}

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		dims := int(body["dimensions"].(float64))

		embedding := make([]float64, dims)
		embedding[0] = 0.5
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  body["model"],
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": embedding},
			},
			"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func TestNewOpenAIService(t *testing.T) {
	t.Run("requires API key", func(t *testing.T) {
		_, err := NewOpenAIService(OpenAIOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API key is required")
	})

	t.Run("defaults", func(t *testing.T) {
		svc, err := NewOpenAIService(OpenAIOptions{APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, "text-embedding-3-small", svc.ModelName())
		assert.Equal(t, 768, svc.Dimensions())
		assert.Equal(t, ProviderOpenAI, svc.Provider())
	})
}

func TestOpenAIEmbed(t *testing.T) {
	server := mockOpenAIServer(t, http.StatusOK)
	defer server.Close()

	registry := NewModelRegistry()
	svc, err := NewOpenAIService(OpenAIOptions{
		APIKey:     "k",
		BaseURL:    server.URL + "/v1/",
		Dimensions: 1024,
		Registry:   registry,
	})
	require.NoError(t, err)

	vec, err := svc.Embed(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.Len(t, vec, 1024)
	assert.InDelta(t, 0.5, vec[0], 1e-6)

	zero, err := svc.Embed(context.Background(), "", "")
	require.NoError(t, err)
	assert.Len(t, zero, 1024)
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind errs.Kind
	}{
		{"not found", http.StatusNotFound, errs.ServiceUnavailable},
		{"server error", http.StatusInternalServerError, errs.BackendError},
		{"unauthorized", http.StatusUnauthorized, errs.BackendError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := mockOpenAIServer(t, tt.status)
			defer server.Close()

			svc, err := NewOpenAIService(OpenAIOptions{APIKey: "k", BaseURL: server.URL + "/v1/"})
			require.NoError(t, err)

			_, err = svc.Embed(context.Background(), "hello", "")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errs.KindOf(err))
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		svc, err := NewOpenAIService(OpenAIOptions{APIKey: "k", BaseURL: url + "/v1/"})
		require.NoError(t, err)

		_, err = svc.Embed(context.Background(), "hello", "")
		require.Error(t, err)
		assert.True(t, errs.IsServiceUnavailable(err))
	})
}
