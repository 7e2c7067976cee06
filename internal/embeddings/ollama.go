package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/coderag/internal/errs"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
	defaultDimensions  = 768
)

// OllamaOptions configures an OllamaService. Zero values take defaults.
type OllamaOptions struct {
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Retry      RetryConfig
	Registry   *ModelRegistry
	HTTPClient *http.Client
}

// OllamaService implements the embedding service using Ollama.
type OllamaService struct {
	baseURL    string
	model      string
	dimensions int
	retry      RetryConfig
	registry   *ModelRegistry
	client     *http.Client
}

// ollamaEmbedRequest is the request body for /api/embeddings.
type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ollamaEmbedResponse is the response from /api/embeddings.
type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaService creates a new Ollama embedding service.
func NewOllamaService(opts OllamaOptions) (*OllamaService, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultOllamaURL
	}
	if opts.Model == "" {
		opts.Model = defaultOllamaModel
	}
	if opts.Registry == nil {
		opts.Registry = NewModelRegistry()
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = opts.Registry.Dimensions(opts.Model)
		if opts.Dimensions == 0 {
			opts.Dimensions = defaultDimensions
			log.Debug("Unknown model dimensions, defaulting", "model", opts.Model, "dimensions", opts.Dimensions)
		}
	}
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}

	return &OllamaService{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		model:      opts.Model,
		dimensions: opts.Dimensions,
		retry:      opts.Retry,
		registry:   opts.Registry,
		client:     opts.HTTPClient,
	}, nil
}

// Embed generates an embedding for text.
func (s *OllamaService) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if strings.TrimSpace(model) == "" {
		model = s.model
	}
	if strings.TrimSpace(text) == "" {
		log.Debug("Blank text, returning zero vector", "dimensions", s.dimensions)
		return make([]float32, s.dimensions), nil
	}

	vec, err := retryWithBackoff(ctx, s.retry, func() ([]float32, error) {
		return s.embedOnce(ctx, text, model)
	})
	if err != nil {
		return nil, err
	}

	s.registry.Observe(model, len(vec))
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (s *OllamaService) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return embedEach(ctx, s, texts, model)
}

// Dimensions returns the default embedding dimensions.
func (s *OllamaService) Dimensions() int {
	return s.dimensions
}

// Provider returns the provider name.
func (s *OllamaService) Provider() Provider {
	return ProviderOllama
}

// ModelName returns the default model name.
func (s *OllamaService) ModelName() string {
	return s.model
}

// embedOnce performs a single embedding request.
func (s *OllamaService) embedOnce(ctx context.Context, text, model string) ([]float32, error) {
	const op = "ollama embed"

	jsonBody, err := json.Marshal(ollamaEmbedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := s.baseURL + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug("Requesting embedding from Ollama", "model", model, "chars", len(text))

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.E(errs.ServiceUnavailable, op,
			fmt.Sprintf("embedding service is not reachable at %s", s.baseURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errs.E(errs.ServiceUnavailable, op,
			"embeddings endpoint not available (404); the backend may be too old or the model missing",
			&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errs.E(errs.BackendError, op, "embedding service returned an error",
			&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errs.E(errs.BackendError, op, "failed to decode response", err)
	}
	if len(result.Embedding) == 0 {
		return nil, errs.E(errs.ServiceUnavailable, op, "response carried no embedding", nil)
	}

	return result.Embedding, nil
}
