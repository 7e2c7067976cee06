// Package embeddings provides text embedding services for semantic search.
package embeddings

import (
	"context"
	"fmt"

	"github.com/nickcecere/coderag/internal/config"
)

// Provider represents an embedding provider type.
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

// Service turns text into fixed-length vectors.
//
// Failures are classified with the errs package: an unreachable or
// incompatible backend is errs.ServiceUnavailable, any other non-2xx answer is
// errs.BackendError. Context cancellation is returned as ctx.Err().
type Service interface {
	// Embed returns the vector for text. A blank model uses ModelName();
	// blank text yields a zero vector of Dimensions() length.
	Embed(ctx context.Context, text, model string) ([]float32, error)

	// EmbedBatch embeds each text with repeated single calls, stopping at the
	// first error.
	EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error)

	// Dimensions returns the default vector length.
	Dimensions() int

	Provider() Provider

	// ModelName returns the default model.
	ModelName() string
}

// NewService creates an embedding service based on the configuration. A nil
// registry gets a fresh, seeded one.
func NewService(cfg *config.Config, registry *ModelRegistry) (Service, error) {
	if registry == nil {
		registry = NewModelRegistry()
	}
	retry := RetryConfig{
		MaxRetries: cfg.Embeddings.Retry.MaxRetries,
		BaseDelay:  cfg.Embeddings.Retry.InitialDelay,
		MaxDelay:   cfg.Embeddings.Retry.MaxDelay,
		Multiplier: 2,
	}

	switch Provider(cfg.Embeddings.Provider) {
	case ProviderOllama:
		return NewOllamaService(OllamaOptions{
			BaseURL:    cfg.Embeddings.Ollama.URL,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
			Timeout:    cfg.Embeddings.Ollama.Timeout,
			Retry:      retry,
			Registry:   registry,
		})
	case ProviderOpenAI:
		return NewOpenAIService(OpenAIOptions{
			APIKey:     cfg.Embeddings.OpenAI.APIKey,
			BaseURL:    cfg.Embeddings.OpenAI.BaseURL,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
			Retry:      retry,
			Registry:   registry,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Embeddings.Provider)
	}
}

// embedEach implements EmbedBatch in terms of Embed.
func embedEach(ctx context.Context, svc Service, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := svc.Embed(ctx, text, model)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}
