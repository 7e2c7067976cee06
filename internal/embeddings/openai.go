package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nickcecere/coderag/internal/errs"
)

// OpenAIOptions configures an OpenAIService.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Retry      RetryConfig
	Registry   *ModelRegistry
}

// OpenAIService implements the embedding service against an OpenAI-compatible API.
type OpenAIService struct {
	client     openai.Client
	model      string
	dimensions int
	retry      RetryConfig
	registry   *ModelRegistry
}

// NewOpenAIService creates a new OpenAI embedding service. Vectors are
// requested at Dimensions length so they land in a supported storage slot.
func NewOpenAIService(opts OpenAIOptions) (*OpenAIService, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if opts.Model == "" {
		opts.Model = "text-embedding-3-small"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = defaultDimensions
	}
	if opts.Registry == nil {
		opts.Registry = NewModelRegistry()
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// backoff is handled by retryWithBackoff
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &OpenAIService{
		client:     openai.NewClient(clientOpts...),
		model:      opts.Model,
		dimensions: opts.Dimensions,
		retry:      opts.Retry,
		registry:   opts.Registry,
	}, nil
}

// Embed generates an embedding for text.
func (s *OpenAIService) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if strings.TrimSpace(model) == "" {
		model = s.model
	}
	if strings.TrimSpace(text) == "" {
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
func (s *OpenAIService) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return embedEach(ctx, s, texts, model)
}

// Dimensions returns the requested embedding dimensions.
func (s *OpenAIService) Dimensions() int {
	return s.dimensions
}

// Provider returns the provider name.
func (s *OpenAIService) Provider() Provider {
	return ProviderOpenAI
}

// ModelName returns the default model name.
func (s *OpenAIService) ModelName() string {
	return s.model
}

func (s *OpenAIService) embedOnce(ctx context.Context, text, model string) ([]float32, error) {
	const op = "openai embed"

	log.Debug("Requesting embedding from OpenAI", "model", model, "chars", len(text))

	resp, err := s.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      openai.EmbeddingModel(model),
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions: openai.Int(int64(s.dimensions)),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyOpenAIError(op, err)
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errs.E(errs.ServiceUnavailable, op, "response carried no embedding", nil)
	}

	embedding := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// classifyOpenAIError maps SDK errors onto error kinds: API 404 and transport
// failures are ServiceUnavailable, other API statuses BackendError.
func classifyOpenAIError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 404 {
			return errs.E(errs.ServiceUnavailable, op, "embeddings endpoint or model not found (404)", err)
		}
		return errs.E(errs.BackendError, op, "embedding service returned an error", err)
	}
	return errs.E(errs.ServiceUnavailable, op, "embedding service is not reachable", err)
}
