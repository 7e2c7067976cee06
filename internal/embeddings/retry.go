package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"

	"github.com/nickcecere/coderag/internal/errs"
)

// RetryConfig configures exponential backoff for transient backend errors.
// MaxRetries counts attempts after the first; zero disables retrying.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// StatusError is the HTTP status and body of a failed backend call.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// isTransient reports whether err is a backend error worth retrying.
// ServiceUnavailable is never retried here.
func isTransient(err error) bool {
	if !errs.IsBackend(err) {
		return false
	}
	code := 0
	var se *StatusError
	var apiErr *openai.Error
	switch {
	case errors.As(err, &se):
		code = se.Code
	case errors.As(err, &apiErr):
		code = apiErr.StatusCode
	}
	return code == http.StatusTooManyRequests || code >= 500
}

// retryWithBackoff runs fn until it succeeds, fails permanently, or attempts
// run out. Cancellation stops immediately with ctx.Err().
func retryWithBackoff[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	backoff := cfg.BaseDelay
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt >= cfg.MaxRetries || !isTransient(err) {
			return zero, err
		}

		log.Debug("Retrying embedding request", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * multiplier)
		if cfg.MaxDelay > 0 && backoff > cfg.MaxDelay {
			backoff = cfg.MaxDelay
		}
	}
}
