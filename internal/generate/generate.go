// Package generate produces answers from composed chat prompts using the
// configured provider: the local inference engine, Gemini, or OpenRouter.
package generate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/docqa/internal/engine"
)

const (
	ProviderOllama     = "ollama"
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	errSnippetLen  = 300
)

// ErrEmptyAnswer is returned when a provider responds without any text.
var ErrEmptyAnswer = errors.New("provider returned no answer")

// Generator turns a chat transcript into an answer.
type Generator interface {
	Generate(ctx context.Context, messages []engine.Message) (string, error)
	// Name identifies the provider and model, e.g. "gemini/gemini-1.5-flash".
	Name() string
}

// Config selects a provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider endpoint (tests, proxies).
	BaseURL string
	// RequestsPerSecond limits cloud calls. Zero disables limiting.
	RequestsPerSecond float64
}

// New returns the Generator for cfg.Provider. The local provider reuses eng,
// which carries its own limiter.
func New(cfg Config, eng engine.Engine) (Generator, error) {
	var g Generator
	switch cfg.Provider {
	case "", ProviderOllama:
		if eng == nil {
			return nil, fmt.Errorf("ollama provider requires an engine")
		}
		return NewLocal(eng, cfg.Model), nil
	case ProviderGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		g = NewGemini(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case ProviderOpenRouter:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openrouter provider requires an API key")
		}
		g = NewOpenRouter(cfg.APIKey, cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
	if cfg.RequestsPerSecond > 0 {
		g = &limited{Generator: g, limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(math.Ceil(cfg.RequestsPerSecond))))}
	}
	return g, nil
}

type limited struct {
	Generator
	limiter *rate.Limiter
}

func (l *limited) Generate(ctx context.Context, messages []engine.Message) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.Generator.Generate(ctx, messages)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func statusError(provider string, status int, body string) error {
	if status == http.StatusTooManyRequests {
		return &rateLimitError{status: status}
	}
	if len(body) > errSnippetLen {
		body = body[:errSnippetLen]
	}
	return fmt.Errorf("%s: unexpected status %d: %s", provider, status, body)
}

// withRetry calls fn until it succeeds, fails with a non rate-limit error, or
// maxRetries attempts are spent. Backoff doubles from initialBackoff.
func withRetry(ctx context.Context, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := range maxRetries {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !isRateLimit(err) {
			return "", err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}
