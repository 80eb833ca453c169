package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kalambet/docqa/internal/engine"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	openRouterTimeout = 60 * time.Second
)

// OpenRouter calls an OpenAI-compatible chat completions endpoint.
type OpenRouter struct {
	apiKey  string
	model   string
	baseURL string
	client  *resty.Client
}

func NewOpenRouter(apiKey, model, baseURL string) *OpenRouter {
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	client := resty.New().
		SetTimeout(openRouterTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("HTTP-Referer", "https://github.com/kalambet/docqa").
		SetHeader("X-Title", "docqa")
	return &OpenRouter{apiKey: apiKey, model: model, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (o *OpenRouter) Name() string { return ProviderOpenRouter + "/" + o.model }

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []engine.Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message engine.Message `json:"message"`
	} `json:"choices"`
}

// Generate sends a non-streaming completion request, retrying with
// exponential backoff on HTTP 429.
func (o *OpenRouter) Generate(ctx context.Context, messages []engine.Message) (string, error) {
	body := chatRequest{Model: o.model, Messages: messages}
	return withRetry(ctx, func() (string, error) {
		var result chatResponse
		resp, err := o.client.R().
			SetContext(ctx).
			SetAuthToken(o.apiKey).
			SetBody(body).
			SetResult(&result).
			Post(o.baseURL + "/chat/completions")
		if err != nil {
			return "", fmt.Errorf("openrouter request: %w", err)
		}
		if !resp.IsSuccess() {
			return "", statusError("openrouter", resp.StatusCode(), resp.String())
		}
		if len(result.Choices) == 0 {
			return "", ErrEmptyAnswer
		}
		out := strings.TrimSpace(result.Choices[0].Message.Content)
		if out == "" {
			return "", ErrEmptyAnswer
		}
		return out, nil
	})
}
