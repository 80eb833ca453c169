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
	geminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel = "gemini-1.5-flash"
)

// Gemini calls the generateContent endpoint of the Gemini API.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *resty.Client
}

func NewGemini(apiKey, model, baseURL string) *Gemini {
	if model == "" {
		model = geminiDefaultModel
	}
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	client := resty.New().
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &Gemini{apiKey: apiKey, model: model, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (g *Gemini) Name() string { return ProviderGemini + "/" + g.model }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Generate sends the transcript. System messages become the system
// instruction; assistant turns use Gemini's "model" role.
func (g *Gemini) Generate(ctx context.Context, messages []engine.Message) (string, error) {
	var req geminiRequest
	var system []string
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}

	return withRetry(ctx, func() (string, error) {
		var result geminiResponse
		resp, err := g.client.R().
			SetContext(ctx).
			SetHeader("x-goog-api-key", g.apiKey).
			SetBody(req).
			SetResult(&result).
			Post(g.baseURL + "/models/" + g.model + ":generateContent")
		if err != nil {
			return "", fmt.Errorf("gemini request: %w", err)
		}
		if !resp.IsSuccess() {
			return "", statusError("gemini", resp.StatusCode(), resp.String())
		}
		if len(result.Candidates) == 0 {
			return "", ErrEmptyAnswer
		}
		var sb strings.Builder
		for _, p := range result.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
		out := strings.TrimSpace(sb.String())
		if out == "" {
			return "", ErrEmptyAnswer
		}
		return out, nil
	})
}
