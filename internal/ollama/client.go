package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// errSnippetLen caps how much of an error response body is quoted in errors.
const errSnippetLen = 200

// Message represents a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Client communicates with an Ollama instance over HTTP.
type Client struct {
	baseURL string
	http    *resty.Client
}

// New creates a Client targeting the given Ollama base URL. Requests carry
// no client-side timeout; callers bound them with their context.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    resty.New().SetHeader("Content-Type", "application/json"),
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).Get(c.baseURL + "/api/tags")
	return err == nil && resp.StatusCode() == http.StatusOK
}

// ListModels returns the names of all models available in the Ollama instance.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tags tagsResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&tags).Get(c.baseURL + "/api/tags")
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	if err := statusError("tags", resp); err != nil {
		return nil, err
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the given model name is present locally.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		// "nomic-embed-text:latest" matches "nomic-embed-text".
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads a model, reading the streamed progress to completion.
// The optional progress callback receives each progress line; pass nil to ignore.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(pullRequest{Name: name, Stream: true}).
		SetDoNotParseResponse(true).
		Post(c.baseURL + "/api/pull")
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(body, errSnippetLen))
		return fmt.Errorf("pull %s: unexpected status %d: %s", name, resp.StatusCode(), strings.TrimSpace(string(snippet)))
	}

	dec := json.NewDecoder(body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if p.Error != "" {
			return fmt.Errorf("pull %s: %s", name, p.Error)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   any       `json:"format,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Chat sends messages to the given model and returns the assistant's response.
// When jsonSchema is non-nil it is passed as the format to request structured output.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	cr := chatRequest{Model: model, Messages: messages}
	if jsonSchema != nil {
		cr.Format = jsonSchema
	}

	var result chatResponse
	resp, err := c.http.R().SetContext(ctx).SetBody(cr).SetResult(&result).Post(c.baseURL + "/api/chat")
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	if err := statusError("chat", resp); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

// embedRequest is the JSON body for POST /api/embed. Input is either a
// string or a list of strings.
type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector for the given text using the specified model.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, model, text)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed: empty embeddings array")
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one request. The result is in input order.
func (c *Client) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.embed(ctx, model, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

func (c *Client) embed(ctx context.Context, model string, input any) ([][]float32, error) {
	var result embedResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: model, Input: input}).
		SetResult(&result).
		Post(c.baseURL + "/api/embed")
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if err := statusError("embed", resp); err != nil {
		return nil, err
	}
	return result.Embeddings, nil
}

func statusError(op string, resp *resty.Response) error {
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	body := strings.TrimSpace(resp.String())
	if len(body) > errSnippetLen {
		body = body[:errSnippetLen]
	}
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode(), body)
}
