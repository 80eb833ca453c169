package engine

import "context"

// Engine abstracts the inference backend used for embeddings, local
// generation and reranking.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// EmbedBatch returns one embedding per text, in input order.
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Config selects and tunes the backend returned by New.
type Config struct {
	OllamaBaseURL string
	// RequestsPerSecond caps Chat and Embed calls. Zero disables limiting.
	RequestsPerSecond float64
}

// New returns an Ollama-backed Engine, rate limited when configured.
func New(cfg Config) Engine {
	var e Engine = NewOllamaEngine(cfg.OllamaBaseURL)
	if cfg.RequestsPerSecond > 0 {
		e = NewLimited(e, cfg.RequestsPerSecond)
	}
	return e
}
