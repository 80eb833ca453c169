package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docqa/internal/engine"
)

const (
	defaultBatchSize   = 16
	defaultConcurrency = 4
)

// Embedder wraps an Engine to generate text embeddings with one fixed model.
// Ingestion and retrieval share a single Embedder so both sides of the
// similarity search live in the same embedding space.
type Embedder struct {
	engine      engine.Engine
	model       string
	batchSize   int
	concurrency int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// Non-positive batchSize or concurrency fall back to defaults.
func NewEmbedder(e engine.Engine, model string, batchSize, concurrency int) *Embedder {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Embedder{engine: e, model: model, batchSize: batchSize, concurrency: concurrency}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: empty vector")
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts, sending batches
// concurrently. Any failed batch fails the whole call; no partial result is
// returned. Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency) // Bound concurrency to avoid overwhelming the engine.

	for start := 0; start < len(texts); start += e.batchSize {
		start := start
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.engine.EmbedBatch(gCtx, e.model, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding batch %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedding batch %d-%d: got %d vectors for %d texts", start, end-1, len(vecs), end-start)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(results[0])
	for i, v := range results {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("embedding text %d: dimension %d, want %d", i, len(v), dim)
		}
	}
	return results, nil
}
