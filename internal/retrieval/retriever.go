package retrieval

import (
	"context"
	"log/slog"

	"github.com/kalambet/docqa/internal/domain"
)

// rerankPool is how many candidates per requested chunk are fetched when a
// reranker is configured.
const rerankPool = 2

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read side of VectorStore.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)
}

// Reranker re-scores retrieved chunks by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []domain.ScoredChunk) ([]domain.ScoredChunk, error)
}

// Retriever combines embedding and vector search to find relevant chunks.
type Retriever struct {
	embedder QueryEmbedder
	store    Searcher
	reranker Reranker
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. reranker may be nil.
func NewRetriever(embedder QueryEmbedder, store Searcher, reranker Reranker) *Retriever {
	return &Retriever{embedder: embedder, store: store, reranker: reranker, logger: slog.Default()}
}

// Retrieve embeds the query and returns up to topK chunks, best first. Errors
// are domain.Failure values: EmbeddingFailed when the query cannot be
// embedded, RetrievalFailed when the store cannot be searched.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.ScoredChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, domain.NewFailure(domain.EmbeddingFailed, "embed_query", err)
	}

	k := topK
	if r.reranker != nil {
		k = topK * rerankPool
	}
	scored, err := r.store.Search(ctx, vec, k)
	if err != nil {
		return nil, domain.NewFailure(domain.RetrievalFailed, "search", err)
	}

	chunks := scoredToChunks(scored)
	if r.reranker != nil && len(chunks) > 0 {
		reranked, err := r.reranker.Rerank(ctx, query, chunks)
		if err != nil {
			r.logger.Warn("retriever: rerank failed, keeping vector order", "error", err)
		} else {
			chunks = reranked
		}
	}
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

func scoredToChunks(scored []ScoredRecord) []domain.ScoredChunk {
	chunks := make([]domain.ScoredChunk, len(scored))
	for i, s := range scored {
		chunks[i] = domain.ScoredChunk{
			Chunk: domain.Chunk{
				DocumentID: s.DocumentID,
				Index:      s.ChunkIndex,
				Text:       s.TextChunk,
				FileName:   s.FileName,
				Locator:    s.Locator,
			},
			Score: s.Score,
		}
	}
	return chunks
}
