package retrieval

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmbeddingMismatch is returned when the configured embedding model
	// differs from the model the existing index was built with.
	ErrEmbeddingMismatch = errors.New("embedding model mismatch")
	// ErrDocumentNotFound is returned when deleting an unknown document.
	ErrDocumentNotFound = errors.New("document not found")
)

// VectorStore is the interface for chunk storage and similarity search.
// Implementations must be safe for concurrent readers and writers.
type VectorStore interface {
	// UpsertDocument replaces every chunk of doc with records atomically.
	// Readers never observe a partially indexed document.
	UpsertDocument(ctx context.Context, doc DocumentRecord, records []Record) error

	// Search returns the topK records most similar to vector, best first.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteDocument removes a document and all of its chunks.
	DeleteDocument(ctx context.Context, id string) error

	// ListDocuments returns indexed documents, newest first.
	ListDocuments(ctx context.Context) ([]DocumentRecord, error)

	// Count returns the number of indexed chunks.
	Count(ctx context.Context) (int, error)
}

// DocumentRecord describes an indexed document.
type DocumentRecord struct {
	ID         string    `json:"document_id"`
	Name       string    `json:"original_name"`
	Size       int64     `json:"size"`
	Content    []byte    `json:"-"`
	ChunkCount int       `json:"chunk_count"`
	EmbedModel string    `json:"embed_model"`
	UploadedAt time.Time `json:"uploaded_at"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Record is one chunk row in the vector store.
type Record struct {
	ID         string
	DocumentID string
	ChunkIndex int
	FileName   string
	Locator    string
	TextChunk  string
	Embedding  []float32
	EmbedModel string
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a cosine similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
