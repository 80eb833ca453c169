// Package domain holds the data model shared by the agents, the coordinator,
// and the storage layers.
package domain

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// PreviewRunes is the length of a source content preview before truncation.
const PreviewRunes = 200

// Document is an uploaded file awaiting or having completed ingestion.
type Document struct {
	ID         string    `json:"document_id"`
	Name       string    `json:"original_name"`
	Size       int64     `json:"size"`
	Content    []byte    `json:"-"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Chunk is a contiguous slice of a document's text. Index is the chunk_id,
// a sequence number starting at 0.
type Chunk struct {
	DocumentID string `json:"document_id"`
	Index      int    `json:"chunk_id"`
	Text       string `json:"text"`
	FileName   string `json:"file_name"`
	Locator    string `json:"locator,omitempty"`
}

// Key returns the vector-store key for the chunk.
func (c Chunk) Key() string {
	return fmt.Sprintf("%s:%d", c.DocumentID, c.Index)
}

// ScoredChunk is a retrieved chunk with its similarity score (higher is better).
type ScoredChunk struct {
	Chunk
	Score float32 `json:"score"`
}

// Source is a chunk reference attached to an answer.
type Source struct {
	FileName       string `json:"file_name"`
	ChunkID        int    `json:"chunk_id"`
	DocumentID     string `json:"document_id,omitempty"`
	Locator        string `json:"locator,omitempty"`
	ContentPreview string `json:"content_preview"`
}

// SourceFromChunk reduces a chunk to a citation with a short preview.
func SourceFromChunk(c Chunk) Source {
	return Source{
		FileName:       c.FileName,
		ChunkID:        c.Index,
		DocumentID:     c.DocumentID,
		Locator:        c.Locator,
		ContentPreview: Preview(c.Text, PreviewRunes),
	}
}

// Preview returns the first n runes of s followed by "..." when s is longer.
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a session's conversation history.
type Turn struct {
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}

// AskResult is the result payload of a completed ask job.
type AskResult struct {
	Response string   `json:"response"`
	Sources  []Source `json:"sources"`
	Query    string   `json:"query"`
	Grounded bool     `json:"grounded"`
}

// IngestResult is the result payload of a completed ingest job.
type IngestResult struct {
	DocumentID string `json:"document_id"`
	FileName   string `json:"file_name"`
	Chunks     int    `json:"chunks"`
}
