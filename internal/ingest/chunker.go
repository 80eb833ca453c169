package ingest

import (
	"fmt"
	"strings"

	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/extract"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunker splits text into overlapping windows of whitespace-separated words.
// Consecutive chunks share exactly Overlap words.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker validates that size > overlap >= 0.
func NewChunker(size, overlap int) (Chunker, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return Chunker{}, fmt.Errorf("invalid chunking: size %d, overlap %d (need size > overlap >= 0)", size, overlap)
	}
	return Chunker{Size: size, Overlap: overlap}, nil
}

// Count returns how many chunks Split produces for n words.
func (c Chunker) Count(n int) int {
	switch {
	case n <= 0:
		return 0
	case n <= c.Size:
		return 1
	}
	step := c.Size - c.Overlap
	return (n - c.Overlap + step - 1) / step
}

// Split chunks the words of sections in reading order. Each chunk's locator
// names the section its first word came from, or a "first - last" range when
// it spans sections with different locators.
func (c Chunker) Split(docID, fileName string, sections []extract.Section) []domain.Chunk {
	var words []string
	var owner []int // section index per word
	for i, s := range sections {
		for _, w := range strings.Fields(s.Text) {
			words = append(words, w)
			owner = append(owner, i)
		}
	}
	n := len(words)
	if n == 0 {
		return nil
	}

	step := c.Size - c.Overlap
	chunks := make([]domain.Chunk, 0, c.Count(n))
	for start := 0; ; start += step {
		end := min(start+c.Size, n)
		chunks = append(chunks, domain.Chunk{
			DocumentID: docID,
			Index:      len(chunks),
			Text:       strings.Join(words[start:end], " "),
			FileName:   fileName,
			Locator:    spanLocator(sections[owner[start]].Locator, sections[owner[end-1]].Locator),
		})
		if end == n {
			break
		}
	}
	return chunks
}

func spanLocator(first, last string) string {
	switch {
	case first == last, last == "":
		return first
	case first == "":
		return last
	}
	return first + " - " + last
}
