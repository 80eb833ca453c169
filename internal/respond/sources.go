package respond

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/docqa/internal/domain"
)

// citationRe matches [1] and [1, 3] style markers.
var citationRe = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)

// CitedSources maps [n] markers in answer to chunks[n-1], in order of first
// citation. Markers outside 1..len(chunks) are ignored. When the answer cites
// nothing valid, every chunk is returned. The result is never nil.
func CitedSources(answer string, chunks []domain.ScoredChunk) []domain.Source {
	sources := make([]domain.Source, 0, len(chunks))
	seen := make(map[int]bool)
	for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
		for _, part := range strings.Split(m[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 1 || n > len(chunks) || seen[n] {
				continue
			}
			seen[n] = true
			sources = append(sources, domain.SourceFromChunk(chunks[n-1].Chunk))
		}
	}
	if len(sources) > 0 {
		return sources
	}
	for _, c := range chunks {
		sources = append(sources, domain.SourceFromChunk(c.Chunk))
	}
	return sources
}
