package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/engine"
)

const (
	defaultMaxContextTokens = 4000
	defaultHistoryTurns     = 10
)

const groundedInstructions = `You answer questions about the user's uploaded documents.
Use only the numbered context passages below. Cite every passage you rely on with its number in square brackets, for example [1] or [2][3].
If the context does not contain the answer, say that the documents do not cover it.`

const ungroundedInstructions = `You answer questions about the user's uploaded documents.
No relevant document context was found for this question.
Answer from the conversation so far if it is sufficient; otherwise say that the uploaded documents do not cover the question. Do not invent citations.`

// Prompt is a composed chat request. Chunks holds the context passages in
// citation order: passage [n] is Chunks[n-1].
type Prompt struct {
	Messages []engine.Message
	Chunks   []domain.ScoredChunk
}

// Grounded reports whether any document context made it into the prompt.
func (p Prompt) Grounded() bool { return len(p.Chunks) > 0 }

// Composer assembles answer prompts from retrieved chunks, recent
// conversation history and the question.
type Composer struct {
	MaxContextTokens int
	HistoryTurns     int
}

// New creates a Composer. maxContextTokens bounds the injected passages;
// historyTurns bounds how many prior turns are replayed. Non-positive values
// use the defaults (4000 tokens, 10 turns).
func New(maxContextTokens, historyTurns int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	return &Composer{MaxContextTokens: maxContextTokens, HistoryTurns: historyTurns}
}

// Compose builds the prompt. Chunks are taken best score first; a chunk that
// would overflow the token budget is skipped and smaller ones may still fit.
func (c *Composer) Compose(question string, chunks []domain.ScoredChunk, history []domain.Turn) Prompt {
	selected := c.selectChunks(chunks)

	var sys strings.Builder
	if len(selected) == 0 {
		sys.WriteString(ungroundedInstructions)
	} else {
		sys.WriteString(groundedInstructions)
		sys.WriteString("\n\n[Context]\n")
		for i, ch := range selected {
			sys.WriteString(formatChunk(i+1, ch))
		}
	}

	msgs := make([]engine.Message, 0, 2+c.HistoryTurns)
	msgs = append(msgs, engine.Message{Role: engine.RoleSystem, Content: strings.TrimRight(sys.String(), "\n")})
	if len(history) > c.HistoryTurns {
		history = history[len(history)-c.HistoryTurns:]
	}
	for _, t := range history {
		if t.Content == "" {
			continue
		}
		msgs = append(msgs, engine.Message{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, engine.Message{Role: engine.RoleUser, Content: question})

	return Prompt{Messages: msgs, Chunks: selected}
}

func (c *Composer) selectChunks(chunks []domain.ScoredChunk) []domain.ScoredChunk {
	if len(chunks) == 0 {
		return nil
	}
	sorted := make([]domain.ScoredChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	remaining := c.MaxContextTokens
	var selected []domain.ScoredChunk
	for _, ch := range sorted {
		tokens := EstimateTokens(formatChunk(len(selected)+1, ch))
		if tokens > remaining {
			continue
		}
		selected = append(selected, ch)
		remaining -= tokens
	}
	return selected
}

func formatChunk(n int, ch domain.ScoredChunk) string {
	ref := ch.FileName
	if ch.Locator != "" {
		ref += ", " + ch.Locator
	}
	return fmt.Sprintf("[%d] (%s)\n%s\n\n", n, ref, ch.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
