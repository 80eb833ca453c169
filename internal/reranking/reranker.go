// Package reranking re-scores retrieved chunks by asking a local chat model
// how well each passage answers the question.
package reranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/engine"
)

const defaultWorkers = 3

// ErrTimeout is returned when too few passages were judged before the
// rerank deadline. Callers keep the vector order.
var ErrTimeout = errors.New("rerank deadline exceeded")

const judgeInstructions = "You judge whether a passage from a user's document helps answer their question. " +
	"Reply with a JSON object {\"score\": <number between 0 and 1>} where 1 means the passage answers the question " +
	"and 0 means it is unrelated."

var scoreSchema = engine.ObjectSchema(map[string]engine.SchemaProperty{
	"score": {Type: "number", Description: "relevance between 0 and 1"},
})

// LLMReranker replaces each chunk's similarity score with a model relevance
// score, drops chunks under the threshold and sorts the rest best first.
type LLMReranker struct {
	engine    engine.Engine
	model     string
	timeout   time.Duration
	threshold float64
	enough    int
	workers   int
	logger    *slog.Logger
}

// New returns a reranker that asks model through eng. Once enough chunks
// have been judged the remaining calls are cancelled; enough <= 0 judges
// every chunk.
func New(eng engine.Engine, model string, timeout time.Duration, threshold float64, enough int) *LLMReranker {
	return &LLMReranker{
		engine:    eng,
		model:     model,
		timeout:   timeout,
		threshold: threshold,
		enough:    enough,
		workers:   defaultWorkers,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger used for per-chunk diagnostics.
func (r *LLMReranker) WithLogger(l *slog.Logger) *LLMReranker {
	r.logger = l
	return r
}

type verdict struct {
	chunk  domain.ScoredChunk
	judged bool
}

// Rerank judges chunks concurrently. A chunk the model fails to judge keeps
// its similarity score. If the deadline passes before enough verdicts
// arrive, Rerank returns ErrTimeout and the input is left untouched.
func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []domain.ScoredChunk) ([]domain.ScoredChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}
	want := r.enough
	if want <= 0 || want > len(chunks) {
		want = len(chunks)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	verdicts := make(chan verdict, len(chunks))
	go func() {
		var g errgroup.Group
		g.SetLimit(r.workers)
		for _, c := range chunks {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				v, ok := r.judge(ctx, query, c)
				if ok {
					verdicts <- v
				}
				return nil
			})
		}
		_ = g.Wait()
		close(verdicts)
	}()

	collected := make([]verdict, 0, want)
	for len(collected) < want {
		select {
		case v, open := <-verdicts:
			if !open {
				if ctx.Err() != nil {
					return nil, r.timedOut(ctx, len(collected), want)
				}
				return r.rank(collected), nil
			}
			collected = append(collected, v)
		case <-ctx.Done():
			return nil, r.timedOut(ctx, len(collected), want)
		}
	}
	cancel()
	return r.rank(collected), nil
}

func (r *LLMReranker) timedOut(ctx context.Context, judged, want int) error {
	r.logger.Debug("rerank deadline passed", "judged", judged, "wanted", want)
	return fmt.Errorf("%w after %s: %w", ErrTimeout, r.timeout, ctx.Err())
}

// judge asks the model about one chunk. ok is false only when the context
// ended mid-call, in which case the verdict is discarded.
func (r *LLMReranker) judge(ctx context.Context, query string, c domain.ScoredChunk) (verdict, bool) {
	resp, err := r.engine.Chat(ctx, r.model, judgePrompt(query, c), scoreSchema)
	if err != nil {
		if ctx.Err() != nil {
			return verdict{}, false
		}
		r.logger.Debug("rerank call failed, keeping similarity score", "chunk", c.Key(), "error", err)
		return verdict{chunk: c}, true
	}
	score, err := parseScore(resp)
	if err != nil {
		r.logger.Debug("unusable rerank reply, keeping similarity score", "chunk", c.Key(), "reply", resp, "error", err)
		return verdict{chunk: c}, true
	}
	c.Score = score
	return verdict{chunk: c, judged: true}, true
}

func (r *LLMReranker) rank(vs []verdict) []domain.ScoredChunk {
	out := make([]domain.ScoredChunk, 0, len(vs))
	judged := 0
	for _, v := range vs {
		if v.judged {
			judged++
		}
		if float64(v.chunk.Score) >= r.threshold {
			out = append(out, v.chunk)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	r.logger.Debug("reranked", "candidates", len(vs), "judged", judged, "kept", len(out))
	return out
}

func judgePrompt(query string, c domain.ScoredChunk) []engine.Message {
	var b strings.Builder
	b.WriteString("Document: ")
	b.WriteString(c.FileName)
	if c.Locator != "" {
		b.WriteString(" (")
		b.WriteString(c.Locator)
		b.WriteString(")")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\nPassage:\n")
	b.WriteString(c.Text)
	return []engine.Message{
		{Role: engine.RoleSystem, Content: judgeInstructions},
		{Role: engine.RoleUser, Content: b.String()},
	}
}

// parseScore pulls {"score": x} out of a reply that may be wrapped in a
// markdown fence or surrounded by chatter. Scores are clamped to [0,1].
func parseScore(resp string) (float32, error) {
	s := strings.TrimSpace(resp)
	if _, rest, ok := strings.Cut(s, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		s, _, _ = strings.Cut(rest, "```")
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return 0, errors.New("no JSON object in reply")
	}
	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("decoding score: %w", err)
	}
	if obj.Score == nil {
		return 0, errors.New("reply has no score field")
	}
	return float32(min(max(*obj.Score, 0), 1)), nil
}
