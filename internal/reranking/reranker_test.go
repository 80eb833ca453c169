package reranking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/engine"
)

// judgeEngine answers Chat with whatever reply returns for the passage text.
type judgeEngine struct {
	reply func(ctx context.Context, passage string) (string, error)

	mu      sync.Mutex
	prompts [][]engine.Message
	schemas []*engine.Schema
	models  []string
}

func (e *judgeEngine) Chat(ctx context.Context, model string, msgs []engine.Message, schema *engine.Schema) (string, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, msgs)
	e.schemas = append(e.schemas, schema)
	e.models = append(e.models, model)
	e.mu.Unlock()
	user := msgs[len(msgs)-1].Content
	_, passage, _ := strings.Cut(user, "Passage:\n")
	return e.reply(ctx, passage)
}

func (e *judgeEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errors.New("not used")
}
func (e *judgeEngine) EmbedBatch(context.Context, string, []string) ([][]float32, error) {
	return nil, errors.New("not used")
}
func (e *judgeEngine) IsRunning(context.Context) bool               { return true }
func (e *judgeEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (e *judgeEngine) HasModel(context.Context, string) bool        { return true }
func (e *judgeEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

// scores maps passage text to the JSON score reply.
func scores(m map[string]float64) func(context.Context, string) (string, error) {
	return func(_ context.Context, passage string) (string, error) {
		s, ok := m[passage]
		if !ok {
			return "", fmt.Errorf("unexpected passage %q", passage)
		}
		return fmt.Sprintf(`{"score": %g}`, s), nil
	}
}

func hang(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func candidates(similarity float32, passages ...string) []domain.ScoredChunk {
	out := make([]domain.ScoredChunk, len(passages))
	for i, t := range passages {
		out[i] = domain.ScoredChunk{
			Chunk: domain.Chunk{DocumentID: "doc-1", Index: i, Text: t, FileName: "handbook.pdf", Locator: fmt.Sprintf("page %d", i+1)},
			Score: similarity,
		}
	}
	return out
}

func quietReranker(eng engine.Engine, timeout time.Duration, threshold float64, enough int) *LLMReranker {
	return New(eng, "llama3.2", timeout, threshold, enough).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func texts(chunks []domain.ScoredChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func TestRerank_OrdersByModelScoreAndReplacesSimilarity(t *testing.T) {
	eng := &judgeEngine{reply: scores(map[string]float64{
		"leave policy": 0.4, "parking rules": 0.1, "vacation days accrue monthly": 0.9,
	})}
	r := quietReranker(eng, 5*time.Second, 0.3, 0)

	out, err := r.Rerank(context.Background(), "how many vacation days", candidates(0.62, "leave policy", "parking rules", "vacation days accrue monthly"))
	require.NoError(t, err)

	assert.Equal(t, []string{"vacation days accrue monthly", "leave policy"}, texts(out))
	assert.InDelta(t, 0.9, out[0].Score, 1e-6)
	assert.InDelta(t, 0.4, out[1].Score, 1e-6)
	assert.Equal(t, "page 3", out[0].Locator, "chunk metadata survives reranking")
}

func TestRerank_PromptCarriesFileAndLocator(t *testing.T) {
	eng := &judgeEngine{reply: scores(map[string]float64{"vacation days accrue monthly": 0.9})}
	r := quietReranker(eng, 5*time.Second, 0.3, 0)

	_, err := r.Rerank(context.Background(), "how many vacation days", candidates(0.5, "vacation days accrue monthly"))
	require.NoError(t, err)

	require.Len(t, eng.prompts, 1)
	msgs := eng.prompts[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, engine.RoleSystem, msgs[0].Role)
	assert.Equal(t, engine.RoleUser, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "Document: handbook.pdf (page 1)")
	assert.Contains(t, msgs[1].Content, "Question: how many vacation days")
	assert.Equal(t, "llama3.2", eng.models[0])
	assert.Equal(t, []string{"score"}, eng.schemas[0].Required)
}

func TestRerank_PromptOmitsEmptyLocator(t *testing.T) {
	msgs := judgePrompt("q", domain.ScoredChunk{Chunk: domain.Chunk{FileName: "notes.txt", Text: "body"}})
	assert.Contains(t, msgs[1].Content, "Document: notes.txt\n")
}

func TestRerank_ThresholdCanEmptyTheResult(t *testing.T) {
	eng := &judgeEngine{reply: func(context.Context, string) (string, error) { return `{"score": 0.05}`, nil }}
	r := quietReranker(eng, 5*time.Second, 0.3, 0)

	out, err := r.Rerank(context.Background(), "q", candidates(0.9, "a", "b"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRerank_FailedCallKeepsSimilarityScore(t *testing.T) {
	eng := &judgeEngine{reply: func(_ context.Context, passage string) (string, error) {
		if passage == "b" {
			return "", errors.New("model crashed")
		}
		return `{"score": 0.2}`, nil
	}}
	r := quietReranker(eng, 5*time.Second, 0.3, 0)

	out, err := r.Rerank(context.Background(), "q", candidates(0.7, "a", "b"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].Text)
	assert.InDelta(t, 0.7, out[0].Score, 1e-6)
}

func TestRerank_DeadlineReturnsErrTimeout(t *testing.T) {
	eng := &judgeEngine{reply: hang}
	r := quietReranker(eng, 100*time.Millisecond, 0.3, 0)

	start := time.Now()
	out, err := r.Rerank(context.Background(), "q", candidates(0.8, "a", "b", "c", "d"))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, out)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRerank_StopsOnceEnoughAreJudged(t *testing.T) {
	eng := &judgeEngine{reply: func(ctx context.Context, passage string) (string, error) {
		if strings.HasPrefix(passage, "fast") {
			return `{"score": 0.8}`, nil
		}
		return hang(ctx, passage)
	}}
	r := quietReranker(eng, 10*time.Second, 0.3, 2)
	r.workers = 4

	done := make(chan []domain.ScoredChunk, 1)
	go func() {
		out, err := r.Rerank(context.Background(), "q", candidates(0.5, "slow 1", "fast 1", "slow 2", "fast 2"))
		assert.NoError(t, err)
		done <- out
	}()

	select {
	case out := <-done:
		assert.ElementsMatch(t, []string{"fast 1", "fast 2"}, texts(out))
	case <-time.After(3 * time.Second):
		t.Fatal("Rerank waited for slow passages after enough were judged")
	}
}

func TestRerank_EmptyInput(t *testing.T) {
	r := quietReranker(&judgeEngine{reply: hang}, time.Second, 0.3, 0)
	out, err := r.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParseScore(t *testing.T) {
	cases := []struct {
		name    string
		reply   string
		want    float32
		wantErr bool
	}{
		{"plain", `{"score": 0.6}`, 0.6, false},
		{"fenced", "```json\n{\"score\": 0.8}\n```", 0.8, false},
		{"chatter", `Sure! Here it is: {"score": 0.35} hope that helps`, 0.35, false},
		{"clamped high", `{"score": 7}`, 1, false},
		{"clamped low", `{"score": -0.2}`, 0, false},
		{"no object", "very relevant", 0, true},
		{"missing field", `{"relevance": 0.9}`, 0, true},
		{"bad json", `{"score": high}`, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := parseScore(c.reply)
			if c.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, c.want, got, 1e-6)
		})
	}
}
