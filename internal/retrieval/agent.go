package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/docqa/internal/bus"
	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/metrics"
)

const (
	DefaultTopK    = 5
	defaultTimeout = 30 * time.Second
)

// Agent answers retrieval.requested with ranked chunks. An empty index is a
// valid outcome and yields retrieval.completed with no chunks.
type Agent struct {
	retriever interface {
		Retrieve(ctx context.Context, query string, topK int) ([]domain.ScoredChunk, error)
	}
	topK    int
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAgent creates the retrieval agent. Non-positive topK or timeout fall
// back to defaults. m may be nil.
func NewAgent(r *Retriever, topK int, timeout time.Duration, m *metrics.Metrics) *Agent {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Agent{retriever: r, topK: topK, timeout: timeout, metrics: m, logger: slog.Default()}
}

func (a *Agent) Name() string { return "retrieval" }

func (a *Agent) Handle(ctx context.Context, msg bus.Message) ([]bus.Message, error) {
	req, ok := msg.Payload.(domain.RetrievalRequest)
	if !ok {
		return nil, fmt.Errorf("retrieval: unexpected payload %T", msg.Payload)
	}
	k := req.TopK
	if k <= 0 {
		k = a.topK
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	chunks, err := a.retriever.Retrieve(callCtx, req.Question, k)
	cancel()
	a.metrics.ObserveStage("retrieve", start)

	if err != nil {
		f := domain.NewFailure(domain.RetrievalFailed, "retrieve", err)
		a.logger.Warn("retrieval failed", "trace_id", msg.TraceID, "kind", f.Kind, "error", f.Reason)
		return []bus.Message{msg.Reply(bus.RetrievalFailed, a.Name(), f)}, nil
	}
	if chunks == nil {
		chunks = []domain.ScoredChunk{}
	}

	a.logger.Debug("retrieved chunks", "trace_id", msg.TraceID, "count", len(chunks), "duration", time.Since(start))
	return []bus.Message{msg.Reply(bus.RetrievalCompleted, a.Name(), domain.RetrievalResult{
		Question: req.Question,
		Chunks:   chunks,
	})}, nil
}
