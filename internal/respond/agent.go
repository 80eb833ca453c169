// Package respond implements the response agent: it composes the answer
// prompt, calls the generator, and attaches cited sources.
package respond

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/docqa/internal/bus"
	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/generate"
	"github.com/kalambet/docqa/internal/metrics"
)

const defaultTimeout = 2 * time.Minute

type Agent struct {
	composer  *composer.Composer
	generator generate.Generator
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewAgent creates the response agent. m may be nil.
func NewAgent(c *composer.Composer, g generate.Generator, timeout time.Duration, m *metrics.Metrics) *Agent {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Agent{composer: c, generator: g, timeout: timeout, metrics: m, logger: slog.Default()}
}

func (a *Agent) Name() string { return "response" }

func (a *Agent) Handle(ctx context.Context, msg bus.Message) ([]bus.Message, error) {
	req, ok := msg.Payload.(domain.ResponseRequest)
	if !ok {
		return nil, fmt.Errorf("response: unexpected payload %T", msg.Payload)
	}

	prompt := a.composer.Compose(req.Question, req.Chunks, req.History)

	start := time.Now()
	genCtx, cancel := context.WithTimeout(ctx, a.timeout)
	answer, err := a.generator.Generate(genCtx, prompt.Messages)
	cancel()
	a.metrics.ObserveStage("generate", start)

	if err != nil {
		f := domain.NewFailure(domain.GenerationFailed, "generate", err)
		a.logger.Warn("generation failed", "trace_id", msg.TraceID, "generator", a.generator.Name(), "kind", f.Kind, "error", f.Reason)
		return []bus.Message{msg.Reply(bus.ResponseFailed, a.Name(), f)}, nil
	}

	sources := CitedSources(answer, prompt.Chunks)
	a.logger.Debug("answer generated", "trace_id", msg.TraceID, "generator", a.generator.Name(),
		"context_chunks", len(prompt.Chunks), "sources", len(sources), "duration", time.Since(start))

	return []bus.Message{msg.Reply(bus.ResponseCompleted, a.Name(), domain.ResponseResult{
		Answer:   answer,
		Sources:  sources,
		Grounded: prompt.Grounded(),
	})}, nil
}
