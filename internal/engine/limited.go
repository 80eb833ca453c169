package engine

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limited wraps an Engine with a token-bucket limiter on inference calls.
// Model management calls pass through unthrottled.
type Limited struct {
	Engine
	limiter *rate.Limiter
}

// NewLimited allows rps inference calls per second with a burst of
// ceil(rps).
func NewLimited(e Engine, rps float64) *Limited {
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return &Limited{Engine: e, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *Limited) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.Engine.Chat(ctx, model, messages, jsonSchema)
}

func (l *Limited) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Engine.Embed(ctx, model, text)
}

func (l *Limited) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Engine.EmbedBatch(ctx, model, texts)
}
