package generate

import (
	"context"
	"strings"

	"github.com/kalambet/docqa/internal/engine"
)

// Local generates with a chat model served by the inference engine.
type Local struct {
	engine engine.Engine
	model  string
}

func NewLocal(eng engine.Engine, model string) *Local {
	return &Local{engine: eng, model: model}
}

func (l *Local) Name() string { return ProviderOllama + "/" + l.model }

func (l *Local) Generate(ctx context.Context, messages []engine.Message) (string, error) {
	out, err := l.engine.Chat(ctx, l.model, messages, nil)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyAnswer
	}
	return out, nil
}
