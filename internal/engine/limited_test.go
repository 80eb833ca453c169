package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimited_PassesThrough(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{"m": true}}
	l := NewLimited(m, 100)

	if _, err := l.Chat(context.Background(), "m", nil, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, err := l.EmbedBatch(context.Background(), "m", []string{"a", "b"}); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if !l.HasModel(context.Background(), "m") {
		t.Error("HasModel not delegated")
	}
	if m.chatCalls != 1 || m.embedCalls != 1 {
		t.Errorf("calls chat=%d embed=%d, want 1/1", m.chatCalls, m.embedCalls)
	}
}

func TestLimited_WaitHonoursContext(t *testing.T) {
	m := &mockEngine{}
	l := NewLimited(m, 0.01)

	// The first call consumes the single burst token.
	if _, err := l.Embed(context.Background(), "m", "x"); err != nil {
		t.Fatalf("first Embed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Embed(ctx, "m", "y")
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if m.embedCalls != 1 {
		t.Errorf("embedCalls = %d, want 1", m.embedCalls)
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("unexpected cancel: %v", err)
	}
}

func TestNew_WrapsWhenLimited(t *testing.T) {
	if _, ok := New(Config{OllamaBaseURL: "http://localhost:11434"}).(*OllamaEngine); !ok {
		t.Error("New without rps should return *OllamaEngine")
	}
	if _, ok := New(Config{OllamaBaseURL: "http://localhost:11434", RequestsPerSecond: 2}).(*Limited); !ok {
		t.Error("New with rps should return *Limited")
	}
}
