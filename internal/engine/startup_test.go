package engine

import (
	"context"
	"io"
	"strings"
	"testing"
)

type mockEngine struct {
	isRunning  bool
	models     map[string]bool
	pulled     []string
	chatCalls  int
	embedCalls int
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []Message, _ *Schema) (string, error) {
	m.chatCalls++
	return "ok", nil
}
func (m *mockEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	m.embedCalls++
	return []float32{1}, nil
}
func (m *mockEngine) EmbedBatch(_ context.Context, _ string, texts []string) ([][]float32, error) {
	m.embedCalls++
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return m.isRunning }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) {
	var names []string
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.2": true, "nomic-embed-text": true},
	}
	if err := EnsureReady(context.Background(), m, io.Discard, "llama3.2", "nomic-embed-text"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissingOnce(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}}
	var out strings.Builder
	err := EnsureReady(context.Background(), m, &out, "nomic-embed-text", "", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("pulled = %v, want [nomic-embed-text]", m.pulled)
	}
	if !strings.Contains(out.String(), "model nomic-embed-text: ready") {
		t.Errorf("output = %q", out.String())
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false}
	err := EnsureReady(context.Background(), m, io.Discard, "llama3.2")
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("err = %v, want not running", err)
	}
}
