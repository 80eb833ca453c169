package domain

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a pipeline stage failed.
type FailureKind string

const (
	ExtractionFailed  FailureKind = "ExtractionFailed"
	EmbeddingFailed   FailureKind = "EmbeddingFailed"
	IndexingFailed    FailureKind = "IndexingFailed"
	RetrievalFailed   FailureKind = "RetrievalFailed"
	GenerationFailed  FailureKind = "GenerationFailed"
	Timeout           FailureKind = "Timeout"
	InvalidTransition FailureKind = "InvalidTransition"
	Undeliverable     FailureKind = "Undeliverable"
	AgentFailed       FailureKind = "AgentFailed"
	AgentPanic        FailureKind = "AgentPanic"
)

// Failure is the payload of every *.failed and agent.error message. It also
// satisfies error so agents can return it directly from a handler.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Stage  string      `json:"stage"`
	Reason string      `json:"reason"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s at %s: %s", f.Kind, f.Stage, f.Reason)
}

// NewFailure builds a Failure from err. A context deadline anywhere in the
// chain turns the failure into a Timeout regardless of kind.
func NewFailure(kind FailureKind, stage string, err error) Failure {
	var f Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return Failure{Kind: kind, Stage: stage, Reason: reason}
}
