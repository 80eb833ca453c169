package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies a message and selects the handlers it is routed to.
type Type string

const (
	IngestSubmitted    Type = "ingest.submitted"
	IngestRequested    Type = "ingest.requested"
	IngestCompleted    Type = "ingest.completed"
	IngestFailed       Type = "ingest.failed"
	QuerySubmitted     Type = "query.submitted"
	RetrievalRequested Type = "retrieval.requested"
	RetrievalCompleted Type = "retrieval.completed"
	RetrievalFailed    Type = "retrieval.failed"
	ResponseRequested  Type = "response.requested"
	ResponseCompleted  Type = "response.completed"
	ResponseFailed     Type = "response.failed"
	AgentError         Type = "agent.error"
)

// Message is the envelope carried by the bus. Payload is owned by the sender
// and treated as read-only by every handler.
type Message struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	TraceID   string    `json:"trace_id"`
	Sender    string    `json:"sender"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage stamps a new envelope for traceID.
func NewMessage(traceID string, typ Type, sender string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      typ,
		TraceID:   traceID,
		Sender:    sender,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Reply creates a follow-up message on the same trace.
func (m Message) Reply(typ Type, sender string, payload any) Message {
	return NewMessage(m.TraceID, typ, sender, payload)
}

// Handler is implemented by every agent. Handle returns zero or more
// follow-up messages, which the bus enqueues on the same trace lane.
type Handler interface {
	Name() string
	Handle(ctx context.Context, msg Message) ([]Message, error)
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, msg Message) ([]Message, error)
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, msg Message) ([]Message, error) {
	return h.fn(ctx, msg)
}

// HandlerFunc adapts a function to the Handler interface.
func HandlerFunc(name string, fn func(ctx context.Context, msg Message) ([]Message, error)) Handler {
	return funcHandler{name: name, fn: fn}
}
