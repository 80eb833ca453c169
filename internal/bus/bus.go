// Package bus implements in-process, trace-ordered message passing between
// agents. Messages sharing a trace ID are delivered strictly in publish order
// by a single lane goroutine; lanes for different traces drain concurrently.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/metrics"
)

const (
	defaultHandlerTimeout = 5 * time.Minute
	defaultHistoryLimit   = 64
)

var (
	// ErrClosed is returned by Publish after Close has been called.
	ErrClosed = errors.New("bus closed")
	// ErrMissingTrace is returned when a message has no trace ID.
	ErrMissingTrace = errors.New("message has no trace id")
)

// Bus routes messages to the handlers subscribed to their type.
type Bus struct {
	log            *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	handlerTimeout time.Duration
	historyLimit   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	handlers map[Type][]Handler
	lanes    map[string]*lane
	history  map[string]*traceLog
	closed   bool
}

type lane struct {
	queue []Message
}

type traceLog struct {
	msgs []Message
	last time.Time
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Bus) { b.metrics = m } }

// WithHandlerTimeout bounds every handler invocation. Zero disables the bound.
func WithHandlerTimeout(d time.Duration) Option { return func(b *Bus) { b.handlerTimeout = d } }

// WithHistoryLimit caps the number of messages remembered per trace.
func WithHistoryLimit(n int) Option { return func(b *Bus) { b.historyLimit = n } }

// New creates a running bus. Call Close to drain and stop it.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		log:            slog.Default(),
		tracer:         otel.Tracer("github.com/kalambet/docqa/internal/bus"),
		handlerTimeout: defaultHandlerTimeout,
		historyLimit:   defaultHistoryLimit,
		ctx:            ctx,
		cancel:         cancel,
		handlers:       make(map[Type][]Handler),
		lanes:          make(map[string]*lane),
		history:        make(map[string]*traceLog),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for messages of type t. Handlers for the same type
// run in registration order.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish enqueues msg for asynchronous delivery and returns immediately.
func (b *Bus) Publish(msg Message) error {
	if msg.TraceID == "" {
		return ErrMissingTrace
	}
	if msg.ID == "" {
		msg = NewMessage(msg.TraceID, msg.Type, msg.Sender, msg.Payload)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.enqueueLocked(msg)
	return nil
}

// Close stops accepting new publishes and waits for every lane to drain.
// Follow-up messages produced by in-flight handlers are still delivered.
// If ctx expires first, running handlers are cancelled and ctx.Err() is
// returned.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}

// History returns the messages delivered so far for traceID, oldest first.
func (b *Bus) History(traceID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	tl, ok := b.history[traceID]
	if !ok {
		return nil
	}
	out := make([]Message, len(tl.msgs))
	copy(out, tl.msgs)
	return out
}

// PruneHistory forgets traces whose last message is older than before and
// returns how many were removed.
func (b *Bus) PruneHistory(before time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, tl := range b.history {
		if _, active := b.lanes[id]; active {
			continue
		}
		if tl.last.Before(before) {
			delete(b.history, id)
			n++
		}
	}
	return n
}

// enqueueLocked appends msg to its trace lane, starting a drain goroutine
// when the lane is idle. b.mu must be held.
func (b *Bus) enqueueLocked(msg Message) {
	if l, ok := b.lanes[msg.TraceID]; ok {
		l.queue = append(l.queue, msg)
		return
	}
	l := &lane{queue: []Message{msg}}
	b.lanes[msg.TraceID] = l
	b.wg.Add(1)
	b.metrics.LaneOpened()
	go b.drain(msg.TraceID, l)
}

func (b *Bus) enqueue(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(msg)
}

func (b *Bus) drain(traceID string, l *lane) {
	defer b.wg.Done()
	defer b.metrics.LaneClosed()
	for {
		b.mu.Lock()
		if len(l.queue) == 0 {
			delete(b.lanes, traceID)
			b.mu.Unlock()
			return
		}
		msg := l.queue[0]
		l.queue[0] = Message{}
		l.queue = l.queue[1:]
		b.mu.Unlock()

		b.deliver(msg)
	}
}

func (b *Bus) deliver(msg Message) {
	b.record(msg)
	b.metrics.MessageDelivered(string(msg.Type))

	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[msg.Type]...)
	b.mu.Unlock()

	if len(handlers) == 0 {
		if msg.Type == AgentError {
			b.log.Warn("bus: agent error has no subscriber", "trace_id", msg.TraceID, "payload", msg.Payload)
			return
		}
		b.fail(msg, domain.Failure{
			Kind:   domain.Undeliverable,
			Stage:  "bus",
			Reason: fmt.Sprintf("no handler subscribed to %s", msg.Type),
		})
		return
	}

	for _, h := range handlers {
		out, err := b.invoke(h, msg)
		if err != nil {
			f := domain.NewFailure(domain.AgentFailed, h.Name(), err)
			b.metrics.HandlerFailed(h.Name(), string(f.Kind))
			if msg.Type == AgentError {
				// Never answer a failed error handler with another error.
				b.log.Error("bus: agent error handler failed", "trace_id", msg.TraceID, "handler", h.Name(), "error", err)
				continue
			}
			b.fail(msg, f)
			continue
		}
		for _, next := range out {
			if next.TraceID == "" {
				next.TraceID = msg.TraceID
			}
			if next.ID == "" {
				next = NewMessage(next.TraceID, next.Type, next.Sender, next.Payload)
			}
			b.enqueue(next)
		}
	}
}

func (b *Bus) invoke(h Handler, msg Message) (out []Message, err error) {
	ctx := b.ctx
	if b.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.handlerTimeout)
		defer cancel()
	}

	ctx, span := b.tracer.Start(ctx, "bus.deliver "+string(msg.Type),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("docqa.trace_id", msg.TraceID),
			attribute.String("docqa.message_id", msg.ID),
			attribute.String("docqa.handler", h.Name()),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus: handler panicked", "trace_id", msg.TraceID, "handler", h.Name(), "panic", r, "stack", string(debug.Stack()))
			out = nil
			err = domain.Failure{Kind: domain.AgentPanic, Stage: h.Name(), Reason: fmt.Sprint(r)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return h.Handle(ctx, msg)
}

// fail emits an agent.error for the trace of msg.
func (b *Bus) fail(msg Message, f domain.Failure) {
	b.log.Warn("bus: delivery failed", "trace_id", msg.TraceID, "type", msg.Type, "kind", f.Kind, "stage", f.Stage, "reason", f.Reason)
	b.enqueue(msg.Reply(AgentError, "bus", f))
}

func (b *Bus) record(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tl, ok := b.history[msg.TraceID]
	if !ok {
		tl = &traceLog{}
		b.history[msg.TraceID] = tl
	}
	tl.msgs = append(tl.msgs, msg)
	if b.historyLimit > 0 && len(tl.msgs) > b.historyLimit {
		tl.msgs = tl.msgs[len(tl.msgs)-b.historyLimit:]
	}
	tl.last = time.Now()
}
