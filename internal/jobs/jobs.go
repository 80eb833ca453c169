// Package jobs tracks the lifecycle of submitted work by trace ID. It is the
// single source of truth read by polling clients.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrExists            = errors.New("job already exists")
)

type Kind string

const (
	KindIngest Kind = "ingest"
	KindQuery  Kind = "query"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	// StatusNotFound is reported to pollers for unknown trace IDs. It is
	// never stored.
	StatusNotFound Status = "not_found"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Phase refines the processing status.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseIndexing   Phase = "indexing"
	PhaseRetrieving Phase = "retrieving"
	PhaseGenerating Phase = "generating"
)

func (p Phase) rank() int {
	switch p {
	case PhaseIndexing, PhaseRetrieving:
		return 1
	case PhaseGenerating:
		return 2
	default:
		return 0
	}
}

// Record is one job's lifecycle state.
type Record struct {
	TraceID   string          `json:"trace_id"`
	Kind      Kind            `json:"kind"`
	Status    Status          `json:"status"`
	Phase     Phase           `json:"phase,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Update describes a requested transition.
type Update struct {
	Status Status
	Phase  Phase
	Result json.RawMessage
	Error  string
}

// Store is implemented by every backend. Transitions on one trace ID are
// linearizable and visible to Get as soon as Transition returns.
type Store interface {
	Create(ctx context.Context, traceID string, kind Kind) (Record, error)
	Transition(ctx context.Context, traceID string, u Update) (Record, error)
	Get(ctx context.Context, traceID string) (Record, error)
	// Sweep deletes terminal records last updated before the cutoff.
	Sweep(ctx context.Context, before time.Time) (int, error)
}

// CheckTransition validates moving cur to u. Status only moves forward:
// queued -> processing -> completed, with error reachable from any
// non-terminal state. Processing may be re-entered only to advance its phase.
func CheckTransition(cur Record, u Update) error {
	bad := func() error {
		return fmt.Errorf("%w: %s(%s) -> %s(%s) for %s", ErrInvalidTransition, cur.Status, cur.Phase, u.Status, u.Phase, cur.TraceID)
	}
	if cur.Status.Terminal() {
		return bad()
	}
	switch u.Status {
	case StatusProcessing:
		if cur.Status == StatusProcessing && u.Phase.rank() <= cur.Phase.rank() {
			return bad()
		}
		return nil
	case StatusCompleted:
		if cur.Status != StatusProcessing {
			return bad()
		}
		return nil
	case StatusError:
		return nil
	default:
		return bad()
	}
}

// apply returns cur with u applied at now. The caller must have validated u.
func apply(cur Record, u Update, now time.Time) Record {
	next := cur
	next.Status = u.Status
	next.UpdatedAt = now
	switch u.Status {
	case StatusProcessing:
		next.Phase = u.Phase
	case StatusCompleted:
		next.Result = u.Result
	case StatusError:
		next.Error = u.Error
		if next.Error == "" {
			next.Error = "unknown error"
		}
	}
	return next
}

func newRecord(traceID string, kind Kind, now time.Time) Record {
	return Record{
		TraceID:   traceID,
		Kind:      kind,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
