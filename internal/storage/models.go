package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when inserting a record whose key already exists.
	ErrConflict = errors.New("already exists")
)

// Turn is a persisted conversation turn.
type Turn struct {
	ID        int64
	SessionID string
	TraceID   string
	Role      string // "user" or "assistant"
	Content   string
	Sources   string // JSON array stored as text
	CreatedAt time.Time
}

// Job is a persisted job record. Status values mirror package jobs.
type Job struct {
	TraceID   string
	Kind      string
	Status    string // "queued", "processing", "completed", "error"
	Phase     string
	Result    string // JSON document stored as text, empty until completed
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
