package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/docqa/internal/storage"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists records in the job_records table so that pollers
// survive a restart.
type SQLiteStore struct {
	db  *storage.Store
	now func() time.Time
}

func NewSQLiteStore(db *storage.Store) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLiteStore) Create(ctx context.Context, traceID string, kind Kind) (Record, error) {
	rec := newRecord(traceID, kind, s.now())
	if err := s.db.InsertJob(ctx, toRow(rec)); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Record{}, fmt.Errorf("%w: %s", ErrExists, traceID)
		}
		return Record{}, err
	}
	return rec, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, traceID string, u Update) (Record, error) {
	row, err := s.db.UpdateJob(ctx, traceID, func(cur storage.Job) (storage.Job, error) {
		rec := fromRow(cur)
		if err := CheckTransition(rec, u); err != nil {
			return cur, err
		}
		return toRow(apply(rec, u, s.now())), nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	if err != nil {
		return fromRow(row), err
	}
	return fromRow(row), nil
}

func (s *SQLiteStore) Get(ctx context.Context, traceID string) (Record, error) {
	row, err := s.db.GetJob(ctx, traceID)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	if err != nil {
		return Record{}, err
	}
	return fromRow(row), nil
}

func (s *SQLiteStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	return s.db.DeleteJobsBefore(ctx, []string{string(StatusCompleted), string(StatusError)}, before)
}

// FailInterrupted moves every non-terminal record to error. Call once at
// startup, before any new work is submitted.
func (s *SQLiteStore) FailInterrupted(ctx context.Context) (int, error) {
	return s.db.FailJobsIn(ctx, []string{string(StatusQueued), string(StatusProcessing)}, "interrupted by restart")
}

func toRow(r Record) storage.Job {
	return storage.Job{
		TraceID:   r.TraceID,
		Kind:      string(r.Kind),
		Status:    string(r.Status),
		Phase:     string(r.Phase),
		Result:    string(r.Result),
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func fromRow(j storage.Job) Record {
	var result json.RawMessage
	if j.Result != "" {
		result = json.RawMessage(j.Result)
	}
	return Record{
		TraceID:   j.TraceID,
		Kind:      Kind(j.Kind),
		Status:    Status(j.Status),
		Phase:     Phase(j.Phase),
		Result:    result,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}
