package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records in a map guarded by a single RWMutex. Records
// are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, traceID string, kind Kind) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[traceID]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrExists, traceID)
	}
	rec := newRecord(traceID, kind, s.now())
	s.records[traceID] = rec
	return rec, nil
}

func (s *MemoryStore) Transition(_ context.Context, traceID string, u Update) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[traceID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	if err := CheckTransition(cur, u); err != nil {
		return cur, err
	}
	next := apply(cur, u, s.now())
	s.records[traceID] = next
	return next, nil
}

func (s *MemoryStore) Get(_ context.Context, traceID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[traceID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	return rec, nil
}

func (s *MemoryStore) Sweep(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}
