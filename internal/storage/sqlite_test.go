package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the migrations create the lookup indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_chunk_vectors_document", "idx_chunk_vectors_model", "idx_turns_session", "idx_job_records_status"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"documents", "chunk_vectors", "index_meta", "conversation_turns", "job_records"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("querying table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

// --- Conversation turns ---

func TestAppendAndListTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := s.AppendTurn(ctx, Turn{SessionID: "s1", TraceID: fmt.Sprintf("t%d", i/2), Role: role, Content: fmt.Sprintf("turn %d", i)}); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	all, err := s.ListTurns(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d turns, want 5", len(all))
	}
	for i, turn := range all {
		if turn.Content != fmt.Sprintf("turn %d", i) {
			t.Errorf("turn %d content = %q", i, turn.Content)
		}
		if turn.Sources != "[]" {
			t.Errorf("turn %d sources = %q, want []", i, turn.Sources)
		}
	}

	last, err := s.ListTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListTurns(limit): %v", err)
	}
	if len(last) != 2 || last[0].Content != "turn 3" || last[1].Content != "turn 4" {
		t.Errorf("limited turns = %+v, want turn 3, turn 4", last)
	}
}

func TestDeleteTraceTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.AppendTurn(ctx, Turn{SessionID: "s1", TraceID: "keep", Role: "user", Content: "a"})
	s.AppendTurn(ctx, Turn{SessionID: "s1", TraceID: "drop", Role: "user", Content: "b"})

	n, err := s.DeleteTraceTurns(ctx, "s1", "drop")
	if err != nil {
		t.Fatalf("DeleteTraceTurns: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	turns, _ := s.ListTurns(ctx, "s1", 0)
	if len(turns) != 1 || turns[0].TraceID != "keep" {
		t.Errorf("remaining turns = %+v", turns)
	}
}

func TestClearSession_IsolatesSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.AppendTurn(ctx, Turn{SessionID: "s1", Role: "user", Content: "one"})
	s.AppendTurn(ctx, Turn{SessionID: "s2", Role: "user", Content: "two"})

	if _, err := s.ClearSession(ctx, "s1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	s1, _ := s.ListTurns(ctx, "s1", 0)
	s2, _ := s.ListTurns(ctx, "s2", 0)
	if len(s1) != 0 {
		t.Errorf("s1 has %d turns after clear", len(s1))
	}
	if len(s2) != 1 {
		t.Errorf("s2 has %d turns, want 1", len(s2))
	}
}

// --- Jobs ---

func newJob(traceID, status string, updated time.Time) Job {
	return Job{TraceID: traceID, Kind: "ingest", Status: status, CreatedAt: updated, UpdatedAt: updated}
}

func TestInsertAndGetJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.InsertJob(ctx, newJob("t1", "queued", now)); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	got, err := s.GetJob(ctx, "t1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "queued" || got.Kind != "ingest" {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}

	if err := s.InsertJob(ctx, newJob("t1", "queued", now)); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate InsertJob error = %v, want ErrConflict", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertJob(ctx, newJob("t1", "queued", time.Now()))

	got, err := s.UpdateJob(ctx, "t1", func(j Job) (Job, error) {
		j.Status = "processing"
		j.Phase = "indexing"
		j.UpdatedAt = time.Now()
		return j, nil
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if got.Status != "processing" {
		t.Errorf("Status = %q", got.Status)
	}

	reject := errors.New("rejected")
	cur, err := s.UpdateJob(ctx, "t1", func(j Job) (Job, error) { return j, reject })
	if !errors.Is(err, reject) {
		t.Errorf("UpdateJob error = %v, want rejected", err)
	}
	if cur.Phase != "indexing" {
		t.Errorf("current record phase = %q, want indexing", cur.Phase)
	}

	stored, _ := s.GetJob(ctx, "t1")
	if stored.Phase != "indexing" {
		t.Errorf("stored phase = %q, want indexing", stored.Phase)
	}

	if _, err := s.UpdateJob(ctx, "missing", func(j Job) (Job, error) { return j, nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeleteJobsBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	s.InsertJob(ctx, newJob("old-done", "completed", old))
	s.InsertJob(ctx, newJob("old-running", "processing", old))
	s.InsertJob(ctx, newJob("new-done", "completed", time.Now()))

	n, err := s.DeleteJobsBefore(ctx, []string{"completed", "error"}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteJobsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
		t.Error("old-done should be deleted")
	}
	if _, err := s.GetJob(ctx, "old-running"); err != nil {
		t.Errorf("old-running should remain: %v", err)
	}
}

func TestFailJobsIn(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.InsertJob(ctx, newJob("q", "queued", time.Now()))
	s.InsertJob(ctx, newJob("p", "processing", time.Now()))
	s.InsertJob(ctx, newJob("c", "completed", time.Now()))

	n, err := s.FailJobsIn(ctx, []string{"queued", "processing"}, "interrupted by restart")
	if err != nil {
		t.Fatalf("FailJobsIn: %v", err)
	}
	if n != 2 {
		t.Errorf("failed %d jobs, want 2", n)
	}
	p, _ := s.GetJob(ctx, "p")
	if p.Status != "error" || p.Error != "interrupted by restart" {
		t.Errorf("p = %+v", p)
	}
	c, _ := s.GetJob(ctx, "c")
	if c.Status != "completed" {
		t.Errorf("completed job changed to %q", c.Status)
	}
}
