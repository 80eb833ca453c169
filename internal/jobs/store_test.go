package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docqa/internal/storage"
)

func newSQLite(t *testing.T) Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func newMemory(t *testing.T) Store {
	return NewMemoryStore()
}

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store, sweeps bool) {
	ctx := context.Background()

	t.Run("create starts queued", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Create(ctx, "t1", KindIngest)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, rec.Status)
		assert.Equal(t, KindIngest, rec.Kind)

		_, err = s.Create(ctx, "t1", KindIngest)
		assert.ErrorIs(t, err, ErrExists)
	})

	t.Run("unknown trace is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Transition(ctx, "missing", Update{Status: StatusProcessing})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ask workflow", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "q1", KindQuery)
		require.NoError(t, err)

		rec, err := s.Transition(ctx, "q1", Update{Status: StatusProcessing, Phase: PhaseRetrieving})
		require.NoError(t, err)
		assert.Equal(t, PhaseRetrieving, rec.Phase)

		rec, err = s.Transition(ctx, "q1", Update{Status: StatusProcessing, Phase: PhaseGenerating})
		require.NoError(t, err)
		assert.Equal(t, PhaseGenerating, rec.Phase)

		result := json.RawMessage(`{"response":"42","sources":[],"query":"q"}`)
		_, err = s.Transition(ctx, "q1", Update{Status: StatusCompleted, Result: result})
		require.NoError(t, err)

		got, err := s.Get(ctx, "q1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.JSONEq(t, string(result), string(got.Result))
	})

	t.Run("terminal states never regress", func(t *testing.T) {
		s := newStore(t)
		s.Create(ctx, "t1", KindIngest)
		_, err := s.Transition(ctx, "t1", Update{Status: StatusProcessing, Phase: PhaseIndexing})
		require.NoError(t, err)
		_, err = s.Transition(ctx, "t1", Update{Status: StatusError, Error: "ExtractionFailed: no text"})
		require.NoError(t, err)

		for _, u := range []Update{
			{Status: StatusProcessing, Phase: PhaseGenerating},
			{Status: StatusCompleted},
			{Status: StatusError, Error: "again"},
			{Status: StatusQueued},
		} {
			_, err := s.Transition(ctx, "t1", u)
			assert.ErrorIs(t, err, ErrInvalidTransition, "update %+v", u)
		}

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, StatusError, got.Status)
		assert.Equal(t, "ExtractionFailed: no text", got.Error)
	})

	t.Run("phase must advance", func(t *testing.T) {
		s := newStore(t)
		s.Create(ctx, "q", KindQuery)
		s.Transition(ctx, "q", Update{Status: StatusProcessing, Phase: PhaseGenerating})
		_, err := s.Transition(ctx, "q", Update{Status: StatusProcessing, Phase: PhaseRetrieving})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("completed requires processing", func(t *testing.T) {
		s := newStore(t)
		s.Create(ctx, "q", KindQuery)
		_, err := s.Transition(ctx, "q", Update{Status: StatusCompleted})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = s.Transition(ctx, "q", Update{Status: StatusError})
		require.NoError(t, err)
		got, _ := s.Get(ctx, "q")
		assert.Equal(t, "unknown error", got.Error)
	})

	t.Run("concurrent completions admit exactly one", func(t *testing.T) {
		s := newStore(t)
		s.Create(ctx, "race", KindIngest)
		s.Transition(ctx, "race", Update{Status: StatusProcessing, Phase: PhaseIndexing})

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				u := Update{Status: StatusCompleted, Result: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}
				if i%2 == 1 {
					u = Update{Status: StatusError, Error: "boom"}
				}
				if _, err := s.Transition(ctx, "race", u); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("sweep removes only old terminal records", func(t *testing.T) {
		if !sweeps {
			t.Skip("backend expires records itself")
		}
		s := newStore(t)
		s.Create(ctx, "done", KindIngest)
		s.Transition(ctx, "done", Update{Status: StatusError, Error: "x"})
		s.Create(ctx, "running", KindIngest)
		s.Transition(ctx, "running", Update{Status: StatusProcessing, Phase: PhaseIndexing})

		n, err := s.Sweep(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.Sweep(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "done")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "running")
		assert.NoError(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, newMemory, true)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newSQLite, true)
}

func TestSQLiteStore_FailInterrupted(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLiteStore(db)

	s.Create(ctx, "queued", KindQuery)
	s.Create(ctx, "processing", KindIngest)
	s.Transition(ctx, "processing", Update{Status: StatusProcessing, Phase: PhaseIndexing})

	n, err := s.FailInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"queued", "processing"} {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusError, rec.Status, id)
		assert.Equal(t, "interrupted by restart", rec.Error)
	}
}

func TestCheckTransition_Table(t *testing.T) {
	cases := []struct {
		from   Status
		phase  Phase
		to     Update
		wantOK bool
	}{
		{StatusQueued, PhaseNone, Update{Status: StatusProcessing, Phase: PhaseIndexing}, true},
		{StatusQueued, PhaseNone, Update{Status: StatusError}, true},
		{StatusQueued, PhaseNone, Update{Status: StatusCompleted}, false},
		{StatusQueued, PhaseNone, Update{Status: StatusQueued}, false},
		{StatusProcessing, PhaseRetrieving, Update{Status: StatusProcessing, Phase: PhaseGenerating}, true},
		{StatusProcessing, PhaseRetrieving, Update{Status: StatusProcessing, Phase: PhaseRetrieving}, false},
		{StatusProcessing, PhaseGenerating, Update{Status: StatusCompleted}, true},
		{StatusProcessing, PhaseGenerating, Update{Status: StatusError}, true},
		{StatusCompleted, PhaseNone, Update{Status: StatusError}, false},
		{StatusError, PhaseNone, Update{Status: StatusProcessing, Phase: PhaseGenerating}, false},
	}
	for _, tc := range cases {
		err := CheckTransition(Record{TraceID: "t", Status: tc.from, Phase: tc.phase}, tc.to)
		if tc.wantOK {
			assert.NoError(t, err, "%s(%s) -> %+v", tc.from, tc.phase, tc.to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s(%s) -> %+v", tc.from, tc.phase, tc.to)
		}
	}
}
