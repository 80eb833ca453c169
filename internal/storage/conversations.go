package storage

import (
	"context"
	"fmt"
	"time"
)

// AppendTurn stores t at the end of its session and returns the new row ID.
func (s *Store) AppendTurn(ctx context.Context, t Turn) (int64, error) {
	sources := t.Sources
	if sources == "" {
		sources = "[]"
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (session_id, trace_id, role, content, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.TraceID, t.Role, t.Content, sources, formatTime(createdAt),
	)
	if err != nil {
		return 0, fmt.Errorf("appending turn: %w", err)
	}
	return res.LastInsertId()
}

// ListTurns returns the session's turns oldest first. When limit > 0 only
// the most recent limit turns are returned.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	query := `SELECT id, session_id, trace_id, role, content, sources, created_at
		FROM conversation_turns WHERE session_id = ? ORDER BY id ASC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, session_id, trace_id, role, content, sources, created_at
			FROM conversation_turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TraceID, &t.Role, &t.Content, &t.Sources, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// DeleteTraceTurns removes the turns a single request added to a session.
func (s *Store) DeleteTraceTurns(ctx context.Context, sessionID, traceID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_turns WHERE session_id = ? AND trace_id = ?`, sessionID, traceID)
	if err != nil {
		return 0, fmt.Errorf("deleting turns for trace %s: %w", traceID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearSession drops every turn of the session. Other sessions are untouched.
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clearing session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
