package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `trace_id, kind, status, phase, result, error, created_at, updated_at`

// InsertJob stores a new job record. It returns ErrConflict when the trace ID
// is already taken.
func (s *Store) InsertJob(ctx context.Context, j Job) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_records (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO NOTHING`,
		j.TraceID, j.Kind, j.Status, j.Phase, j.Result, j.Error,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", j.TraceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// GetJob returns the job record for traceID.
func (s *Store) GetJob(ctx context.Context, traceID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_records WHERE trace_id = ?`, traceID)
	return scanJob(row)
}

// UpdateJob reads the record, passes it to mutate, and writes the result
// back inside one transaction. An error from mutate aborts the update and is
// returned unchanged together with the current record.
func (s *Store) UpdateJob(ctx context.Context, traceID string, mutate func(Job) (Job, error)) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_records WHERE trace_id = ?`, traceID))
	if err != nil {
		return Job{}, err
	}

	next, err := mutate(cur)
	if err != nil {
		return cur, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_records SET status = ?, phase = ?, result = ?, error = ?, updated_at = ?
		WHERE trace_id = ?`,
		next.Status, next.Phase, next.Result, next.Error, formatTime(next.UpdatedAt), traceID,
	)
	if err != nil {
		return Job{}, fmt.Errorf("updating job %s: %w", traceID, err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("committing job update: %w", err)
	}
	return next, nil
}

// DeleteJobsBefore removes jobs in one of statuses last updated before the
// cutoff.
func (s *Store) DeleteJobsBefore(ctx context.Context, statuses []string, before time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, formatTime(before))

	res, err := s.db.ExecContext(ctx, `DELETE FROM job_records
		WHERE status IN (?`+strings.Repeat(",?", len(statuses)-1)+`) AND updated_at < ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("sweeping jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// FailJobsIn moves every job in one of statuses to "error" with reason.
// Used at startup for work a previous process left unfinished.
func (s *Store) FailJobsIn(ctx context.Context, statuses []string, reason string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []interface{}{reason, formatTime(time.Now())}
	for _, st := range statuses {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE job_records SET status = 'error', error = ?, updated_at = ?
		WHERE status IN (?`+strings.Repeat(",?", len(statuses)-1)+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failing interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var createdAt, updatedAt string
	err := row.Scan(&j.TraceID, &j.Kind, &j.Status, &j.Phase, &j.Result, &j.Error, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("scanning job: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}
