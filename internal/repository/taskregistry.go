package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openvlab/accounting/internal/database"
	"github.com/openvlab/accounting/internal/domain"
)

// TaskRepository manages the task_registry table used to serialize
// periodic tasks across service replicas.
type TaskRepository struct {
	db database.DBTX
}

// Populate inserts the registry row for a task if it doesn't exist yet.
func (r *TaskRepository) Populate(ctx context.Context, taskName string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO task_registry (task_name) VALUES ($1)
		ON CONFLICT (task_name) DO NOTHING`,
		taskName,
	)
	if err != nil {
		return fmt.Errorf("populate task registry failed: %w", err)
	}
	return nil
}

// GetLocked locks the registry row for the task with FOR UPDATE NOWAIT
// and returns it. It returns nil without error when another replica
// holds the lock, so the caller skips the round instead of queueing up.
func (r *TaskRepository) GetLocked(ctx context.Context, taskName string) (*domain.TaskInfo, error) {
	var t domain.TaskInfo
	var lastError sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT task_name, last_run, last_duration, last_error
		FROM task_registry
		WHERE task_name = $1
		FOR UPDATE NOWAIT`,
		taskName,
	).Scan(&t.TaskName, &t.LastRun, &t.LastDuration, &lastError)
	if database.IsLockNotAvailable(err) {
		return nil, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q not registered", taskName)
	}
	if err != nil {
		return nil, fmt.Errorf("lock task registry failed: %w", err)
	}
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	return &t, nil
}

// Update records the outcome of one task run.
func (r *TaskRepository) Update(ctx context.Context, taskName string, lastRun time.Time, duration time.Duration, runErr error) error {
	var lastError sql.NullString
	if runErr != nil {
		lastError = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE task_registry
		SET last_run = $2, last_duration = $3, last_error = $4
		WHERE task_name = $1`,
		taskName, lastRun, duration.Seconds(), lastError,
	)
	if err != nil {
		return fmt.Errorf("update task registry failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task registry rows failed: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("task %q not registered", taskName)
	}
	return nil
}

// List returns all registry rows, for the ops surface.
func (r *TaskRepository) List(ctx context.Context) ([]domain.TaskInfo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT task_name, last_run, last_duration, last_error
		FROM task_registry ORDER BY task_name`)
	if err != nil {
		return nil, fmt.Errorf("query task registry failed: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskInfo
	for rows.Next() {
		var t domain.TaskInfo
		var lastError sql.NullString
		if err := rows.Scan(&t.TaskName, &t.LastRun, &t.LastDuration, &lastError); err != nil {
			return nil, fmt.Errorf("scan task registry failed: %w", err)
		}
		if lastError.Valid {
			t.LastError = &lastError.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
