// ABOUTME: SQLite persistence for deferred tasks (scheduled alert callbacks)
// ABOUTME: Due tasks are claimed in a transaction and reclaimed once their lease expires

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTask stores a pending task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskPending
	}
	task.FireAt = ceilSecond(task.FireAt.UTC())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, payload, fire_at, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.Kind,
		task.Payload,
		formatTime(task.FireAt),
		task.Status,
		task.Attempts,
		nullString(task.LastError),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "kind", task.Kind, "fire_at", task.FireAt)
	return nil
}

// ClaimDueTasks marks up to limit tasks as running and returns them. A task is
// claimable when it is pending and due at or before now, or when it has been
// running for longer than TaskLease, which covers runners that died mid-task.
func (s *SQLiteStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, payload, fire_at, status, attempts, last_error, created_at, updated_at
		FROM tasks
		WHERE (status = ? AND fire_at <= ?) OR (status = ? AND updated_at <= ?)
		ORDER BY fire_at ASC
		LIMIT ?
	`, TaskPending, formatTime(now), TaskRunning, formatTime(now.Add(-TaskLease)), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	rows.Close()

	updatedAt := formatTime(now)
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?
		`, TaskRunning, updatedAt, t.ID); err != nil {
			return nil, fmt.Errorf("claiming task %s: %w", t.ID, err)
		}
		t.Status = TaskRunning
		t.Attempts++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return tasks, nil
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var fireAtStr, createdAtStr, updatedAtStr string
	var lastError sql.NullString

	if err := row.Scan(&t.ID, &t.Kind, &t.Payload, &fireAtStr, &t.Status, &t.Attempts, &lastError, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	t.LastError = lastError.String

	var err error
	if t.FireAt, err = parseTime("fire_at", fireAtStr); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &t, nil
}

// CompleteTask marks a task as done.
func (s *SQLiteStore) CompleteTask(ctx context.Context, id string) error {
	return s.finishTask(ctx, id, TaskDone, "")
}

// FailTask marks a task as failed and records why.
func (s *SQLiteStore) FailTask(ctx context.Context, id string, reason string) error {
	return s.finishTask(ctx, id, TaskFailed, reason)
}

func (s *SQLiteStore) finishTask(ctx context.Context, id, status, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(reason), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
