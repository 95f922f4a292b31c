package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no row matches an owner-scoped lookup.
// Rows belonging to other owners are indistinguishable from absent rows.
var ErrNotFound = errors.New("not found")

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalizes a priority string, defaulting empty to medium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityMedium:
		return PriorityMedium, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("invalid priority %q", s)
}

type Task struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	Completed   bool       `json:"completed"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Recurrence  string     `json:"recurrence,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskFilter narrows ListTasks. Status is "all", "pending" or "completed".
type TaskFilter struct {
	Status string
	Limit  int
}

// TaskUpdate carries partial updates; nil fields are left unchanged.
type TaskUpdate struct {
	Title       *string
	Description *string
	Priority    *Priority
	DueAt       *time.Time
	ClearDue    bool
	Recurrence  *string
	Completed   *bool
}

func (u TaskUpdate) empty() bool {
	return u.Title == nil && u.Description == nil && u.Priority == nil &&
		u.DueAt == nil && !u.ClearDue && u.Recurrence == nil && u.Completed == nil
}

const taskColumns = `id, owner_id, title, description, priority, completed, due_at, recurrence, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var dueAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.OwnerID,
		&task.Title,
		&task.Description,
		&task.Priority,
		&task.Completed,
		&dueAt,
		&task.Recurrence,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if dueAt.Valid {
		t := dueAt.Time
		task.DueAt = &t
	} else {
		task.DueAt = nil
	}
	return nil
}

// CreateTask inserts a new task for the owner. A missing id is assigned,
// a missing priority defaults to medium.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.OwnerID == "" {
		return fmt.Errorf("create task: owner_id required")
	}
	if strings.TrimSpace(task.Title) == "" {
		return fmt.Errorf("create task: title required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}

	var dueAt any
	if task.DueAt != nil {
		dueAt = task.DueAt.UTC()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_id, title, description, priority, completed, due_at, recurrence, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, task.ID, task.OwnerID, task.Title, task.Description, task.Priority, task.Completed, dueAt, task.Recurrence)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	created, err := s.GetTask(ctx, task.OwnerID, task.ID)
	if err != nil {
		return err
	}
	*task = *created
	return nil
}

func (s *Store) GetTask(ctx context.Context, ownerID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ? AND owner_id = ?;
	`, taskID, ownerID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// ListTasks returns the owner's tasks, pending before completed, then by
// due date (undated last), then by creation time.
func (s *Store) ListTasks(ctx context.Context, ownerID string, filter TaskFilter) ([]Task, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	where := `owner_id = ?`
	args := []any{ownerID}
	switch filter.Status {
	case "", "all":
	case "pending":
		where += ` AND completed = 0`
	case "completed":
		where += ` AND completed = 1`
	default:
		return nil, fmt.Errorf("invalid status filter %q", filter.Status)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE `+where+`
		ORDER BY completed ASC,
			CASE WHEN due_at IS NULL THEN 1 ELSE 0 END ASC,
			due_at ASC,
			created_at ASC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// UpdateTask applies the non-nil fields of upd to the owner's task and
// returns the updated row.
func (s *Store) UpdateTask(ctx context.Context, ownerID, taskID string, upd TaskUpdate) (*Task, error) {
	if upd.empty() {
		return nil, fmt.Errorf("update task: no fields to update")
	}

	set := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if upd.Title != nil {
		if strings.TrimSpace(*upd.Title) == "" {
			return nil, fmt.Errorf("update task: title required")
		}
		set = append(set, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.Priority != nil {
		set = append(set, "priority = ?")
		args = append(args, *upd.Priority)
	}
	if upd.ClearDue {
		set = append(set, "due_at = NULL")
	} else if upd.DueAt != nil {
		set = append(set, "due_at = ?")
		args = append(args, upd.DueAt.UTC())
	}
	if upd.Recurrence != nil {
		set = append(set, "recurrence = ?")
		args = append(args, *upd.Recurrence)
	}
	if upd.Completed != nil {
		set = append(set, "completed = ?")
		args = append(args, *upd.Completed)
	}
	args = append(args, taskID, ownerID)

	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET `+strings.Join(set, ", ")+`
			WHERE id = ? AND owner_id = ?;
		`, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetTask(ctx, ownerID, taskID)
}

// SetTaskCompleted marks the owner's task completed (or pending again).
func (s *Store) SetTaskCompleted(ctx context.Context, ownerID, taskID string, completed bool) (*Task, error) {
	return s.UpdateTask(ctx, ownerID, taskID, TaskUpdate{Completed: &completed})
}

// DeleteTask hard-deletes the owner's task.
func (s *Store) DeleteTask(ctx context.Context, ownerID, taskID string) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks WHERE id = ? AND owner_id = ?;
		`, taskID, ownerID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCompletedRecurring returns completed tasks whose recurrence has not
// yet been carried forward to a new occurrence.
func (s *Store) ListCompletedRecurring(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE completed = 1 AND recurrence != ''
		ORDER BY updated_at ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recurring tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan recurring task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recurring task rows: %w", err)
	}
	return out, nil
}

// SpawnNextOccurrence creates the next pending occurrence of a completed
// recurring task and clears the recurrence on the completed row so it is
// carried forward exactly once.
func (s *Store) SpawnNextOccurrence(ctx context.Context, taskID string, dueAt time.Time) (*Task, error) {
	next := &Task{ID: uuid.NewString()}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin spawn tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE id = ? AND completed = 1 AND recurrence != '';
		`, taskID)
		var prev Task
		if err := scanTask(row.Scan, &prev); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select recurring task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_id, title, description, priority, completed, due_at, recurrence, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, next.ID, prev.OwnerID, prev.Title, prev.Description, prev.Priority, dueAt.UTC(), prev.Recurrence); err != nil {
			return fmt.Errorf("insert next occurrence: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET recurrence = '', updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, prev.ID); err != nil {
			return fmt.Errorf("clear recurrence: %w", err)
		}
		next.OwnerID = prev.OwnerID
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, next.OwnerID, next.ID)
}
