package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/basket/taskpilot/internal/recurrence"
	"github.com/basket/taskpilot/internal/store"
)

// CreateTaskArgs is the argument surface of the create_task tool.
type CreateTaskArgs struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	Recurrence  string `json:"recurrence,omitempty"`
}

// ListTasksArgs is the argument surface of the list_tasks tool.
type ListTasksArgs struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// CompleteTaskArgs is the argument surface of the complete_task tool.
type CompleteTaskArgs struct {
	TaskID string `json:"task_id"`
}

// UpdateTaskArgs is the argument surface of the update_task tool.
type UpdateTaskArgs struct {
	TaskID      string  `json:"task_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Recurrence  *string `json:"recurrence,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// DeleteTaskArgs is the argument surface of the delete_task tool.
type DeleteTaskArgs struct {
	TaskID string `json:"task_id"`
}

// ListTasksPayload is the list_tasks result payload.
type ListTasksPayload struct {
	Tasks []store.Task `json:"tasks"`
	Count int          `json:"count"`
}

// DeleteTaskPayload is the delete_task result payload.
type DeleteTaskPayload struct {
	Deleted bool   `json:"deleted"`
	TaskID  string `json:"task_id"`
}

// parseDueDate accepts an ISO date or a full RFC 3339 timestamp.
func parseDueDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		u := t.UTC()
		return &u, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		u := t.UTC()
		return &u, nil
	}
	return nil, rejectf("invalid due_date %q: use YYYY-MM-DD or RFC 3339", s)
}

func validateRecurrence(expr string) error {
	if expr == "" {
		return nil
	}
	if !recurrence.Valid(expr) {
		return rejectf("invalid recurrence %q: use a 5-field cron expression", expr)
	}
	return nil
}

func (r *Registry) createTask(ctx context.Context, ownerID string, raw json.RawMessage) (any, error) {
	var args CreateTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, rejectf("malformed arguments: %s", err)
	}
	// The schema's minLength counts whitespace; an all-blank title still
	// has to be rejected as a caller error.
	title := strings.TrimSpace(args.Title)
	if title == "" {
		return nil, rejectf("title must not be blank")
	}
	priority, err := store.ParsePriority(args.Priority)
	if err != nil {
		return nil, rejectf("%s", err)
	}
	dueAt, err := parseDueDate(args.DueDate)
	if err != nil {
		return nil, err
	}
	if err := validateRecurrence(args.Recurrence); err != nil {
		return nil, err
	}

	task := &store.Task{
		OwnerID:     ownerID,
		Title:       title,
		Description: args.Description,
		Priority:    priority,
		DueAt:       dueAt,
		Recurrence:  args.Recurrence,
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (r *Registry) listTasks(ctx context.Context, ownerID string, raw json.RawMessage) (any, error) {
	var args ListTasksArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, rejectf("malformed arguments: %s", err)
	}
	tasks, err := r.store.ListTasks(ctx, ownerID, store.TaskFilter{Status: args.Status, Limit: args.Limit})
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	return ListTasksPayload{Tasks: tasks, Count: len(tasks)}, nil
}

func (r *Registry) completeTask(ctx context.Context, ownerID string, raw json.RawMessage) (any, error) {
	var args CompleteTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, rejectf("malformed arguments: %s", err)
	}
	return r.store.SetTaskCompleted(ctx, ownerID, args.TaskID, true)
}

func (r *Registry) updateTask(ctx context.Context, ownerID string, raw json.RawMessage) (any, error) {
	var args UpdateTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, rejectf("malformed arguments: %s", err)
	}

	upd := store.TaskUpdate{
		Description: args.Description,
		Completed:   args.Completed,
	}
	if args.Title != nil {
		title := strings.TrimSpace(*args.Title)
		if title == "" {
			return nil, rejectf("title must not be blank")
		}
		upd.Title = &title
	}
	if args.Priority != nil {
		priority, err := store.ParsePriority(*args.Priority)
		if err != nil {
			return nil, rejectf("%s", err)
		}
		upd.Priority = &priority
	}
	if args.DueDate != nil {
		if *args.DueDate == "" {
			upd.ClearDue = true
		} else {
			dueAt, err := parseDueDate(*args.DueDate)
			if err != nil {
				return nil, err
			}
			upd.DueAt = dueAt
		}
	}
	if args.Recurrence != nil {
		if err := validateRecurrence(*args.Recurrence); err != nil {
			return nil, err
		}
		upd.Recurrence = args.Recurrence
	}
	if upd.Title == nil && upd.Description == nil && upd.Priority == nil &&
		upd.DueAt == nil && !upd.ClearDue && upd.Recurrence == nil && upd.Completed == nil {
		return nil, rejectf("update_task needs at least one field besides task_id")
	}

	return r.store.UpdateTask(ctx, ownerID, args.TaskID, upd)
}

func (r *Registry) deleteTask(ctx context.Context, ownerID string, raw json.RawMessage) (any, error) {
	var args DeleteTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, rejectf("malformed arguments: %s", err)
	}
	if err := r.store.DeleteTask(ctx, ownerID, args.TaskID); err != nil {
		return nil, err
	}
	return DeleteTaskPayload{Deleted: true, TaskID: args.TaskID}, nil
}
