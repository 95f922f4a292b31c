// Package tools is the validated tool registry: the five task operations
// the planner may invoke, each behind a compiled JSON Schema. The owner
// identity is injected by the dispatcher, never taken from arguments.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskpilot/internal/shared"
	"github.com/basket/taskpilot/internal/store"
)

const (
	ToolCreateTask   = "create_task"
	ToolListTasks    = "list_tasks"
	ToolCompleteTask = "complete_task"
	ToolUpdateTask   = "update_task"
	ToolDeleteTask   = "delete_task"
)

const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Result is the outcome of one tool call. Status is always one of ok,
// rejected (caller error, safe to relay) or failed (internal error,
// generic message only).
type Result struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// rejection marks argument-level errors whose message is safe to show to
// the caller.
type rejection struct {
	msg string
}

func (r *rejection) Error() string { return r.msg }

func rejectf(format string, args ...any) error {
	return &rejection{msg: fmt.Sprintf(format, args...)}
}

type handlerFunc func(ctx context.Context, ownerID string, raw json.RawMessage) (any, error)

// Registry validates and executes tool calls against the store.
type Registry struct {
	store    *store.Store
	logger   *slog.Logger
	timeout  time.Duration
	schemas  map[string]*jsonschema.Schema
	handlers map[string]handlerFunc
}

func NewRegistry(st *store.Store, logger *slog.Logger, timeout time.Duration) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		store:   st,
		logger:  logger,
		timeout: timeout,
		schemas: schemas,
	}
	r.handlers = map[string]handlerFunc{
		ToolCreateTask:   r.createTask,
		ToolListTasks:    r.listTasks,
		ToolCompleteTask: r.completeTask,
		ToolUpdateTask:   r.updateTask,
		ToolDeleteTask:   r.deleteTask,
	}
	return r, nil
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	return []string{ToolCreateTask, ToolListTasks, ToolCompleteTask, ToolUpdateTask, ToolDeleteTask}
}

// Known reports whether name is a registered tool.
func (r *Registry) Known(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Execute runs one tool call for the given owner. It never returns an
// error: every failure mode is folded into the Result status so one bad
// call cannot abort the surrounding plan.
func (r *Registry) Execute(ctx context.Context, ownerID, name string, raw json.RawMessage) Result {
	logger := r.logger.With("tool", name, "trace_id", shared.TraceID(ctx))

	handler, ok := r.handlers[name]
	if !ok {
		return Result{Status: StatusRejected, Error: fmt.Sprintf("unknown tool %q", name)}
	}
	if ownerID == "" {
		return Result{Status: StatusRejected, Error: "no owner in scope"}
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := r.validateArgs(name, raw); err != nil {
		logger.Warn("tool arguments rejected", "error", err.Error())
		return Result{Status: StatusRejected, Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := handler(ctx, ownerID, raw)
	if err != nil {
		var rej *rejection
		switch {
		case errors.As(err, &rej):
			logger.Warn("tool call rejected", "error", rej.msg)
			return Result{Status: StatusRejected, Error: rej.msg}
		case errors.Is(err, store.ErrNotFound):
			return Result{Status: StatusRejected, Error: "task not found"}
		case errors.Is(err, context.DeadlineExceeded):
			logger.Error("tool call timed out")
			return Result{Status: StatusFailed, Error: "the operation timed out"}
		default:
			logger.Error("tool call failed", "error", err.Error())
			return Result{Status: StatusFailed, Error: "the operation could not be completed"}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("tool result encode failed", "error", err.Error())
		return Result{Status: StatusFailed, Error: "the operation could not be completed"}
	}
	return Result{Status: StatusOK, Payload: body}
}

// validateArgs checks raw against the tool's compiled schema. The schemas
// close the argument surface (additionalProperties: false), so an injected
// owner_id is rejected here before any handler runs.
func (r *Registry) validateArgs(name string, raw json.RawMessage) error {
	schema := r.schemas[name]
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return rejectf("malformed arguments: %s", err)
	}
	if obj, ok := parsed.(map[string]any); ok {
		if _, found := obj["owner_id"]; found {
			return rejectf("argument owner_id is not accepted")
		}
	}
	if err := schema.Validate(parsed); err != nil {
		return rejectf("invalid arguments: %s", err)
	}
	return nil
}
