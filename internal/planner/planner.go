// Package planner turns a caller message plus conversation history into
// an ordered tool plan or a direct reply. The model never executes tools
// itself; requests come back unexecuted and the dispatcher runs them
// through the validated registry.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/taskpilot/internal/store"
)

// ErrUnavailable is returned when the upstream model cannot be reached:
// no API key configured, provider outage, or timeout.
var ErrUnavailable = errors.New("planner unavailable")

// maxPlanCalls bounds a single turn's plan.
const maxPlanCalls = 10

// ToolCall is one planned tool invocation.
type ToolCall struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// Plan is the planner's answer for one turn: either an ordered list of
// tool calls or a direct reply.
type Plan struct {
	Calls []ToolCall `json:"calls,omitempty"`
	Reply string     `json:"reply,omitempty"`
}

// Direct reports whether the plan is a plain conversational reply.
func (p *Plan) Direct() bool {
	return len(p.Calls) == 0
}

// Planner produces plans and synthesizes replies from execution results.
type Planner interface {
	Plan(ctx context.Context, history []store.Turn, message string) (*Plan, error)
	Summarize(ctx context.Context, message string, resultsJSON string) (string, error)
}

// Validate checks a plan's structure before execution: bounded length,
// non-empty known tool names, object-shaped arguments. Argument content
// is re-validated by the registry's schemas.
func Validate(p *Plan, known func(name string) bool) error {
	if p == nil {
		return fmt.Errorf("nil plan")
	}
	if len(p.Calls) > maxPlanCalls {
		return fmt.Errorf("plan has %d calls, limit is %d", len(p.Calls), maxPlanCalls)
	}
	for i, call := range p.Calls {
		name := strings.TrimSpace(call.Tool)
		if name == "" {
			return fmt.Errorf("call %d has no tool name", i)
		}
		if !known(name) {
			return fmt.Errorf("call %d names unknown tool %q", i, name)
		}
		if len(call.Arguments) > 0 {
			var obj map[string]any
			if err := json.Unmarshal(call.Arguments, &obj); err != nil {
				return fmt.Errorf("call %d arguments are not a JSON object: %w", i, err)
			}
		}
	}
	return nil
}

const systemPrompt = `You are TaskPilot, a helpful task management assistant. You help users manage their todo lists through natural conversation.

You have access to these tools:
- create_task: Create a new task with a title and optional description, priority, due date and recurrence
- list_tasks: View tasks with optional filtering by status (all, pending, completed)
- complete_task: Mark a task as complete by its id
- update_task: Update a task's fields by its id
- delete_task: Delete a task by its id

Guidelines:
1. Be friendly and conversational
2. Extract task details from natural language (e.g. "remind me to call mom" -> title "Call mom")
3. If the user refers to a task without an id, call list_tasks first to find it
4. Use priorities low/medium/high, dates as YYYY-MM-DD and recurrence as a 5-field cron expression
5. For greetings, questions about your abilities or anything that needs no task change, answer directly without tools
6. Keep responses concise but helpful`
