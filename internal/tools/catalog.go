package tools

import (
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Declare registers the task tools with the Genkit instance so the model
// can request them during planning. The planner runs with tool requests
// returned unexecuted; these handlers only fire if that contract is
// broken, and refuse.
func Declare(g *genkit.Genkit) []ai.ToolRef {
	createTool := genkit.DefineTool(g, ToolCreateTask,
		"Create a new task for the user. Requires title; accepts description, priority (low/medium/high), due_date (YYYY-MM-DD) and recurrence (5-field cron expression for repeating tasks).",
		func(ctx *ai.ToolContext, input CreateTaskArgs) (map[string]any, error) {
			return nil, errPlanOnly(ToolCreateTask)
		},
	)
	listTool := genkit.DefineTool(g, ToolListTasks,
		"List the user's tasks. Optional status filter (all/pending/completed) and limit (1-100). Pending tasks come first, ordered by due date.",
		func(ctx *ai.ToolContext, input ListTasksArgs) (map[string]any, error) {
			return nil, errPlanOnly(ToolListTasks)
		},
	)
	completeTool := genkit.DefineTool(g, ToolCompleteTask,
		"Mark one of the user's tasks as completed. Requires task_id from a previous list_tasks result.",
		func(ctx *ai.ToolContext, input CompleteTaskArgs) (map[string]any, error) {
			return nil, errPlanOnly(ToolCompleteTask)
		},
	)
	updateTool := genkit.DefineTool(g, ToolUpdateTask,
		"Update fields of an existing task. Requires task_id plus at least one of title, description, priority, due_date, recurrence or completed. An empty due_date clears the due date.",
		func(ctx *ai.ToolContext, input UpdateTaskArgs) (map[string]any, error) {
			return nil, errPlanOnly(ToolUpdateTask)
		},
	)
	deleteTool := genkit.DefineTool(g, ToolDeleteTask,
		"Permanently delete one of the user's tasks. Requires task_id.",
		func(ctx *ai.ToolContext, input DeleteTaskArgs) (map[string]any, error) {
			return nil, errPlanOnly(ToolDeleteTask)
		},
	)
	return []ai.ToolRef{createTool, listTool, completeTool, updateTool, deleteTool}
}

func errPlanOnly(name string) error {
	return fmt.Errorf("tool %s executes out of band", name)
}
