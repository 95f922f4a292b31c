package tools

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Argument schemas, one per tool. Every schema closes the property set so
// the planner cannot smuggle extra fields past validation.
var schemaSources = map[string]string{
	ToolCreateTask: `{
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1, "maxLength": 200},
			"description": {"type": "string", "maxLength": 1000},
			"priority": {"type": "string", "enum": ["low", "medium", "high"]},
			"due_date": {"type": "string"},
			"recurrence": {"type": "string"}
		},
		"required": ["title"],
		"additionalProperties": false
	}`,
	ToolListTasks: `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ["all", "pending", "completed"]},
			"limit": {"type": "integer", "minimum": 1, "maximum": 100}
		},
		"additionalProperties": false
	}`,
	ToolCompleteTask: `{
		"type": "object",
		"properties": {
			"task_id": {"type": "string", "minLength": 1}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`,
	ToolUpdateTask: `{
		"type": "object",
		"properties": {
			"task_id": {"type": "string", "minLength": 1},
			"title": {"type": "string", "minLength": 1, "maxLength": 200},
			"description": {"type": "string", "maxLength": 1000},
			"priority": {"type": "string", "enum": ["low", "medium", "high"]},
			"due_date": {"type": "string"},
			"recurrence": {"type": "string"},
			"completed": {"type": "boolean"}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`,
	ToolDeleteTask: `{
		"type": "object",
		"properties": {
			"task_id": {"type": "string", "minLength": 1}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`,
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(schemaSources))
	for name, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", name, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
}
