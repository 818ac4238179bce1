package mcptools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/xonecas/symb/internal/agent"
)

// Scratchpad holds the agent's current plan/notes. It is safe for concurrent
// access. Nothing in this module feeds the content back into the model's
// context; cmd/agentcli creates one for TodoWrite and does not read it.
type Scratchpad struct {
	mu      sync.RWMutex
	content string
}

// Content returns the current scratchpad text.
func (s *Scratchpad) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// TodoWriteTool lets the model record a running plan in a Scratchpad.
type TodoWriteTool struct {
	pad *Scratchpad
}

// NewTodoWriteTool creates the TodoWrite tool bound to pad.
func NewTodoWriteTool(pad *Scratchpad) *TodoWriteTool {
	return &TodoWriteTool{pad: pad}
}

func (t *TodoWriteTool) Name() string { return "TodoWrite" }

func (t *TodoWriteTool) Description() string {
	return "Write or update your working plan/scratchpad. The content replaces any previous plan. " +
		"Use this to track goals, progress, and next " +
		"steps for tasks with 3+ steps. Rewrite it as you complete steps to stay focused. Skip for simple " +
		"single-step tasks."
}

func (t *TodoWriteTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Your current plan, todo list, or working notes. This replaces the previous content entirely."}
		},
		"required": ["content"]
	}`)
}

type todoWriteArgs struct {
	Content string `json:"content"`
}

func (t *TodoWriteTool) Execute(_ context.Context, _ string, arguments json.RawMessage) (agent.ToolResult, error) {
	var args todoWriteArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return agent.ErrorToolResult("Invalid arguments: " + err.Error()), nil
	}
	if args.Content == "" {
		return agent.ErrorToolResult("Content cannot be empty"), nil
	}

	t.pad.mu.Lock()
	t.pad.content = args.Content
	t.pad.mu.Unlock()

	return agent.TextToolResult("Plan updated."), nil
}
