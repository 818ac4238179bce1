package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xonecas/symb/internal/agent"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/subagent"
)

// subAgentArgs are the arguments to the SubAgent tool.
type subAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// SubAgentTool spawns a bounded-depth nested agent run sharing the parent's
// provider and tool set. It is an illustrative tool exercising the
// registry's recursive-dispatch path; the spec places concrete tool
// implementations out of scope.
type SubAgentTool struct {
	provider provider.Provider
	model    agent.ModelInfo
	tools    func() []agent.Tool
}

// NewSubAgentTool binds the SubAgent tool to the provider and model the
// parent agent runs under. tools is called at dispatch time rather than
// once, so it always reflects the parent registry's current tool set.
func NewSubAgentTool(prov provider.Provider, model agent.ModelInfo, tools func() []agent.Tool) *SubAgentTool {
	return &SubAgentTool{provider: prov, model: model, tools: tools}
}

func (t *SubAgentTool) Name() string { return "SubAgent" }

func (t *SubAgentTool) Description() string {
	return fmt.Sprintf(
		"Delegate a self-contained task to a nested agent with its own context window. "+
			"The sub-agent shares your tools (except SubAgent itself) and cannot spawn further "+
			"sub-agents. It runs up to %d turns by default. Use this to decompose a complex task "+
			"into a focused, well-scoped piece of work without growing your own context.",
		subagent.DefaultMaxIterations,
	)
}

func (t *SubAgentTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
			"max_iterations": {"type": "integer", "description": "Maximum turns for the sub-agent (default: %d, max: %d)"}
		},
		"required": ["prompt"]
	}`, subagent.DefaultMaxIterations, subagent.MaxAllowedIterations))
}

func (t *SubAgentTool) Execute(ctx context.Context, _ string, arguments json.RawMessage) (agent.ToolResult, error) {
	var args subAgentArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return agent.ErrorToolResult("Invalid arguments: " + err.Error()), nil
	}
	if args.Prompt == "" {
		return agent.ErrorToolResult("prompt is required"), nil
	}

	result, err := subagent.Run(ctx, subagent.Options{
		Provider:      t.provider,
		Tools:         t.tools(),
		Model:         t.model,
		Prompt:        args.Prompt,
		MaxIterations: args.MaxIterations,
	})
	if err != nil {
		return agent.ErrorToolResult(err.Error()), nil
	}

	text := fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: %d in, %d out",
		result.Content, result.Usage.Input, result.Usage.Output)
	return agent.TextToolResult(text), nil
}
