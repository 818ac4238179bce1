package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/provider"
)

// MCPFallback is the narrow surface a Registry needs from an MCP proxy to
// serve tool calls the local registry doesn't recognize. *mcp.Proxy
// satisfies it.
type MCPFallback interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error)
}

// fromMCPResult converts an upstream mcp.ToolResult into the agent's own
// ToolResult shape, so the rest of the turn loop never has to know whether a
// result came from a local tool or an MCP upstream.
func fromMCPResult(r *mcp.ToolResult) ToolResult {
	content := make([]provider.Content, 0, len(r.Content))
	for _, block := range r.Content {
		switch block.Type {
		case "text", "":
			content = append(content, provider.TextContent(block.Text))
		default:
			content = append(content, provider.TextContent(block.Text))
		}
	}
	if len(content) == 0 {
		content = []provider.Content{provider.TextContent("")}
	}
	return ToolResult{Content: content, IsError: r.IsError}
}

// dispatchMCPFallback calls the registry's configured MCP fallback for a
// tool name the local registry has no handler for. It returns ok=false when
// no fallback is configured.
func (r *Registry) dispatchMCPFallback(ctx context.Context, name string, arguments json.RawMessage) (ToolResult, bool) {
	if r.mcpFallback == nil {
		return ToolResult{}, false
	}
	result, err := r.mcpFallback.CallTool(ctx, name, arguments)
	if err != nil {
		return ErrorToolResult(fmt.Sprintf("mcp tool %q failed: %s", name, err.Error())), true
	}
	return fromMCPResult(result), true
}
