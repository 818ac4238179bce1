package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/xonecas/symb/internal/provider"
)

// ToolResult is what a Tool's Execute returns: a content sequence plus an
// error flag, matching the wire shape of a ToolResult message.
type ToolResult struct {
	Content []provider.Content
	IsError bool
	Details json.RawMessage
}

// ErrorToolResult builds a single-text-block error ToolResult.
func ErrorToolResult(text string) ToolResult {
	return ToolResult{Content: []provider.Content{provider.TextContent(text)}, IsError: true}
}

// TextToolResult builds a single-text-block success ToolResult.
func TextToolResult(text string) ToolResult {
	return ToolResult{Content: []provider.Content{provider.TextContent(text)}}
}

// ProgressSender is the cheap clone of the event bus a tool receives to
// report streaming subprogress. Send is best-effort and never blocks.
type ProgressSender struct {
	bus        *Bus
	toolCallID string
	toolName   string
}

// Send emits a ToolExecutionUpdate event scoped to this tool invocation.
func (p ProgressSender) Send(content ...provider.Content) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(Event{
		Kind:       EventToolExecutionUpdate,
		ToolCallID: p.toolCallID,
		ToolName:   p.toolName,
		Content:    content,
	})
}

// Tool is a polymorphic handler the registry dispatches tool calls to.
type Tool interface {
	Name() string
	Description() string
	ParametersSchema() json.RawMessage

	// Execute runs the tool synchronously.
	Execute(ctx context.Context, toolCallID string, arguments json.RawMessage) (ToolResult, error)
}

// ProgressTool is implemented by tools that want to report streaming
// subprogress via a ProgressSender. Tools that don't implement it fall back
// to plain Execute.
type ProgressTool interface {
	Tool
	ExecuteWithProgress(ctx context.Context, toolCallID string, arguments json.RawMessage, progress ProgressSender) (ToolResult, error)
}

// registeredTool pairs a Tool with its pre-compiled schema validator, if
// compilation succeeded.
type registeredTool struct {
	tool     Tool
	schema   *jsonschema.Schema // nil if compilation failed or no schema
}

// Registry holds named tool handlers and their pre-compiled argument
// validators. Registration compiles each tool's JSON-Schema once; dispatch
// validates arguments against the cached validator before calling Execute.
type Registry struct {
	tools       map[string]*registeredTool
	bus         *Bus
	mcpFallback MCPFallback
}

// NewRegistry creates an empty Registry that reports tool progress on bus.
func NewRegistry(bus *Bus) *Registry {
	return &Registry{tools: make(map[string]*registeredTool), bus: bus}
}

// Bus returns the bus the registry publishes tool-progress events on. An
// Agent built over this registry shares this same bus, so every event
// taxonomy member (spec §6.1) — tool progress included — reaches one set
// of subscribers.
func (r *Registry) Bus() *Bus { return r.bus }

// SetMCPFallback configures the upstream consulted when Dispatch sees a
// tool name no local Tool has registered. Pass nil to disable the fallback.
func (r *Registry) SetMCPFallback(fallback MCPFallback) { r.mcpFallback = fallback }

// Register compiles t's schema (logging and skipping validation on failure,
// a permissive fallback) and adds it to the registry.
func (r *Registry) Register(t Tool) {
	rt := &registeredTool{tool: t}

	schemaBytes := t.ParametersSchema()
	if len(schemaBytes) > 0 {
		schema, err := compileSchema(t.Name(), schemaBytes)
		if err != nil {
			logSchemaCompileFailure(t.Name(), err)
		} else {
			rt.schema = schema
		}
	}

	r.tools[t.Name()] = rt
}

func logSchemaCompileFailure(name string, err error) {
	log.Warn().Err(err).Str("tool", name).Msg("tool schema compilation failed, validation skipped")
}

func compileSchema(name string, schemaBytes json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "mem://tools/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// Tools returns every registered tool's wire descriptor, for inclusion in a
// provider run config.
func (r *Registry) Tools() []provider.Tool {
	out := make([]provider.Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, provider.Tool{
			Name:        rt.tool.Name(),
			Description: rt.tool.Description(),
			Parameters:  rt.tool.ParametersSchema(),
		})
	}
	return out
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Validate checks arguments against name's cached schema. A tool with no
// compiled schema (none declared, or compilation failed) always passes.
func (r *Registry) Validate(name string, arguments json.RawMessage) error {
	rt, ok := r.tools[name]
	if !ok || rt.schema == nil {
		return nil
	}

	var instance any
	if len(arguments) == 0 {
		instance = map[string]any{}
	} else if err := json.Unmarshal(arguments, &instance); err != nil {
		return fmt.Errorf("invalid JSON arguments: %w", err)
	}

	if err := rt.schema.Validate(instance); err != nil {
		return fmt.Errorf("validation failed:\n%s", formatValidationError(err))
	}
	return nil
}

// formatValidationError renders a jsonschema validation error as the
// bulleted "<json-pointer>: <message>" list the spec requires.
func formatValidationError(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "- " + err.Error()
	}

	var lines []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			ptr := "/" + strings.Join(e.InstanceLocation, "/")
			lines = append(lines, fmt.Sprintf("- %s: %s", ptr, e.Error()))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	if len(lines) == 0 {
		return "- " + err.Error()
	}
	return strings.Join(lines, "\n")
}

// Dispatch validates arguments (if the tool has a compiled schema) and, if
// valid, calls Execute (or ExecuteWithProgress when implemented). An unknown
// tool name falls back to the configured MCP upstream, if any, before
// producing an error ToolResult; a validation failure always skips the call.
func (r *Registry) Dispatch(ctx context.Context, toolCallID, name string, arguments json.RawMessage) ToolResult {
	rt, ok := r.tools[name]
	if !ok {
		if result, handled := r.dispatchMCPFallback(ctx, name, arguments); handled {
			return result
		}
		return ErrorToolResult(fmt.Sprintf("Tool not found: %s", name))
	}

	if err := r.Validate(name, arguments); err != nil {
		return ErrorToolResult(err.Error())
	}

	progress := ProgressSender{bus: r.bus, toolCallID: toolCallID, toolName: name}
	if pt, ok := rt.tool.(ProgressTool); ok {
		result, err := pt.ExecuteWithProgress(ctx, toolCallID, arguments, progress)
		if err != nil {
			return ErrorToolResult(err.Error())
		}
		return result
	}

	result, err := rt.tool.Execute(ctx, toolCallID, arguments)
	if err != nil {
		return ErrorToolResult(err.Error())
	}
	return result
}
