package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/provider"
)

type echoTool struct {
	name    string
	schema  string
	execErr error
	result  ToolResult
	calls   int
}

func (t *echoTool) Name() string                       { return t.name }
func (t *echoTool) Description() string                { return "echoes arguments" }
func (t *echoTool) ParametersSchema() json.RawMessage   { return json.RawMessage(t.schema) }
func (t *echoTool) Execute(_ context.Context, _ string, arguments json.RawMessage) (ToolResult, error) {
	t.calls++
	if t.execErr != nil {
		return ToolResult{}, t.execErr
	}
	if t.result.Content != nil || t.result.IsError {
		return t.result, nil
	}
	return TextToolResult(string(arguments)), nil
}

func TestRegistryDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(NewBus())
	result := r.Dispatch(context.Background(), "call1", "DoesNotExist", json.RawMessage(`{}`))
	if !result.IsError {
		t.Fatal("expected error result for unknown tool")
	}
	if !strings.Contains(result.Content[0].Text, "Tool not found: DoesNotExist") {
		t.Errorf("unexpected message: %s", result.Content[0].Text)
	}
}

// stubMCPFallback is a minimal MCPFallback for exercising Dispatch's
// tool-not-found fallback without a real upstream.
type stubMCPFallback struct {
	result *mcp.ToolResult
	err    error
	called string
}

func (s *stubMCPFallback) CallTool(_ context.Context, name string, _ json.RawMessage) (*mcp.ToolResult, error) {
	s.called = name
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestRegistryDispatchFallsBackToMCPOnUnknownTool(t *testing.T) {
	fallback := &stubMCPFallback{result: &mcp.ToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: "from upstream"}},
	}}
	r := NewRegistry(NewBus())
	r.SetMCPFallback(fallback)

	result := r.Dispatch(context.Background(), "call1", "upstream_tool", json.RawMessage(`{}`))
	if result.IsError {
		t.Fatalf("expected a success result, got error: %+v", result)
	}
	if fallback.called != "upstream_tool" {
		t.Errorf("expected the fallback to be consulted with the tool name, got %q", fallback.called)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "from upstream" {
		t.Errorf("unexpected bridged content: %+v", result.Content)
	}
}

func TestRegistryDispatchMCPFallbackErrorBecomesErrorResult(t *testing.T) {
	fallback := &stubMCPFallback{err: errors.New("upstream unreachable")}
	r := NewRegistry(NewBus())
	r.SetMCPFallback(fallback)

	result := r.Dispatch(context.Background(), "call1", "upstream_tool", json.RawMessage(`{}`))
	if !result.IsError {
		t.Fatal("expected an error result when the fallback call fails")
	}
	if !strings.Contains(result.Content[0].Text, "upstream unreachable") {
		t.Errorf("unexpected message: %s", result.Content[0].Text)
	}
}

func TestRegistryDispatchUnknownToolWithoutFallbackStillErrors(t *testing.T) {
	r := NewRegistry(NewBus())
	result := r.Dispatch(context.Background(), "call1", "DoesNotExist", json.RawMessage(`{}`))
	if !result.IsError || !strings.Contains(result.Content[0].Text, "Tool not found") {
		t.Fatalf("expected a tool-not-found error, got %+v", result)
	}
}

func TestRegistryValidationFailureBlocksExecute(t *testing.T) {
	tool := &echoTool{
		name: "Write",
		schema: `{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`,
	}
	r := NewRegistry(NewBus())
	r.Register(tool)

	result := r.Dispatch(context.Background(), "call1", "Write", json.RawMessage(`{"count":5}`))
	if !result.IsError {
		t.Fatal("expected validation failure to produce an error result")
	}
	if tool.calls != 0 {
		t.Errorf("expected Execute not to be called, got %d calls", tool.calls)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "validation failed") || !strings.Contains(text, "path") {
		t.Errorf("expected bulleted validation message naming 'path', got %q", text)
	}
}

func TestRegistryValidArgumentsDispatch(t *testing.T) {
	tool := &echoTool{
		name: "Write",
		schema: `{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`,
	}
	r := NewRegistry(NewBus())
	r.Register(tool)

	result := r.Dispatch(context.Background(), "call1", "Write", json.RawMessage(`{"path":"a.go"}`))
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if tool.calls != 1 {
		t.Errorf("expected exactly one Execute call, got %d", tool.calls)
	}
}

func TestRegistryNoSchemaIsPermissive(t *testing.T) {
	tool := &echoTool{name: "Freeform"}
	r := NewRegistry(NewBus())
	r.Register(tool)

	result := r.Dispatch(context.Background(), "call1", "Freeform", json.RawMessage(`{"anything":"goes"}`))
	if result.IsError {
		t.Fatalf("tool without a schema should never fail validation: %+v", result)
	}
}

func TestRegistryUncompilableSchemaFallsBackPermissive(t *testing.T) {
	tool := &echoTool{name: "Broken", schema: `{not valid json`}
	r := NewRegistry(NewBus())
	r.Register(tool) // compilation fails and is logged; registration still succeeds

	result := r.Dispatch(context.Background(), "call1", "Broken", json.RawMessage(`{"x":1}`))
	if result.IsError {
		t.Fatalf("uncompilable schema should skip validation, not fail it: %+v", result)
	}
	if tool.calls != 1 {
		t.Errorf("expected Execute to still run, got %d calls", tool.calls)
	}
}

func TestRegistryExecuteErrorBecomesErrorResult(t *testing.T) {
	tool := &echoTool{name: "Boom", execErr: context.DeadlineExceeded}
	r := NewRegistry(NewBus())
	r.Register(tool)

	result := r.Dispatch(context.Background(), "call1", "Boom", json.RawMessage(`{}`))
	if !result.IsError {
		t.Fatal("expected Execute error to surface as an error ToolResult")
	}
}

type progressTool struct {
	echoTool
	updates []provider.Content
}

func (t *progressTool) ExecuteWithProgress(_ context.Context, _ string, _ json.RawMessage, progress ProgressSender) (ToolResult, error) {
	progress.Send(provider.TextContent("working..."))
	return TextToolResult("done"), nil
}

func TestProgressToolPreferredOverExecute(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	tool := &progressTool{echoTool: echoTool{name: "Slow"}}
	r := NewRegistry(bus)
	r.Register(tool)

	result := r.Dispatch(context.Background(), "call1", "Slow", json.RawMessage(`{}`))
	if result.IsError || result.Content[0].Text != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if tool.calls != 0 {
		t.Errorf("ExecuteWithProgress should be preferred; plain Execute should not run")
	}

	select {
	case evt := <-ch:
		if evt.Kind != EventToolExecutionUpdate || evt.ToolName != "Slow" {
			t.Errorf("unexpected progress event: %+v", evt)
		}
	default:
		t.Error("expected a ToolExecutionUpdate event from the progress sender")
	}
}
