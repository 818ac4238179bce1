package agent

import (
	"context"
	"time"

	"github.com/xonecas/symb/internal/provider"
)

// executeTools runs one assistant message's tool calls in order (spec
// §4.7). Between calls it drains the steering queue; a non-empty drain
// marks the remaining tools skipped, appends the steering messages to the
// turn's results, and returns early with steered=true.
func (a *Agent) executeTools(ctx context.Context, toolCalls []provider.Content) ([]provider.Message, bool) {
	results := make([]provider.Message, 0, len(toolCalls))

	for idx, call := range toolCalls {
		if idx > 0 {
			if steering := a.handle.steering.drain(a.config.SteeringMode); len(steering) > 0 {
				results = append(results, a.skipRemaining(toolCalls[idx:])...)
				results = append(results, steering...)
				return results, true
			}
		}

		a.bus.Publish(Event{
			Kind:       EventToolExecutionStart,
			ToolCallID: call.ToolCallID,
			ToolName:   call.ToolCallName,
			Arguments:  []byte(call.ToolCallArgs),
		})

		result := a.registry.Dispatch(ctx, call.ToolCallID, call.ToolCallName, call.ToolCallArgs)

		a.bus.Publish(Event{
			Kind:       EventToolExecutionEnd,
			ToolCallID: call.ToolCallID,
			ToolName:   call.ToolCallName,
			ResultText: contentText(result.Content),
			IsError:    result.IsError,
		})

		results = append(results, provider.NewToolResult(
			time.Now().UnixMilli(), call.ToolCallID, call.ToolCallName, result.IsError, result.Content...,
		))

		if steering := a.handle.steering.drain(a.config.SteeringMode); len(steering) > 0 {
			if idx+1 < len(toolCalls) {
				results = append(results, a.skipRemaining(toolCalls[idx+1:])...)
			}
			results = append(results, steering...)
			return results, true
		}
	}

	return results, false
}

// skipRemaining produces synthetic skipped ToolResult messages for tool
// calls that will not run because a steering message interrupted the turn.
func (a *Agent) skipRemaining(skipped []provider.Content) []provider.Message {
	out := make([]provider.Message, 0, len(skipped))
	for _, call := range skipped {
		a.bus.Publish(Event{Kind: EventToolExecutionStart, ToolCallID: call.ToolCallID, ToolName: call.ToolCallName, Arguments: []byte(call.ToolCallArgs)})
		a.bus.Publish(Event{Kind: EventToolExecutionEnd, ToolCallID: call.ToolCallID, ToolName: call.ToolCallName, ResultText: "Skipped due to steering message", IsError: true})
		out = append(out, provider.NewToolResult(
			time.Now().UnixMilli(), call.ToolCallID, call.ToolCallName, true,
			provider.TextContent("Skipped due to steering message"),
		))
	}
	return out
}

func contentText(blocks []provider.Content) string {
	var s string
	for _, c := range blocks {
		if c.Kind == provider.ContentText {
			s += c.Text
		}
	}
	return s
}
