package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
	zen "github.com/sacenox/go-opencode-ai-zen-sdk"
)

// ZenProvider relays through the unified OpenCode Zen gateway, which fans a
// single normalized request out across whichever of four wire formats
// (OpenAI chat completions, Anthropic messages, Gemini, OpenAI responses)
// the selected upstream model actually speaks. The dispatch-by-endpoint
// logic below is what normalizes all four back into one Event stream.
type ZenProvider struct {
	name   string
	client *zen.Client
	model  string
}

// NewZen creates a Zen gateway provider.
func NewZen(name, apiKey, baseURL, model string) (*ZenProvider, error) {
	client, err := zen.NewClient(zen.Config{APIKey: apiKey, BaseURL: baseURL})
	if err != nil {
		return nil, err
	}
	return &ZenProvider{name: name, client: client, model: model}, nil
}

func (p *ZenProvider) Name() string { return p.name }
func (p *ZenProvider) Close() error { return nil }

func (p *ZenProvider) Stream(ctx context.Context, messages []Message, tools []Tool, opts StreamOptions) (<-chan Event, error) {
	req := zen.NormalizedRequest{
		Model:    p.model,
		System:   opts.SystemPrompt,
		Messages: toZenMessages(messages),
		Tools:    toZenTools(tools),
		Stream:   true,
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 16000
	}
	req.MaxTokens = &maxTokens

	events, errs, err := p.client.UnifiedStreamNormalized(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		trySend(ctx, ch, Event{Kind: EventStart})
		tracker := &zenUsageTracker{}
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !p.emitEvent(ctx, ch, ev, tracker) {
					return
				}
			case streamErr, ok := <-errs:
				if ok && streamErr != nil {
					var apiErr *zen.APIError
					if errors.As(streamErr, &apiErr) {
						log.Error().Int("status", apiErr.StatusCode).Str("body", string(apiErr.Body)).Msg("zen: stream API error")
					}
					trySend(ctx, ch, Event{Kind: EventError, Err: streamErr})
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// zenUsageTracker accumulates usage across whichever mid-stream events
// report it, since the normalized Event model only carries Usage on Done.
type zenUsageTracker struct {
	usage Usage
}

func (p *ZenProvider) emitEvent(ctx context.Context, ch chan<- Event, ev zen.UnifiedEvent, tracker *zenUsageTracker) bool {
	data := ev.Data
	if len(data) == 0 || string(data) == "[DONE]" {
		return trySend(ctx, ch, Event{Kind: EventDone, Usage: tracker.usage})
	}

	switch ev.Endpoint {
	case zen.EndpointMessages:
		return p.emitAnthropicEvent(ctx, ch, ev.Event, data, tracker)
	case zen.EndpointModels:
		return p.emitGeminiEvent(ctx, ch, data, tracker)
	case zen.EndpointResponses:
		return p.emitResponsesEvent(ctx, ch, ev.Event, data, tracker)
	default:
		return p.emitChatCompletionsEvent(ctx, ch, data, tracker)
	}
}

// emitChatCompletionsEvent handles OpenAI chat completions SSE chunks.
func (p *ZenProvider) emitChatCompletionsEvent(ctx context.Context, ch chan<- Event, data json.RawMessage, tracker *zenUsageTracker) bool {
	var chunk map[string]any
	if err := json.Unmarshal(data, &chunk); err != nil {
		return true
	}

	if usage, ok := chunk["usage"].(map[string]any); ok {
		tracker.usage.Input = getIntOrZero(usage, "prompt_tokens")
		tracker.usage.Output = getIntOrZero(usage, "completion_tokens")
	}

	choices, _ := chunk["choices"].([]any)
	if len(choices) == 0 {
		if delta, ok := chunk["delta"].(map[string]any); ok {
			return p.emitDelta(ctx, ch, delta)
		}
		return true
	}

	choice, _ := choices[0].(map[string]any)
	delta, _ := choice["delta"].(map[string]any)
	if delta == nil {
		return true
	}
	return p.emitDelta(ctx, ch, delta)
}

// emitAnthropicEvent handles Anthropic Messages SSE chunks.
func (p *ZenProvider) emitAnthropicEvent(ctx context.Context, ch chan<- Event, event string, data json.RawMessage, tracker *zenUsageTracker) bool {
	var chunk map[string]any
	if err := json.Unmarshal(data, &chunk); err != nil {
		return true
	}

	switch event {
	case "content_block_start":
		cb, _ := chunk["content_block"].(map[string]any)
		if getStringOrEmpty(cb, "type") == "tool_use" {
			idx := getIntOrZero(chunk, "index")
			if !trySend(ctx, ch, Event{Kind: EventToolCallStart, Index: idx, ToolCallID: getStringOrEmpty(cb, "id"), ToolCallName: getStringOrEmpty(cb, "name")}) {
				return false
			}
		}
	case "content_block_delta":
		idx := getIntOrZero(chunk, "index")
		delta, _ := chunk["delta"].(map[string]any)
		switch getStringOrEmpty(delta, "type") {
		case "text_delta":
			if text := getStringOrEmpty(delta, "text"); text != "" {
				if !trySend(ctx, ch, Event{Kind: EventTextDelta, Index: idx, Text: text}) {
					return false
				}
			}
		case "thinking_delta":
			if thinking := getStringOrEmpty(delta, "thinking"); thinking != "" {
				if !trySend(ctx, ch, Event{Kind: EventThinkingDelta, Index: idx, Text: thinking}) {
					return false
				}
			}
		case "input_json_delta":
			if args := getStringOrEmpty(delta, "partial_json"); args != "" {
				if !trySend(ctx, ch, Event{Kind: EventToolCallDelta, Index: idx, ArgsDelta: args}) {
					return false
				}
			}
		}
	case "message_delta":
		if usage, ok := chunk["usage"].(map[string]any); ok {
			in, out := getIntOrZero(usage, "input_tokens"), getIntOrZero(usage, "output_tokens")
			if in > 0 {
				tracker.usage.Input = in
			}
			if out > 0 {
				tracker.usage.Output = out
			}
		}
	}
	return true
}

// emitGeminiEvent handles Gemini SSE chunks: candidates[0].content.parts[].{text,functionCall}.
func (p *ZenProvider) emitGeminiEvent(ctx context.Context, ch chan<- Event, data json.RawMessage, tracker *zenUsageTracker) bool {
	var chunk map[string]any
	if err := json.Unmarshal(data, &chunk); err != nil {
		return true
	}

	candidates, _ := chunk["candidates"].([]any)
	if len(candidates) == 0 {
		return true
	}
	candidate, _ := candidates[0].(map[string]any)
	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	for idx, p2 := range parts {
		part, _ := p2.(map[string]any)
		if text := getStringOrEmpty(part, "text"); text != "" {
			if !trySend(ctx, ch, Event{Kind: EventTextDelta, Index: openaiTextIndex, Text: text}) {
				return false
			}
		}
		if fc, ok := part["functionCall"].(map[string]any); ok {
			if name := getStringOrEmpty(fc, "name"); name != "" {
				if !trySend(ctx, ch, Event{Kind: EventToolCallStart, Index: idx, ToolCallName: name}) {
					return false
				}
			}
			if args, ok := fc["args"]; ok {
				if argsJSON, err := json.Marshal(args); err == nil {
					if !trySend(ctx, ch, Event{Kind: EventToolCallDelta, Index: idx, ArgsDelta: string(argsJSON)}) {
						return false
					}
				}
			}
		}
	}

	if meta, ok := chunk["usageMetadata"].(map[string]any); ok {
		in, out := getIntOrZero(meta, "promptTokenCount"), getIntOrZero(meta, "candidatesTokenCount")
		if in > 0 {
			tracker.usage.Input = in
		}
		if out > 0 {
			tracker.usage.Output = out
		}
	}
	return true
}

// emitResponsesEvent handles OpenAI Responses API SSE chunks.
func (p *ZenProvider) emitResponsesEvent(ctx context.Context, ch chan<- Event, event string, data json.RawMessage, tracker *zenUsageTracker) bool {
	var chunk map[string]any
	if err := json.Unmarshal(data, &chunk); err != nil {
		return true
	}

	switch event {
	case "response.output_text.delta":
		if delta := getStringOrEmpty(chunk, "delta"); delta != "" {
			if !trySend(ctx, ch, Event{Kind: EventTextDelta, Index: openaiTextIndex, Text: delta}) {
				return false
			}
		}
	case "response.reasoning_summary_text.delta":
		if delta := getStringOrEmpty(chunk, "delta"); delta != "" {
			if !trySend(ctx, ch, Event{Kind: EventThinkingDelta, Index: openaiReasoningIndex, Text: delta}) {
				return false
			}
		}
	case "response.output_item.added":
		item, _ := chunk["item"].(map[string]any)
		if getStringOrEmpty(item, "type") == "function_call" {
			idx := getIntOrZero(chunk, "output_index")
			if !trySend(ctx, ch, Event{Kind: EventToolCallStart, Index: idx, ToolCallID: getStringOrEmpty(item, "call_id"), ToolCallName: getStringOrEmpty(item, "name")}) {
				return false
			}
		}
	case "response.function_call_arguments.delta":
		idx := getIntOrZero(chunk, "output_index")
		if delta := getStringOrEmpty(chunk, "delta"); delta != "" {
			if !trySend(ctx, ch, Event{Kind: EventToolCallDelta, Index: idx, ArgsDelta: delta}) {
				return false
			}
		}
	case "response.completed":
		resp, _ := chunk["response"].(map[string]any)
		if usage, ok := resp["usage"].(map[string]any); ok {
			tracker.usage.Input = getIntOrZero(usage, "input_tokens")
			tracker.usage.Output = getIntOrZero(usage, "output_tokens")
		}
	}
	return true
}

func (p *ZenProvider) emitDelta(ctx context.Context, ch chan<- Event, delta map[string]any) bool {
	reasoning := getStringOrEmpty(delta, "reasoning")
	if reasoning == "" {
		reasoning = getStringOrEmpty(delta, "reasoning_content")
	}
	if reasoning != "" {
		if !trySend(ctx, ch, Event{Kind: EventThinkingDelta, Index: openaiReasoningIndex, Text: reasoning}) {
			return false
		}
	}
	if content := getStringOrEmpty(delta, "content"); content != "" {
		if !trySend(ctx, ch, Event{Kind: EventTextDelta, Index: openaiTextIndex, Text: content}) {
			return false
		}
	}

	toolCalls, _ := delta["tool_calls"].([]any)
	for _, tc := range toolCalls {
		toolCall, _ := tc.(map[string]any)
		idx := getIntOrZero(toolCall, "index")
		id := getStringOrEmpty(toolCall, "id")
		fn, _ := toolCall["function"].(map[string]any)
		name := getStringOrEmpty(fn, "name")
		args := getStringOrEmpty(fn, "arguments")

		if name != "" {
			if !trySend(ctx, ch, Event{Kind: EventToolCallStart, Index: idx, ToolCallID: id, ToolCallName: name}) {
				return false
			}
		}
		if args != "" {
			if !trySend(ctx, ch, Event{Kind: EventToolCallDelta, Index: idx, ArgsDelta: args}) {
				return false
			}
		}
	}
	return true
}

func (p *ZenProvider) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		log.Error().Err(err).Str("provider", p.name).Msg("zen ListModels failed")
		return nil, err
	}
	models := make([]Model, len(resp.Data))
	for i, m := range resp.Data {
		models[i] = Model{Name: m.ID}
	}
	return models, nil
}

// toZenMessages converts the canonical Message sequence to the gateway's
// normalized wire format. The system prompt travels separately on
// NormalizedRequest.System, so every Message here is user/assistant/tool.
func toZenMessages(messages []Message) []zen.NormalizedMessage {
	result := make([]zen.NormalizedMessage, len(messages))
	for i, m := range messages {
		nm := zen.NormalizedMessage{Role: string(m.Role), Content: contentToPlainText(m.Content)}
		switch m.Role {
		case RoleTool:
			nm.ToolCallID = m.ToolCallID
		case RoleAssistant:
			for _, c := range m.Content {
				if c.Kind == ContentToolCall {
					nm.ToolCalls = append(nm.ToolCalls, zen.NormalizedToolCall{
						ID: c.ToolCallID, Name: c.ToolCallName, Arguments: string(c.ToolCallArgs),
					})
				}
			}
		}
		result[i] = nm
	}
	return result
}

func toZenTools(tools []Tool) []zen.NormalizedTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]zen.NormalizedTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		result[i] = zen.NormalizedTool{Name: t.Name, Description: t.Description, Parameters: params}
	}
	return result
}

func getStringOrEmpty(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getIntOrZero(m map[string]any, key string) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i)
			}
		}
	}
	return 0
}

// ZenFactory constructs ZenProvider instances for the Registry.
type ZenFactory struct {
	name    string
	apiKey  string
	baseURL string
}

// NewZenFactory creates a Zen gateway factory. An empty baseURL defaults to
// the public OpenCode Zen endpoint.
func NewZenFactory(name, apiKey, baseURL string) *ZenFactory {
	return &ZenFactory{name: name, apiKey: apiKey, baseURL: baseURL}
}

func (f *ZenFactory) Name() string { return f.name }

func (f *ZenFactory) Create(model string, opts map[string]string) (Provider, error) {
	baseURL := f.baseURL
	if baseURL == "" {
		baseURL = "https://opencode.ai/zen/v1"
	}
	return NewZen(f.name, f.apiKey, baseURL, model)
}
