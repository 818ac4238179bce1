package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// AnthropicProvider talks directly to the Anthropic Messages API.
type AnthropicProvider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	model      string
}

// NewAnthropic creates a direct Anthropic Messages API provider.
func NewAnthropic(name, apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		name:       name,
		apiKey:     apiKey,
		baseURL:    "https://api.anthropic.com/v1",
		httpClient: &http.Client{},
		model:      model,
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

func (p *AnthropicProvider) ListModels(ctx context.Context) ([]Model, error) {
	return nil, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, messages []Message, tools []Tool, opts StreamOptions) (<-chan Event, error) {
	system, msgs := toAnthropicMessages(messages, opts.SystemPrompt)
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	req := anthropicRequest{
		Model:       p.model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Stream:      true,
		Tools:       toAnthropicTools(tools),
	}
	if opts.Reasoning != "" && opts.Reasoning != ReasoningOff {
		req.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: thinkingBudgetFor(opts.Reasoning)}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client: p.httpClient,
		url:    p.baseURL + "/messages",
		body:   body,
		headers: map[string]string{
			"x-api-key":         p.apiKey,
			"anthropic-version": "2023-06-01",
		},
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseAnthropicSSEStream(ctx, reader, ch)
	}()
	return ch, nil
}

func thinkingBudgetFor(level ReasoningLevel) int {
	switch level {
	case ReasoningMinimal:
		return 1024
	case ReasoningLow:
		return 2048
	case ReasoningMedium:
		return 8192
	case ReasoningHigh:
		return 24576
	default:
		return 0
	}
}

// Anthropic Messages API request types.

type anthropicRequest struct {
	Model       string                `json:"model"`
	Messages    []anthropicMessage    `json:"messages"`
	System      []anthropicCacheBlock `json:"system,omitempty"`
	MaxTokens   int                   `json:"max_tokens"`
	Temperature float64               `json:"temperature,omitempty"`
	Stream      bool                  `json:"stream"`
	Tools       []anthropicTool       `json:"tools,omitempty"`
	Thinking    *anthropicThinking    `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// anthropicCacheControl marks a block for prompt caching.
type anthropicCacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// anthropicCacheBlock is a system prompt content block with optional cache_control.
type anthropicCacheBlock struct {
	Type         string                 `json:"type"` // "text"
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []interface{} of blocks
}

// anthropicTextBlock is a "text" content block.
type anthropicTextBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// anthropicThinkingBlock is the wire shape of a "thinking" content block.
// toAnthropicMessages does not emit it: replayed thinking is sent as
// <thinking>-wrapped text instead.
type anthropicThinkingBlock struct {
	Type     string `json:"type"` // "thinking"
	Thinking string `json:"thinking"`
}

// anthropicImageBlock is an "image" content block.
type anthropicImageBlock struct {
	Type   string              `json:"type"` // "image"
	Source anthropicImgSource  `json:"source"`
}

type anthropicImgSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// anthropicToolUseBlock is a "tool_use" content block.
type anthropicToolUseBlock struct {
	Type  string          `json:"type"` // "tool_use"
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// anthropicToolResultBlock is a "tool_result" content block.
type anthropicToolResultBlock struct {
	Type      string `json:"type"` // "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  json.RawMessage        `json:"input_schema"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

// toAnthropicMessages converts the canonical Message sequence into the
// Anthropic wire format. The system prompt (passed separately, since our
// canonical Message has no "system" role) becomes the cached system block.
// Thinking content is projected into a <thinking>…</thinking> text block, since replaying
// a model's private reasoning verbatim is not guaranteed accepted on the
// next turn for every model.
func toAnthropicMessages(messages []Message, systemPrompt string) ([]anthropicCacheBlock, []anthropicMessage) {
	var result []anthropicMessage

	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			result = append(result, anthropicMessage{
				Role: "user",
				Content: []interface{}{anthropicToolResultBlock{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   contentToPlainText(m.Content),
					IsError:   m.IsError,
				}},
			})
		case RoleAssistant:
			var blocks []interface{}
			for _, c := range m.Content {
				switch c.Kind {
				case ContentText:
					if c.Text != "" {
						blocks = append(blocks, anthropicTextBlock{Type: "text", Text: c.Text})
					}
				case ContentThinking:
					if c.Text != "" {
						blocks = append(blocks, anthropicTextBlock{Type: "text", Text: "<thinking>" + c.Text + "</thinking>"})
					}
				case ContentToolCall:
					input := c.ToolCallArgs
					if len(input) == 0 {
						input = json.RawMessage(`{}`)
					}
					blocks = append(blocks, anthropicToolUseBlock{
						Type: "tool_use", ID: c.ToolCallID, Name: c.ToolCallName, Input: input,
					})
				}
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})
		default: // RoleUser
			var blocks []interface{}
			for _, c := range m.Content {
				switch c.Kind {
				case ContentText:
					blocks = append(blocks, anthropicTextBlock{Type: "text", Text: c.Text})
				case ContentImage:
					blocks = append(blocks, anthropicImageBlock{
						Type: "image",
						Source: anthropicImgSource{
							Type: "base64", MediaType: c.ImageMIME, Data: encodeBase64(c.ImageData),
						},
					})
				}
			}
			result = append(result, anthropicMessage{Role: "user", Content: blocks})
		}
	}

	var system []anthropicCacheBlock
	if systemPrompt != "" {
		system = []anthropicCacheBlock{{
			Type: "text", Text: systemPrompt,
			CacheControl: &anthropicCacheControl{Type: "ephemeral"},
		}}
	}
	return system, result
}

func contentToPlainText(blocks []Content) string {
	var sb strings.Builder
	for _, c := range blocks {
		if c.Kind == ContentText {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// toAnthropicTools converts provider-agnostic tools to Anthropic tool format.
// InputSchema is passed through as json.RawMessage to preserve deterministic
// serialization order (important for KV-cache hit rate).
func toAnthropicTools(tools []Tool) []anthropicTool {
	if tools == nil {
		return nil
	}
	emptySchema := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]anthropicTool, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		result[i] = anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
	}
	// Mark last tool for prompt caching. Anthropic caches the prefix up to
	// and including blocks with cache_control, so tools + system form a
	// stable cached prefix across turns.
	if len(result) > 0 {
		result[len(result)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	}
	return result
}

// Anthropic SSE streaming response types.

// anthropicMessageStart wraps the message_start event payload.
type anthropicMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// anthropicMessageDelta wraps the message_delta event payload.
type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicContentBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"` // "text", "thinking" or "tool_use"
		Text string `json:"text,omitempty"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"` // "text_delta", "thinking_delta", "input_json_delta"
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

// anthropicBlockTracker remembers the block kind of each Anthropic
// content-block index, so content_block_stop emits the matching End event.
// Deltas are routed by their own delta type, not by this tracker.
type anthropicBlockTracker struct {
	blockKind map[int]string // "text", "thinking", "tool_use"
}

func newAnthropicBlockTracker() *anthropicBlockTracker {
	return &anthropicBlockTracker{blockKind: make(map[int]string)}
}

func parseAnthropicSSEStream(ctx context.Context, reader io.Reader, ch chan<- Event) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	bt := newAnthropicBlockTracker()
	var currentEventType string
	var usage Usage
	var stopReason string

	trySend(ctx, ch, Event{Kind: EventStart})

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEventType {
		case "message_stop":
			trySend(ctx, ch, Event{Kind: EventDone, StopReason: stopReason, Usage: usage})
			return
		case "content_block_start":
			if !bt.handleBlockStart(ctx, ch, data) {
				return
			}
		case "content_block_delta":
			if !bt.handleBlockDelta(ctx, ch, data) {
				return
			}
		case "content_block_stop":
			if !bt.handleBlockStop(ctx, ch, data) {
				return
			}
		case "message_start":
			if in := handleAnthropicMessageStart(data); in != nil {
				usage.Input = in.Input
				usage.CacheRead = in.CacheRead
				usage.CacheWrite = in.CacheWrite
			}
		case "message_delta":
			if md, out := handleAnthropicMessageDelta(data); md != "" || out > 0 {
				stopReason = md
				usage.Output = out
			}
		case "ping":
			// Ignored.
		}

		currentEventType = ""
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, Event{Kind: EventError, Err: err})
		return
	}
	trySend(ctx, ch, Event{Kind: EventDone, StopReason: stopReason, Usage: usage})
}

func (bt *anthropicBlockTracker) handleBlockStart(ctx context.Context, ch chan<- Event, data string) bool {
	var evt anthropicContentBlockStart
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("failed to parse anthropic content_block_start")
		return true
	}
	bt.blockKind[evt.Index] = evt.ContentBlock.Type
	switch evt.ContentBlock.Type {
	case "tool_use":
		return trySend(ctx, ch, Event{
			Kind: EventToolCallStart, Index: evt.Index,
			ToolCallID: evt.ContentBlock.ID, ToolCallName: evt.ContentBlock.Name,
		})
	case "thinking":
		return trySend(ctx, ch, Event{Kind: EventThinkingStart, Index: evt.Index})
	default:
		return trySend(ctx, ch, Event{Kind: EventTextStart, Index: evt.Index})
	}
}

func (bt *anthropicBlockTracker) handleBlockDelta(ctx context.Context, ch chan<- Event, data string) bool {
	var evt anthropicContentBlockDelta
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("failed to parse anthropic content_block_delta")
		return true
	}
	switch evt.Delta.Type {
	case "text_delta":
		if evt.Delta.Text != "" {
			return trySend(ctx, ch, Event{Kind: EventTextDelta, Index: evt.Index, Text: evt.Delta.Text})
		}
	case "thinking_delta":
		if evt.Delta.Thinking != "" {
			return trySend(ctx, ch, Event{Kind: EventThinkingDelta, Index: evt.Index, Text: evt.Delta.Thinking})
		}
	case "input_json_delta":
		if evt.Delta.PartialJSON != "" {
			return trySend(ctx, ch, Event{Kind: EventToolCallDelta, Index: evt.Index, ArgsDelta: evt.Delta.PartialJSON})
		}
	}
	return true
}

func (bt *anthropicBlockTracker) handleBlockStop(ctx context.Context, ch chan<- Event, data string) bool {
	var evt struct {
		Index int `json:"index"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return true
	}
	switch bt.blockKind[evt.Index] {
	case "tool_use":
		return trySend(ctx, ch, Event{Kind: EventToolCallEnd, Index: evt.Index})
	case "thinking":
		return trySend(ctx, ch, Event{Kind: EventThinkingEnd, Index: evt.Index})
	default:
		return trySend(ctx, ch, Event{Kind: EventTextEnd, Index: evt.Index})
	}
}

type anthropicUsage struct {
	Input      int
	Output     int
	CacheRead  int
	CacheWrite int
}

// handleAnthropicMessageStart extracts input token usage from message_start events.
func handleAnthropicMessageStart(data string) *anthropicUsage {
	var ms struct {
		Message struct {
			Usage struct {
				InputTokens              int `json:"input_tokens"`
				OutputTokens             int `json:"output_tokens"`
				CacheReadInputTokens     int `json:"cache_read_input_tokens"`
				CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			} `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &ms); err != nil {
		return nil
	}
	return &anthropicUsage{
		Input:      ms.Message.Usage.InputTokens,
		Output:     ms.Message.Usage.OutputTokens,
		CacheRead:  ms.Message.Usage.CacheReadInputTokens,
		CacheWrite: ms.Message.Usage.CacheCreationInputTokens,
	}
}

// handleAnthropicMessageDelta extracts the stop reason and output token usage.
func handleAnthropicMessageDelta(data string) (string, int) {
	var md anthropicMessageDelta
	if err := json.Unmarshal([]byte(data), &md); err != nil {
		return "", 0
	}
	return md.Delta.StopReason, md.Usage.OutputTokens
}
