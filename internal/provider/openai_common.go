package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// roleSystem is the wire-level system role string shared by every
// OpenAI-Chat-Completions-compatible backend (OpenAI, Ollama, vLLM, and the
// zen gateway's chat-completions mode).
const roleSystem = "system"

// Synthetic content-block indices for the OpenAI-compatible Chat
// Completions delta format, which (unlike Anthropic) has no
// single-text-stream index of its own. Tool-call indices come straight
// from the API (always >= 0) and never collide with these negative
// sentinels.
const (
	openaiTextIndex      = -1
	openaiReasoningIndex = -2
)

// chatStreamOptions requests usage info in the streaming response.
type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionStreamResponse struct {
	Choices []chatCompletionStreamChoice `json:"choices"`
	Usage   *chatCompletionUsage         `json:"usage,omitempty"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatCompletionStreamChoice struct {
	Delta        chatCompletionStreamDelta `json:"delta"`
	FinishReason *string                   `json:"finish_reason"`
}

type chatCompletionStreamDelta struct {
	Content          string                   `json:"content,omitempty"`
	Reasoning        string                   `json:"reasoning,omitempty"`
	ReasoningContent string                   `json:"reasoning_content,omitempty"`
	ToolCalls        []chatCompletionToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionToolCall struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id"`
	Function chatCompletionFunction `json:"function"`
}

type chatCompletionFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// toolStartTracker remembers which tool-call indices have already had a
// ToolCallStart emitted, so subsequent argument deltas route straight to
// ToolCallDelta.
type toolStartTracker map[int]bool

// parseOpenAIChatStream reads an OpenAI-compatible Chat Completions SSE
// body and emits normalized Events. Caller owns closing reader and ch.
func parseOpenAIChatStream(ctx context.Context, reader io.Reader, ch chan<- Event) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	started := toolStartTracker{}
	var usage Usage
	var stopReason string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			trySend(ctx, ch, Event{Kind: EventDone, StopReason: stopReason, Usage: usage})
			return
		}

		var chunk chatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Str("data", data).Msg("failed to parse openai-compatible SSE chunk")
			continue
		}
		if chunk.Usage != nil {
			usage.Input = chunk.Usage.PromptTokens
			usage.Output = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			stopReason = *fr
		}
		if !emitOpenAIDelta(ctx, ch, chunk.Choices[0].Delta, started) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, Event{Kind: EventError, Err: err})
		return
	}
	trySend(ctx, ch, Event{Kind: EventDone, StopReason: stopReason, Usage: usage})
}

func emitOpenAIDelta(ctx context.Context, ch chan<- Event, delta chatCompletionStreamDelta, started toolStartTracker) bool {
	reasoning := delta.Reasoning
	if reasoning == "" {
		reasoning = delta.ReasoningContent
	}
	if reasoning != "" {
		if !trySend(ctx, ch, Event{Kind: EventThinkingDelta, Index: openaiReasoningIndex, Text: reasoning}) {
			return false
		}
	}
	if delta.Content != "" {
		if !trySend(ctx, ch, Event{Kind: EventTextDelta, Index: openaiTextIndex, Text: delta.Content}) {
			return false
		}
	}
	for _, tc := range delta.ToolCalls {
		if !started[tc.Index] && tc.Function.Name != "" {
			started[tc.Index] = true
			if !trySend(ctx, ch, Event{Kind: EventToolCallStart, Index: tc.Index, ToolCallID: tc.ID, ToolCallName: tc.Function.Name}) {
				return false
			}
		}
		if tc.Function.Arguments != "" {
			if !trySend(ctx, ch, Event{Kind: EventToolCallDelta, Index: tc.Index, ArgsDelta: tc.Function.Arguments}) {
				return false
			}
		}
	}
	return true
}

// toOpenAIMessages converts the canonical Message sequence into OpenAI SDK
// message structs, folding the system prompt in as the first message.
// Assistant thinking is projected into <thinking>…</thinking> text.
func toOpenAIMessages(messages []Message, systemPrompt string) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    contentToPlainText(m.Content),
				ToolCallID: m.ToolCallID,
			})
		case RoleAssistant:
			var text strings.Builder
			for _, c := range m.Content {
				switch c.Kind {
				case ContentText:
					text.WriteString(c.Text)
				case ContentThinking:
					if c.Text != "" {
						text.WriteString("<thinking>" + c.Text + "</thinking>")
					}
				}
			}
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text.String()}
			for _, c := range m.Content {
				if c.Kind == ContentToolCall {
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   c.ToolCallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      c.ToolCallName,
							Arguments: string(c.ToolCallArgs),
						},
					})
				}
			}
			result = append(result, msg)
		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: contentToPlainText(m.Content)})
		}
	}
	return result
}

// mergeSystemMessagesOpenAI merges consecutive system messages into one, a
// requirement of some OpenAI-compatible backends that reject repeated
// system turns.
func mergeSystemMessagesOpenAI(messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if len(messages) == 0 {
		return messages
	}

	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	var systemBuffer strings.Builder
	inSystemRun := false

	flush := func() {
		if inSystemRun {
			result = append(result, openai.ChatCompletionMessage{Role: roleSystem, Content: systemBuffer.String()})
			systemBuffer.Reset()
			inSystemRun = false
		}
	}

	for _, msg := range messages {
		if msg.Role == roleSystem {
			if inSystemRun {
				systemBuffer.WriteString("\n\n")
			}
			inSystemRun = true
			systemBuffer.WriteString(msg.Content)
			continue
		}
		flush()
		result = append(result, msg)
	}
	flush()

	return result
}

// toOpenAITools converts provider-agnostic tools to OpenAI SDK tool format.
// Parameters is passed through as json.RawMessage to preserve deterministic
// serialization order (important for KV-cache hit rate on compatible
// backends).
func toOpenAITools(tools []Tool) []openai.Tool {
	if tools == nil {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
