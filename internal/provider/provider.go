// Package provider defines the wire-level contract between the agent
// runtime and a concrete LLM transport: messages, content blocks, tool
// descriptors and the fine-grained event stream a provider emits while
// generating a response.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role identifies which party produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the tagged union of content a Message carries.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentThinking
	ContentImage
	ContentToolCall
)

// ImageTokenEstimate is the flat per-image token count used by estimators
// that live alongside this package (see internal/agent/compactor.go).
const ImageTokenEstimate = 1200

// Content is one block of a Message's content sequence. Exactly the fields
// relevant to Kind are populated; callers must switch on Kind before
// reading the rest.
type Content struct {
	Kind ContentKind

	// Text holds the payload for ContentText and ContentThinking.
	Text string

	// ImageData/ImageMIME hold the payload for ContentImage.
	ImageData []byte
	ImageMIME string

	// ToolCallID/ToolCallName/ToolCallArgs hold the payload for ContentToolCall.
	ToolCallID   string
	ToolCallName string
	ToolCallArgs json.RawMessage
}

// TextContent builds a text content block.
func TextContent(text string) Content { return Content{Kind: ContentText, Text: text} }

// ThinkingContent builds a thinking content block.
func ThinkingContent(text string) Content { return Content{Kind: ContentThinking, Text: text} }

// ImageContent builds an image content block.
func ImageContent(data []byte, mime string) Content {
	return Content{Kind: ContentImage, ImageData: data, ImageMIME: mime}
}

// ToolCallContent builds a tool-call content block.
func ToolCallContent(id, name string, args json.RawMessage) Content {
	return Content{Kind: ContentToolCall, ToolCallID: id, ToolCallName: name, ToolCallArgs: args}
}

// Usage is a non-negative token accounting tuple.
type Usage struct {
	Input      int
	Output     int
	CacheRead  int
	CacheWrite int
	Thinking   int
}

// Add returns the element-wise sum of two Usage values.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Input:      u.Input + o.Input,
		Output:     u.Output + o.Output,
		CacheRead:  u.CacheRead + o.CacheRead,
		CacheWrite: u.CacheWrite + o.CacheWrite,
		Thinking:   u.Thinking + o.Thinking,
	}
}

// AssistantMetadata is carried only by Assistant messages.
type AssistantMetadata struct {
	ModelID      string
	Provider     string
	Usage        Usage
	StopReason   string
	ErrorMessage string
	TimestampMs  int64
}

// Message is the tagged-union conversation element: User, Assistant or
// ToolResult, discriminated by Role. Fields not relevant to a Role are
// left at their zero value.
type Message struct {
	Role    Role
	Content []Content

	// TimestampMs is set on User and ToolResult messages.
	TimestampMs int64

	// Metadata is set on Assistant messages only.
	Metadata AssistantMetadata

	// ToolCallID/ToolName/IsError are set on ToolResult messages only.
	ToolCallID string
	ToolName   string
	IsError    bool
}

// NewUserMessage builds a User message from one or more content blocks.
func NewUserMessage(ts int64, content ...Content) Message {
	return Message{Role: RoleUser, Content: content, TimestampMs: ts}
}

// NewUserText is a convenience constructor for a plain-text user message.
func NewUserText(ts int64, text string) Message {
	return NewUserMessage(ts, TextContent(text))
}

// NewToolResult builds a ToolResult message.
func NewToolResult(ts int64, toolCallID, toolName string, isError bool, content ...Content) Message {
	return Message{
		Role:        RoleTool,
		Content:     content,
		TimestampMs: ts,
		ToolCallID:  toolCallID,
		ToolName:    toolName,
		IsError:     isError,
	}
}

// ToolCalls returns every ToolCall content block in an Assistant message,
// in authoring order.
func (m Message) ToolCalls() []Content {
	var out []Content
	for _, c := range m.Content {
		if c.Kind == ContentToolCall {
			out = append(out, c)
		}
	}
	return out
}

// Text concatenates every Text content block in the message.
func (m Message) Text() string {
	var s string
	for _, c := range m.Content {
		if c.Kind == ContentText {
			s += c.Text
		}
	}
	return s
}

// Tool is a wire-level tool descriptor passed to a provider so the model
// knows what it may call.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON-Schema
}

// ReasoningLevel controls how much (if any) private reasoning a model
// should perform and expose.
type ReasoningLevel string

const (
	ReasoningOff     ReasoningLevel = "off"
	ReasoningMinimal ReasoningLevel = "minimal"
	ReasoningLow     ReasoningLevel = "low"
	ReasoningMedium  ReasoningLevel = "medium"
	ReasoningHigh    ReasoningLevel = "high"
)

// StreamOptions configures one provider streaming call.
type StreamOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Reasoning    ReasoningLevel
}

// EventKind enumerates the fine-grained events a Provider emits while
// streaming one response, per spec §4.1.
type EventKind int

const (
	EventStart EventKind = iota
	EventTextStart
	EventTextDelta
	EventTextEnd
	EventThinkingStart
	EventThinkingDelta
	EventThinkingEnd
	EventToolCallStart
	EventToolCallDelta
	EventToolCallEnd
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "Start"
	case EventTextStart:
		return "TextStart"
	case EventTextDelta:
		return "TextDelta"
	case EventTextEnd:
		return "TextEnd"
	case EventThinkingStart:
		return "ThinkingStart"
	case EventThinkingDelta:
		return "ThinkingDelta"
	case EventThinkingEnd:
		return "ThinkingEnd"
	case EventToolCallStart:
		return "ToolCallStart"
	case EventToolCallDelta:
		return "ToolCallDelta"
	case EventToolCallEnd:
		return "ToolCallEnd"
	case EventDone:
		return "Done"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is one item of a provider's streaming output. Index addresses the
// content block a Text/Thinking/ToolCall event concerns; deltas of the
// same Index are appended in arrival order by the stream assembler.
type Event struct {
	Kind  EventKind
	Index int

	// Text carries the delta text for TextDelta/ThinkingDelta.
	Text string

	// ToolCallID/ToolCallName identify a ToolCallStart; ArgsDelta carries
	// partial JSON text for ToolCallDelta.
	ToolCallID   string
	ToolCallName string
	ArgsDelta    string

	// StopReason and Usage are carried by Done.
	StopReason string
	Usage      Usage

	// Err is carried by Error.
	Err error
}

// Provider is a pluggable LLM transport. Implementations stream one
// response per call to Stream. The HTTP-backed ones retry the initial
// connection on network errors and transient HTTP statuses (see httpDoSSE);
// classifying errors and retrying failed streams is the agent transport's
// job (internal/agent).
type Provider interface {
	Name() string
	Stream(ctx context.Context, messages []Message, tools []Tool, opts StreamOptions) (<-chan Event, error)
	ListModels(ctx context.Context) ([]Model, error)
	Close() error
}

// Model describes a model a provider can serve.
type Model struct {
	Name         string
	ContextSize  int
	MaxTokens    int
	InputCost    float64
	OutputCost   float64
	SupportsTool bool
}

// Factory constructs a named Provider instance.
type Factory interface {
	Name() string
	Create(model string, opts map[string]string) (Provider, error)
}

// Registry holds named provider factories and lets callers fan queries
// (e.g. ListModels) across every registered provider concurrently.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// RegisterFactory adds a Factory under its own name.
func (r *Registry) RegisterFactory(f Factory) {
	r.factories[f.Name()] = f
}

// Create instantiates a Provider from the named factory.
func (r *Registry) Create(name, model string, opts map[string]string) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return f.Create(model, opts)
}

// List returns the names of every registered factory.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

type namedModels struct {
	provider string
	models   []Model
	err      error
}

// ListAllModels fans ListModels out across every provider concurrently and
// merges the results, tagging each with its provider name.
func (r *Registry) ListAllModels(ctx context.Context) (map[string][]Model, error) {
	results := make(chan namedModels, len(r.factories))
	for name, f := range r.factories {
		go func(name string, f Factory) {
			p, err := f.Create("", nil)
			if err != nil {
				results <- namedModels{provider: name, err: err}
				return
			}
			defer p.Close()
			models, err := p.ListModels(ctx)
			results <- namedModels{provider: name, models: models, err: err}
		}(name, f)
	}

	out := make(map[string][]Model, len(r.factories))
	for range r.factories {
		res := <-results
		if res.err != nil {
			continue
		}
		out[res.provider] = res.models
	}
	return out, nil
}
