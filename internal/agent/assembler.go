package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/xonecas/symb/internal/provider"
)

// Assembler folds a strictly ordered provider event stream into a complete
// Assistant message (spec §4.1). It tolerates an End with no prior Start
// (the block is created at that index) and a Start with no matching End
// (no-op at Done).
type Assembler struct {
	mu      sync.Mutex
	order   []int
	blocks  map[int]*assembledBlock
	started bool
}

type assembledBlock struct {
	kind     provider.ContentKind
	text     string
	toolID   string
	toolName string
	argsText string
}

// NewAssembler creates an empty Assembler for one assistant turn.
func NewAssembler() *Assembler {
	return &Assembler{blocks: make(map[int]*assembledBlock)}
}

// Feed applies one provider event to the in-progress message. A Done event
// changes nothing here; the caller passes its stop reason and usage to
// Finish.
func (a *Assembler) Feed(evt provider.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch evt.Kind {
	case provider.EventStart:
		a.started = true
	case provider.EventTextStart:
		a.ensure(evt.Index, provider.ContentText)
	case provider.EventTextDelta:
		b := a.ensure(evt.Index, provider.ContentText)
		b.text += evt.Text
	case provider.EventTextEnd:
		// Content is already accumulated; an End with no prior Start still
		// creates the block so it is laid out.
		a.ensure(evt.Index, provider.ContentText)
	case provider.EventThinkingStart:
		a.ensure(evt.Index, provider.ContentThinking)
	case provider.EventThinkingDelta:
		b := a.ensure(evt.Index, provider.ContentThinking)
		b.text += evt.Text
	case provider.EventThinkingEnd:
		a.ensure(evt.Index, provider.ContentThinking)
	case provider.EventToolCallStart:
		b := a.ensure(evt.Index, provider.ContentToolCall)
		b.toolID = evt.ToolCallID
		b.toolName = evt.ToolCallName
	case provider.EventToolCallDelta:
		b := a.ensure(evt.Index, provider.ContentToolCall)
		b.argsText += evt.ArgsDelta
	case provider.EventToolCallEnd:
		a.ensure(evt.Index, provider.ContentToolCall)
	}
}

// ensure returns the block at index, creating it if absent (so an End with
// no prior Start still yields a block).
func (a *Assembler) ensure(index int, kind provider.ContentKind) *assembledBlock {
	b, ok := a.blocks[index]
	if !ok {
		b = &assembledBlock{kind: kind}
		a.blocks[index] = b
		a.order = append(a.order, index)
	}
	return b
}

// CurrentContent returns a snapshot of the partial content assembled so
// far, in index order, for progress rendering. Safe to call concurrently
// with Feed.
func (a *Assembler) CurrentContent() []provider.Content {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.layout()
}

// Finish lays out the accumulated blocks in index order and returns the
// final Assistant message. Tool-call arguments are parsed from the
// accumulated JSON text; a parse failure leaves Args nil rather than
// failing the whole message.
func (a *Assembler) Finish(stopReason string, usage provider.Usage, modelID, providerName string) provider.Message {
	a.mu.Lock()
	content := a.layout()
	a.mu.Unlock()

	return provider.Message{
		Role:    provider.RoleAssistant,
		Content: content,
		Metadata: provider.AssistantMetadata{
			ModelID:     modelID,
			Provider:    providerName,
			Usage:       usage,
			StopReason:  stopReason,
			TimestampMs: time.Now().UnixMilli(),
		},
	}
}

func (a *Assembler) layout() []provider.Content {
	out := make([]provider.Content, 0, len(a.order))
	for _, idx := range a.order {
		b := a.blocks[idx]
		switch b.kind {
		case provider.ContentText:
			out = append(out, provider.TextContent(b.text))
		case provider.ContentThinking:
			out = append(out, provider.ThinkingContent(b.text))
		case provider.ContentToolCall:
			var args json.RawMessage
			if b.argsText != "" {
				if json.Valid([]byte(b.argsText)) {
					args = json.RawMessage(b.argsText)
				}
			} else {
				args = json.RawMessage("{}")
			}
			out = append(out, provider.ToolCallContent(b.toolID, b.toolName, args))
		}
	}
	return out
}

// HasMeaningfulContent reports whether the assembled partial has non-empty
// text, non-empty thinking, a named tool call, or any image — used to
// decide whether a rescued partial is worth keeping after a stream error.
func (a *Assembler) HasMeaningfulContent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, idx := range a.order {
		b := a.blocks[idx]
		switch b.kind {
		case provider.ContentText:
			if b.text != "" {
				return true
			}
		case provider.ContentThinking:
			if b.text != "" {
				return true
			}
		case provider.ContentToolCall:
			if b.toolName != "" {
				return true
			}
		case provider.ContentImage:
			return true
		}
	}
	return false
}
