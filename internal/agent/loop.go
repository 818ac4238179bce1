package agent

import (
	"context"
	"time"

	"github.com/xonecas/symb/internal/provider"
)

// TransformContext is a pure function injected by the embedder to implement
// policies such as prompt-prefix caching or redaction. It runs on every
// turn and must not block; its return value replaces the turn's context
// entirely.
type TransformContext func(messages []provider.Message) []provider.Message

// Conversation is the agent-owned conversation state (spec §3). External
// observers read it only through events or the synchronized accessors
// below; the loop is the sole mutator.
type Conversation struct {
	messages        []provider.Message
	streamMessage   *provider.Message
	isStreaming     bool
	totalUsage      provider.Usage
	previousSummary string
	lastError       string
}

// Messages returns a snapshot copy of the canonical history.
func (c *Conversation) Messages() []provider.Message {
	out := make([]provider.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// TotalUsage returns the running usage sum.
func (c *Conversation) TotalUsage() provider.Usage { return c.totalUsage }

// IsStreaming reports whether a run is currently between AgentStart and
// AgentEnd.
func (c *Conversation) IsStreaming() bool { return c.isStreaming }

// LastError returns the last terminal error string, if any.
func (c *Conversation) LastError() string { return c.lastError }

// StreamMessage returns the in-flight assistant message as last rebuilt
// from stream deltas, or nil when no turn is currently streaming.
func (c *Conversation) StreamMessage() *provider.Message { return c.streamMessage }

// PreviousSummary returns the most recent compaction's main summary, if
// any compaction has run.
func (c *Conversation) PreviousSummary() string { return c.previousSummary }

// SetMessages seeds the conversation's history, for session resume. Must be
// called before the first Prompt.
func (c *Conversation) SetMessages(messages []provider.Message) { c.messages = messages }

// SetPreviousSummary seeds previousSummary, for session resume.
func (c *Conversation) SetPreviousSummary(s string) { c.previousSummary = s }

// Agent is the top-level orchestrator composing the transport, tool
// registry, handle, and compactor into the turn-by-turn loop (spec §4.5).
type Agent struct {
	config    AgentConfig
	transport *Transport
	registry  *Registry
	bus       *Bus
	handle    *Handle
	compactor *Compactor

	conv Conversation

	// TransformContext, when set, replaces the built context on every turn.
	TransformContext TransformContext
}

// NewAgent wires an Agent from its collaborators. cfg.Model is used both
// for run configuration and for the compactor's nested summarization calls.
// The Agent publishes every event (spec §6.1) on registry's own bus, so a
// single subscriber set sees tool progress alongside turn/message/agent
// lifecycle events.
func NewAgent(prov provider.Provider, registry *Registry, cfg AgentConfig) *Agent {
	bus := registry.Bus()
	transport := NewTransport(prov, bus)
	return &Agent{
		config:    cfg,
		transport: transport,
		registry:  registry,
		bus:       bus,
		handle:    NewHandle(),
		compactor: NewCompactor(bus, transport, cfg.Model),
	}
}

// Bus returns the agent's event bus for subscribing observers.
func (a *Agent) Bus() *Bus { return a.bus }

// Handle returns the agent's shared control surface.
func (a *Agent) Handle() *Handle { return a.handle }

// Conversation returns the agent's conversation state.
func (a *Agent) Conversation() *Conversation { return &a.conv }

// Prompt seeds the loop with one User message built from content and runs
// it to completion (or until cancelled/errored).
func (a *Agent) Prompt(ctx context.Context, content ...provider.Content) error {
	msg := provider.NewUserMessage(time.Now().UnixMilli(), content...)
	return a.runWithMessages(ctx, []provider.Message{msg})
}

// ContinueLoop seeds the loop by draining the steering queue first, falling
// back to the follow-up queue if steering is empty. It returns immediately
// (success, no-op) if both are empty.
func (a *Agent) ContinueLoop(ctx context.Context) error {
	pending := a.handle.steering.drain(a.config.SteeringMode)
	if len(pending) == 0 {
		pending = a.handle.followUp.drain(a.config.FollowUpMode)
	}
	if len(pending) == 0 {
		return nil
	}
	return a.runWithMessages(ctx, pending)
}

// RunCompaction runs a manual compaction pass outside of the turn loop.
func (a *Agent) RunCompaction(ctx context.Context, reason CompactionReason) error {
	result, ok, err := a.compactor.Compact(ctx, a.conv.messages, a.conv.previousSummary, a.config.Compaction, reason)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	a.conv.messages = result.Messages
	a.conv.previousSummary = result.PreviousSummary
	return nil
}

// runWithMessages drives one `run_with_messages` call per spec §4.5: it
// installs a fresh cancellation token, marks the agent running, and loops
// turns until the model stops producing tool calls and the queues are
// drained, or until an unrecoverable error/cancellation occurs.
func (a *Agent) runWithMessages(parentCtx context.Context, initial []provider.Message) error {
	ctx := a.handle.beginRun(parentCtx)
	a.conv.isStreaming = true
	a.conv.lastError = ""
	a.bus.Publish(Event{Kind: EventAgentStart})

	pending := initial
	turn := 1
	totalTurns := 0
	var runErr error

turnLoop:
	for {
		select {
		case <-ctx.Done():
			runErr = ErrCancelled
			a.bus.Publish(Event{Kind: EventError, ErrMessage: "Cancelled"})
			break turnLoop
		default:
		}

		turnContext := append(a.conv.Messages(), pending...)
		if a.TransformContext != nil {
			turnContext = a.TransformContext(turnContext)
		}

		current := syntheticCurrentUserMessage(pending, turn)

		result := a.transport.Run(ctx, turnContext, current, RunConfig{
			SystemPrompt: a.config.SystemPrompt,
			Tools:        a.registry.Tools(),
			Model:        a.config.Model,
			Reasoning:    a.config.Reasoning,
			MaxTokens:    a.config.MaxTokens,
			Temperature:  a.config.Temperature,
			Retry:        a.config.Retry,
			OnPartial:    func(m *provider.Message) { a.conv.streamMessage = m },
		}, turn)
		a.conv.streamMessage = nil

		if result.Err != nil {
			if IsContextOverflow(result.Err) && a.config.Compaction.Enabled {
				if a.recoverFromOverflow(ctx, &pending) {
					turn = 1
					continue turnLoop
				}
			}
			if result.Partial != nil {
				a.conv.messages = append(a.conv.messages, pending...)
				a.conv.messages = append(a.conv.messages, *result.Partial)
				a.bus.Publish(Event{Kind: EventConversationAppend, Messages: append(append([]provider.Message{}, pending...), *result.Partial)})
				pending = nil
				if a.recoverFromOverflow(ctx, &pending) {
					turn = 1
					continue turnLoop
				}
			}
			runErr = result.Err
			a.conv.lastError = result.Err.Error()
			break turnLoop
		}

		a.conv.totalUsage = a.conv.totalUsage.Add(result.Usage)
		totalTurns++

		if a.shouldCompactOnThreshold(result.Usage) {
			a.conv.messages = append(a.conv.messages, pending...)
			a.bus.Publish(Event{Kind: EventConversationAppend, Messages: pending})
			pending = nil
			if err := a.RunCompaction(ctx, ReasonThreshold); err != nil {
				runErr = err
				a.conv.lastError = err.Error()
				break turnLoop
			}
		}

		if result.Message == nil {
			break turnLoop
		}

		a.conv.messages = append(a.conv.messages, pending...)
		a.conv.messages = append(a.conv.messages, *result.Message)
		a.bus.Publish(Event{Kind: EventConversationAppend, Messages: append(append([]provider.Message{}, pending...), *result.Message)})
		pending = nil

		toolCalls := result.Message.ToolCalls()
		if len(toolCalls) == 0 {
			followUps := a.handle.followUp.drain(a.config.FollowUpMode)
			if len(followUps) > 0 {
				pending = followUps
				turn++
				continue turnLoop
			}
			break turnLoop
		}

		toolResults, _ := a.executeTools(ctx, toolCalls)
		pending = toolResults
		turn++
	}

	a.conv.isStreaming = false
	a.conv.streamMessage = nil
	a.finalCompactionCheck(ctx)
	a.bus.Publish(Event{Kind: EventAgentEnd, TotalTurns: totalTurns, Usage: a.conv.totalUsage})
	a.handle.endRun()

	return runErr
}

// syntheticCurrentUserMessage builds the transport's "current user message"
// argument: on turn 1 it's the first pending message (or empty), on later
// turns always empty (tool results already live in context).
func syntheticCurrentUserMessage(pending []provider.Message, turn int) provider.Message {
	if turn == 1 && len(pending) > 0 {
		return pending[0]
	}
	return provider.NewUserMessage(time.Now().UnixMilli())
}

// shouldCompactOnThreshold reports whether accumulated usage has crossed
// the proactive-compaction threshold (context_window - reserve_tokens).
func (a *Agent) shouldCompactOnThreshold(usage provider.Usage) bool {
	if !a.config.Compaction.Enabled || a.config.Model.ContextWindow == 0 {
		return false
	}
	used := a.conv.totalUsage.Input + a.conv.totalUsage.CacheRead
	return used > a.config.Model.ContextWindow-a.config.Compaction.ReserveTokens
}

// finalCompactionCheck runs a last proactive-compaction pass after the loop
// ends, per spec §4.5 step 5.
func (a *Agent) finalCompactionCheck(ctx context.Context) {
	if !a.config.Compaction.Enabled {
		return
	}
	used := EstimateTotalTokens(a.conv.messages)
	if a.config.Model.ContextWindow == 0 || used <= a.config.Model.ContextWindow-a.config.Compaction.ReserveTokens {
		return
	}
	_ = a.RunCompaction(ctx, ReasonThreshold)
}

// recoverFromOverflow runs an overflow-triggered compaction and, on
// success, reseeds pending with the original first user message so the
// prompt can be retried against the smaller context (spec §4.6 "Overflow").
func (a *Agent) recoverFromOverflow(ctx context.Context, pending *[]provider.Message) bool {
	firstUser := firstUserMessage(*pending, a.conv.messages)

	result, ok, err := a.compactor.Compact(ctx, a.conv.messages, a.conv.previousSummary, a.config.Compaction, ReasonOverflow)
	if err != nil || !ok {
		return false
	}
	a.conv.messages = result.Messages
	a.conv.previousSummary = result.PreviousSummary

	if firstUser != nil {
		*pending = []provider.Message{*firstUser}
	} else {
		*pending = nil
	}
	return true
}

// firstUserMessage locates the original first user message to re-seed
// after an overflow recovery: prefer pending's first message, falling back
// to the last User message already committed to history.
func firstUserMessage(pending, committed []provider.Message) *provider.Message {
	for _, m := range pending {
		if m.Role == provider.RoleUser {
			mm := m
			return &mm
		}
	}
	for i := len(committed) - 1; i >= 0; i-- {
		if committed[i].Role == provider.RoleUser {
			mm := committed[i]
			return &mm
		}
	}
	return nil
}
