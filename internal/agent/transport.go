package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/provider"
)

// RunConfig configures one transport.Run call.
type RunConfig struct {
	SystemPrompt string
	Tools        []provider.Tool
	Model        ModelInfo
	Reasoning    provider.ReasoningLevel
	MaxTokens    int
	Temperature  float64
	Retry        RetryConfig

	// OnPartial, if set, receives every in-flight assistant message rebuilt
	// as new stream deltas arrive, right before the matching
	// EventMessageUpdate is published.
	OnPartial func(*provider.Message)
}

// RunResult is what one transport.Run call produces: either a final
// Assistant message with usage, or a terminal error (already classified and
// published to the bus).
type RunResult struct {
	Message *provider.Message
	Usage   provider.Usage
	Err     error

	// Partial is the in-flight assistant message rescued at the point of a
	// stream error, populated only when it has meaningful content.
	Partial *provider.Message
}

// Transport wraps a provider.Provider with the retry/backoff and
// context-overflow classification the spec requires (§4.2). It never
// retries a context-overflow error.
type Transport struct {
	provider provider.Provider
	bus      *Bus
}

// NewTransport creates a Transport over prov, publishing lifecycle events
// to bus.
func NewTransport(prov provider.Provider, bus *Bus) *Transport {
	return &Transport{provider: prov, bus: bus}
}

// Run pushes userMessage onto a copy of messages, drives the provider
// stream (retrying transient failures per cfg.Retry, never retrying a
// context-overflow), assembles the response, and publishes the full
// lifecycle of events described in spec §6.1 for one turn.
func (t *Transport) Run(ctx context.Context, messages []provider.Message, userMessage provider.Message, cfg RunConfig, turnNumber int) RunResult {
	t.bus.Publish(Event{Kind: EventTurnStart, TurnNumber: turnNumber})

	turnMessages := make([]provider.Message, 0, len(messages)+1)
	turnMessages = append(turnMessages, messages...)
	turnMessages = append(turnMessages, userMessage)

	opts := provider.StreamOptions{
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
		Reasoning:    cfg.Reasoning,
	}

	stream, err := t.openWithRetry(ctx, turnMessages, cfg.Tools, opts, cfg.Retry)
	if err != nil {
		t.bus.Publish(Event{Kind: EventError, ErrMessage: err.Error()})
		return RunResult{Err: err}
	}

	asm := NewAssembler()
	var usage provider.Usage
	var stopReason string
	var streamErr error

loop:
	for {
		select {
		case <-ctx.Done():
			streamErr = ErrCancelled
			break loop
		case evt, ok := <-stream:
			if !ok {
				break loop
			}
			switch evt.Kind {
			case provider.EventError:
				streamErr = evt.Err
				break loop
			case provider.EventStart:
				asm.Feed(evt)
				t.bus.Publish(Event{Kind: EventMessageStart})
			case provider.EventDone:
				usage = evt.Usage
				stopReason = evt.StopReason
				asm.Feed(evt)
			case provider.EventTextDelta, provider.EventThinkingDelta, provider.EventToolCallDelta:
				asm.Feed(evt)
				partial := asm.Finish(stopReason, usage, cfg.Model.ID, t.provider.Name())
				if cfg.OnPartial != nil {
					cfg.OnPartial(&partial)
				}
				t.bus.Publish(Event{Kind: EventMessageUpdate, Partial: &partial})
			default:
				asm.Feed(evt)
			}
		}
	}

	if streamErr != nil {
		msg := streamErr.Error()
		if streamErr == ErrCancelled {
			msg = "Cancelled"
		}
		t.bus.Publish(Event{Kind: EventError, ErrMessage: msg})
		result := RunResult{Err: streamErr, Usage: usage}
		if asm.HasMeaningfulContent() {
			partial := asm.Finish(stopReason, usage, cfg.Model.ID, t.provider.Name())
			result.Partial = &partial
		}
		return result
	}

	final := asm.Finish(stopReason, usage, cfg.Model.ID, t.provider.Name())
	t.bus.Publish(Event{Kind: EventMessageEnd, Message: &final})
	t.bus.Publish(Event{Kind: EventTurnEnd, TurnNumber: turnNumber, Message: &final, Usage: usage})

	return RunResult{Message: &final, Usage: usage}
}

// openWithRetry opens the provider stream, retrying transient failures with
// exponential backoff. It classifies overflow first (never retried, spec
// testable property 7) and returns immediately on any non-retryable error.
func (t *Transport) openWithRetry(ctx context.Context, messages []provider.Message, tools []provider.Tool, opts provider.StreamOptions, retry RetryConfig) (<-chan provider.Event, error) {
	for attempt := 0; ; attempt++ {
		stream, err := t.provider.Stream(ctx, messages, tools, opts)
		if err == nil {
			return stream, nil
		}

		if IsContextOverflow(err) {
			return nil, err
		}
		if !IsRetryable(err) || attempt >= retry.MaxRetries {
			return nil, err
		}

		delay := retry.Delay(attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying transient transport failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ErrCancelled
		case <-timer.C:
		}
	}
}
