package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xonecas/symb/internal/provider"
)

func newTestAgent(prov provider.Provider, tools ...Tool) *Agent {
	bus := NewBus()
	registry := NewRegistry(bus)
	for _, t := range tools {
		registry.Register(t)
	}
	cfg := DefaultAgentConfig()
	cfg.Model = ModelInfo{ID: "test-model", ContextWindow: 128_000}
	cfg.Retry = RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
	return NewAgent(prov, registry, cfg)
}

func textOnlyScript(text string) []provider.Event {
	return []provider.Event{
		{Kind: provider.EventStart},
		{Kind: provider.EventTextStart, Index: 0},
		{Kind: provider.EventTextDelta, Index: 0, Text: text},
		{Kind: provider.EventTextEnd, Index: 0},
		{Kind: provider.EventDone, StopReason: "end_turn", Usage: provider.Usage{Input: 5, Output: 3}},
	}
}

// S1: a single prompt/response exchange with no tool calls.
func TestLoopS1SimplePromptResponse(t *testing.T) {
	mock := provider.NewMock("mock").WithScript(textOnlyScript("ok")...)
	ag := newTestAgent(mock)

	var agentEnds int
	ch, unsub := ag.Bus().Subscribe()
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			if evt.Kind == EventAgentEnd {
				agentEnds++
			}
		}
	}()

	if err := ag.Prompt(context.Background(), provider.TextContent("hi")); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	unsub()
	<-done

	messages := ag.Conversation().Messages()
	if len(messages) != 2 {
		t.Fatalf("expected [User, Assistant], got %d messages: %+v", len(messages), messages)
	}
	if messages[0].Role != provider.RoleUser || messages[0].Text() != "hi" {
		t.Errorf("unexpected first message: %+v", messages[0])
	}
	if messages[1].Role != provider.RoleAssistant || messages[1].Text() != "ok" {
		t.Errorf("unexpected second message: %+v", messages[1])
	}
	if agentEnds != 1 {
		t.Errorf("expected exactly one AgentEnd, got %d", agentEnds)
	}
}

// TestLoopStreamMessageVisibleDuringStreamingThenCleared exercises spec §3's
// stream_message: observers that poll Conversation.StreamMessage mid-turn
// see the accumulating partial, and it is nil once the run ends.
func TestLoopStreamMessageVisibleDuringStreamingThenCleared(t *testing.T) {
	mock := provider.NewMock("mock").WithScript(
		provider.Event{Kind: provider.EventStart},
		provider.Event{Kind: provider.EventTextStart, Index: 0},
		provider.Event{Kind: provider.EventTextDelta, Index: 0, Text: "partial"},
		provider.Event{Kind: provider.EventTextEnd, Index: 0},
		provider.Event{Kind: provider.EventDone, StopReason: "end_turn", Usage: provider.Usage{Input: 5, Output: 3}},
	)
	ag := newTestAgent(mock)

	var sawPartial string
	ch, unsub := ag.Bus().Subscribe()
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			if evt.Kind == EventMessageUpdate {
				if sm := ag.Conversation().StreamMessage(); sm != nil {
					sawPartial = sm.Text()
				}
			}
		}
	}()

	if err := ag.Prompt(context.Background(), provider.TextContent("hi")); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	unsub()
	<-done

	if sawPartial != "partial" {
		t.Errorf("expected StreamMessage to surface the in-flight text, got %q", sawPartial)
	}
	if ag.Conversation().StreamMessage() != nil {
		t.Error("expected StreamMessage to be cleared once the run ends")
	}
}

func toolCallScript(calls ...provider.Content) []provider.Event {
	events := []provider.Event{{Kind: provider.EventStart}}
	for i, c := range calls {
		events = append(events,
			provider.Event{Kind: provider.EventToolCallStart, Index: i, ToolCallID: c.ToolCallID, ToolCallName: c.ToolCallName},
			provider.Event{Kind: provider.EventToolCallDelta, Index: i, ArgsDelta: string(c.ToolCallArgs)},
			provider.Event{Kind: provider.EventToolCallEnd, Index: i},
		)
	}
	events = append(events, provider.Event{Kind: provider.EventDone, StopReason: "tool_use", Usage: provider.Usage{Input: 5, Output: 3}})
	return events
}

// S2: two tool calls in the assistant's response; a steering message
// pre-enqueued before the run causes the second tool to be skipped.
func TestLoopS2SteeringSkipsRemainingTools(t *testing.T) {
	callA := provider.ToolCallContent("call_a", "A", json.RawMessage(`{}`))
	callB := provider.ToolCallContent("call_b", "B", json.RawMessage(`{}`))

	mock := provider.NewMock("mock").
		WithScript(toolCallScript(callA, callB)...).
		WithScript(textOnlyScript("next")...)

	toolA := &echoTool{name: "A", result: TextToolResult("A done")}
	toolB := &echoTool{name: "B", result: TextToolResult("B done")}
	ag := newTestAgent(mock, toolA, toolB)

	steeringMsg := provider.NewUserText(time.Now().UnixMilli(), "M")
	ag.Handle().Steer(steeringMsg)

	if err := ag.Prompt(context.Background(), provider.TextContent("go")); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}

	if toolA.calls != 1 {
		t.Errorf("expected tool A to execute exactly once, got %d", toolA.calls)
	}
	if toolB.calls != 0 {
		t.Errorf("expected tool B to never execute, got %d calls", toolB.calls)
	}

	messages := ag.Conversation().Messages()
	if len(messages) != 6 {
		t.Fatalf("expected 6 messages, got %d: %+v", len(messages), messages)
	}
	if messages[0].Role != provider.RoleUser || messages[0].Text() != "go" {
		t.Errorf("unexpected messages[0]: %+v", messages[0])
	}
	if messages[1].Role != provider.RoleAssistant || len(messages[1].ToolCalls()) != 2 {
		t.Errorf("unexpected messages[1]: %+v", messages[1])
	}
	if messages[2].Role != provider.RoleTool || messages[2].ToolCallID != "call_a" || messages[2].IsError {
		t.Errorf("unexpected messages[2] (tool A result): %+v", messages[2])
	}
	if messages[3].Role != provider.RoleTool || messages[3].ToolCallID != "call_b" || !messages[3].IsError {
		t.Errorf("unexpected messages[3] (tool B skipped): %+v", messages[3])
	}
	if messages[3].Content[0].Text != "Skipped due to steering message" {
		t.Errorf("unexpected skip message text: %q", messages[3].Content[0].Text)
	}
	if messages[4].Role != provider.RoleUser || messages[4].Text() != "M" {
		t.Errorf("unexpected messages[4] (steering message): %+v", messages[4])
	}
	if messages[5].Role != provider.RoleAssistant || messages[5].Text() != "next" {
		t.Errorf("unexpected messages[5] (final reply): %+v", messages[5])
	}
}

// S3: two pre-enqueued follow-ups with OneAtATime dequeue mode each start a
// fresh turn once the prior turn produced no tool calls.
func TestLoopS3FollowUpsOneAtATime(t *testing.T) {
	mock := provider.NewMock("mock").
		WithScript(textOnlyScript("r1")...).
		WithScript(textOnlyScript("r2")...).
		WithScript(textOnlyScript("r3")...)
	ag := newTestAgent(mock)

	f1 := provider.NewUserText(1, "F1")
	f2 := provider.NewUserText(2, "F2")
	ag.Handle().FollowUp(f1)
	ag.Handle().FollowUp(f2)

	var turnStarts int
	ch, unsub := ag.Bus().Subscribe()
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			if evt.Kind == EventTurnStart {
				turnStarts++
			}
		}
	}()

	if err := ag.Prompt(context.Background(), provider.TextContent("hi")); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	unsub()
	<-done

	if turnStarts != 3 {
		t.Errorf("expected 3 turns (initial + 2 follow-ups), got %d", turnStarts)
	}

	messages := ag.Conversation().Messages()
	wantTexts := []string{"hi", "r1", "F1", "r2", "F2", "r3"}
	if len(messages) != len(wantTexts) {
		t.Fatalf("expected %d messages, got %d: %+v", len(wantTexts), len(messages), messages)
	}
	for i, want := range wantTexts {
		if messages[i].Text() != want {
			t.Errorf("messages[%d] = %q, want %q", i, messages[i].Text(), want)
		}
	}
}

// S5: a tool whose schema requires a field the call omits must not run;
// the error result must name the missing field.
func TestLoopS5ToolValidationFailureSkipsExecute(t *testing.T) {
	tool := &echoTool{
		name: "Write",
		schema: `{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"]
		}`,
	}
	call := provider.ToolCallContent("call_1", "Write", json.RawMessage(`{"count":5}`))
	mock := provider.NewMock("mock").
		WithScript(toolCallScript(call)...).
		WithScript(textOnlyScript("done")...)
	ag := newTestAgent(mock, tool)

	if err := ag.Prompt(context.Background(), provider.TextContent("go")); err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if tool.calls != 0 {
		t.Errorf("expected Write.Execute not to be called, got %d calls", tool.calls)
	}

	messages := ag.Conversation().Messages()
	var resultMsg *provider.Message
	for i := range messages {
		if messages[i].Role == provider.RoleTool {
			resultMsg = &messages[i]
		}
	}
	if resultMsg == nil || !resultMsg.IsError {
		t.Fatalf("expected an error ToolResult, got %+v", resultMsg)
	}
	text := resultMsg.Content[0].Text
	if !strings.Contains(text, "validation failed") || !strings.Contains(text, "path") {
		t.Errorf("expected validation error naming 'path', got %q", text)
	}
}

// blockingProvider emits one Start event then blocks until its context is
// cancelled, for exercising mid-stream cancellation (S6).
type blockingProvider struct{ name string }

func (p *blockingProvider) Name() string { return p.name }
func (p *blockingProvider) Close() error { return nil }
func (p *blockingProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return nil, nil
}

func (p *blockingProvider) Stream(ctx context.Context, messages []provider.Message, tools []provider.Tool, opts provider.StreamOptions) (<-chan provider.Event, error) {
	ch := make(chan provider.Event, 1)
	ch <- provider.Event{Kind: provider.EventStart}
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

// S6: abort() during a streamed response surfaces a Cancelled error, ends
// the run cleanly, and leaves the agent ready for a fresh prompt.
func TestLoopS6AbortDuringStream(t *testing.T) {
	ag := newTestAgent(&blockingProvider{name: "blocking"})

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- ag.Prompt(context.Background(), provider.TextContent("hi"))
	}()

	// Give the loop time to open the stream and start consuming it.
	time.Sleep(30 * time.Millisecond)
	ag.Handle().Abort()

	select {
	case err := <-runErrCh:
		if err == nil || err.Error() != "Cancelled" {
			t.Fatalf("expected Cancelled error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt did not return after Abort")
	}

	if ag.Handle().IsRunning() {
		t.Fatal("expected IsRunning false after the run ends")
	}
	if !ag.Handle().WaitForIdleTimeout(time.Second) {
		t.Fatal("expected WaitForIdle to report idle")
	}

	// A subsequent prompt on the same agent must start cleanly against a
	// fresh token: it stays running until it is aborted in turn.
	go func() {
		runErrCh <- ag.Prompt(context.Background(), provider.TextContent("again"))
	}()
	time.Sleep(30 * time.Millisecond)
	if !ag.Handle().IsRunning() {
		t.Fatal("expected the second prompt to be running on a fresh token")
	}
	ag.Handle().Abort()
	if err := <-runErrCh; err == nil || err.Error() != "Cancelled" {
		t.Fatalf("expected the second run to end Cancelled, got %v", err)
	}

	// A fresh agent over a scripted provider also prompts cleanly.
	mock := provider.NewMock("mock2").WithScript(textOnlyScript("ok")...)
	ag2 := newTestAgent(mock)
	if err := ag2.Prompt(context.Background(), provider.TextContent("hi")); err != nil {
		t.Fatalf("fresh agent prompt failed: %v", err)
	}
}

// S4: an overflow error on the first turn triggers compaction, then the
// loop restarts and completes successfully.
func TestLoopS4OverflowTriggersCompactionAndRestart(t *testing.T) {
	long := make([]provider.Message, 0, 6)
	for i := 0; i < 6; i++ {
		long = append(long, textMsg(provider.RoleUser, longText(400)))
	}

	mock := provider.NewMock("mock").
		WithErrorOnce(errors.New("prompt is too long")).
		WithScript(textOnlyScript("summary of the earlier conversation")...). // compaction's nested call
		WithScript(textOnlyScript("final answer")...)                        // retried turn after restart

	bus := NewBus()
	registry := NewRegistry(bus)
	cfg := DefaultAgentConfig()
	cfg.Model = ModelInfo{ID: "test-model", ContextWindow: 128_000}
	cfg.Compaction = CompactionConfig{Enabled: true, ReserveTokens: 1000, KeepRecentTokens: 50}
	ag := NewAgent(mock, registry, cfg)
	ag.Conversation().SetMessages(long)

	var compactionEvents int
	ch, unsub := ag.Bus().Subscribe()
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			if evt.Kind == EventCompactionStart || evt.Kind == EventCompactionEnd {
				compactionEvents++
			}
		}
	}()

	err := ag.Prompt(context.Background(), provider.TextContent("continue"))
	unsub()
	<-done

	if err != nil {
		t.Fatalf("expected the run to recover and succeed, got %v", err)
	}
	if compactionEvents != 2 {
		t.Errorf("expected exactly one CompactionStart/End pair, got %d events", compactionEvents)
	}

	messages := ag.Conversation().Messages()
	last := messages[len(messages)-1]
	if last.Role != provider.RoleAssistant || last.Text() != "final answer" {
		t.Fatalf("expected the retried turn to complete, got final message %+v", last)
	}
}
