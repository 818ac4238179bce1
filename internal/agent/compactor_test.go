package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xonecas/symb/internal/provider"
)

func textMsg(role provider.Role, text string) provider.Message {
	switch role {
	case provider.RoleUser:
		return provider.NewUserText(0, text)
	case provider.RoleTool:
		return provider.NewToolResult(0, "c", "T", false, provider.TextContent(text))
	default:
		return provider.Message{Role: provider.RoleAssistant, Content: []provider.Content{provider.TextContent(text)}}
	}
}

func TestEstimateTotalTokensMonotone(t *testing.T) {
	xs := []provider.Message{textMsg(provider.RoleUser, "hello world"), textMsg(provider.RoleAssistant, "a reply of some length")}
	ys := []provider.Message{textMsg(provider.RoleUser, "another question here")}

	combined := append(append([]provider.Message{}, xs...), ys...)
	if got, want := EstimateTotalTokens(combined), EstimateTotalTokens(xs)+EstimateTotalTokens(ys); got != want {
		t.Errorf("EstimateTotalTokens not monotone under concatenation: got %d, want %d", got, want)
	}
}

func TestEstimateTotalTokensImageFlatCost(t *testing.T) {
	msg := provider.Message{Role: provider.RoleUser, Content: []provider.Content{provider.ImageContent([]byte{1, 2, 3}, "image/png")}}
	if got := EstimateTotalTokens([]provider.Message{msg}); got != provider.ImageTokenEstimate {
		t.Errorf("expected flat image estimate %d, got %d", provider.ImageTokenEstimate, got)
	}
}

// longText pads content so token estimation (chars/4) crosses budgets
// predictably in these tests.
func longText(n int) string { return strings.Repeat("x", n) }

func TestSelectCutPointNeverLandsOnToolResult(t *testing.T) {
	// Token costs (chars/4): 100, 100, 20, 20, 20, 10. With a 60-token
	// keep-recent budget the backward accumulation crosses the budget while
	// visiting index 2, so cut_index = i+1 = 3 lands on the Tool message at
	// index 3; the forward walk must skip it and land on index 4.
	messages := []provider.Message{
		textMsg(provider.RoleUser, longText(400)),      // 0: 100 tok
		textMsg(provider.RoleAssistant, longText(400)), // 1: 100 tok
		textMsg(provider.RoleTool, longText(80)),        // 2: 20 tok
		textMsg(provider.RoleTool, longText(80)),        // 3: 20 tok
		textMsg(provider.RoleUser, longText(80)),        // 4: 20 tok
		textMsg(provider.RoleAssistant, longText(40)),   // 5: 10 tok
	}
	cp, ok := selectCutPoint(messages, 60)
	if !ok {
		t.Fatal("expected a cut point to be found")
	}
	if cp.index != 4 {
		t.Fatalf("expected the forward walk to skip the ToolResult at 3 and land on 4, got %d", cp.index)
	}
	if messages[cp.index].Role == provider.RoleTool {
		t.Fatalf("cut point landed on a ToolResult at index %d", cp.index)
	}
}

func TestSelectCutPointForcesCutWhenEverythingFitsUnderBudget(t *testing.T) {
	// Every message fits comfortably under the keep-recent budget, so the
	// backward walk never crosses it. Compact is still called (the caller
	// decided compaction was warranted for other reasons, e.g. turn count),
	// so the cut must be forced to the last 2 messages rather than reporting
	// nothing to do.
	messages := []provider.Message{
		textMsg(provider.RoleUser, "a"),
		textMsg(provider.RoleAssistant, "b"),
		textMsg(provider.RoleUser, "c"),
		textMsg(provider.RoleAssistant, "d"),
	}
	cp, ok := selectCutPoint(messages, 1_000_000)
	if !ok {
		t.Fatal("expected a forced cut point")
	}
	if cp.index != 2 {
		t.Fatalf("expected the forced cut to keep the last 2 messages (index 2), got %d", cp.index)
	}
}

func TestSelectCutPointNoneWhenConversationTooShort(t *testing.T) {
	messages := []provider.Message{
		textMsg(provider.RoleUser, "hi"),
		textMsg(provider.RoleAssistant, "ok"),
	}
	if _, ok := selectCutPoint(messages, 1_000_000); ok {
		t.Fatal("expected no cut point when the whole conversation fits under budget")
	}
}

func TestSelectCutPointDetectsSplitTurn(t *testing.T) {
	// Token costs (chars/4): 100, 20, 20, 20, 20, 10. A 75-token keep-recent
	// budget makes the backward accumulation cross the budget while visiting
	// index 1, so cut_index = i+1 lands exactly on index 2, the
	// Assistant-with-tool-calls message that starts the same turn as index
	// 1. The cut must then be recognized as splitting that turn, with the
	// true turn start recorded at index 1.
	toolCall := provider.Content{Kind: provider.ContentToolCall, ToolCallID: "c1", ToolCallName: "Read", ToolCallArgs: json.RawMessage(`{"path":"a.go"}`)}
	assistantWithTools := provider.Message{Role: provider.RoleAssistant, Content: []provider.Content{
		provider.TextContent(longText(80)), toolCall,
	}}

	messages := []provider.Message{
		textMsg(provider.RoleUser, longText(400)),      // 0: 100 tok
		textMsg(provider.RoleAssistant, longText(80)),  // 1: 20 tok, turn start
		assistantWithTools,                             // 2: 20 tok, same turn, has tool calls
		textMsg(provider.RoleTool, longText(80)),       // 3: 20 tok, its result
		textMsg(provider.RoleUser, longText(80)),       // 4: 20 tok, next turn
		textMsg(provider.RoleAssistant, longText(40)),  // 5: 10 tok
	}

	cp, ok := selectCutPoint(messages, 75)
	if !ok {
		t.Fatal("expected a cut point")
	}
	if cp.index != 2 {
		t.Fatalf("expected the cut to land on index 2, got %d", cp.index)
	}
	if !cp.splitTurn {
		t.Fatal("expected the cut to be recognized as splitting a turn")
	}
	if cp.turnStart != 1 {
		t.Fatalf("expected the turn's true start at index 1, got %d", cp.turnStart)
	}
}

func TestExtractFileHintsDeduplicatesInFirstSeenOrder(t *testing.T) {
	call := func(name, path string) provider.Content {
		args, _ := json.Marshal(map[string]string{"path": path})
		return provider.Content{Kind: provider.ContentToolCall, ToolCallName: name, ToolCallArgs: args}
	}
	messages := []provider.Message{
		{Role: provider.RoleAssistant, Content: []provider.Content{call("Read", "a.go")}},
		{Role: provider.RoleAssistant, Content: []provider.Content{call("Read", "b.go")}},
		{Role: provider.RoleAssistant, Content: []provider.Content{call("Read", "a.go")}}, // dup
		{Role: provider.RoleAssistant, Content: []provider.Content{call("Edit", "a.go")}},
		{Role: provider.RoleAssistant, Content: []provider.Content{call("Write", "c.go")}},
	}
	hints := extractFileHints(messages, len(messages))
	if got := hints.ReadFiles; len(got) != 2 || got[0] != "a.go" || got[1] != "b.go" {
		t.Errorf("unexpected ReadFiles: %v", got)
	}
	if got := hints.ModifiedFiles; len(got) != 2 || got[0] != "a.go" || got[1] != "c.go" {
		t.Errorf("unexpected ModifiedFiles: %v", got)
	}
}

func TestCompactPreservesSuffix(t *testing.T) {
	messages := []provider.Message{
		textMsg(provider.RoleUser, longText(400)),
		textMsg(provider.RoleAssistant, longText(400)),
		textMsg(provider.RoleUser, longText(400)),
		textMsg(provider.RoleAssistant, "keep me 1"),
		textMsg(provider.RoleUser, "keep me 2"),
	}

	mock := provider.NewMock("mock").WithScript(
		provider.Event{Kind: provider.EventStart},
		provider.Event{Kind: provider.EventTextStart, Index: 0},
		provider.Event{Kind: provider.EventTextDelta, Index: 0, Text: "summary text"},
		provider.Event{Kind: provider.EventDone, StopReason: "end_turn"},
	)
	bus := NewBus()
	transport := NewTransport(mock, bus)
	compactor := NewCompactor(bus, transport, ModelInfo{ID: "m"})

	cfg := CompactionConfig{Enabled: true, ReserveTokens: 1000, KeepRecentTokens: 50}
	result, ok, err := compactor.Compact(context.Background(), messages, "", cfg, ReasonManual)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if !ok {
		t.Fatal("expected compaction to occur")
	}

	cp, _ := selectCutPoint(messages, cfg.KeepRecentTokens)
	wantSuffix := messages[cp.index:]
	gotSuffix := result.Messages[1:]
	if len(gotSuffix) != len(wantSuffix) {
		t.Fatalf("suffix length mismatch: got %d, want %d", len(gotSuffix), len(wantSuffix))
	}
	for i := range wantSuffix {
		if gotSuffix[i].Text() != wantSuffix[i].Text() || gotSuffix[i].Role != wantSuffix[i].Role {
			t.Errorf("suffix[%d] mismatch: got %+v, want %+v", i, gotSuffix[i], wantSuffix[i])
		}
	}
	if result.Messages[0].Role != provider.RoleUser {
		t.Errorf("expected synthetic summary message to be a User message, got %v", result.Messages[0].Role)
	}
}
