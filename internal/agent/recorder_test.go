package agent

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/store"
)

func openTestCache(t *testing.T) *store.Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	c, err := store.Open(dbPath, 24*time.Hour)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitUntil polls cond every few milliseconds up to a second, for
// synchronizing with the recorder's asynchronous bus consumer.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met within timeout")
	}
}

func TestRecorderPersistsConversationAndResumes(t *testing.T) {
	cache := openTestCache(t)
	bus := NewBus()
	rec := NewRecorder(bus, cache, "sess-1")
	defer rec.Stop()

	user := provider.NewUserText(1, "hello")
	assistant := provider.Message{
		Role:        provider.RoleAssistant,
		Content:     []provider.Content{provider.TextContent("hi there")},
		TimestampMs: 2,
		Metadata:    provider.AssistantMetadata{Usage: provider.Usage{Input: 5, Output: 3}},
	}
	bus.Publish(Event{Kind: EventConversationAppend, Messages: []provider.Message{user, assistant}})

	waitUntil(t, func() bool {
		msgs, err := cache.LoadMessages("sess-1")
		return err == nil && len(msgs) == 2
	})

	resumed, summary, err := Resume(cache, "sess-1")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if summary != "" {
		t.Errorf("expected no prior summary, got %q", summary)
	}
	if len(resumed) != 2 {
		t.Fatalf("expected 2 resumed messages, got %d: %+v", len(resumed), resumed)
	}
	if resumed[0].Role != provider.RoleUser || resumed[0].Text() != "hello" {
		t.Errorf("unexpected resumed[0]: %+v", resumed[0])
	}
	if resumed[1].Role != provider.RoleAssistant || resumed[1].Text() != "hi there" {
		t.Errorf("unexpected resumed[1]: %+v", resumed[1])
	}
}

func TestRecorderPersistsToolResults(t *testing.T) {
	cache := openTestCache(t)
	bus := NewBus()
	rec := NewRecorder(bus, cache, "sess-2")
	defer rec.Stop()

	bus.Publish(Event{
		Kind:       EventToolExecutionEnd,
		ToolCallID: "call_1",
		ToolName:   "Read",
		ResultText: "file contents",
		IsError:    false,
	})

	waitUntil(t, func() bool {
		msgs, err := cache.LoadMessages("sess-2")
		return err == nil && len(msgs) == 1
	})

	msgs, err := cache.LoadMessages("sess-2")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if msgs[0].Role != string(provider.RoleTool) || msgs[0].Content != "file contents" || msgs[0].ToolCallID != "call_1" {
		t.Errorf("unexpected persisted tool result: %+v", msgs[0])
	}
}

func TestRecorderAppliesCompactionByTrimmingAndReplacingPrefix(t *testing.T) {
	cache := openTestCache(t)
	bus := NewBus()
	rec := NewRecorder(bus, cache, "sess-3")
	defer rec.Stop()

	older := provider.NewUserText(1, "older turn")
	recentUser := provider.NewUserText(2, "recent question")
	recentAssistant := provider.Message{Role: provider.RoleAssistant, Content: []provider.Content{provider.TextContent("recent answer")}, TimestampMs: 3}
	bus.Publish(Event{Kind: EventConversationAppend, Messages: []provider.Message{older, recentUser, recentAssistant}})

	waitUntil(t, func() bool {
		msgs, err := cache.LoadMessages("sess-3")
		return err == nil && len(msgs) == 3
	})
	// Give the recorder goroutine time to finish updating its own row-ID
	// bookkeeping after the DB commit becomes visible above.
	time.Sleep(20 * time.Millisecond)

	// Compaction keeps the last 2 messages (recentUser, recentAssistant) and
	// replaces the cut prefix (just "older turn") with a summary.
	bus.Publish(Event{
		Kind:            EventCompactionEnd,
		Summary:         "the user asked an older question",
		KeptSuffixCount: 2,
	})

	waitUntil(t, func() bool {
		msgs, err := cache.LoadMessages("sess-3")
		return err == nil && len(msgs) == 3 // summary + 2 kept messages
	})

	msgs, err := cache.LoadMessages("sess-3")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if got := msgs[0].Content; got != "<context-summary>\nthe user asked an older question\n</context-summary>" {
		t.Errorf("unexpected summary content: %q", got)
	}
	if msgs[1].Content != "recent question" || msgs[2].Content != "recent answer" {
		t.Fatalf("expected the suffix preserved after the summary, got %+v", msgs[1:])
	}

	summary, err := cache.LoadPreviousSummary("sess-3")
	if err != nil {
		t.Fatalf("LoadPreviousSummary: %v", err)
	}
	if summary != "the user asked an older question" {
		t.Errorf("unexpected LoadPreviousSummary: %q", summary)
	}
}
