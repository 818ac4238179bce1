package agent

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/store"
)

// Recorder is a SQLite-backed subscriber to a Bus: it persists every
// message the conversation commits, the tool results produced along the
// way, and the replacement text of each compaction pass. It never reaches
// into the Agent directly — everything it knows comes off the bus, and
// everything it hands back on resume goes through Conversation's
// SetMessages/SetPreviousSummary setters.
type Recorder struct {
	cache     *store.Cache
	sessionID string

	rowIDs   []int64
	messages []store.SessionMessage

	unsubscribe func()
}

// NewRecorder subscribes to bus and persists sessionID's turns as they
// happen. Call Stop to unsubscribe once the agent is done with the session.
func NewRecorder(bus *Bus, cache *store.Cache, sessionID string) *Recorder {
	ch, unsubscribe := bus.Subscribe()
	r := &Recorder{cache: cache, sessionID: sessionID, unsubscribe: unsubscribe}
	if err := cache.CreateSession(sessionID); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("recorder: create session failed")
	}
	go r.run(ch)
	return r
}

// Stop unsubscribes the recorder from its Bus.
func (r *Recorder) Stop() { r.unsubscribe() }

// Resume loads a session's persisted history back into provider.Message
// form plus its last compaction summary, for seeding a fresh Conversation
// via SetMessages/SetPreviousSummary.
func Resume(cache *store.Cache, sessionID string) ([]provider.Message, string, error) {
	msgs, err := cache.LoadMessages(sessionID)
	if err != nil {
		return nil, "", err
	}
	summary, err := cache.LoadPreviousSummary(sessionID)
	if err != nil {
		return nil, "", err
	}
	return store.ToProviderMessages(msgs), summary, nil
}

func (r *Recorder) run(ch <-chan Event) {
	for evt := range ch {
		switch evt.Kind {
		case EventConversationAppend:
			r.appendMessages(evt.Messages)
		case EventToolExecutionEnd:
			r.appendToolResult(evt)
		case EventCompactionEnd:
			r.applyCompaction(evt)
		}
	}
}

// appendMessages persists every User/Assistant message committed to
// history. Tool results are recorded separately from EventToolExecutionEnd,
// which carries the flattened result text the loop actually saw.
func (r *Recorder) appendMessages(msgs []provider.Message) {
	for _, m := range msgs {
		if m.Role == provider.RoleTool {
			continue
		}
		r.save(toSessionMessage(m))
	}
}

func (r *Recorder) appendToolResult(evt Event) {
	r.save(store.SessionMessage{
		Role:       string(provider.RoleTool),
		Content:    evt.ResultText,
		ToolCallID: evt.ToolCallID,
		CreatedAt:  time.Now(),
	})
}

// applyCompaction replaces the cut prefix with evt.Summary, the same
// operation the in-memory Compactor performs on Conversation.messages, kept
// in lockstep by the shared KeptSuffixCount accounting.
func (r *Recorder) applyCompaction(evt Event) {
	cutCount := len(r.rowIDs) - evt.KeptSuffixCount
	if cutCount <= 0 || cutCount > len(r.rowIDs) {
		return
	}

	if err := r.cache.DeleteMessagesFrom(r.sessionID, r.rowIDs[0]); err != nil {
		log.Warn().Err(err).Str("session", r.sessionID).Msg("recorder: compaction delete failed")
		return
	}
	suffix := append([]store.SessionMessage{}, r.messages[cutCount:]...)
	r.rowIDs = r.rowIDs[:0]
	r.messages = r.messages[:0]

	summaryID := r.save(store.SessionMessage{
		Role:      string(provider.RoleUser),
		Content:   "<context-summary>\n" + evt.Summary + "\n</context-summary>",
		CreatedAt: time.Now(),
	})
	for _, m := range suffix {
		r.save(m)
	}

	if err := r.cache.SaveCompaction(r.sessionID, evt.Summary, summaryID); err != nil {
		log.Warn().Err(err).Str("session", r.sessionID).Msg("recorder: save compaction record failed")
	}
}

// save persists sm and tracks its row ID locally so a later compaction can
// tell which rows fall inside the cut prefix.
func (r *Recorder) save(sm store.SessionMessage) int64 {
	id, err := r.cache.SaveMessageSync(r.sessionID, sm)
	if err != nil {
		log.Warn().Err(err).Str("session", r.sessionID).Msg("recorder: save message failed")
		return 0
	}
	r.rowIDs = append(r.rowIDs, id)
	r.messages = append(r.messages, sm)
	return id
}

// toSessionMessage flattens a provider.Message's tagged-union content into
// the flat columns session storage keeps.
func toSessionMessage(m provider.Message) store.SessionMessage {
	sm := store.SessionMessage{
		Role:         string(m.Role),
		Content:      m.Text(),
		CreatedAt:    time.UnixMilli(m.TimestampMs),
		InputTokens:  m.Metadata.Usage.Input,
		OutputTokens: m.Metadata.Usage.Output,
	}
	for _, c := range m.Content {
		if c.Kind == provider.ContentThinking {
			sm.Reasoning += c.Text
		}
	}
	if calls := m.ToolCalls(); len(calls) > 0 {
		sm.ToolCalls = store.EncodeToolCalls(calls)
	}
	return sm
}
