package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xonecas/symb/internal/provider"
)

// estimateContentTokens estimates one content block's token cost:
// characters/4, except images which are a flat ImageTokenEstimate.
func estimateContentTokens(c provider.Content) int {
	if c.Kind == provider.ContentImage {
		return provider.ImageTokenEstimate
	}
	return len(c.Text) / 4
}

// estimateMessageTokens sums a message's content block estimates.
func estimateMessageTokens(m provider.Message) int {
	total := 0
	for _, c := range m.Content {
		total += estimateContentTokens(c)
	}
	return total
}

// EstimateTotalTokens is the advisory token estimator (spec §4.6). It is
// monotone under concatenation: EstimateTotalTokens(xs++ys) ==
// EstimateTotalTokens(xs) + EstimateTotalTokens(ys).
func EstimateTotalTokens(messages []provider.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateMessageTokens(m)
	}
	return total
}

// cutPoint is the result of selecting where to cut the conversation prefix.
type cutPoint struct {
	index      int // first kept message, always User or Assistant
	turnStart  int // -1 unless the cut split a turn; start of that turn
	splitTurn  bool
}

// selectCutPoint walks backward accumulating token estimates until the
// keep-recent budget is met, then forward to the first message that is not
// a bare ToolResult (spec §4.6 steps 1-4). Returns ok=false when no
// compaction is possible (cut_index <= 1).
func selectCutPoint(messages []provider.Message, keepRecentTokens int) (cutPoint, bool) {
	if len(messages) < 2 {
		return cutPoint{}, false
	}

	acc := 0
	cutIndex := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		acc += estimateMessageTokens(messages[i])
		if acc >= keepRecentTokens {
			cutIndex = i + 1 // keep from i+1 onwards; message i is summarized
			break
		}
	}

	if cutIndex <= 1 {
		return cutPoint{}, false
	}

	if cutIndex >= len(messages) {
		// Everything fits inside the budget, but a cut was requested anyway:
		// force one, keeping at least the last 2 messages.
		cutIndex = len(messages) - 2
		if cutIndex <= 1 {
			return cutPoint{}, false
		}
	}

	// Walk forward to the first non-ToolResult message.
	for cutIndex < len(messages) && messages[cutIndex].Role == provider.RoleTool {
		cutIndex++
	}
	if cutIndex >= len(messages) {
		return cutPoint{}, false
	}

	cp := cutPoint{index: cutIndex, turnStart: -1}

	// Detect a split turn: the first kept message is an Assistant with tool
	// calls whose results follow it (i.e. the cut landed inside a turn that
	// started earlier). Walk backward past contiguous ToolResult/Assistant
	// messages to find the turn's true start.
	if messages[cutIndex].Role == provider.RoleAssistant && len(messages[cutIndex].ToolCalls()) > 0 {
		start := cutIndex
		for start > 0 {
			prev := messages[start-1]
			if prev.Role == provider.RoleTool || prev.Role == provider.RoleAssistant {
				start--
				continue
			}
			break
		}
		if start < cutIndex {
			cp.turnStart = start
			cp.splitTurn = true
		}
	}

	return cp, true
}

// FileHints are the de-duplicated, first-seen-order file lists extracted
// from tool calls named read/glob/grep/list (reads) and write/edit
// (modifications) ahead of a compaction.
type FileHints struct {
	ReadFiles     []string
	ModifiedFiles []string
}

var readToolNames = map[string]bool{"read": true, "glob": true, "grep": true, "list": true}
var writeToolNames = map[string]bool{"write": true, "edit": true}

// extractFileHints scans assistant tool calls in [0:cutIndex) for
// file-operation hints, de-duplicated in first-seen order.
func extractFileHints(messages []provider.Message, cutIndex int) FileHints {
	var hints FileHints
	seenRead := map[string]bool{}
	seenWrite := map[string]bool{}

	for i := 0; i < cutIndex && i < len(messages); i++ {
		if messages[i].Role != provider.RoleAssistant {
			continue
		}
		for _, tc := range messages[i].ToolCalls() {
			path := firstStringArg(tc.ToolCallArgs)
			if path == "" {
				continue
			}
			name := strings.ToLower(tc.ToolCallName)
			switch {
			case readToolNames[name] && !seenRead[path]:
				seenRead[path] = true
				hints.ReadFiles = append(hints.ReadFiles, path)
			case writeToolNames[name] && !seenWrite[path]:
				seenWrite[path] = true
				hints.ModifiedFiles = append(hints.ModifiedFiles, path)
			}
		}
	}
	return hints
}

// firstStringArg best-effort extracts the first string argument present
// among "path", "file_path", "filePath" and "pattern" (in that order) from
// a tool call's JSON arguments, for file-hint bookkeeping only.
func firstStringArg(args []byte) string {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return ""
	}
	for _, key := range []string{"path", "file_path", "filePath", "pattern"} {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Summarizer produces the two-tier compaction summaries by calling the
// transport with no tools, reasoning off, and a summarization system
// prompt — the same transport instance the loop uses, not a parallel
// channel.
type Summarizer struct {
	transport *Transport
	model     ModelInfo
}

const summarizationMaxTokens = 4096

// summarizationSystemPrompt instructs the model to produce a compact
// narrative summary suitable for replacing the prefix it describes.
const summarizationSystemPrompt = "Summarize the conversation so far into a dense, factual narrative a new " +
	"assistant turn can use as context. Preserve concrete file paths, decisions, and outstanding work. " +
	"Do not add commentary about the summarization process itself."

const partialTurnSystemPrompt = "Summarize only the partial turn below: what the assistant was doing and " +
	"what tool calls were in flight. Keep it to a few sentences."

// summarize runs one no-tools, reasoning-off transport call with the given
// system prompt over messages, returning the resulting text.
func (s *Summarizer) summarize(ctx context.Context, systemPrompt string, messages []provider.Message) (string, error) {
	userMsg := provider.NewUserText(0, "Produce the summary now.")
	result := s.transport.Run(ctx, messages, userMsg, RunConfig{
		SystemPrompt: systemPrompt,
		Model:        s.model,
		Reasoning:    provider.ReasoningOff,
		MaxTokens:    summarizationMaxTokens,
	}, 0)
	if result.Err != nil {
		return "", fmt.Errorf("compaction summarization call failed: %w", result.Err)
	}
	if result.Message == nil {
		return "", fmt.Errorf("compaction summarization call produced no message")
	}
	return result.Message.Text(), nil
}

// Compactor replaces an older prefix of the conversation with a single
// synthetic summary User message (spec §4.6).
type Compactor struct {
	bus        *Bus
	summarizer *Summarizer
}

// NewCompactor creates a Compactor that runs its nested summarization calls
// through transport.
func NewCompactor(bus *Bus, transport *Transport, model ModelInfo) *Compactor {
	return &Compactor{bus: bus, summarizer: &Summarizer{transport: transport, model: model}}
}

// Result is what one compaction pass produces.
type Result struct {
	Messages        []provider.Message
	PreviousSummary string
	TokensBefore    int
	TokensAfter     int
}

// Compact replaces messages' prefix with a synthetic summary per cfg's
// keep-recent budget. ok is false when no cut point exists (nothing to do).
func (c *Compactor) Compact(ctx context.Context, messages []provider.Message, previousSummary string, cfg CompactionConfig, reason CompactionReason) (Result, bool, error) {
	cp, ok := selectCutPoint(messages, cfg.KeepRecentTokens)
	if !ok {
		return Result{}, false, nil
	}

	tokensBefore := EstimateTotalTokens(messages)
	c.bus.Publish(Event{Kind: EventCompactionStart, CompactionReason: reason})

	var partialSummary string
	if cp.splitTurn {
		var err error
		partialSummary, err = c.summarizer.summarize(ctx, partialTurnSystemPrompt, messages[cp.turnStart:cp.index])
		if err != nil {
			return Result{}, false, err
		}
	}

	hints := extractFileHints(messages, cp.index)
	mainPrompt := summarizationSystemPrompt
	mainMessages := messages[:cp.index]
	if previousSummary != "" {
		mainPrompt += "\n\nFold in this prior summary of even earlier context:\n" + previousSummary
	}
	if len(hints.ReadFiles) > 0 {
		mainPrompt += "\n\nFiles read so far: " + strings.Join(hints.ReadFiles, ", ")
	}
	if len(hints.ModifiedFiles) > 0 {
		mainPrompt += "\n\nFiles modified so far: " + strings.Join(hints.ModifiedFiles, ", ")
	}

	mainSummary, err := c.summarizer.summarize(ctx, mainPrompt, mainMessages)
	if err != nil {
		return Result{}, false, err
	}

	var combined string
	if cp.splitTurn {
		combined = "## Split Turn Context\n" + partialSummary + "\n\n" + mainSummary
	} else {
		combined = mainSummary
	}

	summaryMsg := provider.NewUserText(0, "<context-summary>\n"+combined+"\n</context-summary>")
	newMessages := append([]provider.Message{summaryMsg}, messages[cp.index:]...)

	tokensAfter := EstimateTotalTokens(newMessages)
	c.bus.Publish(Event{
		Kind:            EventCompactionEnd,
		TokensBefore:    tokensBefore,
		TokensAfter:     tokensAfter,
		Summary:         combined,
		KeptSuffixCount: len(newMessages) - 1,
	})

	return Result{
		Messages:        newMessages,
		PreviousSummary: mainSummary,
		TokensBefore:    tokensBefore,
		TokensAfter:     tokensAfter,
	}, true, nil
}
