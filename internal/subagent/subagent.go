// Package subagent runs a single bounded-depth nested agent loop: a fresh
// agent.Agent sharing the parent's provider and tool set (minus the
// SubAgent tool itself, so recursion never exceeds depth 1), capped at a
// maximum number of turns by watching the bus and aborting once the cap is
// reached.
package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/xonecas/symb/internal/agent"
	"github.com/xonecas/symb/internal/provider"
)

const (
	// MaxDepth is the maximum recursion depth: depth 0 is the root agent,
	// depth 1 is a sub-agent spawned by the root. The SubAgent tool is
	// never registered on a sub-agent's own registry, so depth can't grow
	// past 1.
	MaxDepth = 1

	// DefaultMaxIterations is the default turn cap for a sub-agent run.
	DefaultMaxIterations = 5

	// MaxAllowedIterations is the upper bound a caller may request.
	MaxAllowedIterations = 20
)

// Options configures one sub-agent run.
type Options struct {
	Provider      provider.Provider
	Tools         []agent.Tool // the parent's tools; SubAgent is filtered out
	Model         agent.ModelInfo
	Prompt        string
	MaxIterations int
}

// Result reports a sub-agent run's outcome.
type Result struct {
	Content string
	Usage   provider.Usage
}

// Run builds an isolated Agent over a filtered copy of opts.Tools, seeds it
// with one user prompt, and drives it to completion or until a turn past
// MaxIterations starts — whichever comes first. A cap hit aborts the run's
// handle rather than failing it, so the loop ends cleanly and whatever
// assistant content was produced is still returned.
func Run(ctx context.Context, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("sub-agent cancelled: %w", err)
	}
	if opts.Provider == nil {
		return Result{}, fmt.Errorf("provider is required")
	}
	if opts.Prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}

	maxIter := DefaultMaxIterations
	if opts.MaxIterations > 0 {
		if opts.MaxIterations > MaxAllowedIterations {
			return Result{}, fmt.Errorf("max_iterations too large (max: %d)", MaxAllowedIterations)
		}
		maxIter = opts.MaxIterations
	}

	registry := agent.NewRegistry(agent.NewBus())
	for _, t := range FilterTools(opts.Tools) {
		registry.Register(t)
	}

	cfg := agent.DefaultAgentConfig()
	cfg.SystemPrompt = SystemPrompt()
	cfg.Model = opts.Model

	ag := agent.NewAgent(opts.Provider, registry, cfg)

	turns := 0
	ch, unsubscribe := ag.Bus().Subscribe()
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			if evt.Kind == agent.EventTurnStart {
				turns++
				if turns > maxIter {
					ag.Handle().Abort()
				}
			}
		}
	}()

	runErr := ag.Prompt(ctx, provider.TextContent(opts.Prompt))
	unsubscribe()
	<-done

	if runErr != nil && runErr != agent.ErrCancelled {
		return Result{}, fmt.Errorf("sub-agent failed: %w", runErr)
	}

	messages := ag.Conversation().Messages()
	content := lastAssistantText(messages)
	if content == "" {
		return Result{}, fmt.Errorf("sub-agent produced no final response")
	}

	return Result{Content: content, Usage: ag.Conversation().TotalUsage()}, nil
}

func lastAssistantText(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == provider.RoleAssistant {
			if text := messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

// FilterTools removes the SubAgent tool from a tool list, so a sub-agent's
// own registry never lets it spawn another sub-agent.
func FilterTools(tools []agent.Tool) []agent.Tool {
	filtered := make([]agent.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name() != "SubAgent" {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// SystemPrompt is the system prompt a sub-agent runs under.
func SystemPrompt() string {
	return strings.TrimSpace(`
You are a focused sub-agent working on a specific task assigned by a parent agent.

Your role:
- Complete the assigned task efficiently using the tools available to you
- You cannot spawn further sub-agents
- Provide a clear, concise final response summarizing what you accomplished

You have a limited number of turns - work efficiently and give a final answer
rather than exhausting them.
`)
}
