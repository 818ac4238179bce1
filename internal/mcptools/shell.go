// Package mcptools provides the agent's built-in tool implementations:
// Shell, TodoWrite, and SubAgent.
package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xonecas/symb/internal/agent"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/shell"
)

const maxOutputChars = 30000
const maxTimeoutSec = 600 // 10 minutes

// shellArgs are the arguments to the Shell tool.
type shellArgs struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Timeout     int    `json:"timeout,omitempty"` // seconds, default 60
}

// ShellTool executes a command in an in-process POSIX interpreter. It is
// one of the illustrative tools that exercise the registry's schema
// validation and dispatch paths — the spec places concrete tool
// implementations out of scope.
type ShellTool struct {
	sh *shell.Shell
}

// NewShellTool binds the Shell tool to a single interpreter instance, so
// cwd and env persist across calls within one agent run.
func NewShellTool(sh *shell.Shell) *ShellTool {
	return &ShellTool{sh: sh}
}

func (t *ShellTool) Name() string { return "Shell" }

func (t *ShellTool) Description() string {
	return `Execute a shell command in an in-process POSIX interpreter.
Commands run inside the project working directory. Shell state (cwd, env vars) persists across calls within the same run.
Dangerous commands (network, sudo, package managers, system modification) are blocked.
Use this for: running builds, tests, linters, git operations, file manipulation, and inspecting project state.`
}

func (t *ShellTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command":     {"type": "string", "description": "The shell command to execute"},
			"description": {"type": "string", "description": "Brief description of what this command does (5-10 words)"},
			"timeout":     {"type": "integer", "description": "Timeout in seconds (default 60)"}
		},
		"required": ["command", "description"]
	}`)
}

// ExecuteWithProgress runs args.Command through the bound interpreter, reporting
// incremental output via progress and returning the combined, truncated
// stdout/stderr as the tool result text.
func (t *ShellTool) ExecuteWithProgress(ctx context.Context, _ string, arguments json.RawMessage, progress agent.ProgressSender) (agent.ToolResult, error) {
	var args shellArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return agent.ErrorToolResult("Invalid arguments: " + err.Error()), nil
	}
	if args.Command == "" {
		return agent.ErrorToolResult("command is required"), nil
	}

	timeout := 60
	if args.Timeout > 0 {
		timeout = args.Timeout
	}
	if timeout > maxTimeoutSec {
		timeout = maxTimeoutSec
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	sw := &streamWriter{buf: &stdout, progress: progress}
	execErr := t.sh.ExecStream(ctx, args.Command, sw, &stderr)

	exitCode := shell.ExitCode(execErr)
	output := formatShellOutput(stdout.String(), stderr.String(), exitCode, ctx.Err())
	if output == "" {
		// Some providers reject empty tool results.
		output = "(no output)\n"
	}
	if len([]rune(output)) > maxOutputChars {
		output = truncateMiddle(output, maxOutputChars)
	}

	if exitCode != 0 {
		return agent.ErrorToolResult(output), nil
	}
	return agent.TextToolResult(output), nil
}

// Execute implements agent.Tool for callers that don't need progress
// reporting; it delegates to ExecuteWithProgress with a no-op sender.
func (t *ShellTool) Execute(ctx context.Context, toolCallID string, arguments json.RawMessage) (agent.ToolResult, error) {
	return t.ExecuteWithProgress(ctx, toolCallID, arguments, agent.ProgressSender{})
}

// streamWriter wraps a bytes.Buffer and reports each Write as tool progress.
type streamWriter struct {
	buf      *bytes.Buffer
	progress agent.ProgressSender
}

func (w *streamWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if n > 0 {
		w.progress.Send(provider.TextContent(string(p[:n])))
	}
	return n, err
}

func formatShellOutput(stdout, stderr string, exitCode int, ctxErr error) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(stdout)
		if !strings.HasSuffix(stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if stderr != "" {
		b.WriteString(stderr)
		if !strings.HasSuffix(stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if ctxErr != nil {
		fmt.Fprintf(&b, "[timed out]\n")
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "[exit code: %d]\n", exitCode)
	}
	return b.String()
}

func truncateMiddle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) + "\n\n... [truncated] ...\n\n" + string(runes[len(runes)-half:])
}
