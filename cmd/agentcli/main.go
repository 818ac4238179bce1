// Command agentcli is a minimal line-oriented REPL wiring the agent
// runtime to a configured provider and the built-in tool set. It exists to
// exercise internal/agent end to end; it is not a full terminal UI.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/agent"
	"github.com/xonecas/symb/internal/config"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/mcptools"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/shell"
	"github.com/xonecas/symb/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	providerName := flag.String("provider", "", "provider name override")
	resumeID := flag.String("resume", "", "session id to resume")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := run(*configPath, *providerName, *resumeID); err != nil {
		fmt.Fprintln(os.Stderr, "agentcli:", err)
		os.Exit(1)
	}
}

func run(configPath, providerName, resumeID string) error {
	path := configPath
	if path == "" {
		dir, err := config.EnsureDataDir()
		if err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
		path = filepath.Join(dir, "config.toml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	name := providerName
	if name == "" {
		name = cfg.DefaultProvider
	}
	providerCfg, ok := cfg.Providers[name]
	if !ok {
		return fmt.Errorf("provider %q not configured", name)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	prov, err := buildProvider(name, providerCfg, creds)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}
	defer prov.Close()

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	cache, err := store.Open(filepath.Join(dataDir, "symb.db"), time.Duration(cfg.Cache.CacheTTLOrDefault())*time.Hour)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer cache.Close()

	sessionID := resumeID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	sh := shell.New(workDir, shell.DefaultBlockFuncs())

	bus := agent.NewBus()
	registry := agent.NewRegistry(bus)
	pad := &mcptools.Scratchpad{}
	baseTools := []agent.Tool{
		mcptools.NewTodoWriteTool(pad),
		mcptools.NewShellTool(sh),
	}
	for _, t := range baseTools {
		registry.Register(t)
	}

	model := agent.ModelInfo{
		ID:            providerCfg.Model,
		Provider:      name,
		ContextWindow: 128_000,
		SupportsTools: true,
	}
	registry.Register(mcptools.NewSubAgentTool(prov, model, func() []agent.Tool { return baseTools }))

	if cfg.MCP.Upstream != "" {
		client := mcp.NewClient(cfg.MCP.Upstream)
		proxy := mcp.NewProxy(client)
		if err := proxy.Initialize(context.Background()); err != nil {
			log.Warn().Err(err).Msg("mcp: upstream initialize failed, continuing without it")
		} else {
			registry.SetMCPFallback(proxy)
			defer proxy.Close()
		}
	}

	agentCfg := agent.DefaultAgentConfig()
	agentCfg.Model = model
	agentCfg.Temperature = providerCfg.Temperature
	agentCfg.SystemPrompt = "You are a helpful coding assistant with access to a shell, a scratchpad, and a sub-agent tool."

	ag := agent.NewAgent(prov, registry, agentCfg)

	if resumeID != "" {
		messages, summary, err := agent.Resume(cache, resumeID)
		if err != nil {
			return fmt.Errorf("resume session %s: %w", resumeID, err)
		}
		ag.Conversation().SetMessages(messages)
		ag.Conversation().SetPreviousSummary(summary)
	}

	recorder := agent.NewRecorder(bus, cache, sessionID)
	defer recorder.Stop()

	printer := newEventPrinter(bus)
	defer printer.stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		ag.Handle().Abort()
	}()

	fmt.Printf("session %s — provider %s (%s). Ctrl-D to exit.\n", sessionID, name, providerCfg.Model)
	return repl(ctx, ag)
}

func repl(ctx context.Context, ag *agent.Agent) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}

		if err := ag.Prompt(ctx, provider.TextContent(line)); err != nil && err != agent.ErrCancelled {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func buildProvider(name string, cfg config.ProviderConfig, creds *config.Credentials) (provider.Provider, error) {
	registry := provider.NewRegistry()
	apiKey := creds.GetAPIKey(name)

	switch {
	case strings.Contains(name, "anthropic"):
		registry.RegisterFactory(provider.NewAnthropicFactory(name, apiKey))
	case strings.Contains(name, "ollama"):
		registry.RegisterFactory(provider.NewOllamaFactory(name, cfg.Endpoint))
	case strings.Contains(name, "vllm"):
		registry.RegisterFactory(provider.NewVLLMFactory(name, cfg.Endpoint, apiKey))
	case strings.Contains(name, "opencode"):
		registry.RegisterFactory(provider.NewOpenCodeFactory(name, cfg.Endpoint, apiKey))
	default:
		registry.RegisterFactory(provider.NewOpenAIFactory(name, cfg.Endpoint, apiKey))
	}

	return registry.Create(name, cfg.Model, map[string]string{"temperature": fmt.Sprintf("%v", cfg.Temperature)})
}

// eventPrinter subscribes to the agent bus and renders a terse line per
// user-visible event — streaming text deltas, tool start/end, and errors.
type eventPrinter struct {
	unsubscribe func()
	done        chan struct{}
}

func newEventPrinter(bus *agent.Bus) *eventPrinter {
	ch, unsubscribe := bus.Subscribe()
	p := &eventPrinter{unsubscribe: unsubscribe, done: make(chan struct{})}
	go p.run(ch)
	return p
}

func (p *eventPrinter) stop() {
	p.unsubscribe()
	<-p.done
}

func (p *eventPrinter) run(ch <-chan agent.Event) {
	defer close(p.done)
	// Each update carries the whole partial message so far; printed is how
	// much of its text is already on screen, so only the new tail prints.
	printed := 0
	for evt := range ch {
		switch evt.Kind {
		case agent.EventMessageStart:
			printed = 0
		case agent.EventMessageUpdate:
			if evt.Partial != nil {
				if text := evt.Partial.Text(); len(text) > printed {
					fmt.Print(text[printed:])
					printed = len(text)
				}
			}
		case agent.EventMessageEnd:
			fmt.Println()
			printed = 0
		case agent.EventToolExecutionStart:
			fmt.Printf("\n[tool] %s\n", evt.ToolName)
		case agent.EventToolExecutionEnd:
			if evt.IsError {
				fmt.Printf("[tool error] %s\n", evt.ResultText)
			}
		case agent.EventCompactionStart:
			fmt.Fprintln(os.Stderr, "[compacting context...]")
		case agent.EventCompactionEnd:
			fmt.Fprintf(os.Stderr, "[compacted: %d -> %d tokens]\n", evt.TokensBefore, evt.TokensAfter)
		case agent.EventError:
			fmt.Fprintln(os.Stderr, "[error]", evt.ErrMessage)
		}
	}
}
