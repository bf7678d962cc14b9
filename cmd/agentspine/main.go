// Command agentspine is an interactive REPL over the agent runtime.
//
// Each line of input becomes a user turn; the assistant reply streams to
// stdout. Slash commands control the session:
//
//	/reset    clear the conversation and start fresh
//	/session  print the current session ID
//	/quit     exit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmcool/agentspine"
	"github.com/bmcool/agentspine/internal/config"
	"github.com/bmcool/agentspine/observer"
	"github.com/bmcool/agentspine/provider/resolve"
	"github.com/bmcool/agentspine/store/jsonl"
	"github.com/bmcool/agentspine/store/postgres"
	"github.com/bmcool/agentspine/store/sqlite"
	"github.com/bmcool/agentspine/tools/file"
	"github.com/bmcool/agentspine/tools/shell"
	"github.com/bmcool/agentspine/tools/web"
)

func main() {
	cfg := config.Load(os.Getenv("AGENT_CONFIG"))

	providerName := flag.String("provider", cfg.LLM.Provider, "LLM provider (openai, anthropic, groq, ...)")
	model := flag.String("model", cfg.LLM.Model, "model name (provider default when empty)")
	session := flag.String("session", "", "session ID to resume (new session when empty)")
	workspace := flag.String("workspace", cfg.Runtime.WorkspaceDir, "workspace directory for tools")
	sessionsDir := flag.String("sessions-dir", cfg.Store.SessionsDir, "directory for session journals (jsonl backend)")
	thinking := flag.String("thinking", cfg.LLM.ThinkingLevel, "thinking level (off, minimal, low, medium, high, xhigh)")
	noStream := flag.Bool("no-stream", false, "disable streaming output")
	orchestration := flag.Bool("orchestration", cfg.Runtime.EnableOrchestration, "register subagent orchestration tools")
	flag.Parse()

	ctx := context.Background()

	provider, err := resolve.Provider(resolve.Config{
		Provider: *providerName,
		APIKey:   cfg.LLM.APIKey,
		Model:    *model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		log.Fatal(err)
	}

	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for k, v := range cfg.Observer.Pricing {
			pricing[k] = observer.ModelPricing{InputPerMillion: v.Input, OutputPerMillion: v.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		provider = observer.WrapProvider(provider, *model, inst)
	}

	provider = agentspine.WithRetry(provider,
		agentspine.RetryMax(cfg.Retry.MaxRetries),
		agentspine.RetryBaseDelay(time.Duration(cfg.Retry.BaseSeconds*float64(time.Second))),
	)

	store, cleanup, err := openStore(ctx, cfg, *sessionsDir)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	lanes := agentspine.NewLaneQueue(cfg.Runtime.MaxConcurrent)

	contextCfg := agentspine.ContextConfig{
		Mode:                 agentspine.ContextMode(cfg.Context.Mode),
		MaxChars:             cfg.Context.MaxChars,
		MaxTokens:            cfg.Context.MaxTokens,
		CompactTriggerChars:  cfg.Context.CompactTriggerChars,
		CompactTriggerTokens: cfg.Context.CompactTriggerTokens,
		KeepLastMessages:     cfg.Context.KeepLastMessages,
		CompactKeepTail:      cfg.Context.CompactKeepTail,
	}

	baseTools := func() []agentspine.Tool {
		return []agentspine.Tool{
			file.New(*workspace),
			shell.New(*workspace),
			web.New(),
		}
	}

	opts := []agentspine.AgentOption{
		agentspine.WithModel(*model),
		agentspine.WithWorkspaceDir(*workspace),
		agentspine.WithThinkingLevel(*thinking),
		agentspine.WithLaneQueue(lanes),
		agentspine.WithLaneWarnWait(time.Duration(cfg.Runtime.LaneWarnWait) * time.Millisecond),
		agentspine.WithContextConfig(contextCfg),
		agentspine.WithTools(baseTools()...),
	}
	if *orchestration {
		registry := agentspine.NewSubagentRegistry(
			subagentsPath(*sessionsDir),
			agentspine.SubagentEventCap(cfg.Subagent.EventBuffer),
		)
		runtimeOpts := []agentspine.SubagentRuntimeOption{
			agentspine.SubagentMaxWorkers(cfg.Subagent.MaxWorkers),
		}
		if cfg.Subagent.RunTimeoutSeconds > 0 {
			runtimeOpts = append(runtimeOpts,
				agentspine.SubagentRunTimeout(time.Duration(cfg.Subagent.RunTimeoutSeconds)*time.Second))
		}
		if cfg.Subagent.AnnounceCompletion {
			runtimeOpts = append(runtimeOpts, agentspine.SubagentAnnounceCompletion())
		}
		subRuntime := agentspine.NewSubagentRuntime(registry, runtimeOpts...)
		orch := agentspine.NewOrchestrator(provider, store, registry, subRuntime,
			agentspine.MaxSpawnDepth(cfg.Subagent.MaxDepth),
			agentspine.ChildModel(*model),
			agentspine.ChildWorkspaceDir(*workspace),
			agentspine.ChildThinkingLevel(*thinking),
			agentspine.ChildContextConfig(contextCfg),
			agentspine.OrchestratorLaneQueue(lanes),
			agentspine.ChildTools(baseTools),
		)
		opts = append(opts, agentspine.WithTools(orch.Tools()...))
	}
	if *session != "" {
		opts = append(opts, agentspine.WithSessionID(*session))
	}

	agent, err := agentspine.NewAgent(provider, store, opts...)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("agentspine %s/%s session=%s (Ctrl-D or /quit to exit)\n",
		provider.Name(), *model, agent.SessionID())
	repl(ctx, agent, *noStream)
}

func repl(ctx context.Context, agent *agentspine.Agent, noStream bool) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return
		case "/session":
			fmt.Println(agent.SessionID())
			continue
		case "/reset":
			if err := agent.Reset(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "reset:", err)
			} else {
				fmt.Println("(conversation reset)")
			}
			continue
		}

		var reply string
		var err error
		if noStream {
			reply, err = agent.Chat(ctx, line)
			if err == nil {
				fmt.Println(reply)
			}
		} else {
			_, err = agent.ChatStream(ctx, line, func(delta string) {
				fmt.Print(delta)
			})
			fmt.Println()
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.Config, sessionsDir string) (agentspine.SessionStore, func(), error) {
	switch cfg.Store.Backend {
	case "", "jsonl":
		return jsonl.New(sessionsDir), func() {}, nil
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "agentspine.db"
		}
		s := sqlite.New(path)
		if err := s.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("sqlite init: %w", err)
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		s := postgres.New(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres init: %w", err)
		}
		return s, func() { pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func subagentsPath(sessionsDir string) string {
	if sessionsDir == "" {
		sessionsDir = "sessions"
	}
	return sessionsDir + string(os.PathSeparator) + "subagents.json"
}
