package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"
	_ "modernc.org/sqlite"

	"github.com/kilnforge/conductor/internal/agent"
	conductorconfig "github.com/kilnforge/conductor/internal/config"
	"github.com/kilnforge/conductor/internal/keypool"
	"github.com/kilnforge/conductor/internal/memory"
	"github.com/kilnforge/conductor/internal/observability"
	"github.com/kilnforge/conductor/internal/providers"
	"github.com/kilnforge/conductor/internal/routing"
	"github.com/kilnforge/conductor/internal/sessions"
	"github.com/kilnforge/conductor/internal/toolexec"
	"github.com/kilnforge/conductor/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var workspace string
	var lockDSN string
	var nodeID string
	var storeDSN string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive session against the configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), configPath, workspace, lockDSN, nodeID, storeDSN)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", ".", "Workspace root for this session")
	cmd.Flags().StringVar(&lockDSN, "distributed-lock-dsn", "", "SQLite DSN for a DB-backed session lock shared across nodes; in-process locking only when empty")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "This process's owner id for the distributed session lock")
	cmd.Flags().StringVar(&storeDSN, "conversation-store-dsn", "", "SQLite DSN for durable conversation storage; in-memory only when empty")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Validate configuration and report provider availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := conductorconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Printf("default provider: %s\n", cfg.LLM.DefaultProvider)
			fmt.Printf("key pool credentials: %d\n", len(cfg.KeyPool.Credentials))
			fmt.Printf("max iterations: %d\n", cfg.Session.MaxIterations)
			return nil
		},
	}
}

func runInteractive(ctx context.Context, cfgPath, workspaceRoot, lockDSN, nodeID, storeDSN string) error {
	cfg, err := conductorconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:  cfg.Observability.ServiceName,
		Environment:  cfg.Observability.Environment,
		Endpoint:     cfg.Observability.TraceEndpoint,
		SamplingRate: cfg.Observability.SamplingRate,
	})
	defer shutdownTracer(ctx)

	providerSet, err := buildProviders(cfg, metrics)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	tools := toolexec.NewRegistry()
	registerBuiltinTools(tools, workspaceRoot)

	locker, closeLocker, err := buildDistributedLocker(ctx, lockDSN, nodeID, metrics, tracer)
	if err != nil {
		return fmt.Errorf("build distributed locker: %w", err)
	}
	if closeLocker != nil {
		defer closeLocker()
	}

	store, closeStore, err := buildConversationStore(storeDSN)
	if err != nil {
		return fmt.Errorf("build conversation store: %w", err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	loop := agent.New(agent.Options{
		Providers:                providerSet,
		Tools:                    tools,
		Router:                   buildRouterConfig(cfg),
		Memory:                   memory.NewInProcessStore(),
		Summarizer:               summarizerFor(providerSet),
		Store:                    store,
		DistributedLocker:        locker,
		MaxIterations:            cfg.Session.MaxIterations,
		ReserveForOutput:         cfg.Context.ReserveForOutput,
		MaxToolResultTokens:      cfg.Context.MaxToolResultTokens,
		EscalationThreshold:      cfg.Session.EscalationThreshold,
		MaxMessagesBeforeSummary: cfg.Context.MaxMessagesBeforeSummary,
		KeepRecentMessages:       cfg.Context.KeepRecentMessages,
		MaxSummaryLength:         cfg.Context.MaxSummaryLength,
		Logger:                   logger,
		Metrics:                  metrics,
		Tracer:                   tracer,
	})

	session := models.NewSessionState(uuid.NewString(), workspaceRoot)
	session.SystemPrompt = "You are conductor, a local-first coding assistant. Be concise and use tools when needed."

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("conductor ready. Type a message and press enter; Ctrl-D to exit.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		resp, err := loop.Run(ctx, session, text, agent.RunOptions{
			Timeout: cfg.Session.LockTimeout.Std(),
			Events: agent.EventSink{
				OnToken: func(t string) { fmt.Print(t) },
			},
		})
		if err != nil {
			logger.Error(ctx, "run failed", "error", err)
			continue
		}
		fmt.Println()
		if resp.Truncated {
			fmt.Println("[response truncated: iteration budget exhausted]")
		}
	}
}

// buildDistributedLocker opens a DB-backed session lock when lockDSN is
// set, for deployments that run more than one conductor process
// against the same SessionID space. Returns a nil locker (in-process
// locking only) when lockDSN is empty.
func buildDistributedLocker(ctx context.Context, lockDSN, nodeID string, metrics *observability.Metrics, tracer *observability.Tracer) (sessions.Locker, func(), error) {
	if lockDSN == "" {
		return nil, nil, nil
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	db, err := sql.Open("sqlite", lockDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", lockDSN, err)
	}
	if err := sessions.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}

	locker, err := sessions.NewDBLocker(db, sessions.DBLockerConfig{OwnerID: nodeID})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	locker.Metrics = metrics
	locker.Tracer = tracer
	return locker, func() { locker.Close(); db.Close() }, nil
}

// buildConversationStore opens a durable, SQLite-backed ConversationStore
// when storeDSN is set. Returns a nil store (AgentLoop.run skips
// persistence entirely) when storeDSN is empty.
func buildConversationStore(storeDSN string) (agent.ConversationStore, func(), error) {
	if storeDSN == "" {
		return nil, nil, nil
	}
	store, err := sessions.NewSQLiteStore(storeDSN, sessions.DefaultSQLiteStoreConfig())
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func buildProviders(cfg *conductorconfig.Config, metrics *observability.Metrics) (map[routing.Target]providers.Provider, error) {
	out := map[routing.Target]providers.Provider{}

	localCfg, ok := cfg.LLM.Providers["local"]
	if ok {
		if len(cfg.KeyPool.Credentials) > 0 {
			pool := keypool.New(cfg.KeyPool.Credentials)
			pool.Metrics = metrics
			factory := func(credential string) providers.Provider {
				return providers.NewLocalProvider(providers.LocalConfig{
					BaseURL: localCfg.BaseURL,
					APIKey:  credential,
					Model:   localCfg.DefaultModel,
				})
			}
			out[routing.TargetLocal] = providers.NewPooledProvider("local", pool, factory)
		} else {
			out[routing.TargetLocal] = providers.NewLocalProvider(providers.LocalConfig{
				BaseURL: localCfg.BaseURL,
				APIKey:  localCfg.APIKey,
				Model:   localCfg.DefaultModel,
			})
		}
	}

	if remoteCfg, ok := cfg.LLM.Providers["remote"]; ok && (remoteCfg.APIKey != "" || remoteCfg.OAuth.Enabled()) {
		rc := providers.RemoteConfig{
			APIKey: remoteCfg.APIKey,
			Model:  remoteCfg.DefaultModel,
		}
		if remoteCfg.OAuth.Enabled() {
			cc := clientcredentials.Config{
				TokenURL:     remoteCfg.OAuth.TokenURL,
				ClientID:     remoteCfg.OAuth.ClientID,
				ClientSecret: remoteCfg.OAuth.ClientSecret,
			}
			rc.TokenSource = cc.TokenSource(context.Background())
		}
		out[routing.TargetRemote] = providers.NewRemoteProvider(rc)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no providers configured: set llm.providers.local or llm.providers.remote")
	}
	return out, nil
}

func buildRouterConfig(cfg *conductorconfig.Config) routing.Config {
	rc := routing.Config{
		DefaultTarget:     routing.Target(cfg.Router.DefaultTarget),
		LargeContextRatio: cfg.Router.LargeContextRatio,
	}
	for _, r := range cfg.Router.Rules {
		rc.Rules = append(rc.Rules, routing.Rule{
			Name:     r.Name,
			Priority: 10,
			Match:    routing.Match{},
			Target:   routing.Target(r.Target.Provider),
		})
	}
	return rc
}

// chatSummarizer adapts a providers.Provider into summarize.Provider
// by issuing a one-shot, tool-free completion.
type chatSummarizer struct {
	provider providers.Provider
}

func (c chatSummarizer) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.provider.Chat(ctx, &providers.Request{
		System:    system,
		Messages:  []models.Message{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func summarizerFor(providerSet map[routing.Target]providers.Provider) chatSummarizer {
	if p, ok := providerSet[routing.TargetLocal]; ok {
		return chatSummarizer{provider: p}
	}
	for _, p := range providerSet {
		return chatSummarizer{provider: p}
	}
	return chatSummarizer{}
}

func registerBuiltinTools(registry *toolexec.Registry, workspaceRoot string) {
	_ = registry.Register(toolexec.Tool{
		Name:        "read_file",
		Description: "Read a UTF-8 text file relative to the workspace root.",
		Schema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"path": map[string]any{"type": "string"}},
			"required":             []any{"path"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			data, err := os.ReadFile(resolveWorkspacePath(workspaceRoot, path))
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})
}

func resolveWorkspacePath(root, rel string) string {
	if rel == "" {
		return root
	}
	if rel[0] == '/' {
		return rel
	}
	return root + "/" + rel
}
