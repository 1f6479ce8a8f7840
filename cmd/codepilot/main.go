// Package main is the entry point for the CodePilot CLI, a terminal coding
// assistant that reasons with local or cloud LLM providers and acts on the
// workspace through approved tool invocations.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RedClaus/codepilot/internal/agent"
	"github.com/RedClaus/codepilot/internal/approval"
	"github.com/RedClaus/codepilot/internal/config"
	"github.com/RedClaus/codepilot/internal/llm"
	"github.com/RedClaus/codepilot/internal/logging"
	"github.com/RedClaus/codepilot/internal/memory"
	"github.com/RedClaus/codepilot/internal/tools"
	"github.com/RedClaus/codepilot/internal/workspace"
)

var (
	version       = "0.1.0"
	cfgPath       string
	workspaceRoot string
	verbose       bool
	autoApprove   bool
	log           *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codepilot",
		Short: "CodePilot - AI coding assistant for your terminal",
		Long: `CodePilot is a coding assistant that combines:
  • Multi-provider reasoning with retry, fallback, and health tracking
  • Workspace tools (files, git, shell) behind a risk-aware approval flow
  • Dual-layer memory that persists what matters across sessions

Start an interactive session:  codepilot
Ask a one-shot question:       codepilot ask "why does this test fail?"
Configuration:                 codepilot config show`,
		PersistentPreRunE: initLogging,
		RunE:              runChat,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.codepilot/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "root", "", "workspace root (default current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&autoApprove, "yes", false, "auto-approve medium-risk tool operations")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("CodePilot v%s\n", version)
		},
	})

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(providersCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initLogging(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	logDir := filepath.Join(home, ".codepilot", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create log directory: %v\n", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFile := filepath.Join(logDir, fmt.Sprintf("codepilot_%s.log", timestamp))

	var cfg *logging.Config
	if verbose {
		cfg = logging.VerboseConfig()
	} else {
		cfg = logging.DefaultConfig()
	}
	cfg.FilePath = logFile

	log = logging.New(cfg)
	logging.SetGlobal(log)

	// The memory package logs through zerolog. Send it to the same file so
	// durable-store warnings never interleave with the chat prompt.
	zerologFile, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err == nil {
		writer := zerolog.ConsoleWriter{Out: zerologFile, NoColor: true}
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		zlog.Logger = zerolog.New(writer).With().Timestamp().Logger()
	}

	log.Debug("session log: %s", logFile)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMPONENT WIRING
// ═══════════════════════════════════════════════════════════════════════════════

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if workspaceRoot != "" {
		cfg.Workspace.Root = workspaceRoot
	}
	if autoApprove {
		cfg.Approval.AutoApproveMedium = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildProviders constructs the fallback chain from config, skipping
// providers that cannot be built.
func buildProviders(cfg *config.Config) []llm.StreamingProvider {
	var providers []llm.StreamingProvider
	for _, name := range cfg.LLM.FallbackOrder {
		pc, ok := cfg.LLM.Providers[name]
		if !ok {
			continue
		}
		provider, err := llm.NewProvider(name, &llm.ProviderConfig{
			Name:        name,
			Endpoint:    pc.Endpoint,
			APIKey:      providerAPIKey(name, pc.APIKey),
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Timeout:     time.Duration(pc.TimeoutSec) * time.Second,
		})
		if err != nil {
			log.Warn("skipping provider %s: %v", name, err)
			continue
		}
		providers = append(providers, provider)
	}
	return providers
}

// providerAPIKey falls back to the conventional environment variable when
// the config leaves the key empty.
func providerAPIKey(name, configured string) string {
	if configured != "" {
		return configured
	}
	switch name {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// initAgent wires every subsystem together and returns the agent plus a
// cleanup function that releases the durable store.
func initAgent(cfg *config.Config) (*agent.Agent, func(), error) {
	root := cfg.Workspace.Root
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve working directory: %w", err)
		}
		root = cwd
	}

	providers := buildProviders(cfg)
	if len(providers) == 0 {
		return nil, nil, fmt.Errorf("no LLM providers configured")
	}
	arbiter := llm.NewArbiter(providers, llm.WithArbiterConfig(llm.ArbiterConfig{
		MaxRetries:       cfg.Arbiter.MaxRetries,
		InitialBackoff:   cfg.Arbiter.InitialBackoff,
		MaxBackoff:       cfg.Arbiter.MaxBackoff,
		Cooldown:         cfg.Arbiter.Cooldown,
		FailureWindow:    cfg.Arbiter.FailureWindow,
		FailureThreshold: cfg.Arbiter.FailureThreshold,
	}))

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open memory store: %w", err)
	}
	mem := memory.NewManager(store, memory.ManagerConfig{
		SessionCapacity:    cfg.Memory.SessionCapacity,
		PromotionThreshold: cfg.Memory.PromotionThreshold,
		ContextTopK:        cfg.Memory.ContextTopK,
		ContextBudget:      cfg.Memory.ContextBudget,
		RetentionDays:      cfg.Memory.RetentionDays,
	})

	registry := tools.NewRegistry()
	fsTool, err := workspace.NewFileSystemTool(root)
	if err != nil {
		mem.Close()
		return nil, nil, fmt.Errorf("filesystem tool: %w", err)
	}
	for _, tool := range []tools.Tool{
		fsTool,
		workspace.NewGitTool(root),
		workspace.NewExecTool(root, cfg.Workspace.ExecTimeout),
	} {
		if err := registry.Register(tool); err != nil {
			mem.Close()
			return nil, nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}

	engine := approval.NewEngine(approval.Config{
		Timeout:               cfg.Approval.Timeout,
		AutoApproveMedium:     cfg.Approval.AutoApproveMedium,
		LearnedRuleThreshold:  cfg.Approval.LearnedRuleThreshold,
		LearnedRuleMinSamples: cfg.Approval.LearnedRuleMinSamples,
	},
		approval.WithSink(approval.SinkFunc(terminalPrompt)),
		approval.WithRuleStats(store),
		approval.WithRecorder(func(req approval.Request, d approval.Decision) {
			mem.Remember(context.Background(), &memory.Record{
				Kind:    memory.KindContext,
				Content: fmt.Sprintf("approval %s (%s) for %s/%s", d.Outcome, d.Source, req.Tool, req.Operation),
			})
		}),
	)

	dispatcher := tools.NewDispatcher(registry, tools.WithApprover(engine))
	if n := dispatcher.SeedOverrides(context.Background(), store,
		cfg.Approval.LearnedRuleMinSamples, cfg.Approval.LearnedRuleThreshold); n > 0 {
		log.Info("seeded %d risk overrides from approval history", n)
	}

	a := agent.New(arbiter, registry, dispatcher, mem, agent.Config{
		MaxReasoningDepth: cfg.Agent.MaxReasoningDepth,
		SystemPrompt:      cfg.Agent.SystemPrompt,
	})

	cleanup := func() {
		if err := mem.Close(); err != nil {
			log.Warn("closing memory store: %v", err)
		}
	}
	return a, cleanup, nil
}

// terminalPrompt asks the user to approve a tool invocation on the terminal.
// Log output is silenced while the prompt owns the screen. Besides yes and
// no, "always" and "never" answers create a session rule for this class of
// invocation.
func terminalPrompt(ctx context.Context, req approval.Request) (approval.Answer, error) {
	logging.DisableConsoleOutput()
	defer logging.EnableConsoleOutput()

	fmt.Printf("\n⚠ codepilot wants to run %s/%s (%s risk)\n", req.Tool, req.Operation, req.Risk)
	if req.Summary != "" {
		fmt.Printf("  %s\n", req.Summary)
	}
	fmt.Print("Allow? [y/N/a(lways)/never] ")

	answer := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			answer <- ""
			return
		}
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n(approval timed out)")
		return approval.AnswerNo, ctx.Err()
	case a := <-answer:
		switch a {
		case "y", "yes":
			return approval.AnswerYes, nil
		case "a", "always":
			return approval.AnswerAlways, nil
		case "never":
			return approval.AnswerNever, nil
		default:
			return approval.AnswerNo, nil
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAT COMMAND (ROOT)
// ═══════════════════════════════════════════════════════════════════════════════

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, cleanup, err := initAgent(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("CodePilot v%s. Type a request, or 'exit' to quit.\n\n", version)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("› ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		turn, err := a.ProcessStream(ctx, input, func(token string) {
			fmt.Print(token)
		})
		fmt.Println()
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			fmt.Printf("✗ %v\n", err)
		case turn != nil && len(turn.Results) > 0:
			fmt.Printf("(%d tool calls, %s)\n", len(turn.Results), turn.Duration.Round(time.Millisecond))
		}
		fmt.Println()
	}
	return scanner.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND (ONE-SHOT)
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a one-shot question",
		Long: `Ask a question and get a single answer, then exit.

Examples:
  codepilot ask "what does internal/llm/arbiter.go do?"
  codepilot ask "why is TestFoo flaky?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, cleanup, err := initAgent(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			turn, err := a.Process(ctx, question)
			if err != nil {
				return err
			}
			fmt.Println(turn.Response)
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("CodePilot Configuration:")
			fmt.Println("────────────────────────")
			fmt.Printf("Default Provider:  %s\n", cfg.LLM.DefaultProvider)
			fmt.Printf("Fallback Order:    %s\n", strings.Join(cfg.LLM.FallbackOrder, " > "))
			fmt.Printf("Memory DB:         %s\n", cfg.Memory.DBPath)
			fmt.Printf("Retention:         %d days\n", cfg.Memory.RetentionDays)
			fmt.Printf("Approval Timeout:  %s\n", cfg.Approval.Timeout)
			fmt.Printf("Reasoning Depth:   %d\n", cfg.Agent.MaxReasoningDepth)
			fmt.Printf("Log Level:         %s\n", cfg.Logging.Level)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			home, _ := os.UserHomeDir()
			fmt.Println(filepath.Join(home, ".codepilot", "config.yaml"))
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "memory",
		Aliases: []string{"mem"},
		Short:   "Inspect and maintain durable memory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "recall [query]",
		Short: "Search durable memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Query(context.Background(), memory.Filter{
				Contains: query,
				Limit:    20,
			})
			if err != nil {
				return fmt.Errorf("recall failed: %w", err)
			}
			if len(records) == 0 {
				fmt.Printf("No memories match: %s\n", query)
				return nil
			}

			fmt.Printf("Found %d memories:\n\n", len(records))
			for _, r := range records {
				fmt.Printf("  [%s] %.2f  %s\n", r.Kind, r.Importance, truncate(r.Content, 70))
				fmt.Printf("       %s\n\n", r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete old, low-importance memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			pruned, err := store.Prune(context.Background(), memory.PrunePolicy{
				MaxAge:        time.Duration(cfg.Memory.RetentionDays) * 24 * time.Hour,
				MinImportance: cfg.Memory.PromotionThreshold,
			})
			if err != nil {
				return fmt.Errorf("prune failed: %w", err)
			}
			fmt.Printf("Pruned %d memories.\n", pruned)
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROVIDERS COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show the configured provider fallback chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("Provider Fallback Chain:")
			fmt.Println("────────────────────────")
			for i, name := range cfg.LLM.FallbackOrder {
				pc := cfg.LLM.Providers[name]
				status := "not configured"
				switch {
				case name == "ollama":
					status = fmt.Sprintf("local @ %s (%s)", pc.Endpoint, pc.Model)
				case providerAPIKey(name, pc.APIKey) != "":
					status = fmt.Sprintf("configured (%s)", pc.Model)
				}
				fmt.Printf("%d. %-10s %s\n", i+1, name, status)
			}
			return nil
		},
	}
}

// truncate shortens s to max characters for display.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
