// Package main is the CLI entry point for the Relay LLM gateway.
//
// Relay is a stateful reverse proxy between chat clients and upstream LLM
// providers (OpenAI-compatible, Anthropic Messages). It owns conversation
// state, runs the tool-orchestration loop server-side, and serves both
// streaming and non-streaming chat completions.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Validate a configuration file without starting:
//
//	relay config check --config relay.yaml
//
// # Environment Variables
//
//   - RELAY_CONFIG: path to the configuration file (default: relay.yaml)
//   - Provider API keys referenced from the config, e.g. OPENAI_API_KEY
//     and ANTHROPIC_API_KEY via ${VAR} expansion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/builtin"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Relay - stateful LLM gateway",
		Long:         "Relay proxies chat completions to LLM providers,\nowning conversation state and the server-side tool loop.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Relay gateway server",
		Long: `Start the Relay gateway server.

The server loads the configuration, opens the conversation store,
initializes the configured providers and built-in tools, and serves
the chat-completions API until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	var configPath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok: %d provider(s), store driver %q\n",
				len(cfg.Providers), cfg.Store.Driver)
			return nil
		},
	}
	check.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(check)
	return cmd
}

// resolveConfigPath applies flag, environment, and default in that order.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("RELAY_CONFIG"); env != "" {
		return env
	}
	return "relay.yaml"
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()

	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "relay",
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		EnableInsecure: cfg.Observability.Insecure,
	})

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	retryClient := providers.NewRetryClient(cfg.Retry, metrics, logger)
	registry, err := providers.NewRegistry(cfg, retryClient, logger)
	if err != nil {
		return fmt.Errorf("init providers: %w", err)
	}

	toolReg := tools.NewRegistry()
	if err := registerBuiltins(toolReg); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	builder := engine.NewBuilder(st, cfg.Engine.MessageWindow)
	executor := engine.NewExecutor(toolReg, metrics, logger)
	orchestrator := engine.NewOrchestrator(st, builder, executor, cfg.Engine.MaxIterations, metrics, logger)

	server := gateway.NewServer(cfg, logger, metrics, registry, toolReg, st, orchestrator)

	logger.Info(ctx, "starting relay gateway",
		"version", version,
		"commit", commit,
		"providers", registry.IDs(),
		"store", cfg.Store.Driver,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx := context.Background()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown incomplete", "error", err)
	}
	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error(ctx, "tracer shutdown failed", "error", err)
		}
	}
	return nil
}

// openStore builds the configured store. The returned closer is a no-op for
// the memory driver.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	limits := store.Limits{
		MaxMessagesPerConversation: cfg.Store.MaxMessagesPerConversation,
		MaxConversationsPerSession: cfg.Store.MaxConversationsPerSession,
	}
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemoryStore(limits), func() {}, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.Store.DSN, limits)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Store.DSN, limits)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func registerBuiltins(reg *tools.Registry) error {
	all := []tools.Tool{
		builtin.NewTimeTool(),
		builtin.NewCalculateTool(),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
