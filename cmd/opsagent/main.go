package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/opsagent-dev/opsagent/internal/config"
	"github.com/opsagent-dev/opsagent/internal/httpapi"
	"github.com/opsagent-dev/opsagent/internal/metrics"
	"github.com/opsagent-dev/opsagent/pkg/agent/auth"
	"github.com/opsagent-dev/opsagent/pkg/agent/gateway"
	"github.com/opsagent-dev/opsagent/pkg/agent/identity"
	"github.com/opsagent-dev/opsagent/pkg/agent/llm"
	"github.com/opsagent-dev/opsagent/pkg/agent/models"
	"github.com/opsagent-dev/opsagent/pkg/agent/orchestrator"
	"github.com/opsagent-dev/opsagent/pkg/agent/session"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "opsagent",
		Short: "Operations assistant service",
		Long: `opsagent is an authenticated conversational agent for cloud operations.

It validates caller identity, exchanges it for workload credentials,
dispatches read-only tools through an MCP gateway, and keeps per-session
conversation history.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the opsagent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	var verbosity int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the opsagent HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, verbosity)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config/opsagent.yaml", "Path to configuration file")
	cmd.Flags().IntVarP(&verbosity, "verbosity", "v", 0, "Log verbosity level")

	return cmd
}

func serve(configPath string, verbosity int) error {
	log, err := newLogger(verbosity)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validator, err := auth.NewValidator(ctx, auth.Config{
		Issuer:          cfg.Auth.Issuer,
		Audience:        cfg.Auth.Audience,
		JWKSURL:         cfg.Auth.JWKSURL,
		ClockSkew:       cfg.Auth.ClockSkew,
		RefreshInterval: cfg.Auth.RefreshInterval,
	}, log.WithName("auth"))
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	exchanger, err := identity.NewExchanger(identity.Config{
		TokenURL:     cfg.Identity.TokenURL,
		ClientID:     cfg.Identity.ClientID,
		ClientSecret: cfg.Identity.ClientSecret,
		Timeout:      cfg.Identity.Timeout,
	}, log.WithName("identity"))
	if err != nil {
		return fmt.Errorf("failed to create credential exchanger: %w", err)
	}

	gatewayClient, err := gateway.NewClient(gateway.Config{
		URL:            cfg.Gateway.URL,
		CallTimeout:    cfg.Gateway.CallTimeout,
		MaxAttempts:    cfg.Gateway.MaxAttempts,
		InitialBackoff: cfg.Gateway.InitialBackoff,
	}, log.WithName("gateway"))
	if err != nil {
		return fmt.Errorf("failed to create gateway client: %w", err)
	}
	defer gatewayClient.Close()

	store, err := newSessionStore(cfg, log.WithName("session"))
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		SystemPrompt:       cfg.Agent.SystemPrompt,
		GatewayScope:       cfg.Gateway.Scope,
		MaxIterations:      cfg.Agent.MaxIterations,
		MaxConcurrentTools: cfg.Agent.MaxConcurrentTools,
		HistoryLimit:       cfg.Agent.HistoryLimit,
		Model: models.ModelConfig{
			Provider:    cfg.LLM.Provider,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
		},
	}, validator, exchanger, gatewayClient, store, provider, log.WithName("orchestrator"))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	go runSweeper(ctx, store, cfg.Session.SweepInterval, log.WithName("sweeper"))

	api := httpapi.NewServer(orch, store, validator, log.WithName("http"))
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := api.HTTPServer(addr)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http server shutdown error")
	}

	log.Info("shutdown complete")
	return nil
}

func newLogger(verbosity int) (logr.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	if verbosity == 0 {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapLog, err := zapCfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapr.NewLogger(zapLog), nil
}

// applyEnvOverrides lets deployment environments override a few settings
// without editing the config file. Keys use the OPSAGENT_ prefix, for
// example OPSAGENT_SERVER_PORT.
func applyEnvOverrides(cfg *config.Config) {
	v := viper.New()
	v.SetEnvPrefix("opsagent")
	v.AutomaticEnv()
	for _, key := range []string{"server_host", "server_port", "gateway_url", "session_dsn"} {
		_ = v.BindEnv(key)
	}

	if v.IsSet("server_host") {
		cfg.Server.Host = v.GetString("server_host")
	}
	if v.IsSet("server_port") {
		cfg.Server.Port = v.GetInt("server_port")
	}
	if v.IsSet("gateway_url") {
		cfg.Gateway.URL = v.GetString("gateway_url")
	}
	if v.IsSet("session_dsn") {
		cfg.Session.DSN = v.GetString("session_dsn")
	}
}

func newSessionStore(cfg *config.Config, log logr.Logger) (session.Service, error) {
	switch cfg.Session.Backend {
	case "memory":
		return session.NewMemoryService(cfg.Session.Retention), nil
	case "sqlite", "postgres":
		db, err := session.OpenDatabase(cfg.Session.Backend, cfg.Session.DSN)
		if err != nil {
			return nil, err
		}
		return session.NewGormService(db, cfg.Session.Retention)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	registry := llm.NewRegistry()
	for _, provider := range []llm.Provider{
		llm.NewOpenAIProvider(cfg.LLM.APIKey),
		llm.NewAnthropicProvider(cfg.LLM.APIKey),
	} {
		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}
	return registry.Get(cfg.LLM.Provider)
}

func runSweeper(ctx context.Context, store session.Service, interval time.Duration, log logr.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.SweepExpired(ctx)
			if err != nil {
				log.Error(err, "retention sweep failed")
				continue
			}
			if removed > 0 {
				metrics.SessionsSweptTotal.Add(float64(removed))
				log.V(1).Info("expired sessions removed", "count", removed)
			}
		}
	}
}
