package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/grouphub/internal/agent"
	"github.com/haasonsaas/grouphub/internal/agent/providers"
	"github.com/haasonsaas/grouphub/internal/config"
	"github.com/haasonsaas/grouphub/internal/gateway"
	"github.com/haasonsaas/grouphub/internal/permissions"
	"github.com/haasonsaas/grouphub/internal/requests"
	"github.com/haasonsaas/grouphub/internal/selector"
	"github.com/haasonsaas/grouphub/internal/session"
	"github.com/haasonsaas/grouphub/internal/tools"
	"github.com/haasonsaas/grouphub/internal/users"
)

var (
	serveTerminal bool
	serveUser     string
	serveSession  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveTerminal, "terminal", false, "attach an interactive terminal gateway")
	serveCmd.Flags().StringVar(&serveUser, "user", "", "hub username for the terminal gateway")
	serveCmd.Flags().StringVar(&serveSession, "session", "", "session id for the terminal gateway")
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.LogLevel)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	permStore, err := openPermissionStore(cfg)
	if err != nil {
		return err
	}
	defer permStore.Close()

	userReg, err := users.NewRegistry(filepath.Join(cfg.DataDir, "users.json"))
	if err != nil {
		return err
	}

	provs, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	toolReg := tools.NewRegistry()
	agentReg, err := agent.NewFileRegistry(filepath.Join(cfg.DataDir, "agents.yaml"), provs, toolReg, logger)
	if err != nil {
		return err
	}

	var handler requests.Handler
	if cfg.Requests.Listen != "" {
		server := requests.NewServer(userReg, logger)
		go func() {
			logger.Info("request channel listening", "addr", cfg.Requests.Listen)
			if err := http.ListenAndServe(cfg.Requests.Listen, server); err != nil {
				logger.Error("request channel server stopped", "error", err)
			}
		}()
		handler = server
	} else {
		handler = requests.NewConsole(os.Stdin, os.Stderr, requests.ConsoleOptions{})
	}

	registry := prometheus.NewRegistry()
	metrics := session.NewMetrics(registry)
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	opts := session.ManagerOptions{
		Dir:         filepath.Join(cfg.DataDir, "sessions"),
		Registry:    agentReg,
		Permissions: permStore,
		Users:       userReg,
		Requests:    handler,
		Logger:      logger,
		Metrics:     metrics,
	}
	if cfg.Selector.Provider != "" {
		provider, ok := provs[cfg.Selector.Provider]
		if !ok {
			return fmt.Errorf("selector provider %q is not configured", cfg.Selector.Provider)
		}
		settings := selector.Settings{
			Instructions: cfg.Selector.Instructions,
			Model:        cfg.Selector.Model,
			MaxTokens:    cfg.Selector.MaxTokens,
		}
		opts.NewSelector = func() session.Selector {
			return selector.New(agentReg, provider, settings, logger)
		}
	}

	manager, err := session.NewManager(opts)
	if err != nil {
		return err
	}
	defer manager.Close()

	go manager.Sync(ctx, cfg.SyncInterval.Std())

	if serveTerminal {
		username := serveUser
		if username == "" {
			return fmt.Errorf("--terminal requires --user")
		}
		if ok, err := authenticateTerminalUser(userReg, username); err != nil || !ok {
			if err != nil {
				return err
			}
			return fmt.Errorf("authentication failed for %q", username)
		}
		term := gateway.NewTerminal(manager, username, os.Stdin, os.Stdout, logger)
		return term.Run(ctx, serveSession)
	}

	logger.Info("hub running", "data_dir", cfg.DataDir)
	<-ctx.Done()
	return nil
}

func openPermissionStore(cfg *config.Config) (permissions.Store, error) {
	switch cfg.Permissions.Backend {
	case "sqlite":
		return permissions.NewSQLiteStore(filepath.Join(cfg.DataDir, "permissions.db"))
	default:
		return permissions.NewFileStore(filepath.Join(cfg.DataDir, "permissions.json"))
	}
}

func buildProviders(cfg *config.Config) (map[string]providers.Provider, error) {
	provs := make(map[string]providers.Provider)
	if p := cfg.Providers.OpenAI; p != nil && p.Key() != "" {
		provider, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       p.Key(),
			BaseURL:      p.BaseURL,
			DefaultModel: p.Model,
		})
		if err != nil {
			return nil, err
		}
		provs["openai"] = provider
	}
	if p := cfg.Providers.Anthropic; p != nil && p.Key() != "" {
		provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       p.Key(),
			BaseURL:      p.BaseURL,
			DefaultModel: p.Model,
		})
		if err != nil {
			return nil, err
		}
		provs["anthropic"] = provider
	}
	return provs, nil
}

func authenticateTerminalUser(reg *users.Registry, username string) (bool, error) {
	password, err := promptPassword(fmt.Sprintf("password for %s: ", username))
	if err != nil {
		return false, err
	}
	return reg.Authenticate(username, password)
}
