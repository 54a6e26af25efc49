package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/grouphub/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "grouphub",
	Short:         "Multi-gateway conversational hub for humans and agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the hub config file")
	rootCmd.AddCommand(serveCmd, registerCmd, connectCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("GROUPHUB_CONFIG")
	}
	return config.Load(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
