package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/legal-agent-ui/internal/services"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	userID     string
)

var rootCmd = &cobra.Command{
	Use:           "legalchat",
	Short:         "Chat client and relay for the legal assistant agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the config file")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "cli", "user id owning the sessions used by the terminal client")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		cfgDir = "."
	}
	return filepath.Join(cfgDir, "legalchat", "config.yaml")
}

// setup loads the config and builds the logger every command starts from.
func setup() (config, *slog.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return config{}, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, setupLogging(cfg.LogLevel), nil
}

func setupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func openStore(cfg config) (services.BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return services.BoltDB{}, fmt.Errorf("error creating data directory: %w", err)
	}
	return services.NewBoltDB(cfg.DBPath)
}
