package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"metered-gateway/internal/config"
	"metered-gateway/internal/ledger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "metered-gateway",
	Short: "Credit-metered gateway for AI model calls",
	Long: `metered-gateway fronts an AI provider with an OpenAI-compatible API,
charges every call against a per-user credit ledger and refunds the charge
when the call fails.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to YAML configuration file")
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig() (config.Config, error) {
	if strings.TrimSpace(configPath) == "" {
		return config.Config{}, fmt.Errorf("--config <path> is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// openLedger opens the ledger store, migrates it and seeds the configured
// plans and operation costs.
func openLedger(ctx context.Context, cfg config.LedgerConfig) (*ledger.GormStore, error) {
	store, err := ledger.NewGormStore(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	for _, plan := range cfg.Plans {
		if err := store.UpsertPlan(ctx, plan.ID, plan.Name, plan.CreditsPerMonth); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed plan %s: %w", plan.ID, err)
		}
	}
	if err := store.SeedCosts(ctx, cfg.Costs); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed operation costs: %w", err)
	}
	return store, nil
}
