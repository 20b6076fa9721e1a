package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"metered-gateway/internal/config"
	"metered-gateway/internal/ledger"
	"metered-gateway/internal/notify"
	"metered-gateway/internal/provider"
	providerfactory "metered-gateway/internal/provider/factory"
	"metered-gateway/internal/router"
	"metered-gateway/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the gateway HTTP server.

Examples:
  metered-gateway serve --config config.yaml
  metered-gateway serve --config config.yaml --port 9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server port from configuration")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		if servePort < 0 || servePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", servePort)
		}
		cfg.Server.Port = servePort
	}

	store, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier, err := newNotifier(cfg.Notify)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(notifier, cfg.Notify.RetryCount, cfg.Notify.RetryBackoff)
	defer dispatcher.Wait()

	credits := ledger.NewService(store,
		ledger.WithNotifier(dispatcher),
		ledger.WithLowBalanceRatio(cfg.Ledger.LowBalanceRatio),
	)

	executor := providerfactory.NewExecutor(cfg.Resilience)
	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(ctx, cfg, registry, executor); err != nil {
		return err
	}
	if cfg.Providers.Gemini.ResolveAPIKey() == "" {
		slog.Warn("gemini api key is not set; chat requests will fail until it is configured",
			"api_key_env", cfg.Providers.Gemini.APIKeyEnv)
	}

	rt := router.New(registry, cfg.DefaultModel)

	srv, err := server.New(cfg, rt, credits, executor.Breakers())
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func newNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	if cfg.WebhookURL == "" {
		return notify.LogNotifier{}, nil
	}
	return notify.NewWebhook(cfg.WebhookURL, cfg.Headers, nil)
}
