package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger tables",
	Long: `Create or update the ledger tables and seed the configured plans and
operation costs. serve does the same on startup.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openLedger(cmd.Context(), cfg.Ledger)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "ledger migrated (%s): %d plans, %d operation costs\n",
		cfg.Ledger.Driver, len(cfg.Ledger.Plans), len(cfg.Ledger.Costs))
	return nil
}
