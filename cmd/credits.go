package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"metered-gateway/internal/ledger"
)

var (
	creditsUser   string
	creditsAmount int
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust user credits",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show a user's credit balance",
	Long: `Show a user's credit balance as JSON.

Examples:
  metered-gateway credits balance --user user-123`,
	Args: cobra.NoArgs,
	RunE: runCreditsBalance,
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant bonus credits to a subscribed user",
	Long: `Grant bonus credits to a user with an existing subscription.

Examples:
  metered-gateway credits grant --user user-123 --amount 50`,
	Args: cobra.NoArgs,
	RunE: runCreditsGrant,
}

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsBalanceCmd, creditsGrantCmd)

	creditsCmd.PersistentFlags().StringVar(&creditsUser, "user", "", "User id")
	creditsGrantCmd.Flags().IntVar(&creditsAmount, "amount", 0, "Bonus credits to add")
}

func openCreditService(cmd *cobra.Command) (*ledger.Service, func(), error) {
	if creditsUser == "" {
		return nil, nil, errors.New("--user is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openLedger(cmd.Context(), cfg.Ledger)
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewService(store), func() { _ = store.Close() }, nil
}

func runCreditsBalance(cmd *cobra.Command, _ []string) error {
	svc, closeFn, err := openCreditService(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	bal, err := svc.Balance(cmd.Context(), creditsUser)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(bal)
}

func runCreditsGrant(cmd *cobra.Command, _ []string) error {
	if creditsAmount <= 0 {
		return errors.New("--amount must be positive")
	}
	svc, closeFn, err := openCreditService(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := svc.Grant(cmd.Context(), creditsUser, creditsAmount); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s\n", creditsAmount, creditsUser)
	return nil
}
