package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/AnTengye/pagelens/backend/service"
	"github.com/spf13/cobra"
)

var (
	purchaseCurrency  string
	purchaseReference string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and adjust credit accounts",
	Long: `Operates the credit ledger directly, taking the same advisory lock as the
server so it is safe to run against a live deployment.`,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <owner>",
	Short: "Print an account as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(ctx context.Context, ledger *service.LedgerService) error {
			account, err := ledger.Get(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(account)
		})
	},
}

var ledgerCreditCmd = &cobra.Command{
	Use:   "credit <owner> <credits>",
	Short: "Add credits to an account",
	Example: `  # Grant 25 credits to an owner
  pagelens ledger credit owner-1 25`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		credits, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid credits %q: %w", args[1], err)
		}
		return withLedger(cmd.Context(), func(ctx context.Context, ledger *service.LedgerService) error {
			if _, err := ledger.GetOrCreate(ctx, args[0]); err != nil {
				return err
			}
			balance, err := ledger.Credit(ctx, args[0], credits)
			if err != nil {
				return err
			}
			fmt.Printf("%s: balance %d\n", args[0], balance)
			return nil
		})
	},
}

var ledgerPurchaseCmd = &cobra.Command{
	Use:   "purchase <owner> <amount>",
	Short: "Record a completed checkout",
	Long: `Records a completed purchase and grants the credits the price table maps
its amount to. Amount is in minor currency units (299 = 2.99).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		return withLedger(cmd.Context(), func(ctx context.Context, ledger *service.LedgerService) error {
			if _, err := ledger.GetOrCreate(ctx, args[0]); err != nil {
				return err
			}
			account, err := ledger.RecordPurchase(ctx, args[0], service.PurchaseDescriptor{
				Amount:    amount,
				Currency:  purchaseCurrency,
				Reference: purchaseReference,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s: +%d credits, balance %d\n", args[0], ledger.CreditsFor(amount), account.Balance)
			return nil
		})
	},
}

func init() {
	ledgerPurchaseCmd.Flags().StringVar(&purchaseCurrency, "currency", "usd", "checkout currency")
	ledgerPurchaseCmd.Flags().StringVar(&purchaseReference, "reference", "", "external payment reference")

	ledgerCmd.AddCommand(ledgerShowCmd, ledgerCreditCmd, ledgerPurchaseCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func withLedger(ctx context.Context, fn func(ctx context.Context, ledger *service.LedgerService) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ledger, err := newLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()
	return fn(ctx, ledger)
}
