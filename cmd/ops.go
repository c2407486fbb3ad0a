package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery sweep over stuck settlements and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.container.RecoveryWorker.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("recovery sweep failed: %w", err)
			}
			if res.Skipped {
				fmt.Println("sweep skipped: another instance holds the recovery lock")
				return nil
			}
			fmt.Printf("candidates=%d errors=%d duration=%s\n", res.Candidates, res.Errors, res.Duration)
			for action, n := range res.Actions {
				fmt.Printf("  %-24s %d\n", action, n)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <payment-reference>",
		Short: "Print the settlement recorded for a payment reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			view, err := a.container.SettlementService.GetTransactionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
}

func swapCmd() *cobra.Command {
	var slippage string
	cmd := &cobra.Command{
		Use:   "swap <amount> <from> <to>",
		Short: "Rebalance custody by swapping between custodial assets",
		Example: `  settlement swap 0.5 ETH USDC --slippage 1
  settlement swap 1000 USDC ETH --slippage 0.5`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			from, ok := entities.ParseCryptoType(args[1])
			if !ok {
				return fmt.Errorf("unsupported asset %q", args[1])
			}
			to, ok := entities.ParseCryptoType(args[2])
			if !ok {
				return fmt.Errorf("unsupported asset %q", args[2])
			}
			var maxSlippage decimal.Decimal
			if slippage != "" {
				if maxSlippage, err = decimal.NewFromString(strings.TrimSuffix(slippage, "%")); err != nil {
					return fmt.Errorf("invalid slippage %q: %w", slippage, err)
				}
			}

			a, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()
			if slippage == "" {
				maxSlippage = decimal.NewFromFloat(a.cfg.Swap.DefaultSlippagePct)
			}

			res, err := a.container.SettlementService.RebalanceCustody(cmd.Context(), entities.SwapRequest{
				Amount:         amount,
				FromCrypto:     from,
				ToCrypto:       to,
				MaxSlippagePct: maxSlippage,
			})
			if err != nil {
				return err
			}
			fmt.Printf("tx_hash=%s expected_output=%s min_output=%s\n",
				res.TxHash, res.ExpectedOutput, res.MinOutput)
			return nil
		},
	}
	cmd.Flags().StringVar(&slippage, "slippage", "", "maximum slippage in percent, within [0, 100) (default swap.default_slippage_pct)")
	return cmd
}
