package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/bookledger/internal/jobs"
	"github.com/blackwell-systems/bookledger/internal/purchase"
	"github.com/blackwell-systems/bookledger/internal/util"
)

func newPurchaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purchase <buyer> <ledger-id>",
		Short: "Buy a book at its current ledger price and grant access",
		Long: `Pay for a book and wait until access is granted or the payment is
rejected. The price is read from the ledger at payment time.

Buying a book the buyer already paid for returns the existing purchase and
never pays again.`,
		Example: `  bookledger purchase 0xAB12 42`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			buyer := args[0]
			ledgerID, err := parseLedgerID(args[1])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(s *services) error {
				if _, err := s.purchaser.Purchase(cmd.Context(), buyer, ledgerID); err != nil {
					return err
				}
				rec, err := s.purchaser.StatusFor(cmd.Context(), buyer, ledgerID)
				if err != nil {
					return err
				}
				printPurchase(rec)
				switch rec.Status {
				case jobs.AccessGranted:
					ok("Access granted. Download with: bookledger get %s %d", buyer, ledgerID)
				case jobs.PaymentRejected:
					return fmt.Errorf("payment rejected: %s", rec.LastError)
				case jobs.PaymentConfirmedGrantFailed:
					warn("Payment confirmed but access not granted yet; it is retried in the background by serve")
				default:
					warn("Payment not confirmed yet; check again with: bookledger purchase-status %s %d", buyer, ledgerID)
				}
				return nil
			})
		},
	}
}

func newPurchaseStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purchase-status <purchase-id | buyer ledger-id>",
		Short: "Show a purchase",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				var (
					rec *jobs.PurchaseRecord
					err error
				)
				if len(args) == 1 {
					rec, err = s.purchaser.GetStatus(cmd.Context(), args[0])
				} else {
					var ledgerID uint64
					if ledgerID, err = parseLedgerID(args[1]); err != nil {
						return err
					}
					rec, err = s.purchaser.StatusFor(cmd.Context(), args[0], ledgerID)
				}
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(rec)
				}
				printPurchase(rec)
				return nil
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	var copyTo string

	cmd := &cobra.Command{
		Use:   "get <buyer> <ledger-id>",
		Short: "Download a purchased book and print its cached path",
		Long: `Fetch the PDF of a purchased book from the content store, verify it
against its fingerprint and keep it in the local cache.`,
		Example: `  bookledger get 0xAB12 42
  bookledger get 0xAB12 42 --to ~/Books/go-basics.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledgerID, err := parseLedgerID(args[1])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(s *services) error {
				path, err := s.purchaser.Fetch(cmd.Context(), args[0], ledgerID)
				if errors.Is(err, purchase.ErrNotEntitled) {
					return fmt.Errorf("%s has not bought book %d", args[0], ledgerID)
				}
				if err != nil {
					return err
				}
				if copyTo != "" {
					dst := util.ExpandHome(copyTo)
					if err := util.CopyFile(path, dst); err != nil {
						return fmt.Errorf("copying to %s: %w", dst, err)
					}
					ok("Saved %s", filepath.Clean(dst))
					return nil
				}
				fmt.Println(path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&copyTo, "to", "", "Copy the file to this path")
	return cmd
}

func printPurchase(r *jobs.PurchaseRecord) {
	header("%s", orDash(r.PurchaseID))
	fmt.Printf("  buyer:     %s\n", r.BuyerID)
	fmt.Printf("  ledger id: %d\n", r.LedgerID)
	fmt.Printf("  status:    %s\n", colorStatus(string(r.Status)))
	if r.TxID != "" {
		fmt.Printf("  tx:        %s\n", r.TxID)
	}
	if r.Amount != 0 {
		fmt.Printf("  amount:    %d\n", r.Amount)
	}
	if r.LastError != "" {
		fmt.Printf("  error:     %s (%s)\n", color.RedString(r.LastError), r.LastErrorKind)
	}
}

func parseLedgerID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid ledger id %q", s)
	}
	return id, nil
}
