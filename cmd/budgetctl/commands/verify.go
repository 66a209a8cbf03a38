package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errDrift = errors.New("ledger does not match audit trail")

// NewVerifyCommand replays audit trails and compares them with the ledger.
func NewVerifyCommand(ctx context.Context) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "verify [principal]",
		Short: "Check ledger balances against audit replay",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := services()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				acct, err := a.Store.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				drift, err := a.Trail.Verify(ctx, acct)
				if err != nil {
					return err
				}
				if drift == nil {
					_, _ = fmt.Fprintf(out, "%s: consistent\n", args[0])
					return nil
				}
				if outputJSON {
					OutputJSON(out, drift)
				} else {
					_, _ = fmt.Fprintf(out, "%s: ledger usage %s limit %s, replay usage %s limit %s, %d chain breaks\n",
						args[0], drift.Ledger.Usage, drift.Ledger.Limit, drift.Projected.Usage, drift.Projected.Limit, len(drift.Breaks))
				}
				if !drift.BalanceMismatch() {
					return nil
				}
				if repair {
					repaired, err := a.Reconciler(true).Repair(ctx, args[0])
					if err != nil {
						return err
					}
					if repaired {
						_, _ = fmt.Fprintf(out, "%s: repaired\n", args[0])
						return nil
					}
				}
				return errDrift
			}

			report, err := a.Reconciler(repair).RunOnce(ctx)
			if err != nil {
				return err
			}
			if report == nil {
				return errors.New("another reconciliation pass is running")
			}
			if outputJSON {
				OutputJSON(out, report)
			} else {
				_, _ = fmt.Fprintf(out, "scanned %d, drifted %d, repaired %d, chain breaks %d\n",
					report.Scanned, report.Drifted, report.Repaired, report.Breaks)
				for _, d := range report.Drifts {
					_, _ = fmt.Fprintf(out, "  %s: ledger %s/%s, replay %s/%s\n",
						d.PrincipalID, d.Ledger.Usage, d.Ledger.Limit, d.Projected.Usage, d.Projected.Limit)
				}
			}
			if report.Drifted > report.Repaired {
				return errDrift
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "Rewrite drifted ledger rows to the replayed balance")

	return cmd
}
