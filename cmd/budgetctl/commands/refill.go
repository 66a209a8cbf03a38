package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/policy"
)

// NewRefillCommand runs a manual refill for one principal or all of them.
func NewRefillCommand(ctx context.Context) *cobra.Command {
	var all bool
	var amount, mode, actor string

	cmd := &cobra.Command{
		Use:   "refill [principal]",
		Short: "Refill budgets now",
		Long:  "Refill a principal immediately using its resolved policy, or an explicit --amount.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give exactly one of a principal or --all")
			}
			override, err := manualPolicy(amount, mode)
			if err != nil {
				return err
			}
			a, err := services()
			if err != nil {
				return err
			}

			if all {
				res, err := a.Scheduler.RefillAll(ctx, actor, override)
				if err != nil {
					return err
				}
				if outputJSON {
					OutputJSON(cmd.OutOrStdout(), res)
					return nil
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, succeeded %d, blocked %d, skipped %d, failed %d\n",
					res.Attempted, res.Succeeded, res.Blocked, res.Skipped, res.Failed)
				for id, msg := range res.Errors {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", id, msg)
				}
				return nil
			}

			res, err := a.Scheduler.RefillOne(ctx, args[0], actor, override)
			if err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(cmd.OutOrStdout(), res)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s", args[0], res.Outcome)
			if res.Account != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), " (usage %s / limit %s)", res.Account.CurrentUsage, res.Account.BudgetLimit)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Refill every active principal")
	cmd.Flags().StringVar(&amount, "amount", "", "Refill this amount instead of the resolved policy")
	cmd.Flags().StringVar(&mode, "mode", "RESET", "Mode for --amount (RESET or ADD)")
	cmd.Flags().StringVar(&actor, "actor", "budgetctl", "Actor recorded in the audit trail")

	return cmd
}

func manualPolicy(amount, mode string) (*policy.Policy, error) {
	if amount == "" {
		return nil, nil
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	var m models.RefillMode
	switch models.RefillModeKind(strings.ToUpper(mode)) {
	case models.RefillModeReset:
		m = models.ResetMode()
	case models.RefillModeAdd:
		m = models.AddMode(nil)
	default:
		return nil, fmt.Errorf("mode must be RESET or ADD, got %q", mode)
	}
	return policy.Manual(value, m)
}
