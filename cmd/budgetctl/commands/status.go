package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
)

// NewStatusCommand shows one principal or lists accounts.
func NewStatusCommand(ctx context.Context) *cobra.Command {
	var role string
	var archived bool
	var limit int

	cmd := &cobra.Command{
		Use:   "status [principal]",
		Short: "Show budget status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := services()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				view, err := a.Service.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if outputJSON {
					OutputJSON(cmd.OutOrStdout(), view)
					return nil
				}
				OutputTable(cmd.OutOrStdout(), statusHeaders, [][]string{statusRow(*view)})
				return nil
			}

			accts, err := a.Service.ListAccounts(ctx, ledger.AccountFilter{Role: role, IncludeArchived: archived, Limit: limit})
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(accts))
			for i := range accts {
				rows = append(rows, statusRow(accts[i].View()))
			}
			OutputTable(cmd.OutOrStdout(), statusHeaders, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Only list accounts with this role")
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived accounts")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum accounts to list")

	return cmd
}

var statusHeaders = []string{"PRINCIPAL", "ROLE", "USAGE", "LIMIT", "REMAINING", "STATUS", "LAST REFILL", "REFILLS"}

func statusRow(v models.AccountStatusView) []string {
	last := "-"
	if v.LastRefill != nil {
		last = v.LastRefill.UTC().Format(time.RFC3339)
	}
	return []string{
		v.PrincipalID,
		v.Role,
		v.CurrentUsage.String(),
		v.BudgetLimit.String(),
		v.Remaining.String(),
		string(v.Status),
		last,
		strconv.FormatInt(v.RefillCount, 10),
	}
}
