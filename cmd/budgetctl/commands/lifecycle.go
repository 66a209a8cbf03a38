package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amerfu/budgetd/internal/models"
)

type lifecycleFunc func(ctx context.Context, principalID, actor, reason string) (*models.Account, error)

// NewSuspendCommand blocks spending for a principal until reinstated.
func NewSuspendCommand(ctx context.Context) *cobra.Command {
	return newLifecycleCommand(ctx, "suspend", "Suspend a principal", func(ctx context.Context, id, actor, reason string) (*models.Account, error) {
		a, err := services()
		if err != nil {
			return nil, err
		}
		return a.Service.Suspend(ctx, id, actor, reason)
	})
}

func NewReinstateCommand(ctx context.Context) *cobra.Command {
	return newLifecycleCommand(ctx, "reinstate", "Lift a suspension", func(ctx context.Context, id, actor, reason string) (*models.Account, error) {
		a, err := services()
		if err != nil {
			return nil, err
		}
		return a.Service.Reinstate(ctx, id, actor, reason)
	})
}

func NewArchiveCommand(ctx context.Context) *cobra.Command {
	return newLifecycleCommand(ctx, "archive", "Archive a principal; it is never refilled again", func(ctx context.Context, id, actor, reason string) (*models.Account, error) {
		a, err := services()
		if err != nil {
			return nil, err
		}
		return a.Service.Archive(ctx, id, actor, reason)
	})
}

func newLifecycleCommand(ctx context.Context, use, short string, fn lifecycleFunc) *cobra.Command {
	var reason, actor string

	cmd := &cobra.Command{
		Use:   use + " <principal>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := fn(ctx, args[0], actor, reason)
			if err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(cmd.OutOrStdout(), acct.View())
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", acct.PrincipalID, acct.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail")
	cmd.Flags().StringVar(&actor, "actor", "budgetctl", "Actor recorded in the audit trail")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}
