package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amerfu/budgetd/internal/services/policy"
	"github.com/amerfu/budgetd/internal/services/refill"
)

// NewPolicyCommand explains which refill policy applies to a principal.
func NewPolicyCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect refill policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "explain <principal>",
		Short: "Show the resolved policy, its source and next fire time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := services()
			if err != nil {
				return err
			}
			acct, err := a.Store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}

			ex := a.Resolver.Explain(policy.FromAccount(acct), refill.Anchor(acct), time.Now().UTC())
			out := cmd.OutOrStdout()
			if outputJSON {
				OutputJSON(out, ex)
				return nil
			}

			_, _ = fmt.Fprintf(out, "principal:  %s (role %s)\n", acct.PrincipalID, acct.Role)
			_, _ = fmt.Fprintf(out, "config:     version %d\n", ex.Version)
			if ex.Error != "" {
				_, _ = fmt.Fprintf(out, "error:      %s\n", ex.Error)
				return nil
			}
			if ex.Policy == nil {
				_, _ = fmt.Fprintln(out, "policy:     none (principal is never refilled)")
				return nil
			}
			_, _ = fmt.Fprintf(out, "source:     %s\n", ex.Source)
			for _, k := range []string{"key", "amount", "mode", "schedule"} {
				if v, ok := ex.Policy[k]; ok {
					_, _ = fmt.Fprintf(out, "%-11s %v\n", k+":", v)
				}
			}
			if ex.NextFire != nil {
				_, _ = fmt.Fprintf(out, "next fire:  %s\n", ex.NextFire.Format(time.RFC3339))
			}
			_, _ = fmt.Fprintf(out, "due:        %t (missed %d)\n", ex.Due, ex.Missed)
			return nil
		},
	})

	return cmd
}
