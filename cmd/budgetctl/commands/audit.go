package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amerfu/budgetd/internal/models"
)

// NewAuditCommand prints a principal's audit history.
func NewAuditCommand(ctx context.Context) *cobra.Command {
	var limit, offset int
	var eventType string

	cmd := &cobra.Command{
		Use:   "audit <principal>",
		Short: "Show audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := services()
			if err != nil {
				return err
			}

			filter := models.AuditFilter{PrincipalID: args[0], Limit: limit, Offset: offset}
			if eventType != "" {
				filter.EventTypes = []models.AuditEventType{models.AuditEventType(eventType)}
			}
			page, err := a.Trail.History(ctx, filter)
			if err != nil {
				return err
			}
			if outputJSON {
				OutputJSON(cmd.OutOrStdout(), page)
				return nil
			}

			rows := make([][]string, 0, len(page.Entries))
			for _, e := range page.Entries {
				rows = append(rows, []string{
					fmt.Sprint(e.EntryID),
					e.Timestamp.UTC().Format(time.RFC3339),
					string(e.EventType),
					string(e.Status),
					e.Amount.String(),
					e.NewBalance.String(),
					e.Actor,
					e.Reason,
				})
			}
			OutputTable(cmd.OutOrStdout(), []string{"ID", "TIME", "EVENT", "STATUS", "AMOUNT", "REMAINING", "ACTOR", "REASON"}, rows)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d of %d entries\n", len(page.Entries), page.Total)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Entries per page")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	cmd.Flags().StringVar(&eventType, "event-type", "", "Only show REFILL, SPEND, MANUAL_ADJUST or ABUSE_BLOCK")

	return cmd
}
