package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/amerfu/budgetd/internal/services/notify"
)

var eventHeaders = []string{"STREAM ID", "EVENT", "PRINCIPAL", "AMOUNT", "REMAINING"}

// NewEventsCommand reads budget events from the notification stream.
func NewEventsCommand(ctx context.Context) *cobra.Command {
	var (
		count  int64
		after  string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show events published to the notification stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := services()
			if err != nil {
				return err
			}
			if a.Redis == nil {
				return errors.New("events need Redis; lite mode publishes to the log only")
			}
			n := cfg.Notify
			stream := notify.NewStreamNotifier(a.Redis, a.Logger, n.Stream, n.MaxLen, 1)

			var block time.Duration
			if follow {
				block = 5 * time.Second
			}
			for {
				msgs, err := stream.Read(ctx, after, count, block)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("failed to read %s: %w", n.Stream, err)
				}
				if len(msgs) > 0 {
					printEvents(cmd, msgs)
					after = msgs[len(msgs)-1].ID
				}
				if !follow || ctx.Err() != nil {
					return nil
				}
			}
		},
	}

	cmd.Flags().Int64Var(&count, "count", 50, "Events per read")
	cmd.Flags().StringVar(&after, "after", "0", "Stream ID to read after")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep reading new events")

	return cmd
}

func printEvents(cmd *cobra.Command, msgs []redis.XMessage) {
	if outputJSON {
		OutputJSON(cmd.OutOrStdout(), msgs)
		return
	}
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []string{
			m.ID,
			field(m, "event_type"),
			field(m, "principal_id"),
			field(m, "amount"),
			field(m, "new_balance"),
		})
	}
	OutputTable(cmd.OutOrStdout(), eventHeaders, rows)
}

func field(m redis.XMessage, key string) string {
	v, ok := m.Values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}
