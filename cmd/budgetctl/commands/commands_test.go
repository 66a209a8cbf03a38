package commands

import (
	"bytes"
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/app"
	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/infrastructure/testutil"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/budget"
	"github.com/amerfu/budgetd/internal/services/notify"
)

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: "memory"},
		Refill: config.RefillSettings{
			RoleDefaults: map[string]config.PolicyConfig{
				"user": {
					Enabled:  true,
					Amount:   "100",
					Mode:     "RESET",
					Schedule: config.ScheduleConfig{IntervalUnit: "day"},
				},
			},
		},
	}
}

func setup(t *testing.T) *app.App {
	t.Helper()
	cfg := testConfig()
	a, err := app.New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, app.ModeLite, a.Mode)

	SetApp(a)
	SetConfig(cfg)
	SetOutputJSON(false)
	t.Cleanup(func() {
		Close()
		SetConfig(nil)
	})

	_, err = a.Service.Ensure(context.Background(), budget.Identity{PrincipalID: "alice", Role: "user"})
	require.NoError(t, err)
	return a
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestStatusCommand(t *testing.T) {
	setup(t)
	ctx := context.Background()

	out, err := run(t, NewStatusCommand(ctx), "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "ACTIVE")

	_, err = run(t, NewStatusCommand(ctx), "nobody")
	assert.Error(t, err)
}

func TestRefillCommand(t *testing.T) {
	a := setup(t)
	ctx := context.Background()

	_, err := run(t, NewRefillCommand(ctx))
	assert.Error(t, err, "needs a principal or --all")

	out, err := run(t, NewRefillCommand(ctx), "alice", "--amount", "250", "--mode", "ADD")
	require.NoError(t, err)
	assert.Contains(t, out, "alice: COMPLETED")

	acct, err := a.Store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "350", acct.BudgetLimit.String())

	out, err = run(t, NewRefillCommand(ctx), "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded 1")

	_, err = run(t, NewRefillCommand(ctx), "alice", "--amount", "10", "--mode", "DOUBLE")
	assert.Error(t, err)
}

func TestAuditAndVerifyCommands(t *testing.T) {
	setup(t)
	ctx := context.Background()

	_, err := run(t, NewSuspendCommand(ctx), "alice", "--reason", "fraud review")
	require.NoError(t, err)

	out, err := run(t, NewAuditCommand(ctx), "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "MANUAL_ADJUST")
	assert.Contains(t, out, "2 of 2 entries")

	out, err = run(t, NewVerifyCommand(ctx), "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "consistent")

	out, err = run(t, NewVerifyCommand(ctx))
	require.NoError(t, err)
	assert.Contains(t, out, "scanned 1, drifted 0")
}

func TestLifecycleCommands(t *testing.T) {
	setup(t)
	ctx := context.Background()

	out, err := run(t, NewSuspendCommand(ctx), "alice", "--reason", "chargeback")
	require.NoError(t, err)
	assert.Contains(t, out, "SUSPENDED")

	out, err = run(t, NewReinstateCommand(ctx), "alice", "--reason", "resolved")
	require.NoError(t, err)
	assert.Contains(t, out, "ACTIVE")

	_, err = run(t, NewReinstateCommand(ctx), "alice")
	assert.Error(t, err, "reason is required")
}

func TestPolicyExplainCommand(t *testing.T) {
	setup(t)

	out, err := run(t, NewPolicyCommand(context.Background()), "explain", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "ROLE_DEFAULT")
	assert.Contains(t, out, "next fire:")
}

func TestConfigValidateCommand(t *testing.T) {
	setup(t)

	out, err := run(t, NewConfigCommand(), "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "1 role defaults")

	broken := testConfig()
	broken.Refill.RoleDefaults["user"] = config.PolicyConfig{Enabled: true, Amount: "100", Mode: "DOUBLE"}
	SetConfig(broken)
	_, err = run(t, NewConfigCommand(), "validate")
	assert.Error(t, err)
}

func TestEventsCommand(t *testing.T) {
	a := setup(t)
	ctx := context.Background()

	_, err := run(t, NewEventsCommand(ctx))
	assert.ErrorContains(t, err, "Redis")

	_, client := testutil.NewMiniRedis(t)
	a.Redis = client
	cfg.Notify.Stream = "budget:events"

	stream := notify.NewStreamNotifier(client, zap.NewNop(), cfg.Notify.Stream, 100, 1)
	for _, amount := range []string{"12.5", "7.25"} {
		require.NoError(t, stream.Notify(ctx, notify.Event{
			ID:          "ev-" + amount,
			PrincipalID: "alice",
			EventType:   models.AuditEventRefill,
			Amount:      decimal.RequireFromString(amount),
			NewBalance:  decimal.NewFromInt(100),
		}))
	}

	out, err := run(t, NewEventsCommand(ctx))
	require.NoError(t, err)
	assert.Contains(t, out, "REFILL")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "12.5")
	assert.Contains(t, out, "7.25")

	out, err = run(t, NewEventsCommand(ctx), "--count", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "12.5")
	assert.NotContains(t, out, "7.25")
}
