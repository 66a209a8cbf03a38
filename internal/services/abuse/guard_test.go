package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/audit"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
)

func abuseConfig() config.AbuseConfig {
	return config.AbuseConfig{
		Enabled:                      true,
		Window:                       24 * time.Hour,
		MaxRefillsPerPrincipalPerDay: 2,
		MaxRefillsPerDay:             3,
		MaxSingleRefill:              "1000",
	}
}

func record(t *testing.T, store ledger.Store, principalID string, eventType models.AuditEventType, status models.AuditStatus) {
	t.Helper()
	e := models.NewAuditEntry(principalID, eventType, status, decimal.NewFromInt(1),
		models.Balance{}, models.Balance{}, models.ActorScheduler)
	require.NoError(t, store.Commit(context.Background(), ledger.Change{Entries: []*models.AuditEntry{e}}))
}

func newGuard() (*Guard, ledger.Store) {
	store := ledger.NewMemoryStore()
	return NewGuard(audit.NewTrail(store, zap.NewNop())), store
}

func TestMaxSingleRefillBoundary(t *testing.T) {
	guard, _ := newGuard()
	ctx := context.Background()

	v, err := guard.Evaluate(ctx, "alice", decimal.RequireFromString("1000"), abuseConfig(), time.Now())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.NoError(t, v.Err("alice"))

	v, err = guard.Evaluate(ctx, "alice", decimal.RequireFromString("1000.01"), abuseConfig(), time.Now())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, RuleMaxSingleRefill, v.Rule)

	var blocked *models.AbuseBlockedError
	require.ErrorAs(t, v.Err("alice"), &blocked)
	assert.Equal(t, RuleMaxSingleRefill, blocked.Rule)
}

func TestPrincipalAndDeploymentCaps(t *testing.T) {
	guard, store := newGuard()
	ctx := context.Background()
	cfg := abuseConfig()
	one := decimal.NewFromInt(1)

	record(t, store, "alice", models.AuditEventRefill, models.AuditStatusSuccess)
	record(t, store, "alice", models.AuditEventRefill, models.AuditStatusFailed)

	v, err := guard.Evaluate(ctx, "alice", one, cfg, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, v.Allowed, "failed refills do not count")

	record(t, store, "alice", models.AuditEventRefill, models.AuditStatusSuccess)
	v, err = guard.Evaluate(ctx, "alice", one, cfg, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, RulePrincipalDailyCap, v.Rule)

	record(t, store, "bob", models.AuditEventRefill, models.AuditStatusSuccess)
	v, err = guard.Evaluate(ctx, "carol", one, cfg, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, RuleDeploymentDailyCap, v.Rule)

	v, err = guard.Evaluate(ctx, "carol", one, cfg, time.Now().Add(25*time.Hour))
	require.NoError(t, err)
	assert.True(t, v.Allowed, "window rolls over")
}

func TestSuspendAfterBlocks(t *testing.T) {
	guard, store := newGuard()
	ctx := context.Background()
	cfg := abuseConfig()
	cfg.SuspendAfterBlocks = 2
	big := decimal.NewFromInt(5000)

	v, err := guard.Evaluate(ctx, "alice", big, cfg, time.Now())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.False(t, v.Suspend)

	record(t, store, "alice", models.AuditEventAbuseBlock, models.AuditStatusBlocked)

	v, err = guard.Evaluate(ctx, "alice", big, cfg, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.True(t, v.Suspend)
}

func TestDisabledGuard(t *testing.T) {
	guard, _ := newGuard()
	cfg := abuseConfig()
	cfg.Enabled = false

	v, err := guard.Evaluate(context.Background(), "alice", decimal.NewFromInt(1_000_000), cfg, time.Now())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestInvalidMaxSingleRefill(t *testing.T) {
	guard, _ := newGuard()
	cfg := abuseConfig()
	cfg.MaxSingleRefill = "many"

	_, err := guard.Evaluate(context.Background(), "alice", decimal.NewFromInt(1), cfg, time.Now())
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
