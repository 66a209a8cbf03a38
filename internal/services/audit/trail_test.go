package audit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
)

func bal(usage, limit int64) models.Balance {
	return models.Balance{Usage: decimal.NewFromInt(usage), Limit: decimal.NewFromInt(limit)}
}

func entry(id int64, eventType models.AuditEventType, status models.AuditStatus, before, after models.Balance) models.AuditEntry {
	e := models.NewAuditEntry("alice", eventType, status, decimal.Zero, before, after, models.ActorSystem)
	e.EntryID = id
	return *e
}

func TestReplay(t *testing.T) {
	entries := []models.AuditEntry{
		entry(3, models.AuditEventSpend, models.AuditStatusSuccess, bal(0, 100), bal(60, 100)),
		entry(1, models.AuditEventManualAdjust, models.AuditStatusSuccess, bal(0, 0), bal(0, 100)),
		entry(4, models.AuditEventAbuseBlock, models.AuditStatusBlocked, bal(60, 100), bal(60, 100)),
		entry(5, models.AuditEventRefill, models.AuditStatusFailed, bal(60, 100), bal(60, 100)),
		entry(6, models.AuditEventSpend, models.AuditStatusSuccess, bal(60, 100), bal(55, 100)),
	}

	p := Replay("alice", entries)
	assert.True(t, p.Balance.Equal(bal(55, 100)))
	assert.Equal(t, 3, p.Applied)
	assert.Empty(t, p.Breaks)

	t.Run("detects a gap", func(t *testing.T) {
		gapped := append([]models.AuditEntry{}, entries...)
		gapped = append(gapped, entry(7, models.AuditEventRefill, models.AuditStatusSuccess, bal(10, 100), bal(0, 100)))

		p := Replay("alice", gapped)
		require.Len(t, p.Breaks, 1)
		assert.Equal(t, int64(7), p.Breaks[0].EntryID)
		assert.True(t, p.Breaks[0].Expected.Equal(bal(55, 100)))
		assert.True(t, p.Balance.Equal(bal(0, 100)))
	})
}

func seed(t *testing.T, store ledger.Store) *models.Account {
	t.Helper()
	ctx := context.Background()

	acct := &models.Account{PrincipalID: "alice", Role: "user", BudgetLimit: decimal.NewFromInt(100)}
	acct.RefreshStatus(models.DefaultLowWatermark)
	opening := models.NewAuditEntry("alice", models.AuditEventManualAdjust, models.AuditStatusSuccess,
		decimal.NewFromInt(100), models.Balance{}, acct.Balance(), models.ActorSystem)
	require.NoError(t, store.CreateAccount(ctx, acct, opening))

	before := acct.Balance()
	acct.CurrentUsage = decimal.NewFromInt(30)
	spend := models.NewAuditEntry("alice", models.AuditEventSpend, models.AuditStatusSuccess,
		decimal.NewFromInt(30), before, acct.Balance(), "svc")
	require.NoError(t, store.Commit(ctx, ledger.Change{Account: acct, Entries: []*models.AuditEntry{spend}}))

	before = acct.Balance()
	after, _ := models.ResetMode().Apply(before, decimal.NewFromInt(100))
	acct.SetBalance(after)
	refill := models.NewAuditEntry("alice", models.AuditEventRefill, models.AuditStatusSuccess,
		decimal.NewFromInt(100), before, after, models.ActorScheduler)
	require.NoError(t, store.Commit(ctx, ledger.Change{Account: acct, Entries: []*models.AuditEntry{refill}}))

	blocked := models.NewAuditEntry("alice", models.AuditEventAbuseBlock, models.AuditStatusBlocked,
		decimal.NewFromInt(99999), after, after, models.ActorScheduler)
	other := models.NewAuditEntry("bob", models.AuditEventRefill, models.AuditStatusSuccess,
		decimal.NewFromInt(5), models.Balance{}, bal(0, 5), models.ActorScheduler)
	require.NoError(t, store.Commit(ctx, ledger.Change{Entries: []*models.AuditEntry{blocked, other}}))

	return acct
}

func TestTrailHistoryAndWindow(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store)
	trail := NewTrail(store, zap.NewNop())

	page, err := trail.History(ctx, models.AuditFilter{PrincipalID: "alice", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, models.AuditEventManualAdjust, page.Entries[0].EventType)

	page, err = trail.History(ctx, models.AuditFilter{PrincipalID: "alice", Limit: 10000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.Limit)
	assert.Equal(t, 0, page.Offset)

	w, err := trail.Window(ctx, "alice", 24*time.Hour, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.PrincipalRefills)
	assert.Equal(t, int64(1), w.PrincipalSpends)
	assert.Equal(t, int64(1), w.PrincipalBlocks)
	assert.Equal(t, int64(2), w.GlobalRefills)

	w, err = trail.Window(ctx, "alice", time.Hour, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, w.GlobalRefills)
}

func TestTrailVerify(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	acct := seed(t, store)
	trail := NewTrail(store, zap.NewNop())

	drift, err := trail.Verify(ctx, acct)
	require.NoError(t, err)
	assert.Nil(t, drift)

	acct.CurrentUsage = decimal.NewFromInt(7)
	drift, err = trail.Verify(ctx, acct)
	require.NoError(t, err)
	require.NotNil(t, drift)
	assert.True(t, drift.BalanceMismatch())
	assert.True(t, drift.Projected.Equal(bal(0, 100)))
}
