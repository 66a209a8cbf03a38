package worker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/audit"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
	"github.com/amerfu/budgetd/internal/services/lock"
)

func seed(t *testing.T, store ledger.Store, id string) {
	t.Helper()
	ctx := context.Background()
	opened := models.Balance{Limit: decimal.NewFromInt(100)}
	acct := &models.Account{PrincipalID: id, Role: "user", BudgetLimit: opened.Limit}
	acct.RefreshStatus(models.DefaultLowWatermark)
	require.NoError(t, store.CreateAccount(ctx, acct,
		models.NewAuditEntry(id, models.AuditEventManualAdjust, models.AuditStatusSuccess, opened.Limit, models.Balance{}, opened, models.ActorSystem)))

	spent := models.Balance{Usage: decimal.NewFromInt(40), Limit: opened.Limit}
	acct.SetBalance(spent)
	require.NoError(t, store.Commit(ctx, ledger.Change{
		Account: acct,
		Entries: []*models.AuditEntry{models.NewAuditEntry(id, models.AuditEventSpend, models.AuditStatusSuccess, decimal.NewFromInt(40), opened, spent, id)},
	}))
}

func corrupt(t *testing.T, store ledger.Store, id string) {
	t.Helper()
	acct, err := store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	acct.CurrentUsage = decimal.NewFromInt(7)
	require.NoError(t, store.Commit(context.Background(), ledger.Change{Account: acct}))
}

func newReconciler(store ledger.Store, repair bool) *Reconciler {
	return NewReconciler(&ReconcilerConfig{
		Store:     store,
		Trail:     audit.NewTrail(store, zap.NewNop()),
		Locker:    lock.NewKeyedMutex(100 * time.Millisecond),
		Logger:    zap.NewNop(),
		BatchSize: 1,
		Repair:    repair,
	})
}

func TestReconcilerDryRunReportsDrift(t *testing.T) {
	store := ledger.NewMemoryStore()
	seed(t, store, "alice")
	seed(t, store, "bob")
	corrupt(t, store, "bob")

	report, err := newReconciler(store, false).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Drifted)
	assert.Zero(t, report.Repaired)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, "bob", report.Drifts[0].PrincipalID)
	assert.True(t, report.Drifts[0].Projected.Usage.Equal(decimal.NewFromInt(40)))

	acct, err := store.GetAccount(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, acct.CurrentUsage.Equal(decimal.NewFromInt(7)), "dry run leaves the ledger alone")
}

func TestReconcilerRepairsFromTrail(t *testing.T) {
	store := ledger.NewMemoryStore()
	seed(t, store, "bob")
	corrupt(t, store, "bob")
	ctx := context.Background()

	r := newReconciler(store, true)
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	acct, err := store.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, acct.CurrentUsage.Equal(decimal.NewFromInt(40)))

	drift, err := audit.NewTrail(store, zap.NewNop()).Verify(ctx, acct)
	require.NoError(t, err)
	assert.Nil(t, drift, "the repair entry keeps the chain intact")

	entries, _, err := store.ListAudit(ctx, models.AuditFilter{PrincipalID: "bob", EventTypes: []models.AuditEventType{models.AuditEventManualAdjust}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActorReconciler, entries[1].Actor)
	assert.Equal(t, "7", entries[1].Metadata["ledger_usage"])

	report, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Drifted)
}

func TestReconcilerSkipsWhenAnotherPassRuns(t *testing.T) {
	store := ledger.NewMemoryStore()
	locker := lock.NewKeyedMutex(20 * time.Millisecond)
	held, err := locker.Acquire(context.Background(), reconcilerLockKey)
	require.NoError(t, err)
	defer held.Release(context.Background())

	r := NewReconciler(&ReconcilerConfig{Store: store, Trail: audit.NewTrail(store, zap.NewNop()), Locker: locker, Logger: zap.NewNop()})
	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
}
