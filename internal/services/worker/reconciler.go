package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/audit"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
	"github.com/amerfu/budgetd/internal/services/lock"
	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
)

const reconcilerLockKey = "budget:reconciler"

// Reconciler compares every ledger row with the replay of its audit trail
// and, when repair is enabled, rewrites the row to match the trail.
type Reconciler struct {
	store     ledger.Store
	trail     *audit.Trail
	locker    lock.Locker
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
	repair    bool
	watermark decimal.Decimal
	stopCh    chan struct{}
}

type ReconcilerConfig struct {
	Store        ledger.Store
	Trail        *audit.Trail
	Locker       lock.Locker
	Logger       *zap.Logger
	Interval     time.Duration
	BatchSize    int
	Repair       bool
	LowWatermark decimal.Decimal
}

func NewReconciler(config *ReconcilerConfig) *Reconciler {
	if config.BatchSize == 0 {
		config.BatchSize = 500
	}
	if config.Interval == 0 {
		config.Interval = 10 * time.Minute
	}
	if config.LowWatermark.IsZero() {
		config.LowWatermark = models.DefaultLowWatermark
	}
	if config.Locker == nil {
		config.Locker = lock.NewKeyedMutex(0)
	}

	return &Reconciler{
		store:     config.Store,
		trail:     config.Trail,
		locker:    config.Locker,
		logger:    config.Logger,
		interval:  config.Interval,
		batchSize: config.BatchSize,
		repair:    config.Repair,
		watermark: config.LowWatermark,
		stopCh:    make(chan struct{}),
	}
}

// Report summarises one reconciliation pass.
type Report struct {
	Scanned  int           `json:"scanned"`
	Drifted  int           `json:"drifted"`
	Repaired int           `json:"repaired"`
	Breaks   int           `json:"chain_breaks"`
	Drifts   []audit.Drift `json:"drifts,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Start begins periodic reconciliation.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting ledger reconciler",
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize),
		zap.Bool("repair", r.repair))

	go r.loop(ctx)
	return nil
}

func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping ledger reconciler")
	close(r.stopCh)
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Ledger reconciler context cancelled")
			return
		case <-r.stopCh:
			r.logger.Info("Ledger reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("Error reconciling ledger", zap.Error(err))
			}
		}
	}
}

// RunOnce verifies every account. Only one instance runs a pass at a time;
// others skip the round.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	lease, err := r.locker.Acquire(ctx, reconcilerLockKey)
	if err != nil {
		var timeout *models.LockTimeoutError
		if errors.As(err, &timeout) {
			r.logger.Debug("Could not acquire reconciler lock, skipping pass")
			return nil, nil
		}
		return nil, err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	start := time.Now()
	report := &Report{}
	after := ""
	for {
		accts, err := r.store.ListAccounts(ctx, ledger.AccountFilter{After: after, Limit: r.batchSize, IncludeArchived: true})
		if err != nil {
			return report, fmt.Errorf("failed to list accounts: %w", err)
		}
		for i := range accts {
			if err := r.check(ctx, &accts[i], report); err != nil {
				r.logger.Error("Failed to reconcile account",
					zap.String("principal_id", accts[i].PrincipalID),
					zap.Error(err))
			}
		}
		if len(accts) < r.batchSize {
			break
		}
		after = accts[len(accts)-1].PrincipalID
	}
	report.Duration = time.Since(start)

	r.logger.Info("Ledger reconciliation finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("drifted", report.Drifted),
		zap.Int("repaired", report.Repaired),
		zap.Int("chain_breaks", report.Breaks),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (r *Reconciler) check(ctx context.Context, acct *models.Account, report *Report) error {
	report.Scanned++
	drift, err := r.trail.Verify(ctx, acct)
	if err != nil {
		return err
	}
	if drift == nil {
		return nil
	}

	report.Breaks += len(drift.Breaks)
	if !drift.BalanceMismatch() {
		return nil
	}
	report.Drifted++
	report.Drifts = append(report.Drifts, *drift)
	metrics.RecordDrift()

	if !r.repair {
		return nil
	}
	repaired, err := r.Repair(ctx, acct.PrincipalID)
	if err != nil {
		return err
	}
	if repaired {
		report.Repaired++
	}
	return nil
}

// Repair rewrites the ledger row to its audit projection under the principal
// lock. The repair entry continues the chain from the projected balance and
// keeps the overwritten ledger figures in its metadata.
func (r *Reconciler) Repair(ctx context.Context, principalID string) (bool, error) {
	lease, err := r.locker.Acquire(ctx, lock.PrincipalKey(principalID))
	if err != nil {
		return false, err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	// Verify again: a refill or spend may have landed since the scan.
	acct, err := r.store.GetAccount(ctx, principalID)
	if err != nil {
		return false, err
	}
	drift, err := r.trail.Verify(ctx, acct)
	if err != nil {
		return false, err
	}
	if drift == nil || !drift.BalanceMismatch() {
		return false, nil
	}

	projected := drift.Projected
	entry := models.NewAuditEntry(principalID, models.AuditEventManualAdjust, models.AuditStatusSuccess,
		decimal.Zero, projected, projected, models.ActorReconciler)
	entry.Reason = "ledger repaired from audit trail"
	entry.WithMeta("ledger_usage", drift.Ledger.Usage.String()).
		WithMeta("ledger_limit", drift.Ledger.Limit.String())

	acct.SetBalance(projected)
	acct.RefreshStatus(r.watermark)

	if err := r.store.Commit(ctx, ledger.Change{Account: acct, Entries: []*models.AuditEntry{entry}}); err != nil {
		return false, err
	}

	r.logger.Warn("Repaired drifted ledger row",
		zap.String("principal_id", principalID),
		zap.String("ledger_usage", drift.Ledger.Usage.String()),
		zap.String("ledger_limit", drift.Ledger.Limit.String()),
		zap.String("usage", projected.Usage.String()),
		zap.String("limit", projected.Limit.String()))
	return true, nil
}
