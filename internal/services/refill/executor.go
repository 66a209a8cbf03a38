// Package refill applies one refill policy to one account under the
// per-principal lock.
package refill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/abuse"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
	"github.com/amerfu/budgetd/internal/services/lock"
	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
	"github.com/amerfu/budgetd/internal/services/notify"
	"github.com/amerfu/budgetd/internal/services/policy"
)

type Trigger string

const (
	TriggerScheduled Trigger = models.TriggerScheduled
	TriggerManual    Trigger = "manual"
)

// Request describes one refill attempt.
type Request struct {
	PrincipalID string
	Policy      *policy.Policy
	Actor       string
	Trigger     Trigger
	// Abuse holds the thresholds from the snapshot the attempt started with.
	Abuse config.AbuseConfig
}

type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeSkipped   Outcome = "SKIPPED"
	OutcomeBlocked   Outcome = "BLOCKED"
	OutcomeFailed    Outcome = "FAILED"
)

type Result struct {
	Outcome Outcome            `json:"outcome"`
	Entry   *models.AuditEntry `json:"entry,omitempty"`
	Account *models.Account    `json:"account,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// StatusInvalidator drops cached status views after a mutation.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, principalID string) error
}

type Options struct {
	LowWatermark decimal.Decimal
	// ManualTimeout bounds a manual refill once its lock is held.
	ManualTimeout time.Duration
	// CatchUpGrace is how late a single due fire may run before it is
	// reported as a catch-up.
	CatchUpGrace time.Duration
}

type Executor struct {
	store    ledger.Store
	locker   lock.Locker
	guard    *abuse.Guard
	notifier notify.Notifier
	cache    StatusInvalidator
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

func NewExecutor(store ledger.Store, locker lock.Locker, guard *abuse.Guard, notifier notify.Notifier, cache StatusInvalidator, logger *zap.Logger, opts Options) *Executor {
	if opts.LowWatermark.IsZero() {
		opts.LowWatermark = models.DefaultLowWatermark
	}
	if opts.ManualTimeout <= 0 {
		opts.ManualTimeout = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Executor{
		store:    store,
		locker:   locker,
		guard:    guard,
		notifier: notifier,
		cache:    cache,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Scheduler tests drive both from one clock.
func (x *Executor) SetClock(now func() time.Time) {
	x.now = now
}

// Execute runs one refill. Scheduled requests re-check due-ness under the
// lock and are skipped when another run got there first. Manual requests can
// be cancelled only until the lock is held.
func (x *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Policy == nil {
		return nil, &models.ConfigurationError{Key: req.PrincipalID, Field: "policy", Reason: "no refill policy"}
	}

	lease, err := x.locker.Acquire(ctx, lock.PrincipalKey(req.PrincipalID))
	if err != nil {
		if req.Trigger == TriggerManual && errors.Is(err, context.Canceled) {
			return nil, err
		}
		x.fail(ctx, req, nil, err)
		return &Result{Outcome: OutcomeFailed, Reason: err.Error()}, err
	}

	if req.Trigger == TriggerManual {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), x.opts.ManualTimeout)
		defer cancel()
	}

	res, err := x.locked(ctx, req)
	x.release(ctx, lease, lock.PrincipalKey(req.PrincipalID))

	if res != nil && res.Entry != nil {
		x.afterCommit(ctx, req, res)
	}
	if err != nil {
		if res == nil || res.Outcome != OutcomeBlocked {
			x.fail(ctx, req, res, err)
		}
		return res, err
	}
	return res, nil
}

func (x *Executor) locked(ctx context.Context, req Request) (*Result, error) {
	acct, err := x.store.GetAccount(ctx, req.PrincipalID)
	if err != nil {
		return nil, err
	}
	if acct.IsArchived() {
		return &Result{Outcome: OutcomeSkipped, Account: acct, Reason: "archived"}, models.ErrAccountArchived
	}

	now := x.now()
	catchUp := false
	missed := 0
	if req.Trigger == TriggerScheduled {
		var latest time.Time
		missed, latest = req.Policy.Elapsed(Anchor(acct), now)
		if missed == 0 {
			return &Result{Outcome: OutcomeSkipped, Account: acct, Reason: "not due"}, nil
		}
		catchUp = missed > 1 || (x.opts.CatchUpGrace > 0 && now.Sub(latest) > x.opts.CatchUpGrace)
	}

	before := acct.Balance()

	// Held across the cap check and the commit so the deployment-wide count
	// cannot move in between.
	if req.Abuse.Enabled && req.Abuse.MaxRefillsPerDay > 0 {
		global, err := x.locker.Acquire(ctx, lock.DeploymentRefillKey)
		if err != nil {
			return &Result{Outcome: OutcomeFailed, Account: acct}, err
		}
		defer x.release(ctx, global, lock.DeploymentRefillKey)
	}

	verdict, err := x.guard.Evaluate(ctx, req.PrincipalID, req.Policy.Amount, req.Abuse, now)
	if err != nil {
		return &Result{Outcome: OutcomeFailed, Account: acct}, err
	}
	if !verdict.Allowed {
		return x.block(ctx, req, acct, verdict)
	}

	after, credited := req.Policy.Mode.Apply(before, req.Policy.Amount)
	acct.SetBalance(after)
	// total_refilled counts the policy amount; the capped figure is in the
	// entry's credited metadata.
	acct.TotalRefilled = acct.TotalRefilled.Add(req.Policy.Amount)
	acct.RefillCount++
	acct.LastRefillAt = &now
	if req.Trigger == TriggerScheduled {
		acct.ScheduledAt = &now
	}
	acct.RefreshStatus(x.opts.LowWatermark)

	entry := models.NewAuditEntry(req.PrincipalID, models.AuditEventRefill, models.AuditStatusSuccess,
		req.Policy.Amount, before, after, req.Actor)
	entry.Timestamp = now
	describe(entry, req)
	entry.WithMeta(models.MetaCredited, credited.String()).
		WithMeta(models.MetaCatchUp, catchUp)
	if req.Trigger == TriggerScheduled {
		entry.WithMeta(models.MetaMissedPeriods, missed)
	}

	if err := x.store.Commit(ctx, ledger.Change{Account: acct, Entries: []*models.AuditEntry{entry}}); err != nil {
		return &Result{Outcome: OutcomeFailed, Account: acct}, commitErr("refill", err)
	}

	return &Result{Outcome: OutcomeCompleted, Entry: entry, Account: acct}, nil
}

func (x *Executor) block(ctx context.Context, req Request, acct *models.Account, verdict *abuse.Verdict) (*Result, error) {
	now := x.now()
	bal := acct.Balance()
	entry := models.NewAuditEntry(req.PrincipalID, models.AuditEventAbuseBlock, models.AuditStatusBlocked,
		req.Policy.Amount, bal, bal, req.Actor)
	entry.Timestamp = now
	entry.Reason = verdict.Detail
	describe(entry, req)
	entry.WithMeta(models.MetaRule, verdict.Rule)

	change := ledger.Change{Entries: []*models.AuditEntry{entry}}
	if req.Trigger == TriggerScheduled {
		// A blocked scheduled refill forfeits the period.
		acct.ScheduledAt = &now
		change.Account = acct
	}
	if verdict.Suspend && !acct.Suspended {
		acct.Suspended = true
		acct.SuspendedReason = "abuse guard: " + verdict.Rule
		acct.RefreshStatus(x.opts.LowWatermark)
		change.Account = acct
	}

	if err := x.store.Commit(ctx, change); err != nil {
		return &Result{Outcome: OutcomeFailed, Account: acct}, commitErr("abuse block", err)
	}
	return &Result{Outcome: OutcomeBlocked, Entry: entry, Account: acct, Reason: verdict.Detail}, verdict.Err(req.PrincipalID)
}

func (x *Executor) release(ctx context.Context, lease lock.Lease, key string) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		x.logger.Warn("Failed to release lock",
			zap.String("key", key),
			zap.Error(err))
	}
}

// afterCommit runs outside the lock.
func (x *Executor) afterCommit(ctx context.Context, req Request, res *Result) {
	if x.cache != nil {
		if err := x.cache.Invalidate(context.WithoutCancel(ctx), req.PrincipalID); err != nil {
			x.logger.Warn("Failed to invalidate cached status",
				zap.String("principal_id", req.PrincipalID),
				zap.Error(err))
		}
	}

	switch res.Outcome {
	case OutcomeCompleted:
		metrics.RecordRefill(string(req.Trigger), string(OutcomeCompleted))
		if amt, ok := res.Entry.Metadata[models.MetaCredited].(string); ok {
			if credited, err := decimal.NewFromString(amt); err == nil {
				metrics.RecordRefilledAmount(req.Policy.Mode.String(), credited.InexactFloat64())
			}
		}
		x.logger.Info("Refill applied",
			zap.String("principal_id", req.PrincipalID),
			zap.String("trigger", string(req.Trigger)),
			zap.String("actor", req.Actor),
			zap.String("new_limit", res.Account.BudgetLimit.String()),
			zap.String("new_usage", res.Account.CurrentUsage.String()),
			zap.Any("policy", req.Policy.Describe()))
	case OutcomeBlocked:
		metrics.RecordRefill(string(req.Trigger), string(OutcomeBlocked))
		x.logger.Warn("Refill blocked by abuse guard",
			zap.String("principal_id", req.PrincipalID),
			zap.String("reason", res.Reason),
			zap.Bool("suspended", res.Account.Suspended),
			zap.Any("policy", req.Policy.Describe()))
	}

	if err := x.notifier.Notify(ctx, notify.FromEntry(res.Entry)); err != nil {
		x.logger.Warn("Failed to emit refill notification",
			zap.String("principal_id", req.PrincipalID),
			zap.Error(err))
	}
}

// fail records a FAILED refill entry. It is best effort: the store may be the
// reason the attempt failed.
func (x *Executor) fail(ctx context.Context, req Request, res *Result, cause error) {
	if errors.Is(cause, models.ErrAccountNotFound) || errors.Is(cause, models.ErrAccountArchived) {
		return
	}
	metrics.RecordRefill(string(req.Trigger), string(OutcomeFailed))

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var bal models.Balance
	if res != nil && res.Account != nil {
		bal = res.Account.Balance()
	}
	reason := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "refill timed out: " + reason
	}

	entry := models.NewAuditEntry(req.PrincipalID, models.AuditEventRefill, models.AuditStatusFailed,
		req.Policy.Amount, bal, bal, req.Actor)
	entry.ErrorMessage = reason
	describe(entry, req)

	if err := x.store.Commit(writeCtx, ledger.Change{Entries: []*models.AuditEntry{entry}}); err != nil {
		x.logger.Error("Failed to record failed refill",
			zap.String("principal_id", req.PrincipalID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}

	x.logger.Error("Refill failed",
		zap.String("principal_id", req.PrincipalID),
		zap.String("trigger", string(req.Trigger)),
		zap.Any("policy", req.Policy.Describe()),
		zap.Error(cause))
}

// RecordConfigurationError writes a FAILED entry for a principal whose policy
// could not be resolved.
func (x *Executor) RecordConfigurationError(ctx context.Context, principalID string, cause error) error {
	entry := models.NewAuditEntry(principalID, models.AuditEventRefill, models.AuditStatusFailed,
		decimal.Zero, models.Balance{}, models.Balance{}, models.ActorScheduler)
	entry.ErrorMessage = cause.Error()
	entry.Reason = "policy misconfigured"
	if err := x.store.Commit(ctx, ledger.Change{Entries: []*models.AuditEntry{entry}}); err != nil {
		return fmt.Errorf("failed to record configuration error: %w", err)
	}
	metrics.RecordRefill(string(TriggerScheduled), "misconfigured")
	return nil
}

func describe(entry *models.AuditEntry, req Request) {
	entry.WithMeta(models.MetaTrigger, string(req.Trigger)).
		WithMeta(models.MetaPolicySource, string(req.Policy.Source)).
		WithMeta(models.MetaPolicyMode, req.Policy.Mode.String()).
		WithMeta(models.MetaPolicyAmount, req.Policy.Amount.String())
	if req.Policy.Schedule != nil {
		entry.WithMeta(models.MetaPolicySchedule, req.Policy.Schedule.String())
	}
}

func commitErr(op string, err error) error {
	var pe *models.PersistenceError
	if errors.Is(err, models.ErrAccountNotFound) || errors.As(err, &pe) {
		return err
	}
	return &models.PersistenceError{Op: op, Err: err}
}

// Anchor is the instant the next fire time is computed from: the last period
// the scheduler consumed, or account creation when there has been none.
// Manual refills do not move it.
func Anchor(acct *models.Account) time.Time {
	if acct.ScheduledAt != nil && !acct.ScheduledAt.IsZero() {
		return *acct.ScheduledAt
	}
	return acct.CreatedAt
}
