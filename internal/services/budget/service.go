package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/data/ledger"
	"github.com/amerfu/budgetd/internal/services/lock"
	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
	"github.com/amerfu/budgetd/internal/services/policy"
)

// Lifecycle actions recorded in MANUAL_ADJUST metadata.
const (
	ActionOpen      = "open"
	ActionSuspend   = "suspend"
	ActionReinstate = "reinstate"
	ActionArchive   = "archive"
	ActionAdjust    = "adjust"

	metaAction = "action"
)

// StatusCache is a read-through cache of status views. The Redis status
// cache implements it. Set must drop a view whose generation was bumped by
// an Invalidate after Generation was read.
type StatusCache interface {
	Get(ctx context.Context, principalID string) (*models.AccountStatusView, error)
	Generation(ctx context.Context, principalID string) (int64, error)
	Set(ctx context.Context, view models.AccountStatusView, gen int64) (bool, error)
	Invalidate(ctx context.Context, principalID string) error
}

// Service owns account lifecycle and the spend gate. Every mutation runs
// under the principal lock shared with the refill executor.
type Service struct {
	store    ledger.Store
	locker   lock.Locker
	resolver *policy.Resolver
	cache    StatusCache
	logger   *zap.Logger

	lowWatermark   decimal.Decimal
	defaultRole    string
	defaultLimit   decimal.Decimal
	reservationTTL time.Duration
	now            func() time.Time
}

type ServiceConfig struct {
	Store          ledger.Store
	Locker         lock.Locker
	Resolver       *policy.Resolver
	Cache          StatusCache
	Logger         *zap.Logger
	LowWatermark   decimal.Decimal
	DefaultRole    string
	DefaultLimit   decimal.Decimal
	ReservationTTL time.Duration
	Now            func() time.Time
}

// ApplyConfig copies the budget section into the service config.
func (c *ServiceConfig) ApplyConfig(cfg config.BudgetConfig) error {
	if cfg.LowWatermark != "" {
		wm, err := decimal.NewFromString(cfg.LowWatermark)
		if err != nil || !wm.IsPositive() || wm.GreaterThan(decimal.NewFromInt(1)) {
			return &models.ConfigurationError{Key: "budget", Field: "low_watermark", Reason: fmt.Sprintf("must be in (0, 1], got %q", cfg.LowWatermark)}
		}
		c.LowWatermark = wm
	}
	if cfg.DefaultLimit != "" {
		limit, err := decimal.NewFromString(cfg.DefaultLimit)
		if err != nil || limit.IsNegative() {
			return &models.ConfigurationError{Key: "budget", Field: "default_limit", Reason: fmt.Sprintf("must be a non-negative decimal, got %q", cfg.DefaultLimit)}
		}
		c.DefaultLimit = limit
	}
	c.DefaultRole = cfg.DefaultRole
	c.ReservationTTL = cfg.ReservationTTL
	return nil
}

func NewService(config *ServiceConfig) *Service {
	s := &Service{
		store:          config.Store,
		locker:         config.Locker,
		resolver:       config.Resolver,
		cache:          config.Cache,
		logger:         config.Logger,
		lowWatermark:   config.LowWatermark,
		defaultRole:    config.DefaultRole,
		defaultLimit:   config.DefaultLimit,
		reservationTTL: config.ReservationTTL,
		now:            config.Now,
	}
	if s.lowWatermark.IsZero() {
		s.lowWatermark = models.DefaultLowWatermark
	}
	if s.defaultRole == "" {
		s.defaultRole = "user"
	}
	if s.reservationTTL <= 0 {
		s.reservationTTL = 15 * time.Minute
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Identity is what the caller's credentials say about a principal.
type Identity struct {
	PrincipalID string
	Role        string
	Email       string
	ExternalID  string
}

// Ensure returns the principal's account, creating it on first sight with
// the initial allowance of its resolved policy. The opening balance is
// audited so replay starts from zero.
func (s *Service) Ensure(ctx context.Context, id Identity) (*models.Account, error) {
	if id.PrincipalID == "" {
		return nil, fmt.Errorf("principal id is required")
	}

	acct, err := s.store.GetAccount(ctx, id.PrincipalID)
	if err == nil {
		return s.syncIdentity(ctx, acct, id)
	}
	if !errors.Is(err, models.ErrAccountNotFound) {
		return nil, err
	}
	if id.Role == "" {
		id.Role = s.defaultRole
	}

	allowance := s.initialAllowance(id)
	now := s.now()
	acct = &models.Account{
		PrincipalID:  id.PrincipalID,
		Role:         id.Role,
		Email:        id.Email,
		ExternalID:   id.ExternalID,
		BudgetLimit:  allowance,
		CurrentUsage: decimal.Zero,
		CreatedAt:    now,
	}
	acct.RefreshStatus(s.lowWatermark)

	entry := models.NewAuditEntry(id.PrincipalID, models.AuditEventManualAdjust, models.AuditStatusSuccess,
		allowance, models.Balance{}, acct.Balance(), models.ActorSystem)
	entry.Timestamp = now
	entry.Reason = "account opened"
	entry.WithMeta(metaAction, ActionOpen)

	if err := s.store.CreateAccount(ctx, acct, entry); err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			return s.store.GetAccount(ctx, id.PrincipalID)
		}
		return nil, err
	}

	s.logger.Info("Opened budget account",
		zap.String("principal_id", id.PrincipalID),
		zap.String("role", id.Role),
		zap.String("initial_allowance", allowance.String()))
	return acct, nil
}

func (s *Service) initialAllowance(id Identity) decimal.Decimal {
	if s.resolver == nil {
		return s.defaultLimit
	}
	pol, err := s.resolver.Resolve(policy.Principal{ID: id.PrincipalID, Role: id.Role, Email: id.Email, ExternalID: id.ExternalID})
	if err != nil {
		s.logger.Warn("Refill policy misconfigured, opening with default limit",
			zap.String("principal_id", id.PrincipalID),
			zap.Error(err))
		return s.defaultLimit
	}
	if pol == nil {
		return s.defaultLimit
	}
	return pol.Amount
}

// syncIdentity records a role or contact change reported by the identity
// provider. Balances are untouched.
func (s *Service) syncIdentity(ctx context.Context, acct *models.Account, id Identity) (*models.Account, error) {
	if (id.Role == "" || acct.Role == id.Role) &&
		(id.Email == "" || acct.Email == id.Email) &&
		(id.ExternalID == "" || acct.ExternalID == id.ExternalID) {
		return acct, nil
	}

	var updated *models.Account
	err := s.withLock(ctx, acct.PrincipalID, func(ctx context.Context) error {
		current, err := s.store.GetAccount(ctx, acct.PrincipalID)
		if err != nil {
			return err
		}
		if id.Role != "" {
			current.Role = id.Role
		}
		if id.Email != "" {
			current.Email = id.Email
		}
		if id.ExternalID != "" {
			current.ExternalID = id.ExternalID
		}
		if err := s.store.Commit(ctx, ledger.Change{Account: current}); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Status returns the principal's status view, served from the cache when
// possible.
func (s *Service) Status(ctx context.Context, principalID string) (*models.AccountStatusView, error) {
	cacheable := false
	var gen int64
	if s.cache != nil {
		view, err := s.cache.Get(ctx, principalID)
		if err != nil {
			s.logger.Debug("Status cache read failed", zap.String("principal_id", principalID), zap.Error(err))
		}
		if view != nil {
			metrics.RecordStatusCache(true)
			return view, nil
		}
		metrics.RecordStatusCache(false)

		gen, err = s.cache.Generation(ctx, principalID)
		cacheable = err == nil
	}

	acct, err := s.store.GetAccount(ctx, principalID)
	if err != nil {
		return nil, err
	}
	view := acct.View()
	if cacheable && !acct.IsArchived() {
		written, err := s.cache.Set(ctx, view, gen)
		if err != nil {
			s.logger.Debug("Status cache write failed", zap.String("principal_id", principalID), zap.Error(err))
		} else if !written {
			s.logger.Debug("Status changed while loading, not cached", zap.String("principal_id", principalID))
		}
	}
	return &view, nil
}

// Account returns the raw ledger row.
func (s *Service) Account(ctx context.Context, principalID string) (*models.Account, error) {
	return s.store.GetAccount(ctx, principalID)
}

// Suspend blocks spending until an admin reinstates the account.
func (s *Service) Suspend(ctx context.Context, principalID, actor, reason string) (*models.Account, error) {
	return s.lifecycle(ctx, principalID, actor, ActionSuspend, reason, func(a *models.Account) error {
		a.Suspended = true
		a.SuspendedReason = reason
		return nil
	})
}

func (s *Service) Reinstate(ctx context.Context, principalID, actor, reason string) (*models.Account, error) {
	return s.lifecycle(ctx, principalID, actor, ActionReinstate, reason, func(a *models.Account) error {
		a.Suspended = false
		a.SuspendedReason = ""
		return nil
	})
}

// Archive soft-deletes the account. Archived accounts are not refilled and
// reject new reservations.
func (s *Service) Archive(ctx context.Context, principalID, actor, reason string) (*models.Account, error) {
	return s.lifecycle(ctx, principalID, actor, ActionArchive, reason, func(a *models.Account) error {
		now := s.now()
		a.ArchivedAt = &now
		return nil
	})
}

// Adjustment sets the limit, the usage or both.
type Adjustment struct {
	Limit  *decimal.Decimal `json:"budget_limit,omitempty"`
	Usage  *decimal.Decimal `json:"current_usage,omitempty"`
	Reason string           `json:"reason"`
}

func (s *Service) Adjust(ctx context.Context, principalID, actor string, adj Adjustment) (*models.Account, error) {
	if adj.Limit == nil && adj.Usage == nil {
		return nil, fmt.Errorf("%w: nothing to adjust", models.ErrInvalidAmount)
	}
	if (adj.Limit != nil && adj.Limit.IsNegative()) || (adj.Usage != nil && adj.Usage.IsNegative()) {
		return nil, models.ErrInvalidAmount
	}
	return s.lifecycle(ctx, principalID, actor, ActionAdjust, adj.Reason, func(a *models.Account) error {
		if adj.Limit != nil {
			a.BudgetLimit = *adj.Limit
		}
		if adj.Usage != nil {
			a.CurrentUsage = *adj.Usage
		}
		return nil
	})
}

// lifecycle applies an admin change and audits it as MANUAL_ADJUST.
func (s *Service) lifecycle(ctx context.Context, principalID, actor, action, reason string, apply func(*models.Account) error) (*models.Account, error) {
	var out *models.Account
	err := s.withLock(ctx, principalID, func(ctx context.Context) error {
		acct, err := s.store.GetAccount(ctx, principalID)
		if err != nil {
			return err
		}
		if acct.IsArchived() {
			return models.ErrAccountArchived
		}

		before := acct.Balance()
		if err := apply(acct); err != nil {
			return err
		}
		acct.RefreshStatus(s.lowWatermark)
		after := acct.Balance()

		entry := models.NewAuditEntry(principalID, models.AuditEventManualAdjust, models.AuditStatusSuccess,
			after.Limit.Sub(before.Limit).Abs().Add(after.Usage.Sub(before.Usage).Abs()), before, after, actor)
		entry.Timestamp = s.now()
		entry.Reason = reason
		entry.WithMeta(metaAction, action)

		if err := s.store.Commit(ctx, ledger.Change{Account: acct, Entries: []*models.AuditEntry{entry}}); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Account updated",
		zap.String("principal_id", principalID),
		zap.String("action", action),
		zap.String("actor", actor),
		zap.String("status", string(out.Status)))
	return out, nil
}

// withLock runs fn under the principal lock and drops the cached status
// afterwards.
func (s *Service) withLock(ctx context.Context, principalID string, fn func(context.Context) error) error {
	lease, err := s.locker.Acquire(ctx, lock.PrincipalKey(principalID))
	if err != nil {
		return err
	}
	err = fn(ctx)
	if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
		s.logger.Warn("Failed to release principal lock",
			zap.String("principal_id", principalID),
			zap.Error(relErr))
	}
	s.invalidate(ctx, principalID)
	return err
}

func (s *Service) invalidate(ctx context.Context, principalID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(context.WithoutCancel(ctx), principalID); err != nil {
		s.logger.Warn("Failed to invalidate cached status",
			zap.String("principal_id", principalID),
			zap.Error(err))
	}
}

// ListAccounts pages through accounts ordered by principal id.
func (s *Service) ListAccounts(ctx context.Context, filter ledger.AccountFilter) ([]models.Account, error) {
	return s.store.ListAccounts(ctx, filter)
}
