package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusLow       AccountStatus = "LOW"
	AccountStatusExhausted AccountStatus = "EXHAUSTED"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
)

// DefaultLowWatermark is the usage ratio at which an account turns LOW.
var DefaultLowWatermark = decimal.RequireFromString("0.8")

// Account is the budget ledger row for one principal.
type Account struct {
	PrincipalID string `gorm:"primaryKey;type:varchar(255)" json:"principal_id"`
	Role        string `gorm:"type:varchar(64);not null" json:"role"`
	Email       string `gorm:"type:varchar(255);index" json:"email,omitempty"`
	ExternalID  string `gorm:"type:varchar(255);index" json:"external_id,omitempty"`

	BudgetLimit   decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"budget_limit"`
	CurrentUsage  decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"current_usage"`
	TotalRefilled decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"total_refilled"`
	LastRefillAt  *time.Time      `json:"last_refill_at,omitempty"`
	RefillCount   int64           `gorm:"not null;default:0" json:"refill_count"`
	// ScheduledAt is when the scheduler last consumed a period, by refilling
	// or by an abuse block. Manual refills leave it alone.
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`

	Status          AccountStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Suspended       bool          `gorm:"not null;default:false" json:"suspended"`
	SuspendedReason string        `json:"suspended_reason,omitempty"`
	ArchivedAt      *time.Time    `json:"archived_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "budget_accounts"
}

// Balance is the pair of figures every mutation moves.
type Balance struct {
	Usage decimal.Decimal `json:"usage"`
	Limit decimal.Decimal `json:"limit"`
}

// Remaining returns limit minus usage, floored at zero.
func (b Balance) Remaining() decimal.Decimal {
	r := b.Limit.Sub(b.Usage)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (b Balance) Equal(other Balance) bool {
	return b.Usage.Equal(other.Usage) && b.Limit.Equal(other.Limit)
}

func (a *Account) Balance() Balance {
	return Balance{Usage: a.CurrentUsage, Limit: a.BudgetLimit}
}

func (a *Account) SetBalance(b Balance) {
	a.CurrentUsage = b.Usage
	a.BudgetLimit = b.Limit
}

func (a *Account) Remaining() decimal.Decimal {
	return a.Balance().Remaining()
}

func (a *Account) IsArchived() bool {
	return a.ArchivedAt != nil
}

// RefreshStatus recomputes Status from the balance and the suspension flag.
func (a *Account) RefreshStatus(lowWatermark decimal.Decimal) {
	if a.Suspended {
		a.Status = AccountStatusSuspended
		return
	}
	a.Status = DeriveStatus(a.Balance(), lowWatermark)
}

// DeriveStatus maps a balance onto ACTIVE, LOW or EXHAUSTED.
func DeriveStatus(b Balance, lowWatermark decimal.Decimal) AccountStatus {
	if !b.Limit.IsPositive() || b.Usage.GreaterThanOrEqual(b.Limit) {
		return AccountStatusExhausted
	}
	ratio := b.Usage.Div(b.Limit)
	if ratio.GreaterThanOrEqual(lowWatermark) {
		return AccountStatusLow
	}
	return AccountStatusActive
}

// AccountStatusView is the read model returned to API callers.
type AccountStatusView struct {
	PrincipalID   string          `json:"principal_id"`
	Role          string          `json:"role"`
	CurrentUsage  decimal.Decimal `json:"current_usage"`
	BudgetLimit   decimal.Decimal `json:"budget_limit"`
	Remaining     decimal.Decimal `json:"remaining"`
	Status        AccountStatus   `json:"status"`
	LastRefill    *time.Time      `json:"last_refill"`
	TotalRefilled decimal.Decimal `json:"total_refilled"`
	RefillCount   int64           `json:"refill_count"`
}

func (a *Account) View() AccountStatusView {
	return AccountStatusView{
		PrincipalID:   a.PrincipalID,
		Role:          a.Role,
		CurrentUsage:  a.CurrentUsage,
		BudgetLimit:   a.BudgetLimit,
		Remaining:     a.Remaining(),
		Status:        a.Status,
		LastRefill:    a.LastRefillAt,
		TotalRefilled: a.TotalRefilled,
		RefillCount:   a.RefillCount,
	}
}
