package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		usage    string
		limit    string
		expected AccountStatus
	}{
		{"empty account", "0", "100", AccountStatusActive},
		{"just under watermark", "79.99", "100", AccountStatusActive},
		{"at watermark", "80", "100", AccountStatusLow},
		{"just under limit", "99.99", "100", AccountStatusLow},
		{"at limit", "100", "100", AccountStatusExhausted},
		{"zero limit", "0", "0", AccountStatusExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := DeriveStatus(Balance{Usage: d(tt.usage), Limit: d(tt.limit)}, DefaultLowWatermark)
			assert.Equal(t, tt.expected, status)
		})
	}
}

func TestAccount_RefreshStatus(t *testing.T) {
	t.Run("suspension overrides balance", func(t *testing.T) {
		acct := &Account{BudgetLimit: d("100"), CurrentUsage: d("0"), Suspended: true}
		acct.RefreshStatus(DefaultLowWatermark)
		assert.Equal(t, AccountStatusSuspended, acct.Status)
	})

	t.Run("reinstated account reflects balance", func(t *testing.T) {
		acct := &Account{BudgetLimit: d("100"), CurrentUsage: d("90")}
		acct.RefreshStatus(DefaultLowWatermark)
		assert.Equal(t, AccountStatusLow, acct.Status)
	})
}

func TestBalance_Remaining(t *testing.T) {
	assert.True(t, Balance{Usage: d("30"), Limit: d("100")}.Remaining().Equal(d("70")))
	assert.True(t, Balance{Usage: d("130"), Limit: d("100")}.Remaining().IsZero())
}

func TestRefillMode_Apply(t *testing.T) {
	start := Balance{Usage: d("250"), Limit: d("1000")}

	t.Run("reset zeroes usage and sets limit", func(t *testing.T) {
		after, credited := ResetMode().Apply(start, d("1000"))
		assert.True(t, after.Usage.IsZero())
		assert.True(t, after.Limit.Equal(d("1000")))
		assert.True(t, credited.Equal(d("1000")))
	})

	t.Run("add without cap is unconditional", func(t *testing.T) {
		after, credited := AddMode(nil).Apply(start, d("500"))
		assert.True(t, after.Usage.Equal(d("250")))
		assert.True(t, after.Limit.Equal(d("1500")))
		assert.True(t, credited.Equal(d("500")))
	})

	t.Run("add capped by current limit multiplier", func(t *testing.T) {
		mode := AddMode(&AccumulationCap{MaxMultiplier: d("1.2"), Base: AccumulationBaseCurrentLimit})
		after, credited := mode.Apply(start, d("500"))
		assert.True(t, after.Limit.Equal(d("1200")))
		assert.True(t, credited.Equal(d("200")))
	})

	t.Run("add capped by policy amount multiplier", func(t *testing.T) {
		mode := AddMode(&AccumulationCap{MaxMultiplier: d("3"), Base: AccumulationBasePolicyAmount})
		after, _ := mode.Apply(Balance{Usage: d("0"), Limit: d("1400")}, d("500"))
		assert.True(t, after.Limit.Equal(d("1500")))
	})

	t.Run("cap never lowers an existing limit", func(t *testing.T) {
		mode := AddMode(&AccumulationCap{MaxMultiplier: d("2"), Base: AccumulationBasePolicyAmount})
		after, credited := mode.Apply(Balance{Usage: d("0"), Limit: d("5000")}, d("500"))
		assert.True(t, after.Limit.Equal(d("5000")))
		assert.True(t, credited.IsZero())
	})
}

func TestErrors(t *testing.T) {
	wrapped := fmt.Errorf("refill: %w", &LockTimeoutError{Key: "alice"})
	assert.True(t, IsTransient(wrapped))
	assert.True(t, IsTransient(&PersistenceError{Op: "apply", Err: errors.New("disk full")}))
	assert.False(t, IsTransient(&ConfigurationError{Field: "amount", Reason: "negative"}))

	var cfgErr *ConfigurationError
	assert.True(t, errors.As(fmt.Errorf("x: %w", &ConfigurationError{Key: "user", Field: "mode", Reason: "bad"}), &cfgErr))
	assert.Equal(t, "mode", cfgErr.Field)
}
