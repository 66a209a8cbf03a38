package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound     = errors.New("budget account not found")
	ErrAccountSuspended    = errors.New("account suspended")
	ErrAccountArchived     = errors.New("account archived")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationSettled  = errors.New("reservation already settled")
	ErrInvalidAmount       = errors.New("amount must be a non-negative number")
)

// ConfigurationError reports a malformed or contradictory refill policy.
type ConfigurationError struct {
	Key    string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid refill configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid refill configuration for %q: %s: %s", e.Key, e.Field, e.Reason)
}

// InsufficientBudgetError is returned by reserve when the estimate does not fit.
type InsufficientBudgetError struct {
	PrincipalID string
	Requested   decimal.Decimal
	Remaining   decimal.Decimal
	Status      AccountStatus
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("budget exhausted for %s: requested %s, remaining %s",
		e.PrincipalID, e.Requested.String(), e.Remaining.String())
}

// AbuseBlockedError reports a refill rejected by the abuse guard.
type AbuseBlockedError struct {
	PrincipalID string
	Rule        string
	Detail      string
}

func (e *AbuseBlockedError) Error() string {
	return fmt.Sprintf("refill blocked for %s by %s: %s", e.PrincipalID, e.Rule, e.Detail)
}

// PersistenceError wraps a failed storage operation; nothing was applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// LockTimeoutError reports that a per-principal lock was not acquired in time.
type LockTimeoutError struct {
	Key  string
	Wait time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s acquiring lock %s", e.Wait, e.Key)
}

// IsTransient reports whether the operation may succeed on retry.
func IsTransient(err error) bool {
	var pe *PersistenceError
	var le *LockTimeoutError
	return errors.As(err, &pe) || errors.As(err, &le)
}
