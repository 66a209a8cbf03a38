package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// AuditEntry is an immutable record of one balance-affecting event.
type AuditEntry struct {
	EntryID     int64           `gorm:"primaryKey;autoIncrement" json:"entry_id"`
	PrincipalID string          `gorm:"type:varchar(255);not null;index:idx_audit_principal_ts,priority:1" json:"principal_id"`
	EventType   AuditEventType  `gorm:"type:varchar(20);not null;index" json:"event_type"`
	Status      AuditStatus     `gorm:"type:varchar(20);not null" json:"status"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"amount"`

	// Balances are expressed as remaining budget; the usage and limit pairs
	// carry the full projection so history can be replayed.
	PreviousBalance decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"previous_balance"`
	NewBalance      decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"new_balance"`
	UsageBefore     decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"usage_before"`
	UsageAfter      decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"usage_after"`
	LimitBefore     decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"limit_before"`
	LimitAfter      decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"limit_after"`

	Actor        string            `gorm:"type:varchar(255);not null" json:"actor"`
	Reason       string            `json:"reason,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	Timestamp    time.Time         `gorm:"not null;index:idx_audit_principal_ts,priority:2" json:"timestamp"`
}

func (AuditEntry) TableName() string {
	return "budget_audit_entries"
}

type AuditEventType string

const (
	AuditEventRefill       AuditEventType = "REFILL"
	AuditEventSpend        AuditEventType = "SPEND"
	AuditEventManualAdjust AuditEventType = "MANUAL_ADJUST"
	AuditEventAbuseBlock   AuditEventType = "ABUSE_BLOCK"
)

type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "SUCCESS"
	AuditStatusFailed  AuditStatus = "FAILED"
	AuditStatusBlocked AuditStatus = "BLOCKED"
)

// Well-known actors.
const (
	ActorSystem     = "system"
	ActorScheduler  = "scheduler"
	ActorReconciler = "reconciler"
)

// TriggerScheduled is the MetaTrigger value of scheduler runs.
const TriggerScheduled = "scheduled"

// ConsumesPeriod reports whether e used up a scheduled period: a successful
// scheduled refill or a scheduled refill the abuse guard blocked.
func ConsumesPeriod(e *AuditEntry) bool {
	if e.Metadata[MetaTrigger] != TriggerScheduled {
		return false
	}
	switch e.EventType {
	case AuditEventRefill:
		return e.Status == AuditStatusSuccess
	case AuditEventAbuseBlock:
		return true
	}
	return false
}

// Metadata keys written by the refill and spend paths.
const (
	MetaCatchUp        = "catch_up"
	MetaMissedPeriods  = "missed_periods"
	MetaTrigger        = "trigger"
	MetaPolicySource   = "policy_source"
	MetaPolicyMode     = "policy_mode"
	MetaPolicySchedule = "policy_schedule"
	MetaPolicyAmount   = "policy_amount"
	MetaCredited       = "credited"
	MetaPhase          = "phase"
	MetaToken          = "reservation_token"
	MetaEstimated      = "estimated_cost"
	MetaActual         = "actual_cost"
	MetaOverrun        = "overrun"
	MetaRule           = "rule"
	MetaFingerprint    = "fingerprint"
)

// NewAuditEntry fills the balance columns from the before and after projections.
func NewAuditEntry(principalID string, eventType AuditEventType, status AuditStatus, amount decimal.Decimal, before, after Balance, actor string) *AuditEntry {
	return &AuditEntry{
		PrincipalID:     principalID,
		EventType:       eventType,
		Status:          status,
		Amount:          amount,
		PreviousBalance: before.Remaining(),
		NewBalance:      after.Remaining(),
		UsageBefore:     before.Usage,
		UsageAfter:      after.Usage,
		LimitBefore:     before.Limit,
		LimitAfter:      after.Limit,
		Actor:           actor,
		Metadata:        datatypes.JSONMap{},
	}
}

func (e *AuditEntry) Before() Balance {
	return Balance{Usage: e.UsageBefore, Limit: e.LimitBefore}
}

func (e *AuditEntry) After() Balance {
	return Balance{Usage: e.UsageAfter, Limit: e.LimitAfter}
}

// Mutates reports whether replay must apply this entry.
func (e *AuditEntry) Mutates() bool {
	return e.Status == AuditStatusSuccess
}

func (e *AuditEntry) WithMeta(key string, value interface{}) *AuditEntry {
	if e.Metadata == nil {
		e.Metadata = datatypes.JSONMap{}
	}
	e.Metadata[key] = value
	return e
}

// AuditFilter selects audit history.
type AuditFilter struct {
	PrincipalID string
	EventTypes  []AuditEventType
	Statuses    []AuditStatus
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}
