package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReservationState string

const (
	ReservationPending    ReservationState = "PENDING"
	ReservationReconciled ReservationState = "RECONCILED"
	ReservationReleased   ReservationState = "RELEASED"
	ReservationExpired    ReservationState = "EXPIRED"
)

// Reservation is a provisional deduction awaiting the actual cost of a call.
type Reservation struct {
	Token         string              `gorm:"primaryKey;type:varchar(64)" json:"token"`
	PrincipalID   string              `gorm:"type:varchar(255);not null;index" json:"principal_id"`
	EstimatedCost decimal.Decimal     `gorm:"type:numeric(20,6);not null" json:"estimated_cost"`
	ActualCost    decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"actual_cost"`
	State         ReservationState    `gorm:"type:varchar(20);not null;index" json:"state"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `gorm:"index" json:"expires_at"`
	SettledAt     *time.Time          `json:"settled_at,omitempty"`
}

func (Reservation) TableName() string {
	return "budget_reservations"
}

func (r *Reservation) IsPending() bool {
	return r.State == ReservationPending
}
