package model

import (
	"time"
)

// Drift kinds reported by the position synchronizer.
const (
	DriftKindExternalOpen     = "external_open"
	DriftKindQuantityMismatch = "quantity_mismatch"
	DriftKindMissingRemote    = "missing_remote"
	DriftKindStuckTransition  = "stuck_transition"
	DriftKindUnknownOrder     = "unknown_order"
)

// DriftEvent records a divergence between local and exchange-authoritative
// position state. Rows are append-only; an operator reviews them.
type DriftEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"size:60;index" json:"session_id"`
	PositionID *uint     `gorm:"index" json:"position_id,omitempty"`
	Symbol     string    `gorm:"size:50;not null" json:"symbol"`
	Direction  Direction `gorm:"size:10" json:"direction"`
	Kind       string    `gorm:"size:40;not null" json:"kind"`
	Detail     string    `gorm:"size:512" json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

func (DriftEvent) TableName() string {
	return "drift_events"
}
