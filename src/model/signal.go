package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is emitted when a strategy's signal-detection rules hold.
// It is immutable once created and lives until entry confirmation
// consumes it or cancel/expiry discards it.
type Signal struct {
	ID         string                     `json:"id"`
	StrategyID uint                       `json:"strategy_id"`
	Symbol     string                     `json:"symbol"`
	Direction  Direction                  `json:"direction"`
	Confidence decimal.Decimal            `json:"confidence"`
	Snapshot   map[string]decimal.Decimal `json:"snapshot"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// Expired reports whether the signal outlived its time-to-live at the
// given instant.
func (s *Signal) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.CreatedAt) > ttl
}
