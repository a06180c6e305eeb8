package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PositionStatusOpening    = "OPENING"
	PositionStatusOpen       = "OPEN"
	PositionStatusClosing    = "CLOSING"
	PositionStatusClosed     = "CLOSED"
	PositionStatusLiquidated = "LIQUIDATED"
)

// Position is a leveraged futures position. While OPENING/OPEN/CLOSING it
// is owned exclusively by the order manager; once CLOSED or LIQUIDATED it
// is read-only history. Leverage is fixed at open time.
type Position struct {
	ID                   uint            `gorm:"primaryKey" json:"id"`
	SessionID            string          `gorm:"size:60;index" json:"session_id"`
	StrategyID           *uint           `gorm:"index" json:"strategy_id,omitempty"`
	Symbol               string          `gorm:"size:50;not null;index:idx_position_symbol_dir" json:"symbol"`
	Direction            Direction       `gorm:"size:10;not null;index:idx_position_symbol_dir" json:"direction"`
	Leverage             int             `gorm:"not null" json:"leverage"`
	EntryPrice           decimal.Decimal `gorm:"type:decimal(32,12)" json:"entry_price"`
	ExitPrice            decimal.Decimal `gorm:"type:decimal(32,12)" json:"exit_price"`
	Quantity             decimal.Decimal `gorm:"type:decimal(32,12)" json:"quantity"`
	Margin               decimal.Decimal `gorm:"type:decimal(32,12)" json:"margin"`
	LiquidationPrice     decimal.Decimal `gorm:"type:decimal(32,12)" json:"liquidation_price"`
	UnrealizedPnl        decimal.Decimal `gorm:"type:decimal(32,12)" json:"unrealized_pnl"`
	RealizedPnl          decimal.Decimal `gorm:"type:decimal(32,12)" json:"realized_pnl"`
	Fees                 decimal.Decimal `gorm:"type:decimal(32,12)" json:"fees"`
	FundingAccrued       decimal.Decimal `gorm:"type:decimal(32,12)" json:"funding_accrued"`
	Status               string          `gorm:"size:20;not null;default:OPENING" json:"status"`
	CloseReason          string          `gorm:"size:60" json:"close_reason,omitempty"`
	ExternallyOriginated bool            `gorm:"not null;default:false" json:"externally_originated"`
	OpenedAt             time.Time       `json:"opened_at"`
	ClosedAt             *time.Time      `json:"closed_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// Terminal reports whether the position reached read-only history.
func (p *Position) Terminal() bool {
	return p.Status == PositionStatusClosed || p.Status == PositionStatusLiquidated
}

// InTransition reports whether the position is mid-transition and must not
// be overwritten by a synchronizer correction.
func (p *Position) InTransition() bool {
	return p.Status == PositionStatusOpening || p.Status == PositionStatusClosing
}

// Notional is the position value at the given mark price.
func (p *Position) Notional(mark decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(mark)
}
