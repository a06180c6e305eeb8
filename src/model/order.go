package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Abstract order types. BUY/SELL act on the long side of a symbol,
// SHORT/COVER on the short side.
const (
	OrderTypeBuy   = "BUY"
	OrderTypeSell  = "SELL"
	OrderTypeShort = "SHORT"
	OrderTypeCover = "COVER"
)

const (
	OrderStatusPending         = "PENDING"
	OrderStatusSubmitted       = "SUBMITTED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

// Order is an order intent plus its lifecycle state. ExchangeOrderID is
// empty until the submit succeeds; after that exactly one exchange-side
// order maps to this row.
type Order struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	ClientOrderID   string          `gorm:"size:60;uniqueIndex" json:"client_order_id"`
	SessionID       string          `gorm:"size:60;index" json:"session_id"`
	PositionID      *uint           `gorm:"index" json:"position_id,omitempty"`
	StrategyID      *uint           `gorm:"index" json:"strategy_id,omitempty"`
	Symbol          string          `gorm:"size:50;not null" json:"symbol"`
	OrderType       string          `gorm:"size:10;not null" json:"order_type"`
	Quantity        decimal.Decimal `gorm:"type:decimal(32,12)" json:"quantity"`
	FilledQuantity  decimal.Decimal `gorm:"type:decimal(32,12)" json:"filled_quantity"`
	Price           decimal.Decimal `gorm:"type:decimal(32,12)" json:"price"`
	FillPrice       decimal.Decimal `gorm:"type:decimal(32,12)" json:"fill_price"`
	Fee             decimal.Decimal `gorm:"type:decimal(32,12)" json:"fee"`
	Leverage        int             `gorm:"not null;default:1" json:"leverage"`
	ReduceOnly      bool            `gorm:"not null;default:false" json:"reduce_only"`
	Status          string          `gorm:"size:20;not null;default:PENDING" json:"status"`
	Reason          string          `gorm:"size:120" json:"reason,omitempty"`
	ExchangeOrderID string          `gorm:"size:120;index" json:"exchange_order_id,omitempty"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Logs []OrderLog `gorm:"foreignKey:OrderID" json:"order_logs,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

// Terminal reports whether the order reached a final status.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Direction returns the position side the order acts on.
func (o *Order) Direction() Direction {
	if o.OrderType == OrderTypeShort || o.OrderType == OrderTypeCover {
		return DirectionShort
	}
	return DirectionLong
}

// OrderLog is an append-only audit row recorded on every order status
// transition.
type OrderLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OrderID   uint      `gorm:"index;not null" json:"order_id"`
	Status    string    `gorm:"size:20;not null" json:"status"`
	Message   string    `gorm:"size:255" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (OrderLog) TableName() string {
	return "order_logs"
}
