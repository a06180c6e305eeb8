package connectors

import (
	"context"

	"github.com/shopspring/decimal"

	"pumpengine/src/model"
)

// Adapter is the capability interface over an exchange. The live client
// and the simulator implement the same contract so paper and live
// sessions exercise identical order-lifecycle logic.
type Adapter interface {
	Name() string

	// SetLeverage must succeed before any opening order for the symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	PlaceOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderResult, error)

	// GetPositions is the authoritative source of truth for
	// reconciliation.
	GetPositions(ctx context.Context, filter PositionFilter) ([]PositionSnapshot, error)

	GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// LiquidationReporter disambiguates "closed" from "liquidated" via trade
// history. Adapters that cannot answer simply do not implement it.
type LiquidationReporter interface {
	WasLiquidated(ctx context.Context, symbol string, direction model.Direction) (bool, error)
}

// OrderIntent is the abstract order the order manager hands to an adapter.
type OrderIntent struct {
	ClientOrderID string
	Symbol        string
	OrderType     string // model.OrderTypeBuy/Sell/Short/Cover
	Quantity      decimal.Decimal
	Price         *decimal.Decimal // nil places a market order
	Leverage      int
	ReduceOnly    bool
}

// OrderResult is the adapter's view of an order after a call returns.
type OrderResult struct {
	ExchangeOrderID string
	Status          string // model.OrderStatus*
	FilledQuantity  decimal.Decimal
	FillPrice       decimal.Decimal
	Fee             decimal.Decimal
}

// PositionFilter narrows GetPositions to the tracked symbols; empty
// matches everything.
type PositionFilter struct {
	Symbols []string
}

func (f PositionFilter) matches(symbol string) bool {
	if len(f.Symbols) == 0 {
		return true
	}
	for _, s := range f.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// PositionSnapshot is the exchange-authoritative view of one position.
type PositionSnapshot struct {
	Symbol     string
	Direction  model.Direction
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   int
}

// MapOrderType converts an abstract order type to the exchange-native
// (side, positionSide) pair.
func MapOrderType(orderType string) (side, positionSide string, err error) {
	switch orderType {
	case model.OrderTypeBuy:
		return "BUY", "LONG", nil
	case model.OrderTypeSell:
		return "SELL", "LONG", nil
	case model.OrderTypeShort:
		return "SELL", "SHORT", nil
	case model.OrderTypeCover:
		return "BUY", "SHORT", nil
	default:
		return "", "", &model.ValidationError{Field: "order_type", Reason: "unknown order type " + orderType}
	}
}

// EntryOrderType returns the order type that opens a position in the
// given direction.
func EntryOrderType(direction model.Direction) string {
	if direction == model.DirectionShort {
		return model.OrderTypeShort
	}
	return model.OrderTypeBuy
}

// ExitOrderType returns the reduce-only order type that closes a position
// in the given direction.
func ExitOrderType(direction model.Direction) string {
	if direction == model.DirectionShort {
		return model.OrderTypeCover
	}
	return model.OrderTypeSell
}
