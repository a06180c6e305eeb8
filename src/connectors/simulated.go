package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/model"
	"pumpengine/src/risk"
)

type simKey struct {
	symbol    string
	direction model.Direction
}

type simPosition struct {
	key         simKey
	quantity    decimal.Decimal
	entryPrice  decimal.Decimal
	leverage    int
	liquidation decimal.Decimal
}

// Simulated is a deterministic in-memory exchange. Market orders fill
// instantly against the last known mark price plus configured slippage;
// its own ledger is the authoritative position source, so paper sessions
// skip synchronization by construction.
type Simulated struct {
	mu           sync.Mutex
	slippageBps  decimal.Decimal
	feeRate      decimal.Decimal
	marks        map[string]decimal.Decimal
	fundingRates map[string]decimal.Decimal
	positions    map[simKey]*simPosition
	orders       map[string]*OrderResult
	liquidated   map[simKey]bool
	leverages    map[string]int
	nextOrderID  int64
	now          func() time.Time
}

// NewSimulated builds a simulator. slippageBps and feeRate may be zero
// for perfectly frictionless fills.
func NewSimulated(slippageBps, feeRate decimal.Decimal) *Simulated {
	return &Simulated{
		slippageBps:  slippageBps,
		feeRate:      feeRate,
		marks:        make(map[string]decimal.Decimal),
		fundingRates: make(map[string]decimal.Decimal),
		positions:    make(map[simKey]*simPosition),
		orders:       make(map[string]*OrderResult),
		liquidated:   make(map[simKey]bool),
		leverages:    make(map[string]int),
		now:          time.Now,
	}
}

func (s *Simulated) Name() string { return "simulated" }

// SetMarkPrice feeds the simulator the latest price. Any open position
// whose liquidation price the new mark crosses is force-closed.
func (s *Simulated) SetMarkPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marks[symbol] = price

	for key, pos := range s.positions {
		if key.symbol != symbol || pos.liquidation.IsZero() {
			continue
		}
		if pos.liquidation.Equal(risk.NoLiquidationShort) {
			continue
		}

		breached := false
		if key.direction == model.DirectionLong && price.LessThanOrEqual(pos.liquidation) {
			breached = true
		}
		if key.direction == model.DirectionShort && price.GreaterThanOrEqual(pos.liquidation) {
			breached = true
		}

		if breached {
			logger.WithFields(logger.Fields{
				"symbol":      key.symbol,
				"direction":   key.direction,
				"mark":        price,
				"liquidation": pos.liquidation,
			}).Warn("simulated position liquidated")

			delete(s.positions, key)
			s.liquidated[key] = true
		}
	}
}

// SetFundingRate sets the funding rate the simulator reports for a symbol.
func (s *Simulated) SetFundingRate(symbol string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fundingRates[symbol] = rate
}

func (s *Simulated) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := risk.ValidateLeverage(leverage); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.leverages[symbol] = leverage
	return nil
}

func (s *Simulated) PlaceOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	if _, _, err := MapOrderType(intent.OrderType); err != nil {
		return nil, err
	}
	if intent.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &model.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mark, ok := s.marks[intent.Symbol]
	if !ok || mark.LessThanOrEqual(decimal.Zero) {
		return nil, &model.ValidationError{Field: "symbol", Reason: "no mark price known for " + intent.Symbol}
	}

	fillPrice := s.applySlippage(mark, intent.OrderType)
	direction := model.DirectionLong
	if intent.OrderType == model.OrderTypeShort || intent.OrderType == model.OrderTypeCover {
		direction = model.DirectionShort
	}
	key := simKey{symbol: intent.Symbol, direction: direction}

	if intent.ReduceOnly {
		if err := s.reducePosition(key, intent.Quantity); err != nil {
			return nil, err
		}
	} else {
		leverage := intent.Leverage
		if leverage <= 0 {
			leverage = s.leverages[intent.Symbol]
		}
		if leverage <= 0 {
			return nil, &model.ValidationError{Field: "leverage", Reason: "leverage not set for " + intent.Symbol}
		}
		if err := s.increasePosition(key, intent.Quantity, fillPrice, leverage); err != nil {
			return nil, err
		}
	}

	s.nextOrderID++
	result := &OrderResult{
		ExchangeOrderID: fmt.Sprintf("sim-%d", s.nextOrderID),
		Status:          model.OrderStatusFilled,
		FilledQuantity:  intent.Quantity,
		FillPrice:       fillPrice,
		Fee:             fillPrice.Mul(intent.Quantity).Mul(s.feeRate),
	}
	s.orders[result.ExchangeOrderID] = result

	return result, nil
}

func (s *Simulated) applySlippage(mark decimal.Decimal, orderType string) decimal.Decimal {
	if s.slippageBps.IsZero() {
		return mark
	}

	slip := mark.Mul(s.slippageBps).Div(decimal.NewFromInt(10000))
	// Taker orders cross the spread: buys fill worse (higher), sells lower.
	switch orderType {
	case model.OrderTypeBuy, model.OrderTypeCover:
		return mark.Add(slip)
	default:
		return mark.Sub(slip)
	}
}

func (s *Simulated) increasePosition(key simKey, qty, price decimal.Decimal, leverage int) error {
	pos, ok := s.positions[key]
	if !ok {
		liq, err := risk.LiquidationPrice(price, leverage, key.direction)
		if err != nil {
			return err
		}
		s.positions[key] = &simPosition{
			key:         key,
			quantity:    qty,
			entryPrice:  price,
			leverage:    leverage,
			liquidation: liq,
		}
		delete(s.liquidated, key)
		return nil
	}

	// Weighted average entry on scale-in; leverage stays fixed.
	total := pos.quantity.Add(qty)
	pos.entryPrice = pos.entryPrice.Mul(pos.quantity).Add(price.Mul(qty)).Div(total)
	pos.quantity = total

	liq, err := risk.LiquidationPrice(pos.entryPrice, pos.leverage, key.direction)
	if err != nil {
		return err
	}
	pos.liquidation = liq
	return nil
}

func (s *Simulated) reducePosition(key simKey, qty decimal.Decimal) error {
	pos, ok := s.positions[key]
	if !ok {
		return &model.ValidationError{
			Field:  "reduce_only",
			Reason: fmt.Sprintf("no open %s position on %s", key.direction, key.symbol),
		}
	}
	if qty.GreaterThan(pos.quantity) {
		return &model.ValidationError{
			Field:  "quantity",
			Reason: "reduce-only quantity exceeds position size",
		}
	}

	pos.quantity = pos.quantity.Sub(qty)
	if pos.quantity.IsZero() {
		delete(s.positions, key)
	}
	return nil
}

func (s *Simulated) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[exchangeOrderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	if order.Status == model.OrderStatusFilled {
		return &model.ValidationError{Field: "order", Reason: "order already filled"}
	}
	order.Status = model.OrderStatusCancelled
	return nil
}

func (s *Simulated) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[exchangeOrderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *Simulated) GetPositions(ctx context.Context, filter PositionFilter) ([]PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]PositionSnapshot, 0, len(s.positions))
	for key, pos := range s.positions {
		if !filter.matches(key.symbol) {
			continue
		}
		snapshots = append(snapshots, PositionSnapshot{
			Symbol:     key.symbol,
			Direction:  key.direction,
			Quantity:   pos.quantity,
			EntryPrice: pos.entryPrice,
			MarkPrice:  s.marks[key.symbol],
			Leverage:   pos.leverage,
		})
	}
	return snapshots, nil
}

func (s *Simulated) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rate, ok := s.fundingRates[symbol]
	if !ok {
		return decimal.Zero, nil
	}
	return rate, nil
}

// WasLiquidated reports whether the simulator force-closed the pair since
// it was last opened.
func (s *Simulated) WasLiquidated(ctx context.Context, symbol string, direction model.Direction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liquidated[simKey{symbol: symbol, direction: direction}], nil
}
