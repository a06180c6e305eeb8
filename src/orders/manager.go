package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/connectors"
	"pumpengine/src/events"
	"pumpengine/src/model"
	"pumpengine/src/risk"
)

// OrderStore persists orders with an audit log row per transition.
type OrderStore interface {
	CreateWithAutoLog(ctx context.Context, order *model.Order, message string) error
	UpdateWithAutoLog(ctx context.Context, order *model.Order, message string) error
}

// PositionStore persists positions; rows become append-only history once
// the status is terminal.
type PositionStore interface {
	Create(ctx context.Context, position *model.Position) error
	Update(ctx context.Context, position *model.Position) error
}

type pairKey struct {
	symbol    string
	direction model.Direction
}

// Config bounds what the manager will trade.
type Config struct {
	SessionID       string
	LeverageCeiling int
	// SymbolBudgets allocates quote-currency margin per symbol;
	// DefaultBudget applies to symbols without an explicit entry.
	SymbolBudgets map[string]decimal.Decimal
	DefaultBudget decimal.Decimal
}

// OpenRequest asks for a new leveraged position.
type OpenRequest struct {
	Symbol     string
	Direction  model.Direction
	Sizing     model.SizingRule
	Leverage   int
	StrategyID *uint
}

// Manager owns the order lifecycle state machine. It is a single code
// path parameterized by the adapter: live and paper sessions run exactly
// the same logic. All operations on one position serialize behind that
// position's lock; different positions proceed concurrently.
type Manager struct {
	adapter       connectors.Adapter
	bus           *events.Bus
	orderStore    OrderStore
	positionStore PositionStore
	cfg           Config
	log           *logger.Entry
	now           func() time.Time

	mu        sync.Mutex
	positions map[uint]*model.Position
	posLocks  map[uint]*sync.Mutex
	inflight  map[pairKey]string // client order id holding the slot
	pending   map[string]*model.Order
	marks     map[string]decimal.Decimal
	nextPosID uint
}

func NewManager(adapter connectors.Adapter, bus *events.Bus, orderStore OrderStore, positionStore PositionStore, cfg Config) *Manager {
	if cfg.LeverageCeiling <= 0 || cfg.LeverageCeiling > risk.MaxLeverage {
		cfg.LeverageCeiling = risk.MaxLeverage
	}

	return &Manager{
		adapter:       adapter,
		bus:           bus,
		orderStore:    orderStore,
		positionStore: positionStore,
		cfg:           cfg,
		log: logger.WithFields(logger.Fields{
			"component": "OrderManager",
			"session":   cfg.SessionID,
			"adapter":   adapter.Name(),
		}),
		now:       time.Now,
		positions: make(map[uint]*model.Position),
		posLocks:  make(map[uint]*sync.Mutex),
		inflight:  make(map[pairKey]string),
		pending:   make(map[string]*model.Order),
		marks:     make(map[string]decimal.Decimal),
	}
}

// OnPrice feeds the latest price for a symbol; unrealized PnL of open
// positions is re-marked and the simulator-facing sizing uses it.
func (m *Manager) OnPrice(symbol string, price decimal.Decimal) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}

	m.mu.Lock()
	m.marks[symbol] = price
	tracked := make([]*model.Position, 0)
	for _, pos := range m.positions {
		if pos.Symbol == symbol && pos.Status == model.PositionStatusOpen {
			tracked = append(tracked, pos)
		}
	}
	m.mu.Unlock()

	for _, pos := range tracked {
		lock := m.positionLock(pos.ID)
		lock.Lock()
		pos.UnrealizedPnl = price.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(pos.Direction.Sign())
		lock.Unlock()
	}
}

// OpenPosition validates, sizes, and submits an opening order. At most one
// in-flight order may exist per (symbol, direction); a second concurrent
// call gets a ConflictError.
func (m *Manager) OpenPosition(ctx context.Context, req OpenRequest) (*model.Order, error) {
	if err := risk.ValidateLeverage(req.Leverage); err != nil {
		return nil, err
	}
	if req.Leverage > m.cfg.LeverageCeiling {
		return nil, &model.ValidationError{
			Field:  "leverage",
			Reason: fmt.Sprintf("exceeds session ceiling %d", m.cfg.LeverageCeiling),
		}
	}
	if req.Direction != model.DirectionLong && req.Direction != model.DirectionShort {
		return nil, &model.ValidationError{Field: "direction", Reason: "must be LONG or SHORT"}
	}

	quantity, err := m.sizeOrder(req)
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		ClientOrderID: uuid.NewString(),
		SessionID:     m.cfg.SessionID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		OrderType:     connectors.EntryOrderType(req.Direction),
		Quantity:      quantity,
		Leverage:      req.Leverage,
		Status:        model.OrderStatusPending,
	}

	key := pairKey{symbol: req.Symbol, direction: req.Direction}
	m.mu.Lock()
	if holder, exists := m.inflight[key]; exists {
		m.mu.Unlock()
		m.log.WithFields(logger.Fields{
			"symbol":    req.Symbol,
			"direction": req.Direction,
			"holder":    holder,
		}).Warn("rejecting duplicate in-flight order")
		return nil, &model.ConflictError{Symbol: req.Symbol, Direction: req.Direction}
	}
	m.inflight[key] = order.ClientOrderID
	m.pending[order.ClientOrderID] = order
	m.mu.Unlock()

	if err := m.orderStore.CreateWithAutoLog(ctx, order, "opening order created"); err != nil {
		m.releaseOrder(order)
		return nil, err
	}

	if err := m.adapter.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		m.rejectOrder(ctx, order, fmt.Sprintf("set leverage failed: %v", err))
		return order, err
	}

	order.Status = model.OrderStatusSubmitted
	if err := m.orderStore.UpdateWithAutoLog(ctx, order, "submitted to exchange"); err != nil {
		m.log.WithError(err).Error("failed to persist order submission")
	}
	m.publishOrder(order)

	result, err := m.adapter.PlaceOrder(ctx, connectors.OrderIntent{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		OrderType:     order.OrderType,
		Quantity:      order.Quantity,
		Leverage:      order.Leverage,
	})
	if err != nil {
		return m.handlePlaceError(ctx, order, err)
	}

	m.applyOpenResult(ctx, order, req, result)
	return order, nil
}

// ClosePosition places a reduce-only order of the opposite side. Only
// valid while the position is OPEN.
func (m *Manager) ClosePosition(ctx context.Context, positionID uint, reason string) (*model.Order, error) {
	m.mu.Lock()
	pos, ok := m.positions[positionID]
	m.mu.Unlock()
	if !ok {
		return nil, model.ErrPositionNotFound
	}

	lock := m.positionLock(positionID)
	lock.Lock()
	defer lock.Unlock()

	if pos.Status != model.PositionStatusOpen {
		return nil, &model.ValidationError{
			Field:  "position",
			Reason: fmt.Sprintf("cannot close position in status %s", pos.Status),
		}
	}

	order := &model.Order{
		ClientOrderID: uuid.NewString(),
		SessionID:     m.cfg.SessionID,
		PositionID:    &pos.ID,
		StrategyID:    pos.StrategyID,
		Symbol:        pos.Symbol,
		OrderType:     connectors.ExitOrderType(pos.Direction),
		Quantity:      pos.Quantity,
		Leverage:      pos.Leverage,
		ReduceOnly:    true,
		Status:        model.OrderStatusPending,
		Reason:        reason,
	}
	if err := m.orderStore.CreateWithAutoLog(ctx, order, "closing order created: "+reason); err != nil {
		return nil, err
	}

	pos.Status = model.PositionStatusClosing
	pos.CloseReason = reason
	if err := m.positionStore.Update(ctx, pos); err != nil {
		m.log.WithError(err).Error("failed to persist closing transition")
	}
	m.publishPosition(pos)

	m.mu.Lock()
	m.pending[order.ClientOrderID] = order
	m.mu.Unlock()

	order.Status = model.OrderStatusSubmitted
	if err := m.orderStore.UpdateWithAutoLog(ctx, order, "submitted to exchange"); err != nil {
		m.log.WithError(err).Error("failed to persist order submission")
	}
	m.publishOrder(order)

	result, err := m.adapter.PlaceOrder(ctx, connectors.OrderIntent{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		OrderType:     order.OrderType,
		Quantity:      order.Quantity,
		ReduceOnly:    true,
	})
	if err != nil {
		if model.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			// Outcome unknown: the order stays SUBMITTED and the position
			// CLOSING until the synchronizer resolves the true state.
			m.log.WithError(err).Warn("close outcome unknown, deferring to synchronizer")
			return order, &model.ExecutionFailure{ClientOrderID: order.ClientOrderID, Err: err}
		}

		order.Status = model.OrderStatusRejected
		order.Reason = err.Error()
		_ = m.orderStore.UpdateWithAutoLog(ctx, order, "close rejected")
		m.removePending(order.ClientOrderID)
		m.publishOrder(order)

		pos.Status = model.PositionStatusOpen
		pos.CloseReason = ""
		_ = m.positionStore.Update(ctx, pos)
		m.publishPosition(pos)
		return order, err
	}

	m.applyCloseResult(ctx, order, pos, result)
	return order, nil
}

// CancelOrder cancels a PENDING or SUBMITTED unfilled order.
func (m *Manager) CancelOrder(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	order, ok := m.pending[clientOrderID]
	m.mu.Unlock()
	if !ok {
		return model.ErrOrderNotFound
	}

	if order.Status != model.OrderStatusPending && order.Status != model.OrderStatusSubmitted {
		return &model.ValidationError{
			Field:  "order",
			Reason: fmt.Sprintf("cannot cancel order in status %s", order.Status),
		}
	}
	if order.FilledQuantity.IsPositive() {
		return &model.ValidationError{Field: "order", Reason: "order already partially filled"}
	}

	if order.ExchangeOrderID != "" {
		if err := m.adapter.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID); err != nil {
			return err
		}
	}

	order.Status = model.OrderStatusCancelled
	if err := m.orderStore.UpdateWithAutoLog(ctx, order, "cancelled by caller"); err != nil {
		m.log.WithError(err).Error("failed to persist cancellation")
	}
	m.releaseOrder(order)
	m.publishOrder(order)
	return nil
}

func (m *Manager) handlePlaceError(ctx context.Context, order *model.Order, err error) (*model.Order, error) {
	if model.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
		// Unknown outcome after exhausted retries: keep SUBMITTED and the
		// conflict slot held; the synchronizer's next poll resolves it.
		m.log.WithError(err).WithField("client_order_id", order.ClientOrderID).
			Warn("place outcome unknown, deferring to synchronizer")
		return order, &model.ExecutionFailure{ClientOrderID: order.ClientOrderID, Err: err}
	}

	m.rejectOrder(ctx, order, err.Error())
	return order, err
}

func (m *Manager) applyOpenResult(ctx context.Context, order *model.Order, req OpenRequest, result *connectors.OrderResult) {
	order.ExchangeOrderID = result.ExchangeOrderID
	order.Status = result.Status
	order.FilledQuantity = result.FilledQuantity
	order.FillPrice = result.FillPrice
	order.Fee = result.Fee

	if result.Status != model.OrderStatusFilled && result.Status != model.OrderStatusPartiallyFilled {
		if result.Status == model.OrderStatusRejected || result.Status == model.OrderStatusCancelled {
			m.releaseOrder(order)
		}
		_ = m.orderStore.UpdateWithAutoLog(ctx, order, "exchange status "+result.Status)
		m.publishOrder(order)
		return
	}

	now := m.now()
	order.ExecutedAt = &now

	margin := decimal.Zero
	liq := decimal.Zero
	if result.FillPrice.IsPositive() {
		notional := result.FillPrice.Mul(result.FilledQuantity)
		margin = notional.Div(decimal.NewFromInt(int64(req.Leverage)))
		liq, _ = risk.LiquidationPrice(result.FillPrice, req.Leverage, req.Direction)
	}

	pos := &model.Position{
		SessionID:        m.cfg.SessionID,
		StrategyID:       req.StrategyID,
		Symbol:           req.Symbol,
		Direction:        req.Direction,
		Leverage:         req.Leverage,
		EntryPrice:       result.FillPrice,
		Quantity:         result.FilledQuantity,
		Margin:           margin,
		LiquidationPrice: liq,
		Fees:             result.Fee,
		Status:           model.PositionStatusOpening,
		OpenedAt:         now,
	}

	if result.Status == model.OrderStatusFilled {
		pos.Status = model.PositionStatusOpen
		m.releaseOrder(order)
	}

	if err := m.positionStore.Create(ctx, pos); err != nil {
		m.log.WithError(err).Error("failed to persist new position")
	}
	if pos.ID == 0 {
		// Store did not assign an id (disabled persistence); fall back to
		// a session-local counter so tracking still works.
		m.mu.Lock()
		m.nextPosID++
		pos.ID = m.nextPosID
		m.mu.Unlock()
	}
	order.PositionID = &pos.ID
	_ = m.orderStore.UpdateWithAutoLog(ctx, order, "fill confirmed")

	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.mu.Unlock()

	m.publishOrder(order)

	// The position is reachable by concurrent markers now; copy it for
	// the event under its lock.
	lock := m.positionLock(pos.ID)
	lock.Lock()
	m.publishPosition(pos)
	m.log.WithFields(logger.Fields{
		"symbol":      pos.Symbol,
		"direction":   pos.Direction,
		"quantity":    pos.Quantity,
		"entry":       pos.EntryPrice,
		"leverage":    pos.Leverage,
		"liquidation": pos.LiquidationPrice,
	}).Info("position opened")
	lock.Unlock()
}

func (m *Manager) applyCloseResult(ctx context.Context, order *model.Order, pos *model.Position, result *connectors.OrderResult) {
	order.ExchangeOrderID = result.ExchangeOrderID
	order.Status = result.Status
	order.FilledQuantity = result.FilledQuantity
	order.FillPrice = result.FillPrice
	order.Fee = result.Fee

	if result.Status != model.OrderStatusFilled {
		// Partial close: quantity only ever shrinks once leaving OPEN.
		if result.FilledQuantity.IsPositive() {
			pos.Quantity = pos.Quantity.Sub(result.FilledQuantity)
		}
		_ = m.orderStore.UpdateWithAutoLog(ctx, order, "exchange status "+result.Status)
		m.publishOrder(order)
		return
	}

	now := m.now()
	order.ExecutedAt = &now
	_ = m.orderStore.UpdateWithAutoLog(ctx, order, "fill confirmed")
	m.removePending(order.ClientOrderID)

	pos.ExitPrice = result.FillPrice
	pos.Fees = pos.Fees.Add(result.Fee)
	pos.RealizedPnl = result.FillPrice.Sub(pos.EntryPrice).
		Mul(pos.Quantity).
		Mul(pos.Direction.Sign()).
		Sub(pos.Fees).
		Sub(pos.FundingAccrued)
	pos.UnrealizedPnl = decimal.Zero
	pos.Status = model.PositionStatusClosed
	pos.ClosedAt = &now

	if err := m.positionStore.Update(ctx, pos); err != nil {
		m.log.WithError(err).Error("failed to persist closed position")
	}

	m.forgetPosition(pos.ID)
	m.publishOrder(order)
	m.publishPosition(pos)

	m.log.WithFields(logger.Fields{
		"symbol":   pos.Symbol,
		"reason":   pos.CloseReason,
		"exit":     pos.ExitPrice,
		"realized": pos.RealizedPnl,
	}).Info("position closed")
}

func (m *Manager) sizeOrder(req OpenRequest) (decimal.Decimal, error) {
	if req.Sizing.FixedQuantity.IsPositive() {
		return req.Sizing.FixedQuantity, nil
	}
	if !req.Sizing.BudgetPct.IsPositive() {
		return decimal.Zero, &model.ValidationError{Field: "sizing", Reason: "no executable quantity"}
	}

	budget, ok := m.cfg.SymbolBudgets[req.Symbol]
	if !ok {
		budget = m.cfg.DefaultBudget
	}
	if !budget.IsPositive() {
		return decimal.Zero, &model.ValidationError{Field: "sizing", Reason: "no budget allocated for " + req.Symbol}
	}

	m.mu.Lock()
	price, ok := m.marks[req.Symbol]
	m.mu.Unlock()
	if !ok || !price.IsPositive() {
		return decimal.Zero, &model.ValidationError{Field: "sizing", Reason: "no price known for " + req.Symbol}
	}

	// Margin committed scales the notional by leverage.
	margin := budget.Mul(req.Sizing.BudgetPct).Div(decimal.NewFromInt(100))
	notional := margin.Mul(decimal.NewFromInt(int64(req.Leverage)))
	return notional.Div(price), nil
}

func (m *Manager) rejectOrder(ctx context.Context, order *model.Order, reason string) {
	order.Status = model.OrderStatusRejected
	order.Reason = reason
	if err := m.orderStore.UpdateWithAutoLog(ctx, order, "rejected: "+reason); err != nil {
		m.log.WithError(err).Error("failed to persist order rejection")
	}
	m.releaseOrder(order)
	m.publishOrder(order)
}

// releaseOrder frees the (symbol, direction) conflict slot if this order
// holds it and forgets the pending entry.
func (m *Manager) releaseOrder(order *model.Order) {
	key := pairKey{symbol: order.Symbol, direction: order.Direction()}
	m.mu.Lock()
	if m.inflight[key] == order.ClientOrderID {
		delete(m.inflight, key)
	}
	delete(m.pending, order.ClientOrderID)
	m.mu.Unlock()
}

func (m *Manager) removePending(clientOrderID string) {
	m.mu.Lock()
	delete(m.pending, clientOrderID)
	m.mu.Unlock()
}

func (m *Manager) forgetPosition(positionID uint) {
	m.mu.Lock()
	delete(m.positions, positionID)
	delete(m.posLocks, positionID)
	m.mu.Unlock()
}

func (m *Manager) positionLock(positionID uint) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.posLocks[positionID]
	if !ok {
		lock = &sync.Mutex{}
		m.posLocks[positionID] = lock
	}
	return lock
}

func (m *Manager) publishOrder(order *model.Order) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.OrderUpdate{SessionID: m.cfg.SessionID, Order: *order})
}

func (m *Manager) publishPosition(pos *model.Position) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.PositionUpdate{SessionID: m.cfg.SessionID, Position: *pos})
}
