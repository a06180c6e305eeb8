package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/connectors"
	"pumpengine/src/model"
	"pumpengine/src/risk"
)

// Reconciliation surface used by the position synchronizer. Every
// correction takes the same per-position lock as order operations, so a
// correction can never interleave with an in-flight open or close.

// TrackedPositions returns copies of all non-terminal positions. Each
// copy is taken under that position's lock, so a snapshot never observes
// a half-applied mutation from a concurrent operation.
func (m *Manager) TrackedPositions() []model.Position {
	m.mu.Lock()
	tracked := make([]*model.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		tracked = append(tracked, pos)
	}
	m.mu.Unlock()

	out := make([]model.Position, 0, len(tracked))
	for _, pos := range tracked {
		lock := m.positionLock(pos.ID)
		lock.Lock()
		out = append(out, *pos)
		lock.Unlock()
	}
	return out
}

// PendingOrders returns copies of all non-terminal orders.
func (m *Manager) PendingOrders() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Order, 0, len(m.pending))
	for _, order := range m.pending {
		out = append(out, *order)
	}
	return out
}

// TrackedSymbols lists the symbols the manager currently cares about.
func (m *Manager) TrackedSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, pos := range m.positions {
		if _, ok := seen[pos.Symbol]; !ok {
			seen[pos.Symbol] = struct{}{}
			out = append(out, pos.Symbol)
		}
	}
	for _, order := range m.pending {
		if _, ok := seen[order.Symbol]; !ok {
			seen[order.Symbol] = struct{}{}
			out = append(out, order.Symbol)
		}
	}
	return out
}

// AdoptExternal registers a position that was opened outside the engine.
func (m *Manager) AdoptExternal(ctx context.Context, snap connectors.PositionSnapshot) (*model.Position, error) {
	leverage := snap.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	liq, err := risk.LiquidationPrice(snap.EntryPrice, leverage, snap.Direction)
	if err != nil {
		return nil, err
	}

	margin := decimal.Zero
	if leverage > 0 {
		margin = snap.EntryPrice.Mul(snap.Quantity).Div(decimal.NewFromInt(int64(leverage)))
	}

	pos := &model.Position{
		SessionID:            m.cfg.SessionID,
		Symbol:               snap.Symbol,
		Direction:            snap.Direction,
		Leverage:             leverage,
		EntryPrice:           snap.EntryPrice,
		Quantity:             snap.Quantity,
		Margin:               margin,
		LiquidationPrice:     liq,
		Status:               model.PositionStatusOpen,
		ExternallyOriginated: true,
		OpenedAt:             m.now(),
	}

	if err := m.positionStore.Create(ctx, pos); err != nil {
		m.log.WithError(err).Error("failed to persist adopted position")
	}
	if pos.ID == 0 {
		m.mu.Lock()
		m.nextPosID++
		pos.ID = m.nextPosID
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.mu.Unlock()

	lock := m.positionLock(pos.ID)
	lock.Lock()
	m.publishPosition(pos)
	m.log.WithFields(logger.Fields{
		"symbol":    pos.Symbol,
		"direction": pos.Direction,
		"quantity":  pos.Quantity,
	}).Warn("adopted externally originated position")
	lock.Unlock()

	return pos, nil
}

// CorrectQuantity overwrites the local quantity and entry from the
// exchange's authoritative snapshot and recomputes derived numbers.
func (m *Manager) CorrectQuantity(ctx context.Context, positionID uint, snap connectors.PositionSnapshot) error {
	m.mu.Lock()
	pos, ok := m.positions[positionID]
	m.mu.Unlock()
	if !ok {
		return model.ErrPositionNotFound
	}

	lock := m.positionLock(positionID)
	lock.Lock()
	defer lock.Unlock()

	pos.Quantity = snap.Quantity
	if snap.EntryPrice.IsPositive() {
		pos.EntryPrice = snap.EntryPrice
	}

	liq, err := risk.LiquidationPrice(pos.EntryPrice, pos.Leverage, pos.Direction)
	if err != nil {
		return err
	}
	pos.LiquidationPrice = liq
	pos.Margin = pos.EntryPrice.Mul(pos.Quantity).Div(decimal.NewFromInt(int64(pos.Leverage)))
	if snap.MarkPrice.IsPositive() {
		pos.UnrealizedPnl = snap.MarkPrice.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(pos.Direction.Sign())
	}

	if err := m.positionStore.Update(ctx, pos); err != nil {
		m.log.WithError(err).Error("failed to persist quantity correction")
	}
	m.publishPosition(pos)
	return nil
}

// ForceClose terminates a position on the synchronizer's authority. The
// exchange already considers it gone; local belief yields.
func (m *Manager) ForceClose(ctx context.Context, positionID uint, status, reason string, exitPrice decimal.Decimal) error {
	if status != model.PositionStatusClosed && status != model.PositionStatusLiquidated {
		return &model.ValidationError{Field: "status", Reason: "force close requires a terminal status"}
	}

	m.mu.Lock()
	pos, ok := m.positions[positionID]
	m.mu.Unlock()
	if !ok {
		return model.ErrPositionNotFound
	}

	lock := m.positionLock(positionID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	exit := exitPrice
	if !exit.IsPositive() {
		if status == model.PositionStatusLiquidated {
			exit = pos.LiquidationPrice
		} else {
			exit = pos.EntryPrice
		}
	}

	pos.ExitPrice = exit
	pos.RealizedPnl = exit.Sub(pos.EntryPrice).
		Mul(pos.Quantity).
		Mul(pos.Direction.Sign()).
		Sub(pos.Fees).
		Sub(pos.FundingAccrued)
	pos.UnrealizedPnl = decimal.Zero
	pos.Status = status
	pos.CloseReason = reason
	pos.ClosedAt = &now

	if err := m.positionStore.Update(ctx, pos); err != nil {
		m.log.WithError(err).Error("failed to persist forced close")
	}

	m.forgetPosition(pos.ID)
	m.publishPosition(pos)

	m.log.WithFields(logger.Fields{
		"symbol":   pos.Symbol,
		"status":   status,
		"reason":   reason,
		"realized": pos.RealizedPnl,
	}).Warn("position force-closed by synchronizer")
	return nil
}

// ResolveOrder applies the exchange's authoritative state to an order the
// manager left SUBMITTED with an unknown outcome. A nil result means the
// exchange never saw the order.
func (m *Manager) ResolveOrder(ctx context.Context, clientOrderID string, result *connectors.OrderResult) error {
	m.mu.Lock()
	order, ok := m.pending[clientOrderID]
	m.mu.Unlock()
	if !ok {
		return model.ErrOrderNotFound
	}

	if result == nil {
		m.rejectOrder(ctx, order, "order unknown to exchange after timeout")
		return nil
	}

	order.ExchangeOrderID = result.ExchangeOrderID
	order.Status = result.Status
	order.FilledQuantity = result.FilledQuantity
	order.FillPrice = result.FillPrice
	order.Fee = result.Fee

	if order.Terminal() {
		switch {
		case order.Status != model.OrderStatusFilled:
			m.releaseOrder(order)
		case order.ReduceOnly:
			// A resolved exit fill closes the position it belongs to.
			if order.PositionID != nil {
				m.mu.Lock()
				pos, tracked := m.positions[*order.PositionID]
				m.mu.Unlock()
				if tracked {
					lock := m.positionLock(pos.ID)
					lock.Lock()
					m.applyCloseResult(ctx, order, pos, result)
					lock.Unlock()
					return nil
				}
			}
			m.releaseOrder(order)
		default:
			// A resolved entry fill either completes the OPENING position
			// or, when the timeout hit before one existed, creates it now.
			m.resolveEntryFill(ctx, order, result)
			return nil
		}
	}

	_ = m.orderStore.UpdateWithAutoLog(ctx, order, "resolved by synchronizer: "+order.Status)
	m.publishOrder(order)
	return nil
}

func (m *Manager) resolveEntryFill(ctx context.Context, order *model.Order, result *connectors.OrderResult) {
	if order.PositionID != nil {
		m.mu.Lock()
		pos, tracked := m.positions[*order.PositionID]
		m.mu.Unlock()
		if tracked {
			lock := m.positionLock(pos.ID)
			lock.Lock()
			pos.EntryPrice = result.FillPrice
			pos.Quantity = result.FilledQuantity
			if liq, err := risk.LiquidationPrice(pos.EntryPrice, pos.Leverage, pos.Direction); err == nil {
				pos.LiquidationPrice = liq
			}
			pos.Status = model.PositionStatusOpen

			// Persist and publish under the lock: both read every field.
			if err := m.positionStore.Update(ctx, pos); err != nil {
				m.log.WithError(err).Error("failed to persist resolved entry fill")
			}
			m.publishPosition(pos)
			lock.Unlock()

			m.releaseOrder(order)
			_ = m.orderStore.UpdateWithAutoLog(ctx, order, "resolved by synchronizer: "+order.Status)
			m.publishOrder(order)
			return
		}
	}

	req := OpenRequest{
		Symbol:     order.Symbol,
		Direction:  order.Direction(),
		Leverage:   order.Leverage,
		StrategyID: order.StrategyID,
	}
	m.applyOpenResult(ctx, order, req, result)
}

// AccrueFunding charges each open position the carrying cost for the
// elapsed funding intervals using the adapter's current rate.
func (m *Manager) AccrueFunding(ctx context.Context, intervals int64) {
	for _, snapshot := range m.TrackedPositions() {
		if snapshot.Status != model.PositionStatusOpen {
			continue
		}

		rate, err := m.adapter.GetFundingRate(ctx, snapshot.Symbol)
		if err != nil {
			m.log.WithError(err).WithField("symbol", snapshot.Symbol).
				Warn("failed to fetch funding rate")
			continue
		}
		if rate.IsZero() {
			continue
		}

		m.mu.Lock()
		pos, ok := m.positions[snapshot.ID]
		mark := m.marks[snapshot.Symbol]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if !mark.IsPositive() {
			mark = pos.EntryPrice
		}

		lock := m.positionLock(pos.ID)
		lock.Lock()
		cost := connectors.CalculateFundingCost(pos.Notional(mark), rate, intervals, pos.Direction)
		pos.FundingAccrued = pos.FundingAccrued.Add(cost)
		if err := m.positionStore.Update(ctx, pos); err != nil {
			m.log.WithError(err).Error("failed to persist funding accrual")
		}
		lock.Unlock()
	}
}

// Drain resolves or cancels every in-flight order before shutdown; no
// order is abandoned mid-flight. It returns once all pending orders are
// terminal or the context expires.
func (m *Manager) Drain(ctx context.Context) error {
	for {
		pending := m.PendingOrders()
		if len(pending) == 0 {
			return nil
		}

		for _, order := range pending {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			switch {
			case order.Status == model.OrderStatusPending:
				_ = m.CancelOrder(ctx, order.ClientOrderID)
			case order.ExchangeOrderID != "":
				result, err := m.adapter.GetOrder(ctx, order.Symbol, order.ExchangeOrderID)
				if err != nil {
					m.log.WithError(err).WithField("client_order_id", order.ClientOrderID).
						Warn("drain could not resolve order")
					continue
				}
				_ = m.ResolveOrder(ctx, order.ClientOrderID, result)
			default:
				// Submitted but never acknowledged: treat as unknown to the
				// exchange.
				_ = m.ResolveOrder(ctx, order.ClientOrderID, nil)
			}
		}

		if len(m.PendingOrders()) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
