package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/events"
	"pumpengine/src/model"
	"pumpengine/src/orders"
)

// Machine lifecycle states.
const (
	StateIdle     = "IDLE"
	StateSignaled = "SIGNALED"
	StateEntered  = "ENTERED"
)

// Executor places and closes orders on behalf of the machine.
// *orders.Manager satisfies it.
type Executor interface {
	OpenPosition(ctx context.Context, req orders.OpenRequest) (*model.Order, error)
	ClosePosition(ctx context.Context, positionID uint, reason string) (*model.Order, error)
}

type Config struct {
	// SignalTTL bounds how long a detected signal waits for entry
	// confirmation. Zero means signals never expire.
	SignalTTL time.Duration
	// TickBuffer sizes the inbound tick queue for Run.
	TickBuffer int
}

// Machine runs one strategy against one symbol in one direction. All
// evaluation is serialized: ticks are handled strictly one at a time, so
// the five rule stages never race each other.
//
// The stage order is fixed. While SIGNALED, cancel rules are checked
// before entry rules; while ENTERED, emergency rules win over the
// profit exit when both hold on the same tick.
type Machine struct {
	strat     model.Strategy
	symbol    string
	direction model.Direction
	executor  Executor
	bus       *events.Bus
	cfg       Config
	log       *logger.Entry
	now       func() time.Time

	state  string
	signal *model.Signal
	// pendingEntry holds the client order id of an entry whose submit
	// outcome is unknown. While set, the machine attempts no new entry
	// and waits for the synchronizer's verdict on the order topic.
	pendingEntry string
	positionID   uint
	entryPrice   decimal.Decimal
	values       map[string]decimal.Decimal
	ticks        chan model.IndicatorTick
}

func NewMachine(strat model.Strategy, symbol string, direction model.Direction, executor Executor, bus *events.Bus, cfg Config) *Machine {
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = 256
	}

	return &Machine{
		strat:     strat,
		symbol:    symbol,
		direction: direction,
		executor:  executor,
		bus:       bus,
		cfg:       cfg,
		log: logger.WithFields(logger.Fields{
			"component": "StrategyMachine",
			"strategy":  strat.Name,
			"version":   strat.Version,
			"symbol":    symbol,
			"direction": direction,
		}),
		now:    time.Now,
		state:  StateIdle,
		values: make(map[string]decimal.Decimal),
		ticks:  make(chan model.IndicatorTick, cfg.TickBuffer),
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() string { return m.state }

// PositionID returns the position the machine entered, zero otherwise.
func (m *Machine) PositionID() uint { return m.positionID }

// Offer enqueues a tick for the Run loop without blocking. A full queue
// drops the tick; the next one carries fresher values anyway.
func (m *Machine) Offer(tick model.IndicatorTick) {
	select {
	case m.ticks <- tick:
	default:
		m.log.WithField("indicator", tick.Indicator).Warn("tick queue full, dropping tick")
	}
}

// Run consumes ticks and order updates until the context is cancelled.
// Both streams are handled on this one goroutine, so stage evaluation
// and deferred-entry resolution never race each other.
func (m *Machine) Run(ctx context.Context) {
	var orderEvents <-chan events.Event
	cancelOrders := func() {}
	if m.bus != nil {
		orderEvents, cancelOrders = m.bus.Subscribe(events.TopicOrder, 64)
	}
	defer cancelOrders()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-m.ticks:
			m.HandleTick(ctx, tick)
		case ev, ok := <-orderEvents:
			if !ok {
				orderEvents = nil
				continue
			}
			if update, isOrder := ev.(events.OrderUpdate); isOrder {
				m.HandleOrderUpdate(update)
			}
		}
	}
}

// HandleTick records the tick's value and evaluates the current stage.
// Not safe for concurrent use; Run is the serializing caller.
func (m *Machine) HandleTick(ctx context.Context, tick model.IndicatorTick) {
	if tick.Symbol != m.symbol {
		return
	}
	m.values[tick.Indicator] = tick.Value

	switch m.state {
	case StateIdle:
		m.evaluateIdle()
	case StateSignaled:
		m.evaluateSignaled(ctx)
	case StateEntered:
		m.evaluateEntered(ctx)
	}
}

func (m *Machine) evaluateIdle() {
	if !AllHold(m.strat.RuleSet(model.StageSignal), m.values) {
		return
	}

	snapshot := make(map[string]decimal.Decimal, len(m.values))
	for k, v := range m.values {
		snapshot[k] = v
	}

	m.signal = &model.Signal{
		ID:         uuid.NewString(),
		StrategyID: m.strat.ID,
		Symbol:     m.symbol,
		Direction:  m.direction,
		Confidence: decimal.NewFromInt(1),
		Snapshot:   snapshot,
		CreatedAt:  m.now(),
	}
	m.state = StateSignaled

	if m.bus != nil {
		m.bus.Publish(events.SignalEvent{Signal: *m.signal})
	}
	m.log.WithField("signal_id", m.signal.ID).Info("signal detected")
}

func (m *Machine) evaluateSignaled(ctx context.Context) {
	if m.pendingEntry != "" {
		// An entry is in flight with an unknown outcome and still holds
		// the conflict slot. Retrying would double the position once the
		// synchronizer resolves the first order as filled.
		return
	}

	if m.signal.Expired(m.now(), m.cfg.SignalTTL) {
		m.log.WithField("signal_id", m.signal.ID).Info("signal expired without entry")
		m.reset()
		return
	}

	// Cancel before entry: a tick satisfying both discards the signal.
	if AllHold(m.strat.RuleSet(model.StageCancel), m.values) {
		m.log.WithField("signal_id", m.signal.ID).Info("signal cancelled")
		m.reset()
		return
	}

	if !AllHold(m.strat.RuleSet(model.StageEntry), m.values) {
		return
	}

	order, err := m.executor.OpenPosition(ctx, orders.OpenRequest{
		Symbol:     m.symbol,
		Direction:  m.direction,
		Sizing:     m.strat.Order.Sizing,
		Leverage:   m.strat.Order.Leverage,
		StrategyID: &m.strat.ID,
	})
	if err != nil {
		var conflict *model.ConflictError
		switch {
		case errors.As(err, &conflict):
			// Slot busy: hold the signal and try again on the next tick.
			m.log.WithError(err).Warn("entry deferred")
		case model.IsRetryable(err):
			if order != nil && order.ClientOrderID != "" {
				// Submitted with an unknown outcome; the synchronizer owns
				// the order now. Wait for its verdict.
				m.pendingEntry = order.ClientOrderID
				m.log.WithField("client_order_id", order.ClientOrderID).
					Warn("entry outcome unknown, awaiting resolution")
			} else {
				m.log.WithError(err).Warn("entry deferred")
			}
		default:
			m.log.WithError(err).Error("entry failed, discarding signal")
			m.reset()
		}
		return
	}

	if order.PositionID == nil {
		// The exchange answered but nothing filled; keep hunting.
		m.log.WithField("client_order_id", order.ClientOrderID).
			Warn("entry produced no position, discarding signal")
		m.reset()
		return
	}

	m.positionID = *order.PositionID
	m.entryPrice = order.FillPrice
	m.state = StateEntered
	m.log.WithFields(logger.Fields{
		"position_id": m.positionID,
		"entry":       m.entryPrice,
	}).Info("position entered")
}

// HandleOrderUpdate consumes the resolution of a deferred entry. A fill
// moves the machine to ENTERED so the resolved position gets managed; a
// rejection frees it to hunt for entry confirmation again. Not safe for
// concurrent use with HandleTick; Run serializes both.
func (m *Machine) HandleOrderUpdate(update events.OrderUpdate) {
	if m.pendingEntry == "" || update.Order.ClientOrderID != m.pendingEntry {
		return
	}
	order := update.Order
	if !order.Terminal() {
		return
	}
	m.pendingEntry = ""

	if order.Status == model.OrderStatusFilled && order.PositionID != nil {
		m.positionID = *order.PositionID
		m.entryPrice = order.FillPrice
		m.state = StateEntered
		m.log.WithFields(logger.Fields{
			"position_id": m.positionID,
			"entry":       m.entryPrice,
		}).Info("deferred entry resolved, managing position")
		return
	}

	m.log.WithField("status", order.Status).Info("deferred entry resolved without a fill")
}

func (m *Machine) evaluateEntered(ctx context.Context) {
	// Emergency exit wins every tie.
	if AllHold(m.strat.RuleSet(model.StageEmergency), m.values) {
		m.exit(ctx, "emergency_exit")
		return
	}

	if reason, hit := m.priceExit(); hit {
		m.exit(ctx, reason)
		return
	}

	if AllHold(m.strat.RuleSet(model.StageExit), m.values) {
		m.exit(ctx, "take_profit")
	}
}

// priceExit checks the configured stop-loss and take-profit percentages
// against the reserved price indicator.
func (m *Machine) priceExit() (string, bool) {
	price, ok := m.values[model.PriceIndicator]
	if !ok || !price.IsPositive() || !m.entryPrice.IsPositive() {
		return "", false
	}

	sign := m.direction.Sign()
	movePct := price.Sub(m.entryPrice).Div(m.entryPrice).Mul(decimal.NewFromInt(100)).Mul(sign)

	if sl := m.strat.Order.StopLossPct; sl != nil && movePct.LessThanOrEqual(sl.Neg()) {
		return "stop_loss", true
	}
	if tp := m.strat.Order.TakeProfitPct; tp != nil && movePct.GreaterThanOrEqual(*tp) {
		return "take_profit", true
	}
	return "", false
}

func (m *Machine) exit(ctx context.Context, reason string) {
	_, err := m.executor.ClosePosition(ctx, m.positionID, reason)
	if err != nil {
		if errors.Is(err, model.ErrPositionNotFound) {
			// Liquidated or closed externally; nothing left to manage.
			m.log.WithField("position_id", m.positionID).Warn("position gone before exit")
			m.reset()
			return
		}
		// Hold ENTERED and retry on the next tick.
		m.log.WithError(err).WithField("reason", reason).Warn("exit deferred")
		return
	}

	m.log.WithFields(logger.Fields{
		"position_id": m.positionID,
		"reason":      reason,
	}).Info("position exited")
	m.reset()
}

func (m *Machine) reset() {
	m.state = StateIdle
	m.signal = nil
	m.pendingEntry = ""
	m.positionID = 0
	m.entryPrice = decimal.Zero
}
