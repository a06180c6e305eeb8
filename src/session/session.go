package session

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/connectors"
	"pumpengine/src/events"
	"pumpengine/src/feed"
	"pumpengine/src/model"
	"pumpengine/src/orders"
	"pumpengine/src/strategy"
	possync "pumpengine/src/sync"
)

type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

// Session lifecycle states.
const (
	SessionRunning  = "RUNNING"
	SessionStopping = "STOPPING"
	SessionStopped  = "STOPPED"
	SessionFailed   = "FAILED"
)

const drainTimeout = 15 * time.Second

// Status is the externally visible snapshot of a session.
type Status struct {
	ID            string           `json:"id"`
	Mode          Mode             `json:"mode"`
	State         string           `json:"state"`
	StartedAt     time.Time        `json:"started_at"`
	StoppedAt     *time.Time       `json:"stopped_at,omitempty"`
	Symbols       []string         `json:"symbols"`
	Strategies    []string         `json:"strategies"`
	OpenPositions []model.Position `json:"open_positions"`
	PendingOrders int              `json:"pending_orders"`
	Breaker       BreakerStats     `json:"breaker"`
	LastError     string           `json:"last_error,omitempty"`
}

// Session wires one adapter, one order manager, one synchronizer, and a
// set of strategy machines behind a single feed. Stopping a session
// drains in-flight orders before releasing it.
type Session struct {
	id         string
	mode       Mode
	symbols    []string
	strategies []string

	adapter      connectors.Adapter
	bus          *events.Bus
	manager      *orders.Manager
	synchronizer *possync.Synchronizer
	machines     []*strategy.Machine
	dataFeed     feed.Feed
	breaker      *Breaker
	fundingEvery time.Duration
	log          *logger.Entry

	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	mu        stdsync.Mutex
	state     string
	startedAt time.Time
	stoppedAt *time.Time
	lastErr   error
}

// gatedExecutor blocks new entries while the breaker is tripped and
// raises fatal errors to the session. Exits always pass through.
type gatedExecutor struct {
	inner   strategy.Executor
	breaker *Breaker
	bus     *events.Bus
	session string
}

func (g *gatedExecutor) OpenPosition(ctx context.Context, req orders.OpenRequest) (*model.Order, error) {
	if !g.breaker.Allow() {
		return nil, &model.ValidationError{Field: "session", Reason: "circuit breaker tripped"}
	}

	order, err := g.inner.OpenPosition(ctx, req)
	if err != nil && model.IsFatal(err) {
		g.bus.Publish(events.SessionError{SessionID: g.session, Fatal: true, Err: err})
	}
	return order, err
}

func (g *gatedExecutor) ClosePosition(ctx context.Context, positionID uint, reason string) (*model.Order, error) {
	order, err := g.inner.ClosePosition(ctx, positionID, reason)
	if err != nil && model.IsFatal(err) {
		g.bus.Publish(events.SessionError{SessionID: g.session, Fatal: true, Err: err})
	}
	return order, err
}

// start launches all session goroutines.
func (s *Session) start(parent context.Context, onFatal func(error)) {
	ctx, cancel := context.WithCancel(parent)

	// The manager already hands the session out, so Status may run before
	// start finishes.
	s.mu.Lock()
	s.cancel = cancel
	s.state = SessionRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.synchronizer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.synchronizer.Run(ctx)
		}()
	}

	for _, machine := range s.machines {
		m := machine
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			m.Run(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchResults(ctx, onFatal)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runFeed(ctx, onFatal)
	}()

	// Backtests charge funding against replayed candle time instead.
	if s.fundingEvery > 0 && s.mode != ModeBacktest {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runFunding(ctx)
		}()
	}
}

// runFunding charges open positions their carrying cost once per funding
// interval.
func (s *Session) runFunding(ctx context.Context) {
	ticker := time.NewTicker(s.fundingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.manager.AccrueFunding(ctx, 1)
		}
	}
}

// runFeed pumps ticks from the feed into the order manager, the paper
// ledger, and every strategy machine.
func (s *Session) runFeed(ctx context.Context, onFatal func(error)) {
	ticks := make(chan model.IndicatorTick, 1024)

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- s.dataFeed.Run(ctx, ticks)
	}()

	sim, isSim := s.adapter.(*connectors.Simulated)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-feedDone:
			if err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("feed terminated")
				onFatal(err)
				return
			}
			if s.mode == ModeBacktest && ctx.Err() == nil {
				// Replay exhausted: the backtest is complete.
				s.log.Info("backtest replay complete")
				onFatal(nil)
			}
			return
		case tick := <-ticks:
			if tick.Indicator == model.PriceIndicator {
				if isSim {
					sim.SetMarkPrice(tick.Symbol, tick.Value)
				}
				s.manager.OnPrice(tick.Symbol, tick.Value)
			}
			for _, machine := range s.machines {
				machine.Offer(tick)
			}
		}
	}
}

// watchResults feeds closed-position results into the breaker and stops
// the session on a fatal error event.
func (s *Session) watchResults(ctx context.Context, onFatal func(error)) {
	positions, cancelPositions := s.bus.Subscribe(events.TopicPosition, 64)
	defer cancelPositions()
	errs, cancelErrs := s.bus.Subscribe(events.TopicError, 16)
	defer cancelErrs()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-positions:
			if !ok {
				return
			}
			update := ev.(events.PositionUpdate)
			if update.Position.Terminal() {
				s.breaker.RecordResult(update.Position.RealizedPnl)
			}
		case ev, ok := <-errs:
			if !ok {
				return
			}
			sessionErr := ev.(events.SessionError)
			if sessionErr.Fatal {
				s.log.WithError(sessionErr.Err).Error("fatal session error")
				onFatal(sessionErr.Err)
				return
			}
			s.log.WithError(sessionErr.Err).Warn("session error")
		}
	}
}

// stop cancels the session, drains in-flight orders, and waits for all
// goroutines. Safe to call once per session.
func (s *Session) stop(failure error) {
	s.mu.Lock()
	if s.state != SessionRunning {
		s.mu.Unlock()
		return
	}
	s.state = SessionStopping
	s.lastErr = failure
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	// The session context is gone; draining gets its own deadline.
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.manager.Drain(drainCtx); err != nil {
		s.log.WithError(err).Warn("drain incomplete at shutdown")
	}

	s.bus.Close()

	now := time.Now()
	s.mu.Lock()
	s.stoppedAt = &now
	if failure != nil {
		s.state = SessionFailed
	} else {
		s.state = SessionStopped
	}
	s.mu.Unlock()

	s.log.WithField("state", s.state).Info("session stopped")
}

// Status snapshots the session for the API.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		ID:            s.id,
		Mode:          s.mode,
		State:         s.state,
		StartedAt:     s.startedAt,
		StoppedAt:     s.stoppedAt,
		Symbols:       s.symbols,
		Strategies:    s.strategies,
		OpenPositions: s.manager.TrackedPositions(),
		PendingOrders: len(s.manager.PendingOrders()),
		Breaker:       s.breaker.Stats(),
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// UnrealizedPnl sums unrealized PnL across open positions.
func (s *Session) UnrealizedPnl() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range s.manager.TrackedPositions() {
		total = total.Add(pos.UnrealizedPnl)
	}
	return total
}
