package session

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
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

// StrategyStore loads strategy definitions for a starting session.
type StrategyStore interface {
	Get(ctx context.Context, id uint) (*model.Strategy, error)
}

// CredentialSource resolves exchange API credentials for live sessions.
type CredentialSource interface {
	Credentials(ctx context.Context, exchange string) (apiKey, apiSecret string, err error)
}

// Stores groups the persistence surfaces a session needs.
type Stores struct {
	Orders      orders.OrderStore
	Positions   orders.PositionStore
	Drifts      possync.DriftStore
	Strategies  StrategyStore
	Credentials CredentialSource
}

// Request describes a session to start.
type Request struct {
	Mode            Mode                       `json:"mode"`
	Exchange        string                     `json:"exchange"`
	StrategyIDs     []uint                     `json:"strategy_ids"`
	Symbols         []string                   `json:"symbols"`
	LeverageCeiling int                        `json:"leverage_ceiling"`
	DefaultBudget   decimal.Decimal            `json:"default_budget"`
	SymbolBudgets   map[string]decimal.Decimal `json:"symbol_budgets,omitempty"`
	Backtest        *feed.BacktestConfig       `json:"backtest,omitempty"`
}

// Manager owns the set of running sessions.
type Manager struct {
	cfg    Config
	stores Stores
	log    *logger.Entry

	mu       stdsync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg Config, stores Stores) *Manager {
	return &Manager{
		cfg:      cfg,
		stores:   stores,
		log:      logger.WithField("component", "SessionManager"),
		sessions: make(map[string]*Session),
	}
}

// StartSession validates the request, wires a full execution stack, and
// launches it. The returned status reflects the just-started session.
func (m *Manager) StartSession(ctx context.Context, req Request) (Status, error) {
	if err := m.validate(req); err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	if m.cfg.MaxSessionCount > 0 && len(m.sessions) >= m.cfg.MaxSessionCount {
		m.mu.Unlock()
		return Status{}, &model.ValidationError{Field: "sessions", Reason: "session limit reached"}
	}
	m.mu.Unlock()

	strategies := make([]model.Strategy, 0, len(req.StrategyIDs))
	for _, id := range req.StrategyIDs {
		strat, err := m.stores.Strategies.Get(ctx, id)
		if err != nil {
			return Status{}, fmt.Errorf("loading strategy %d: %w", id, err)
		}
		if !strat.Active {
			return Status{}, &model.ValidationError{
				Field:  "strategy_ids",
				Reason: fmt.Sprintf("strategy %q v%d is inactive", strat.Name, strat.Version),
			}
		}
		strategies = append(strategies, *strat)
	}

	adapter, err := m.buildAdapter(ctx, req)
	if err != nil {
		return Status{}, err
	}

	sessionID := uuid.NewString()
	bus := events.NewBus()

	orderManager := orders.NewManager(adapter, bus, m.stores.Orders, m.stores.Positions, orders.Config{
		SessionID:       sessionID,
		LeverageCeiling: req.LeverageCeiling,
		SymbolBudgets:   req.SymbolBudgets,
		DefaultBudget:   req.DefaultBudget,
	})

	var synchronizer *possync.Synchronizer
	if req.Mode != ModeBacktest {
		synchronizer = possync.New(adapter, orderManager, bus, m.stores.Drifts, possync.Config{
			SessionID:       sessionID,
			Interval:        time.Duration(m.cfg.SyncIntervalSec) * time.Second,
			TransitionGrace: time.Duration(m.cfg.TransitionGraceSec) * time.Second,
		})
	}

	breaker := NewBreaker(
		m.cfg.BreakerMaxLosses,
		parseDecimal(m.cfg.BreakerMaxDailyLoss, decimal.Zero),
		time.Duration(m.cfg.BreakerCooldownMin)*time.Minute,
	)
	executor := &gatedExecutor{inner: orderManager, breaker: breaker, bus: bus, session: sessionID}

	machines, names := m.buildMachines(strategies, req.Symbols, executor, bus)
	if len(machines) == 0 {
		return Status{}, &model.ValidationError{Field: "strategy_ids", Reason: "no runnable strategy/symbol combinations"}
	}

	sess := &Session{
		id:           sessionID,
		mode:         req.Mode,
		symbols:      req.Symbols,
		strategies:   names,
		adapter:      adapter,
		bus:          bus,
		manager:      orderManager,
		synchronizer: synchronizer,
		machines:     machines,
		dataFeed:     m.buildFeed(req, adapter),
		breaker:      breaker,
		fundingEvery: time.Duration(m.cfg.FundingIntervalMin) * time.Minute,
		log: m.log.WithFields(logger.Fields{
			"session": sessionID,
			"mode":    req.Mode,
		}),
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	onFatal := func(err error) { go sess.stop(err) }
	sess.start(context.Background(), onFatal)

	sess.log.WithFields(logger.Fields{
		"symbols":    req.Symbols,
		"strategies": names,
	}).Info("session started")

	return sess.Status(), nil
}

// StopSession drains and stops a running session. The session stays
// queryable afterwards.
func (m *Manager) StopSession(_ context.Context, sessionID string) (Status, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Status{}, model.ErrSessionNotFound
	}

	sess.stop(nil)
	return sess.Status(), nil
}

// GetSessionStatus returns the current snapshot of one session.
func (m *Manager) GetSessionStatus(sessionID string) (Status, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Status{}, model.ErrSessionNotFound
	}
	return sess.Status(), nil
}

// ListSessions snapshots every known session.
func (m *Manager) ListSessions() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Status())
	}
	return out
}

// StopAll stops every running session; used at process shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, status := range m.ListSessions() {
		if status.State == SessionRunning {
			if _, err := m.StopSession(ctx, status.ID); err != nil {
				m.log.WithError(err).WithField("session", status.ID).Warn("failed to stop session")
			}
		}
	}
}

func (m *Manager) validate(req Request) error {
	switch req.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return &model.ValidationError{Field: "mode", Reason: "must be live, paper, or backtest"}
	}
	if len(req.Symbols) == 0 {
		return &model.ValidationError{Field: "symbols", Reason: "at least one symbol required"}
	}
	if len(req.StrategyIDs) == 0 {
		return &model.ValidationError{Field: "strategy_ids", Reason: "at least one strategy required"}
	}
	if req.Mode == ModeBacktest && req.Backtest == nil {
		return &model.ValidationError{Field: "backtest", Reason: "backtest window required"}
	}
	return nil
}

func (m *Manager) buildAdapter(ctx context.Context, req Request) (connectors.Adapter, error) {
	if req.Mode != ModeLive {
		return connectors.NewSimulated(
			parseDecimal(m.cfg.PaperSlippageBps, decimal.Zero),
			parseDecimal(m.cfg.PaperFeeRate, decimal.Zero),
		), nil
	}

	if m.stores.Credentials == nil {
		return nil, &model.ValidationError{Field: "mode", Reason: "no credential source configured for live trading"}
	}
	apiKey, apiSecret, err := m.stores.Credentials.Credentials(ctx, req.Exchange)
	if err != nil {
		return nil, err
	}
	return connectors.NewLiveClient(apiKey, apiSecret, m.cfg.ExchangeBaseURL), nil
}

// buildMachines expands strategies over symbols; a BOTH strategy runs a
// long and a short machine side by side.
func (m *Manager) buildMachines(strategies []model.Strategy, symbols []string, executor strategy.Executor, bus *events.Bus) ([]*strategy.Machine, []string) {
	machineCfg := strategy.Config{SignalTTL: time.Duration(m.cfg.SignalTTLSec) * time.Second}

	var machines []*strategy.Machine
	names := make([]string, 0, len(strategies))
	for _, strat := range strategies {
		names = append(names, fmt.Sprintf("%s:v%d", strat.Name, strat.Version))

		directions := []model.Direction{strat.Direction}
		if strat.Direction == model.DirectionBoth {
			directions = []model.Direction{model.DirectionLong, model.DirectionShort}
		}

		for _, symbol := range symbols {
			for _, direction := range directions {
				machines = append(machines, strategy.NewMachine(strat, symbol, direction, executor, bus, machineCfg))
			}
		}
	}
	return machines, names
}

func (m *Manager) buildFeed(req Request, adapter connectors.Adapter) feed.Feed {
	if req.Mode == ModeBacktest {
		return feed.NewBacktestFeed(*req.Backtest)
	}

	var onReconnect func()
	if live, ok := adapter.(*connectors.LiveClient); ok {
		onReconnect = live.Reconnected
	}
	return feed.NewWebsocketFeed(feed.WebsocketConfig{
		URL:         m.cfg.MarketWsURL,
		Symbols:     req.Symbols,
		OnReconnect: onReconnect,
	})
}

func parseDecimal(s string, fallback decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return d
}
