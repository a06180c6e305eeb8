package sync

import (
	"context"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"pumpengine/src/connectors"
	"pumpengine/src/events"
	"pumpengine/src/model"
	"pumpengine/src/orders"
)

// DriftStore persists drift events for operator review.
type DriftStore interface {
	Create(ctx context.Context, drift *model.DriftEvent) error
}

type Config struct {
	SessionID string
	// Interval between reconciliation passes.
	Interval time.Duration
	// TransitionGrace is how long a position may sit in OPENING/CLOSING,
	// or an order unacknowledged, before it is treated as stuck.
	TransitionGrace time.Duration
}

type pairKey struct {
	symbol    string
	direction model.Direction
}

// Synchronizer periodically reconciles the order manager's local state
// against the exchange. The exchange is authoritative: local state is
// corrected first, then a drift event records what diverged. Corrections
// go through the manager so they serialize with in-flight operations on
// the same position.
type Synchronizer struct {
	adapter    connectors.Adapter
	manager    *orders.Manager
	bus        *events.Bus
	driftStore DriftStore
	cfg        Config
	log        *logger.Entry
	now        func() time.Time

	// First-observed times for grace-period tracking. Only the Run
	// goroutine touches these.
	transitionSeen map[uint]time.Time
	unackedSeen    map[string]time.Time
}

func New(adapter connectors.Adapter, manager *orders.Manager, bus *events.Bus, driftStore DriftStore, cfg Config) *Synchronizer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.TransitionGrace <= 0 {
		cfg.TransitionGrace = 30 * time.Second
	}

	return &Synchronizer{
		adapter:    adapter,
		manager:    manager,
		bus:        bus,
		driftStore: driftStore,
		cfg:        cfg,
		log: logger.WithFields(logger.Fields{
			"component": "PositionSynchronizer",
			"session":   cfg.SessionID,
		}),
		now:            time.Now,
		transitionSeen: make(map[uint]time.Time),
		unackedSeen:    make(map[string]time.Time),
	}
}

// Run reconciles on a ticker until the context is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.log.WithError(err).Warn("reconciliation pass failed")
			}
		}
	}
}

// SyncOnce performs a single reconciliation pass: resolve in-flight
// orders, correct tracked positions against the exchange snapshot, and
// adopt positions the engine never opened.
func (s *Synchronizer) SyncOnce(ctx context.Context) error {
	s.resolvePendingOrders(ctx)

	// Skip the pass entirely when the snapshot is unavailable rather than
	// act on a guess.
	remote, err := s.adapter.GetPositions(ctx, connectors.PositionFilter{})
	if err != nil {
		return err
	}

	remoteByPair := make(map[pairKey]connectors.PositionSnapshot, len(remote))
	for _, snap := range remote {
		remoteByPair[pairKey{symbol: snap.Symbol, direction: snap.Direction}] = snap
	}

	local := s.manager.TrackedPositions()
	localPairs := make(map[pairKey]struct{}, len(local))
	for _, pos := range local {
		localPairs[pairKey{symbol: pos.Symbol, direction: pos.Direction}] = struct{}{}
	}
	// A pending entry order reserves its pair: the fill may land between
	// our two reads, and adopting it would double-count.
	for _, order := range s.manager.PendingOrders() {
		if !order.ReduceOnly {
			localPairs[pairKey{symbol: order.Symbol, direction: order.Direction()}] = struct{}{}
		}
	}

	liveTransitions := make(map[uint]struct{})
	for _, pos := range local {
		if pos.InTransition() {
			liveTransitions[pos.ID] = struct{}{}
			s.checkStuckTransition(ctx, pos)
			continue
		}
		if pos.Status != model.PositionStatusOpen {
			continue
		}

		key := pairKey{symbol: pos.Symbol, direction: pos.Direction}
		snap, found := remoteByPair[key]
		if !found {
			s.handleMissingRemote(ctx, pos)
			continue
		}
		if !pos.Quantity.Equal(snap.Quantity) {
			s.correctQuantity(ctx, pos, snap)
		}
	}
	for id := range s.transitionSeen {
		if _, ok := liveTransitions[id]; !ok {
			delete(s.transitionSeen, id)
		}
	}

	for key, snap := range remoteByPair {
		if _, tracked := localPairs[key]; tracked {
			continue
		}
		if !snap.Quantity.IsPositive() {
			continue
		}
		s.adoptExternal(ctx, snap)
	}

	return nil
}

// resolvePendingOrders asks the exchange for the true state of every
// order whose outcome the manager left unknown.
func (s *Synchronizer) resolvePendingOrders(ctx context.Context) {
	liveUnacked := make(map[string]struct{})

	for _, order := range s.manager.PendingOrders() {
		// Partially filled orders keep changing on the exchange; poll them
		// like submitted ones until they reach a terminal status.
		if order.Status != model.OrderStatusSubmitted && order.Status != model.OrderStatusPartiallyFilled {
			continue
		}

		if order.ExchangeOrderID == "" {
			// Submitted but never acknowledged. Give the ack a grace window
			// before declaring the order unknown to the exchange.
			liveUnacked[order.ClientOrderID] = struct{}{}
			first, seen := s.unackedSeen[order.ClientOrderID]
			if !seen {
				s.unackedSeen[order.ClientOrderID] = s.now()
				continue
			}
			if s.now().Sub(first) < s.cfg.TransitionGrace {
				continue
			}

			if err := s.manager.ResolveOrder(ctx, order.ClientOrderID, nil); err != nil {
				s.log.WithError(err).WithField("client_order_id", order.ClientOrderID).
					Warn("failed to resolve unacknowledged order")
				continue
			}
			delete(s.unackedSeen, order.ClientOrderID)
			delete(liveUnacked, order.ClientOrderID)
			s.recordDrift(ctx, model.DriftEvent{
				SessionID:  s.cfg.SessionID,
				PositionID: order.PositionID,
				Symbol:     order.Symbol,
				Direction:  order.Direction(),
				Kind:       model.DriftKindUnknownOrder,
				Detail:     fmt.Sprintf("order %s never acknowledged by exchange, rejected locally", order.ClientOrderID),
			})
			continue
		}

		result, err := s.adapter.GetOrder(ctx, order.Symbol, order.ExchangeOrderID)
		if err != nil {
			if model.IsRetryable(err) {
				continue
			}
			// The exchange does not know the order at all.
			result = nil
		}
		if err := s.manager.ResolveOrder(ctx, order.ClientOrderID, result); err != nil {
			s.log.WithError(err).WithField("client_order_id", order.ClientOrderID).
				Warn("failed to resolve submitted order")
		}
	}

	for id := range s.unackedSeen {
		if _, ok := liveUnacked[id]; !ok {
			delete(s.unackedSeen, id)
		}
	}
}

// checkStuckTransition flags positions parked in OPENING or CLOSING past
// the grace window. No automatic correction: an operator decides.
func (s *Synchronizer) checkStuckTransition(ctx context.Context, pos model.Position) {
	first, seen := s.transitionSeen[pos.ID]
	if !seen {
		s.transitionSeen[pos.ID] = s.now()
		return
	}
	if s.now().Sub(first) < s.cfg.TransitionGrace {
		return
	}

	// Reset the clock so one stuck position does not spam a drift event
	// every pass.
	s.transitionSeen[pos.ID] = s.now()

	s.recordDrift(ctx, model.DriftEvent{
		SessionID:  s.cfg.SessionID,
		PositionID: &pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Kind:       model.DriftKindStuckTransition,
		Detail:     fmt.Sprintf("position stuck in %s beyond %s", pos.Status, s.cfg.TransitionGrace),
	})
	if s.bus != nil {
		s.bus.Publish(events.SessionError{
			SessionID: s.cfg.SessionID,
			Err:       fmt.Errorf("position %d stuck in %s", pos.ID, pos.Status),
		})
	}
}

// handleMissingRemote reconciles a locally OPEN position the exchange no
// longer reports. Trade history disambiguates liquidation from an
// external close; when the adapter cannot answer, the position is
// assumed liquidated so risk accounting errs on the conservative side.
func (s *Synchronizer) handleMissingRemote(ctx context.Context, pos model.Position) {
	status := model.PositionStatusLiquidated
	reason := "assumed liquidated, exchange no longer reports position"

	if reporter, ok := s.adapter.(connectors.LiquidationReporter); ok {
		liquidated, err := reporter.WasLiquidated(ctx, pos.Symbol, pos.Direction)
		switch {
		case err != nil:
			s.log.WithError(err).WithField("symbol", pos.Symbol).
				Warn("could not disambiguate liquidation from trade history")
		case liquidated:
			reason = "liquidation confirmed by trade history"
		default:
			status = model.PositionStatusClosed
			reason = "closed externally"
		}
	}

	if err := s.manager.ForceClose(ctx, pos.ID, status, reason, pos.ExitPrice); err != nil {
		s.log.WithError(err).WithField("position_id", pos.ID).
			Warn("failed to force-close missing position")
		return
	}

	s.recordDrift(ctx, model.DriftEvent{
		SessionID:  s.cfg.SessionID,
		PositionID: &pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Kind:       model.DriftKindMissingRemote,
		Detail:     reason,
	})
}

func (s *Synchronizer) correctQuantity(ctx context.Context, pos model.Position, snap connectors.PositionSnapshot) {
	detail := fmt.Sprintf("local quantity %s, exchange reports %s", pos.Quantity, snap.Quantity)

	if err := s.manager.CorrectQuantity(ctx, pos.ID, snap); err != nil {
		s.log.WithError(err).WithField("position_id", pos.ID).
			Warn("failed to correct position quantity")
		return
	}

	s.recordDrift(ctx, model.DriftEvent{
		SessionID:  s.cfg.SessionID,
		PositionID: &pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Kind:       model.DriftKindQuantityMismatch,
		Detail:     detail,
	})
}

func (s *Synchronizer) adoptExternal(ctx context.Context, snap connectors.PositionSnapshot) {
	pos, err := s.manager.AdoptExternal(ctx, snap)
	if err != nil {
		s.log.WithError(err).WithField("symbol", snap.Symbol).
			Warn("failed to adopt external position")
		return
	}

	s.recordDrift(ctx, model.DriftEvent{
		SessionID:  s.cfg.SessionID,
		PositionID: &pos.ID,
		Symbol:     snap.Symbol,
		Direction:  snap.Direction,
		Kind:       model.DriftKindExternalOpen,
		Detail:     fmt.Sprintf("exchange reports untracked %s position of %s", snap.Direction, snap.Quantity),
	})
}

func (s *Synchronizer) recordDrift(ctx context.Context, drift model.DriftEvent) {
	drift.CreatedAt = s.now()

	if s.driftStore != nil {
		if err := s.driftStore.Create(ctx, &drift); err != nil {
			s.log.WithError(err).Error("failed to persist drift event")
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.DriftDetected{SessionID: s.cfg.SessionID, Drift: drift})
	}

	s.log.WithFields(logger.Fields{
		"kind":      drift.Kind,
		"symbol":    drift.Symbol,
		"direction": drift.Direction,
		"detail":    drift.Detail,
	}).Warn("position drift detected")
}
