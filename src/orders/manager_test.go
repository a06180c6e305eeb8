package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpengine/src/connectors"
	"pumpengine/src/events"
	"pumpengine/src/model"
)

type memOrderStore struct {
	mu     sync.Mutex
	nextID uint
	orders map[string]model.Order
	logs   []string
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{orders: make(map[string]model.Order)}
}

func (s *memOrderStore) CreateWithAutoLog(_ context.Context, order *model.Order, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	order.ID = s.nextID
	s.orders[order.ClientOrderID] = *order
	s.logs = append(s.logs, message)
	return nil
}

func (s *memOrderStore) UpdateWithAutoLog(_ context.Context, order *model.Order, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ClientOrderID] = *order
	s.logs = append(s.logs, message)
	return nil
}

type memPositionStore struct {
	mu        sync.Mutex
	nextID    uint
	positions map[uint]model.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[uint]model.Position)}
}

func (s *memPositionStore) Create(_ context.Context, pos *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	pos.ID = s.nextID
	s.positions[pos.ID] = *pos
	return nil
}

func (s *memPositionStore) Update(_ context.Context, pos *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = *pos
	return nil
}

func (s *memPositionStore) get(id uint) model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id]
}

// blockingAdapter holds PlaceOrder until the gate opens, making the
// duplicate-open race deterministic.
type blockingAdapter struct {
	*connectors.Simulated
	gate chan struct{}
}

func (a *blockingAdapter) PlaceOrder(ctx context.Context, intent connectors.OrderIntent) (*connectors.OrderResult, error) {
	<-a.gate
	return a.Simulated.PlaceOrder(ctx, intent)
}

// flakyAdapter simulates an exchange whose PlaceOrder times out with an
// unknown outcome while the order actually reached the venue.
type flakyAdapter struct {
	*connectors.Simulated
	failPlaces int
	mu         sync.Mutex
}

func (a *flakyAdapter) PlaceOrder(ctx context.Context, intent connectors.OrderIntent) (*connectors.OrderResult, error) {
	a.mu.Lock()
	shouldFail := a.failPlaces > 0
	if shouldFail {
		a.failPlaces--
	}
	a.mu.Unlock()

	if shouldFail {
		// The order reaches the exchange, but the response is lost.
		_, _ = a.Simulated.PlaceOrder(ctx, intent)
		return nil, &model.TransientExchangeError{Op: "PlaceOrder", StatusCode: 504, Err: context.DeadlineExceeded}
	}
	return a.Simulated.PlaceOrder(ctx, intent)
}

func newTestManager(t *testing.T, adapter connectors.Adapter) (*Manager, *memOrderStore, *memPositionStore) {
	t.Helper()
	orderStore := newMemOrderStore()
	positionStore := newMemPositionStore()
	manager := NewManager(adapter, events.NewBus(), orderStore, positionStore, Config{
		SessionID:       "test-session",
		LeverageCeiling: 50,
		DefaultBudget:   decimal.NewFromInt(10000),
	})
	return manager, orderStore, positionStore
}

func simWithPrice(t *testing.T, price int64) *connectors.Simulated {
	t.Helper()
	sim := connectors.NewSimulated(decimal.Zero, decimal.Zero)
	sim.SetMarkPrice("BTCUSDT", decimal.NewFromInt(price))
	return sim
}

func TestOpenPositionHappyPath(t *testing.T) {
	sim := simWithPrice(t, 50000)
	manager, _, positionStore := newTestManager(t, sim)
	ctx := context.Background()

	order, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromFloat(0.5)},
		Leverage:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, order.Status)
	require.NotNil(t, order.PositionID)

	pos := positionStore.get(*order.PositionID)
	assert.Equal(t, model.PositionStatusOpen, pos.Status)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, pos.LiquidationPrice.Equal(decimal.NewFromInt(40000)), "5x long at 50000 liquidates at 40000, got %s", pos.LiquidationPrice)
	assert.True(t, pos.Margin.Equal(decimal.NewFromInt(5000)))

	// The conflict slot must be free after the fill.
	_, err = manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionShort,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromFloat(0.1)},
		Leverage:  2,
	})
	assert.NoError(t, err)
}

func TestOpenPositionBudgetSizing(t *testing.T) {
	sim := simWithPrice(t, 50000)
	manager, _, _ := newTestManager(t, sim)
	manager.OnPrice("BTCUSDT", decimal.NewFromInt(50000))

	order, err := manager.OpenPosition(context.Background(), OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{BudgetPct: decimal.NewFromInt(50)},
		Leverage:  10,
	})
	require.NoError(t, err)

	// 50% of the 10000 budget = 5000 margin; at 10x that is 50000
	// notional, exactly 1 BTC at the mark.
	assert.True(t, order.Quantity.Equal(decimal.NewFromInt(1)), "got %s", order.Quantity)
}

func TestOpenPositionValidation(t *testing.T) {
	sim := simWithPrice(t, 50000)
	manager, _, _ := newTestManager(t, sim)
	ctx := context.Background()

	var validation *model.ValidationError

	_, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol: "BTCUSDT", Direction: model.DirectionLong,
		Sizing: model.SizingRule{FixedQuantity: decimal.NewFromInt(1)}, Leverage: 0,
	})
	assert.ErrorAs(t, err, &validation)

	_, err = manager.OpenPosition(ctx, OpenRequest{
		Symbol: "BTCUSDT", Direction: model.DirectionLong,
		Sizing: model.SizingRule{FixedQuantity: decimal.NewFromInt(1)}, Leverage: 100,
	})
	assert.ErrorAs(t, err, &validation, "leverage above the session ceiling must be rejected")

	_, err = manager.OpenPosition(ctx, OpenRequest{
		Symbol: "BTCUSDT", Direction: model.DirectionBoth,
		Sizing: model.SizingRule{FixedQuantity: decimal.NewFromInt(1)}, Leverage: 5,
	})
	assert.ErrorAs(t, err, &validation, "BOTH is not a position direction")
}

// TestOpenPositionConcurrentConflict: two concurrent opens for the same
// (symbol, direction) yield exactly one position and one ConflictError.
func TestOpenPositionConcurrentConflict(t *testing.T) {
	sim := simWithPrice(t, 50000)
	gate := make(chan struct{})
	adapter := &blockingAdapter{Simulated: sim, gate: gate}
	manager, _, _ := newTestManager(t, adapter)
	ctx := context.Background()

	req := OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromFloat(0.5)},
		Leverage:  5,
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.OpenPosition(ctx, req)
			results <- err
		}()
	}

	// One goroutine is parked inside PlaceOrder holding the slot; the
	// other must have conflicted already. Release the gate for both.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	var conflicts, successes int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var conflict *model.ConflictError
		require.ErrorAs(t, err, &conflict)
		conflicts++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, manager.TrackedPositions(), 1)
}

// TestTrackedPositionsConcurrentWithMarking: snapshot reads and price
// re-marking of the same position run concurrently without tearing.
func TestTrackedPositionsConcurrentWithMarking(t *testing.T) {
	sim := simWithPrice(t, 50000)
	manager, _, _ := newTestManager(t, sim)
	ctx := context.Background()

	_, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(1)},
		Leverage:  5,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			manager.OnPrice("BTCUSDT", decimal.NewFromInt(50000+int64(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			for _, pos := range manager.TrackedPositions() {
				_ = pos.UnrealizedPnl.String()
			}
		}
	}()
	wg.Wait()

	positions := manager.TrackedPositions()
	require.Len(t, positions, 1)
	// Last mark was 51999: (51999-50000)*1.
	assert.True(t, positions[0].UnrealizedPnl.Equal(decimal.NewFromInt(1999)),
		"got %s", positions[0].UnrealizedPnl)
}

func TestClosePositionRealizedPnl(t *testing.T) {
	sim := connectors.NewSimulated(decimal.Zero, decimal.RequireFromString("0.001"))
	sim.SetMarkPrice("BTCUSDT", decimal.NewFromInt(50000))
	manager, _, positionStore := newTestManager(t, sim)
	ctx := context.Background()

	order, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(1)},
		Leverage:  5,
	})
	require.NoError(t, err)

	sim.SetMarkPrice("BTCUSDT", decimal.NewFromInt(55000))
	manager.OnPrice("BTCUSDT", decimal.NewFromInt(55000))

	closeOrder, err := manager.ClosePosition(ctx, *order.PositionID, "take_profit")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, closeOrder.Status)

	pos := positionStore.get(*order.PositionID)
	assert.Equal(t, model.PositionStatusClosed, pos.Status)
	assert.Equal(t, "take_profit", pos.CloseReason)

	// (55000-50000)*1 - fees (0.1% of each fill's notional: 50 + 55).
	want := decimal.NewFromInt(5000).Sub(decimal.NewFromInt(50)).Sub(decimal.NewFromInt(55))
	assert.True(t, pos.RealizedPnl.Equal(want), "realized pnl %s, want %s", pos.RealizedPnl, want)
}

func TestClosePositionShortRealizedPnl(t *testing.T) {
	sim := simWithPrice(t, 50000)
	manager, _, positionStore := newTestManager(t, sim)
	ctx := context.Background()

	order, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionShort,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(2)},
		Leverage:  3,
	})
	require.NoError(t, err)

	sim.SetMarkPrice("BTCUSDT", decimal.NewFromInt(45000))

	_, err = manager.ClosePosition(ctx, *order.PositionID, "take_profit")
	require.NoError(t, err)

	pos := positionStore.get(*order.PositionID)
	// Short gains as price falls: (45000-50000)*2*(-1) = 10000.
	assert.True(t, pos.RealizedPnl.Equal(decimal.NewFromInt(10000)), "got %s", pos.RealizedPnl)
}

func TestClosePositionOnlyWhenOpen(t *testing.T) {
	sim := simWithPrice(t, 50000)
	manager, _, _ := newTestManager(t, sim)
	ctx := context.Background()

	_, err := manager.ClosePosition(ctx, 999, "take_profit")
	assert.ErrorIs(t, err, model.ErrPositionNotFound)

	order, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(1)},
		Leverage:  2,
	})
	require.NoError(t, err)

	_, err = manager.ClosePosition(ctx, *order.PositionID, "take_profit")
	require.NoError(t, err)

	// Second close on a CLOSED position fails.
	_, err = manager.ClosePosition(ctx, *order.PositionID, "take_profit")
	assert.ErrorIs(t, err, model.ErrPositionNotFound)
}

// TestUnknownOutcomeDefersToSynchronizer: a timed-out submit keeps the
// order SUBMITTED, holds the conflict slot, and a later resolution from
// the synchronizer completes the open.
func TestUnknownOutcomeDefersToSynchronizer(t *testing.T) {
	sim := simWithPrice(t, 50000)
	adapter := &flakyAdapter{Simulated: sim, failPlaces: 1}
	manager, _, positionStore := newTestManager(t, adapter)
	ctx := context.Background()

	req := OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(1)},
		Leverage:  5,
	}

	order, err := manager.OpenPosition(ctx, req)
	var execFailure *model.ExecutionFailure
	require.ErrorAs(t, err, &execFailure)
	assert.Equal(t, model.OrderStatusSubmitted, order.Status)

	// Slot is still held while the outcome is unknown.
	_, err = manager.OpenPosition(ctx, req)
	var conflict *model.ConflictError
	require.ErrorAs(t, err, &conflict)

	// Synchronizer finds the fill on the exchange and resolves it.
	err = manager.ResolveOrder(ctx, order.ClientOrderID, &connectors.OrderResult{
		ExchangeOrderID: "sim-1",
		Status:          model.OrderStatusFilled,
		FilledQuantity:  decimal.NewFromInt(1),
		FillPrice:       decimal.NewFromInt(50000),
	})
	require.NoError(t, err)

	positions := manager.TrackedPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, model.PositionStatusOpen, positions[0].Status)
	assert.Equal(t, model.PositionStatusOpen, positionStore.get(positions[0].ID).Status)

	// The slot frees once resolved.
	assert.Empty(t, manager.PendingOrders())
}

func TestResolveOrderUnknownToExchange(t *testing.T) {
	sim := simWithPrice(t, 50000)
	adapter := &flakyAdapter{Simulated: sim, failPlaces: 1}
	manager, orderStore, _ := newTestManager(t, adapter)
	ctx := context.Background()

	order, _ := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(1)},
		Leverage:  5,
	})

	require.NoError(t, manager.ResolveOrder(ctx, order.ClientOrderID, nil))

	orderStore.mu.Lock()
	stored := orderStore.orders[order.ClientOrderID]
	orderStore.mu.Unlock()
	assert.Equal(t, model.OrderStatusRejected, stored.Status)
	assert.Empty(t, manager.PendingOrders())
}

func TestCancelOrderRules(t *testing.T) {
	sim := simWithPrice(t, 50000)
	manager, _, _ := newTestManager(t, sim)
	ctx := context.Background()

	err := manager.CancelOrder(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	// A filled order is no longer pending and cannot be cancelled.
	order, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(1)},
		Leverage:  2,
	})
	require.NoError(t, err)
	err = manager.CancelOrder(ctx, order.ClientOrderID)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestForceCloseLiquidation(t *testing.T) {
	sim := simWithPrice(t, 50000)
	manager, _, positionStore := newTestManager(t, sim)
	ctx := context.Background()

	order, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(1)},
		Leverage:  5,
	})
	require.NoError(t, err)

	err = manager.ForceClose(ctx, *order.PositionID, model.PositionStatusLiquidated, "exchange reported liquidation", decimal.Zero)
	require.NoError(t, err)

	pos := positionStore.get(*order.PositionID)
	assert.Equal(t, model.PositionStatusLiquidated, pos.Status)
	// Exit defaults to the liquidation price: (40000-50000)*1 = -10000.
	assert.True(t, pos.RealizedPnl.Equal(decimal.NewFromInt(-10000)), "got %s", pos.RealizedPnl)
	assert.Empty(t, manager.TrackedPositions())
}

func TestAccrueFunding(t *testing.T) {
	sim := simWithPrice(t, 50000)
	sim.SetFundingRate("BTCUSDT", decimal.RequireFromString("0.0001"))
	manager, _, positionStore := newTestManager(t, sim)
	ctx := context.Background()

	order, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionShort,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(1)},
		Leverage:  3,
	})
	require.NoError(t, err)

	manager.AccrueFunding(ctx, 2)

	pos := positionStore.get(*order.PositionID)
	// Short pays positive funding: 50000 * 0.0001 * 2 = 10.
	assert.True(t, pos.FundingAccrued.Equal(decimal.NewFromInt(10)), "got %s", pos.FundingAccrued)
}

func TestDrainResolvesPendingOrders(t *testing.T) {
	sim := simWithPrice(t, 50000)
	adapter := &flakyAdapter{Simulated: sim, failPlaces: 1}
	manager, _, _ := newTestManager(t, adapter)
	ctx := context.Background()

	_, err := manager.OpenPosition(ctx, OpenRequest{
		Symbol:    "BTCUSDT",
		Direction: model.DirectionLong,
		Sizing:    model.SizingRule{FixedQuantity: decimal.NewFromInt(1)},
		Leverage:  5,
	})
	var execFailure *model.ExecutionFailure
	require.ErrorAs(t, err, &execFailure)
	require.Len(t, manager.PendingOrders(), 1)

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, manager.Drain(drainCtx))
	assert.Empty(t, manager.PendingOrders())
}
