package execution

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/internal/app/signal"
	"github.com/coachpo/orderflow/internal/domain/journal"
	"github.com/coachpo/orderflow/internal/domain/orderbook"
	"github.com/coachpo/orderflow/internal/domain/trading"
	"github.com/coachpo/orderflow/internal/risk"
)

type sentOrder struct {
	close  bool
	req    trading.OrderRequest
	size   decimal.Decimal
	ctxErr error
}

type fakeClient struct {
	mu     sync.Mutex
	orders []sentOrder
	fail   error
}

func (c *fakeClient) PlaceOrder(ctx context.Context, req trading.OrderRequest) trading.OrderResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, sentOrder{req: req, ctxErr: ctx.Err()})
	if c.fail != nil {
		return trading.OrderResult{Err: c.fail}
	}
	return trading.OrderResult{OrderID: "ord-1", Status: "FILLED"}
}

func (c *fakeClient) ClosePosition(ctx context.Context, symbol string, size decimal.Decimal) trading.OrderResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, sentOrder{close: true, size: size, ctxErr: ctx.Err(), req: trading.OrderRequest{Symbol: symbol, Side: trading.CloseSide(size), Size: size.Abs()}})
	if c.fail != nil {
		return trading.OrderResult{Err: c.fail}
	}
	return trading.OrderResult{OrderID: "close-1", Status: "FILLED"}
}

func (c *fakeClient) CancelOrder(context.Context, string) trading.OrderResult {
	return trading.OrderResult{}
}

func (c *fakeClient) Balance(context.Context) trading.BalanceResult { return trading.BalanceResult{} }

func (c *fakeClient) Position(context.Context, string) trading.PositionResult {
	return trading.PositionResult{}
}

func (c *fakeClient) sent() []sentOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentOrder(nil), c.orders...)
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
	err     error
}

func (m *memoryJournal) Record(_ context.Context, entry journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *memoryJournal) Recent(context.Context, string, int) ([]journal.Entry, error) {
	return nil, nil
}

func (m *memoryJournal) Close() error { return nil }

// book builds a one-level book around mid with a spread of 2.
func book(mid int64) *orderbook.State {
	synchronizer := orderbook.NewSynchronizer("BTCUSDT", orderbook.GapPolicy{})
	states, err := synchronizer.Bootstrap(orderbook.Snapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: uint64(mid),
		Bids:         []orderbook.Level{{Price: decimal.NewFromInt(mid - 1), Quantity: decimal.NewFromInt(1)}},
		Asks:         []orderbook.Level{{Price: decimal.NewFromInt(mid + 1), Quantity: decimal.NewFromInt(1)}},
	})
	if err != nil {
		panic(err)
	}
	return states[0]
}

func limits(mutate func(*risk.Config)) risk.Limits {
	cfg := risk.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return risk.MustNew(cfg)
}

func newEngine(t *testing.T, client trading.Client, scorer signal.Scorer, l risk.Limits, j journal.Journal) *Engine {
	t.Helper()
	engine, err := New(Config{
		Symbol:  "btcusdt",
		Limits:  l,
		Scorer:  scorer,
		Client:  client,
		Journal: j,
		Clock:   func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestFlatToLong(t *testing.T) {
	client := &fakeClient{}
	engine := newEngine(t, client, signal.Constant(0.9), limits(nil), nil)

	decision := engine.Step(context.Background(), book(100))
	if decision.Action != ActionOpenLong {
		t.Fatalf("expected open_long, got %s", decision.Action)
	}
	orders := client.sent()
	if len(orders) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(orders))
	}
	req := orders[0].req
	if req.Side != trading.SideBuy || req.Type != trading.OrderTypeMarket || !req.Size.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected order %+v", req)
	}
	if req.Symbol != "BTCUSDT" || req.ClientOrderID == "" {
		t.Fatalf("order missing identity: %+v", req)
	}
	pos := engine.Position()
	if !pos.Size.Equal(decimal.RequireFromString("0.01")) || !pos.EntryPrice.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected long 0.01 at 100, got %s at %s", pos.Size, pos.EntryPrice)
	}
}

func TestFlatToShortAndNoAction(t *testing.T) {
	client := &fakeClient{}
	engine := newEngine(t, client, signal.Constant(0.2), limits(nil), nil)
	if d := engine.Step(context.Background(), book(100)); d.Action != ActionOpenShort {
		t.Fatalf("expected open_short, got %s", d.Action)
	}
	if !engine.Position().Size.Equal(decimal.RequireFromString("-0.01")) {
		t.Fatalf("expected short position, got %s", engine.Position().Size)
	}

	idle := newEngine(t, &fakeClient{}, signal.Constant(0.5), limits(nil), nil)
	if d := idle.Step(context.Background(), book(100)); d.Action != ActionNone {
		t.Fatalf("expected no action inside the band, got %s", d.Action)
	}
	if !idle.Position().Flat() {
		t.Fatal("expected flat")
	}
}

func TestSlippageAdjustsEntry(t *testing.T) {
	engine := newEngine(t, &fakeClient{}, signal.Constant(0.9), limits(func(c *risk.Config) { c.Slippage = 0.01 }), nil)
	engine.Step(context.Background(), book(100))
	if !engine.Position().EntryPrice.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("expected entry 101, got %s", engine.Position().EntryPrice)
	}
}

func TestStopLossClose(t *testing.T) {
	client := &fakeClient{}
	l := limits(func(c *risk.Config) {
		c.MaxSingleLoss = -0.05
		c.StopLoss = -0.02
	})
	engine := newEngine(t, client, signal.Constant(0.9), l, nil)
	engine.Step(context.Background(), book(100))

	decision := engine.Step(context.Background(), book(97))
	if decision.Action != ActionClose || decision.Reason != "stop_loss" {
		t.Fatalf("expected stop_loss close, got %s/%s", decision.Action, decision.Reason)
	}
	orders := client.sent()
	if len(orders) != 2 || orders[1].req.Side != trading.SideSell || !orders[1].req.Size.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("expected a full-size closing SELL, got %+v", orders)
	}
	pos := engine.Position()
	if !pos.Flat() {
		t.Fatalf("expected flat after close, got %s", pos.Size)
	}
	if math.Abs(pos.DailyPnL-(-0.03)) > 1e-12 {
		t.Fatalf("expected dailyPnl -0.03, got %v", pos.DailyPnL)
	}
}

func TestTakeProfitAndFees(t *testing.T) {
	l := limits(func(c *risk.Config) {
		c.TakeProfit = 0.01
		c.FeeRate = 0.001
	})
	engine := newEngine(t, &fakeClient{}, signal.Constant(0.2), l, nil)
	engine.Step(context.Background(), book(100))
	decision := engine.Step(context.Background(), book(98))
	if decision.Action != ActionClose || decision.Reason != "take_profit" {
		t.Fatalf("expected take_profit on short, got %s/%s", decision.Action, decision.Reason)
	}
	if math.Abs(engine.Position().DailyPnL-(0.02-0.002)) > 1e-12 {
		t.Fatalf("expected net pnl 0.018, got %v", engine.Position().DailyPnL)
	}
}

func TestHoldTicksExit(t *testing.T) {
	engine := newEngine(t, &fakeClient{}, signal.Constant(0.9), limits(func(c *risk.Config) { c.HoldTicks = 2 }), nil)
	ctx := context.Background()
	engine.Step(ctx, book(100))
	if d := engine.Step(ctx, book(100)); d.Action != ActionNone || d.Reason != "hold" {
		t.Fatalf("expected hold on first tick, got %s/%s", d.Action, d.Reason)
	}
	if d := engine.Step(ctx, book(100)); d.Action != ActionClose || d.Reason != "hold_ticks" {
		t.Fatalf("expected hold_ticks exit, got %s/%s", d.Action, d.Reason)
	}
}

func TestCircuitBreakerBlocksEntriesAndFlattens(t *testing.T) {
	client := &fakeClient{}
	l := limits(func(c *risk.Config) {
		c.MaxSingleLoss = -0.5
		c.StopLoss = -0.5
		c.TakeProfit = 0.5
		c.MaxDailyLoss = -0.01
	})
	engine := newEngine(t, client, signal.Constant(0.99), l, nil)
	ctx := context.Background()

	engine.Step(ctx, book(100))
	engine.setPosition(Position{
		Size:       engine.Position().Size,
		EntryPrice: engine.Position().EntryPrice,
		DailyPnL:   -0.02,
	})

	decision := engine.Step(ctx, book(99))
	if decision.Action != ActionFlatten {
		t.Fatalf("expected flatten, got %s", decision.Action)
	}
	orders := client.sent()
	last := orders[len(orders)-1]
	if !last.close || last.req.Side != trading.SideSell {
		t.Fatalf("expected ClosePosition selling the long, got %+v", last)
	}
	pos := engine.Position()
	if !pos.Flat() || !pos.Breaker {
		t.Fatalf("expected flat with breaker set, got %+v", pos)
	}
	if math.Abs(pos.DailyPnL-(-0.03)) > 1e-12 {
		t.Fatalf("expected flatten to realise -0.01, got %v", pos.DailyPnL)
	}

	before := len(client.sent())
	for i := 0; i < 5; i++ {
		if d := engine.Step(ctx, book(100)); d.Action != ActionNone || d.Reason != "breaker" {
			t.Fatalf("expected breaker hold, got %s/%s", d.Action, d.Reason)
		}
	}
	if len(client.sent()) != before {
		t.Fatal("breaker mode must never open a position")
	}
}

func TestFailedOrderLeavesPositionUnchanged(t *testing.T) {
	client := &fakeClient{fail: errors.New("venue down")}
	j := &memoryJournal{}
	engine := newEngine(t, client, signal.Constant(0.9), limits(nil), j)

	decision := engine.Step(context.Background(), book(100))
	if decision.Result == nil || decision.Result.OK() {
		t.Fatalf("expected failed result, got %+v", decision.Result)
	}
	if !engine.Position().Flat() {
		t.Fatal("failed order must not open a position")
	}
	if len(j.entries) != 1 || j.entries[0].Error == "" || j.entries[0].Action != journal.ActionOpenLong {
		t.Fatalf("expected journaled failure, got %+v", j.entries)
	}
}

func TestJournalFailureDoesNotAffectPosition(t *testing.T) {
	j := &memoryJournal{err: errors.New("disk full")}
	engine := newEngine(t, &fakeClient{}, signal.Constant(0.9), limits(nil), j)
	engine.Step(context.Background(), book(100))
	if engine.Position().Flat() {
		t.Fatal("journal errors must not undo the trade")
	}
}

// The engine records the decision mid as entry without waiting for a fill
// confirmation. A venue fill at a different price is not reflected.
func TestOpenAssumesFillAtDecisionMid(t *testing.T) {
	client := &fakeClient{}
	engine := newEngine(t, client, signal.Constant(0.9), limits(nil), nil)
	engine.Step(context.Background(), book(100))
	if !engine.Position().EntryPrice.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected optimistic entry at mid, got %s", engine.Position().EntryPrice)
	}
}

func TestInvalidScoreSkipsCycle(t *testing.T) {
	for _, scorer := range []signal.Scorer{
		signal.Constant(math.NaN()),
		signal.Constant(1.2),
		signal.Func(func([]float64) (float64, error) { return 0, errors.New("model error") }),
	} {
		client := &fakeClient{}
		engine := newEngine(t, client, scorer, limits(nil), nil)
		if d := engine.Step(context.Background(), book(100)); d.Action != ActionSkip {
			t.Fatalf("expected skip, got %s", d.Action)
		}
		if len(client.sent()) != 0 {
			t.Fatal("skip must not trade")
		}
	}
}

func TestEmptySideSkips(t *testing.T) {
	client := &fakeClient{}
	engine := newEngine(t, client, signal.Constant(0.9), limits(nil), nil)
	if d := engine.Step(context.Background(), orderbook.NewState("BTCUSDT")); d.Action != ActionSkip || d.Reason != "empty_side" {
		t.Fatalf("expected empty_side skip, got %s/%s", d.Action, d.Reason)
	}
	if len(client.sent()) != 0 || !engine.Position().Flat() {
		t.Fatal("empty book must not change state")
	}
}

func TestOrderContextSurvivesCancellation(t *testing.T) {
	client := &fakeClient{}
	engine := newEngine(t, client, signal.Constant(0.9), limits(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine.Step(ctx, book(100))
	orders := client.sent()
	if len(orders) != 1 {
		t.Fatalf("expected order despite cancellation, got %d", len(orders))
	}
	if orders[0].ctxErr != nil {
		t.Fatalf("order context must not inherit cancellation, got %v", orders[0].ctxErr)
	}
}

type sliceSource struct {
	states []*orderbook.State
	cancel context.CancelFunc
}

func (s *sliceSource) Next(ctx context.Context) (*orderbook.State, error) {
	if len(s.states) == 0 {
		s.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	state := s.states[0]
	s.states = s.states[1:]
	return state, nil
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	client := &fakeClient{}
	engine := newEngine(t, client, signal.Constant(0.9), limits(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	src := &sliceSource{states: []*orderbook.State{book(100), book(100), book(100)}, cancel: cancel}

	if err := engine.Run(ctx, src); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(client.sent()) != 1 {
		t.Fatalf("expected one open and two holds, got %d orders", len(client.sent()))
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{Symbol: "X", Scorer: signal.Constant(0.5)}); err == nil {
		t.Fatal("expected missing client error")
	}
	if _, err := New(Config{Symbol: "X", Scorer: signal.Constant(0.5), Client: &fakeClient{}, Limits: limits(nil), ImbalanceDepths: []int{0}}); err == nil {
		t.Fatal("expected depth error")
	}
}
