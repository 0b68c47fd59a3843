package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/core"
	"papertrade/internal/eventlog"
	"papertrade/internal/portfolio"
	"papertrade/internal/state"
	apperrors "papertrade/pkg/errors"
	"papertrade/pkg/logging"
)

// fakeBroker scripts PlaceOrder and CancelOrder outcomes.
type fakeBroker struct {
	mu           sync.Mutex
	placeCalls   int
	placeErrs    []error
	placeStatus  string
	placeReason  string
	cancelCalls  int
	cancelErr    error
	lastCancelID string
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, order *core.Order) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls++
	if len(b.placeErrs) > 0 {
		err := b.placeErrs[0]
		b.placeErrs = b.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	status := b.placeStatus
	if status == "" {
		status = "new"
	}
	return &core.BrokerOrder{
		OrderID:       "bo-" + order.ClientOrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		Status:        status,
		Reason:        b.placeReason,
	}, nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	b.lastCancelID = brokerOrderID
	return b.cancelErr
}

func (b *fakeBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	return nil, apperrors.ErrOrderNotFound
}
func (b *fakeBroker) ListOpenOrders(ctx context.Context) ([]*core.BrokerOrder, error) {
	return nil, nil
}
func (b *fakeBroker) ListPositions(ctx context.Context) ([]*core.BrokerPosition, error) {
	return nil, nil
}

func (b *fakeBroker) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placeCalls
}

// fakeStream feeds scripted events into the dispatcher.
type fakeStream struct {
	events chan core.BrokerEvent
	gaps   chan uint64
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan core.BrokerEvent, 64), gaps: make(chan uint64, 4)}
}

func (s *fakeStream) Start(ctx context.Context) error     { return nil }
func (s *fakeStream) Stop() error                         { return nil }
func (s *fakeStream) Events() <-chan core.BrokerEvent     { return s.events }
func (s *fakeStream) Gaps() <-chan uint64                 { return s.gaps }

// fakeJournal records appended entries.
type fakeJournal struct {
	mu      sync.Mutex
	entries []struct {
		Kind string
		Data any
	}
}

func (j *fakeJournal) Append(kind string, data any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, struct {
		Kind string
		Data any
	}{kind, data})
}
func (j *fakeJournal) Sync() error  { return nil }
func (j *fakeJournal) Close() error { return nil }

func (j *fakeJournal) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	engine  *Engine
	broker  *fakeBroker
	stream  *fakeStream
	journal *fakeJournal
	cache   *state.Cache
	book    *portfolio.Book
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	broker := &fakeBroker{}
	stream := newFakeStream()
	journal := &fakeJournal{}
	cache := state.NewCache(nil, logger)
	book := portfolio.NewBook(decimal.NewFromInt(100000), logger)

	params := DefaultParams()
	params.OrderRatePerMinute = 6000 // keep tests off the limiter
	params.OrderBurst = 100
	params.AckTimeout = 500 * time.Millisecond

	eng := NewEngine(broker, stream, journal, cache, book, nil, params, logger)
	return &fixture{engine: eng, broker: broker, stream: stream, journal: journal, cache: cache, book: book}
}

func intent(symbol string, side core.Side, qty string) core.Intent {
	return core.Intent{
		StrategyID: "ema_cross",
		SignalID:   "sig-1",
		Symbol:     symbol,
		Side:       side,
		Qty:        decimal.RequireFromString(qty),
		Type:       core.OrderTypeMarket,
		DecisionTS: time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC),
	}
}

func TestSubmitPlacesAndMarksSubmitted(t *testing.T) {
	f := newFixture(t)

	order, err := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)

	assert.Equal(t, core.StateSubmitted, order.State)
	assert.Equal(t, "bo-"+order.ClientOrderID, order.BrokerOrderID)
	assert.Contains(t, f.journal.kinds(), eventlog.KindOrderCreated)
	assert.Contains(t, f.journal.kinds(), eventlog.KindOrderTransition)

	// The open-order set is published to the cache for the supervisor.
	var open []core.Order
	_, ok := f.cache.Get(state.KeyOpenOrders, &open)
	require.True(t, ok)
	require.Len(t, open, 1)
	assert.Equal(t, order.ClientOrderID, open[0].ClientOrderID)
}

func TestSubmitIsIdempotentOnIntent(t *testing.T) {
	f := newFixture(t)

	first, err := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)
	replay, err := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)

	assert.Equal(t, first.ClientOrderID, replay.ClientOrderID)
	assert.Equal(t, 1, f.broker.calls(), "replay must not touch the broker")
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	bad := intent("AAPL", core.SideBuy, "10")
	bad.Qty = decimal.Zero
	_, err := f.engine.Submit(context.Background(), bad)
	assert.True(t, errors.Is(err, apperrors.ErrBadRequest))

	bad = intent("", core.SideBuy, "10")
	_, err = f.engine.Submit(context.Background(), bad)
	assert.True(t, errors.Is(err, apperrors.ErrBadRequest))

	// A limit intent must carry a limit price, a market one must not.
	bad = intent("AAPL", core.SideBuy, "10")
	bad.Type = core.OrderTypeLimit
	_, err = f.engine.Submit(context.Background(), bad)
	assert.True(t, errors.Is(err, apperrors.ErrBadRequest))

	bad = intent("AAPL", core.SideBuy, "10")
	bad.LimitPrice = decimal.NewFromInt(150)
	_, err = f.engine.Submit(context.Background(), bad)
	assert.True(t, errors.Is(err, apperrors.ErrBadRequest))

	assert.Zero(t, f.broker.calls())
}

func TestSubmitRetriesThenUnknown(t *testing.T) {
	f := newFixture(t)
	transient := fmt.Errorf("dial: %w", apperrors.ErrRetriable)
	f.broker.placeErrs = []error{transient, transient, transient}

	reconciled := make(chan string, 1)
	f.engine.SetReconcileHooks(func(cid string) { reconciled <- cid }, nil)

	order, err := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.Error(t, err)

	assert.Equal(t, core.StateUnknown, order.State)
	assert.Equal(t, 3, f.broker.calls())
	select {
	case cid := <-reconciled:
		assert.Equal(t, order.ClientOrderID, cid)
	default:
		t.Fatal("UNKNOWN order was not handed to the reconciler")
	}
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	transient := fmt.Errorf("dial: %w", apperrors.ErrRetriable)
	f.broker.placeErrs = []error{transient, nil}

	order, err := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)
	assert.Equal(t, core.StateSubmitted, order.State)
	assert.Equal(t, 2, order.Attempts)
}

func TestSubmitBrokerReject(t *testing.T) {
	f := newFixture(t)
	f.broker.placeStatus = "rejected"
	f.broker.placeReason = "symbol halted"

	order, err := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)
	assert.Equal(t, core.StateRejected, order.State)
	assert.Equal(t, "symbol halted", order.Reason)
}

func TestSubmitBadRequestRejects(t *testing.T) {
	f := newFixture(t)
	f.broker.placeErrs = []error{fmt.Errorf("qty malformed: %w", apperrors.ErrBadRequest)}

	order, err := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.Error(t, err)
	assert.Equal(t, core.StateRejected, order.State)
}

func TestFillAccumulation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop()

	order, err := f.engine.Submit(ctx, intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)

	f.stream.events <- core.BrokerEvent{
		Seq: 1, Kind: core.EventFill, ClientOrderID: order.ClientOrderID,
		OrderID: order.BrokerOrderID, Qty: decimal.NewFromInt(4), Price: decimal.NewFromInt(100), TS: time.Now(),
	}
	f.stream.events <- core.BrokerEvent{
		Seq: 2, Kind: core.EventFill, ClientOrderID: order.ClientOrderID,
		OrderID: order.BrokerOrderID, Qty: decimal.NewFromInt(6), Price: decimal.NewFromInt(110), TS: time.Now(),
	}

	require.Eventually(t, func() bool {
		got, _ := f.engine.Get(order.ClientOrderID)
		return got.State == core.StateFilled
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := f.engine.Get(order.ClientOrderID)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(10)))
	// (4*100 + 6*110) / 10 = 106
	assert.True(t, got.AvgFillPrice.Equal(decimal.NewFromInt(106)), "got %s", got.AvgFillPrice)

	pos, ok := f.book.Position("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Qty.Equal(decimal.NewFromInt(10)))
}

func TestPartialFillState(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop()

	order, err := f.engine.Submit(ctx, intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)

	f.stream.events <- core.BrokerEvent{
		Seq: 1, Kind: core.EventFill, ClientOrderID: order.ClientOrderID,
		Qty: decimal.NewFromInt(3), Price: decimal.NewFromInt(100), TS: time.Now(),
	}

	require.Eventually(t, func() bool {
		got, _ := f.engine.Get(order.ClientOrderID)
		return got.State == core.StatePartialFill
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop()

	order, err := f.engine.Submit(ctx, intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(ctx, order.ClientOrderID))
	got, _ := f.engine.Get(order.ClientOrderID)
	assert.Equal(t, core.StateCancelling, got.State)
	assert.Equal(t, order.BrokerOrderID, f.broker.lastCancelID)

	// The verdict arrives on the stream.
	f.stream.events <- core.BrokerEvent{
		Seq: 1, Kind: core.EventCancel, ClientOrderID: order.ClientOrderID, TS: time.Now(),
	}
	require.Eventually(t, func() bool {
		got, _ := f.engine.Get(order.ClientOrderID)
		return got.State == core.StateCancelled
	}, 2*time.Second, 10*time.Millisecond)

	// Terminal orders are not cancellable.
	err = f.engine.Cancel(ctx, order.ClientOrderID)
	assert.True(t, errors.Is(err, apperrors.ErrNotCancellable))
}

func TestFillAfterTerminalStateLeavesBookUntouched(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop()

	order, err := f.engine.Submit(ctx, intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(ctx, order.ClientOrderID))
	f.stream.events <- core.BrokerEvent{
		Seq: 1, Kind: core.EventCancel, ClientOrderID: order.ClientOrderID, TS: time.Now(),
	}
	require.Eventually(t, func() bool {
		got, _ := f.engine.Get(order.ClientOrderID)
		return got.State == core.StateCancelled
	}, 2*time.Second, 10*time.Millisecond)

	// A late fill against the cancelled order must be refused before it
	// reaches the journal or the book, not after.
	f.stream.events <- core.BrokerEvent{
		Seq: 2, Kind: core.EventFill, ClientOrderID: order.ClientOrderID,
		Qty: decimal.NewFromInt(10), Price: decimal.NewFromInt(100), TS: time.Now(),
	}
	// A second order on another symbol proves the dispatcher processed
	// past the refused event.
	second, err := f.engine.Submit(ctx, intent("MSFT", core.SideBuy, "5"))
	require.NoError(t, err)
	f.stream.events <- core.BrokerEvent{
		Seq: 3, Kind: core.EventFill, ClientOrderID: second.ClientOrderID,
		Qty: decimal.NewFromInt(5), Price: decimal.NewFromInt(400), TS: time.Now(),
	}
	require.Eventually(t, func() bool {
		got, _ := f.engine.Get(second.ClientOrderID)
		return got.State == core.StateFilled
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := f.engine.Get(order.ClientOrderID)
	assert.Equal(t, core.StateCancelled, got.State)
	assert.True(t, got.FilledQty.IsZero(), "refused fill must not accumulate")

	_, ok := f.book.Position("AAPL")
	assert.False(t, ok, "refused fill must not open a position")

	fills := 0
	for _, kind := range f.journal.kinds() {
		if kind == eventlog.KindFill {
			fills++
		}
	}
	assert.Equal(t, 1, fills, "only the legal fill may be journaled")
}

func TestCancelUnknownOrderID(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Cancel(context.Background(), "pt-nope")
	assert.True(t, errors.Is(err, apperrors.ErrOrderNotFound))
}

func TestCancelTargetMissingAtBrokerGoesUnknown(t *testing.T) {
	f := newFixture(t)
	f.broker.cancelErr = fmt.Errorf("cancel order: %w", apperrors.ErrOrderNotFound)

	order, err := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(context.Background(), order.ClientOrderID))
	got, _ := f.engine.Get(order.ClientOrderID)
	assert.Equal(t, core.StateUnknown, got.State)
}

func TestEventsForUnknownOrderDeferToReconciler(t *testing.T) {
	f := newFixture(t)
	transient := fmt.Errorf("dial: %w", apperrors.ErrRetriable)
	f.broker.placeErrs = []error{transient, transient, transient}

	reconciled := make(chan string, 4)
	f.engine.SetReconcileHooks(func(cid string) { reconciled <- cid }, nil)

	order, _ := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.Equal(t, core.StateUnknown, order.State)
	<-reconciled

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop()

	f.stream.events <- core.BrokerEvent{
		Seq: 1, Kind: core.EventFill, ClientOrderID: order.ClientOrderID,
		Qty: decimal.NewFromInt(10), Price: decimal.NewFromInt(100), TS: time.Now(),
	}

	select {
	case cid := <-reconciled:
		assert.Equal(t, order.ClientOrderID, cid)
	case <-time.After(2 * time.Second):
		t.Fatal("evidence for UNKNOWN order did not trigger reconcile")
	}

	got, _ := f.engine.Get(order.ClientOrderID)
	assert.Equal(t, core.StateUnknown, got.State, "engine must not move UNKNOWN orders itself")
	assert.True(t, got.FilledQty.IsZero())
}

func TestStreamGapForcesFullReconcile(t *testing.T) {
	f := newFixture(t)

	full := make(chan struct{}, 1)
	f.engine.SetReconcileHooks(nil, func() { full <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	defer f.engine.Stop()

	f.stream.gaps <- 42

	select {
	case <-full:
	case <-time.After(2 * time.Second):
		t.Fatal("gap did not trigger ReconcileAll")
	}
}

func TestApplyReconcileVerdict(t *testing.T) {
	f := newFixture(t)
	transient := fmt.Errorf("dial: %w", apperrors.ErrRetriable)
	f.broker.placeErrs = []error{transient, transient, transient}

	order, _ := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.Equal(t, core.StateUnknown, order.State)

	err := f.engine.ApplyReconcileVerdict(order.ClientOrderID, core.StateFilled, "broker reports filled",
		decimal.NewFromInt(10), decimal.NewFromInt(101))
	require.NoError(t, err)

	got, _ := f.engine.Get(order.ClientOrderID)
	assert.Equal(t, core.StateFilled, got.State)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(10)))

	// Terminal: further verdicts are illegal.
	err = f.engine.ApplyReconcileVerdict(order.ClientOrderID, core.StateCancelled, "", decimal.Zero, decimal.Zero)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
}

func TestZombieScanEscalates(t *testing.T) {
	f := newFixture(t)

	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	f.engine.SetClock(func() time.Time { return now })

	_, err := f.engine.Submit(context.Background(), intent("AAPL", core.SideBuy, "10"))
	require.NoError(t, err)

	// Age the order past the zombie threshold and sweep.
	now = now.Add(301 * time.Second)
	f.engine.scanZombies()

	assert.Contains(t, f.journal.kinds(), eventlog.KindMetric)
}

func TestRecoverMarksInFlightUnknown(t *testing.T) {
	f := newFixture(t)

	persisted := []core.Order{
		{ClientOrderID: "pt-live", Symbol: "AAPL", Side: core.SideBuy, Qty: decimal.NewFromInt(5),
			State: core.StateSubmitted, FilledQty: decimal.Zero, AvgFillPrice: decimal.Zero},
		{ClientOrderID: "pt-pending", Symbol: "MSFT", Side: core.SideSell, Qty: decimal.NewFromInt(2),
			State: core.StatePending, FilledQty: decimal.Zero, AvgFillPrice: decimal.Zero},
	}
	f.cache.Put(state.KeyOpenOrders, time.Now(), persisted)

	reconciled := make(chan string, 4)
	f.engine.SetReconcileHooks(func(cid string) { reconciled <- cid }, nil)

	require.NoError(t, f.engine.Recover(context.Background()))

	live, ok := f.engine.Get("pt-live")
	require.True(t, ok)
	assert.Equal(t, core.StateUnknown, live.State)
	assert.Equal(t, "pt-live", <-reconciled)

	// A PENDING order never had a submission dispatched; it stays
	// PENDING for the reconciler's not-found grace handling.
	pending, ok := f.engine.Get("pt-pending")
	require.True(t, ok)
	assert.Equal(t, core.StatePending, pending.State)
}
