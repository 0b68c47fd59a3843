// Package reconcile converges local order and position state with
// broker truth. The reconciler reads the broker and writes local state,
// never the other way around: it places nothing and cancels nothing.
// It is also the only component allowed to move an order out of
// UNKNOWN.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"papertrade/internal/core"
	"papertrade/internal/eventlog"
	"papertrade/internal/portfolio"
	"papertrade/internal/state"
	apperrors "papertrade/pkg/errors"
	"papertrade/pkg/telemetry"
)

// OrderStore is the slice of the engine the reconciler needs. Verdicts
// still travel through the engine's transition path so the lifecycle
// graph stays enforced.
type OrderStore interface {
	Get(clientOrderID string) (*core.Order, bool)
	OpenOrders() []*core.Order
	ApplyReconcileVerdict(clientOrderID string, to core.OrderState, reason string, filledQty, avgPrice decimal.Decimal) error
}

// positionRecord is the POSITION_RECONCILED journal payload. The
// adopted position snapshot rides along for the analytical store.
type positionRecord struct {
	Symbol    string          `json:"symbol"`
	LocalQty  decimal.Decimal `json:"local_qty"`
	BrokerQty decimal.Decimal `json:"broker_qty"`
	TS        time.Time       `json:"ts"`
	Position  core.Position   `json:"position"`
}

// Reconciler implements core.IReconciler.
type Reconciler struct {
	broker  core.IBroker
	orders  OrderStore
	cache   *state.Cache
	book    *portfolio.Book
	journal core.IEventLog
	alerts  core.IAlertManager
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	interval      time.Duration
	notFoundGrace time.Duration

	trigger  chan struct{}
	perOrder chan string

	mu           sync.Mutex
	firstMissing map[string]time.Time

	clock  func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler builds a reconciler sweeping every interval. Orders the
// broker denies knowing are failed after notFoundGrace; zero picks the
// default of two sweep intervals. alerts may be nil.
func NewReconciler(
	broker core.IBroker,
	orders OrderStore,
	cache *state.Cache,
	book *portfolio.Book,
	journal core.IEventLog,
	alerts core.IAlertManager,
	interval, notFoundGrace time.Duration,
	logger core.ILogger,
) *Reconciler {
	if notFoundGrace <= 0 {
		notFoundGrace = 2 * interval
	}
	return &Reconciler{
		broker:        broker,
		orders:        orders,
		cache:         cache,
		book:          book,
		journal:       journal,
		alerts:        alerts,
		logger:        logger.WithField("component", "reconciler"),
		metrics:       telemetry.GetGlobalMetrics(),
		interval:      interval,
		notFoundGrace: notFoundGrace,
		trigger:       make(chan struct{}, 1),
		perOrder:      make(chan string, 256),
		firstMissing:  make(map[string]time.Time),
		clock:         time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Reconciler) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// Start launches the periodic sweep loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run()
	r.logger.Info("Reconciler started", "interval", r.interval, "not_found_grace", r.notFoundGrace)
	return nil
}

// Stop stops the sweep loop.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// TriggerManual requests an immediate full sweep. Non-blocking; a sweep
// already queued covers the request.
func (r *Reconciler) TriggerManual() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Enqueue requests reconciliation of a single order. This is the hook
// the engine fires when an order lands in UNKNOWN.
func (r *Reconciler) Enqueue(clientOrderID string) {
	select {
	case r.perOrder <- clientOrderID:
	default:
		// Queue full; the next periodic sweep picks the order up.
		r.TriggerManual()
	}
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep(r.ctx, false)
		case <-r.trigger:
			r.sweep(r.ctx, true)
		case cid := <-r.perOrder:
			if err := r.ReconcileOrder(r.ctx, cid); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("Order reconcile failed, will retry on next sweep",
					"client_order_id", cid, "error", err)
			}
		}
	}
}

// ReconcileAll sweeps every non-terminal order and the positions. Run
// after every stream reconnect or gap before trusting the stream again.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	return r.sweep(ctx, true)
}

// sweep reconciles orders and positions. Periodic sweeps only touch
// orders waiting on a verdict (UNKNOWN, stale PENDING); full sweeps
// revisit every open order because stream evidence may have been lost.
func (r *Reconciler) sweep(ctx context.Context, full bool) error {
	var lastErr error
	for _, order := range r.orders.OpenOrders() {
		needsVerdict := order.State == core.StateUnknown || order.State == core.StatePending
		if !full && !needsVerdict {
			continue
		}
		if err := r.ReconcileOrder(ctx, order.ClientOrderID); err != nil {
			lastErr = err
		}
	}

	if err := r.reconcilePositions(ctx); err != nil {
		lastErr = err
	}
	return lastErr
}

// ReconcileOrder fetches the broker's view of one order and applies the
// verdict locally.
func (r *Reconciler) ReconcileOrder(ctx context.Context, clientOrderID string) error {
	order, ok := r.orders.Get(clientOrderID)
	if !ok {
		return fmt.Errorf("reconcile %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}
	if order.State.Terminal() {
		return nil
	}

	brokerOrder, err := r.broker.GetOrderByClientID(ctx, clientOrderID)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return r.handleMissing(order)
	}
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", clientOrderID, err)
	}

	r.mu.Lock()
	delete(r.firstMissing, clientOrderID)
	r.mu.Unlock()

	to, known := verdictForStatus(brokerOrder.Status)
	if !known {
		r.logger.Warn("Broker status not mappable, order left as is",
			"client_order_id", clientOrderID, "status", brokerOrder.Status)
		return nil
	}
	if to == order.State {
		return nil
	}

	reason := fmt.Sprintf("reconciled from broker status %q", brokerOrder.Status)
	if brokerOrder.Reason != "" {
		reason = brokerOrder.Reason
	}
	if order.State == core.StatePending && to != core.StateSubmitted && to != core.StateRejected {
		// The broker knows an order we never marked dispatched; walk it
		// through SUBMITTED so the lifecycle graph holds.
		if err := r.orders.ApplyReconcileVerdict(clientOrderID, core.StateSubmitted, "broker acknowledged", decimal.Zero, decimal.Zero); err != nil {
			return fmt.Errorf("reconcile %s: %w", clientOrderID, err)
		}
	}
	if err := r.orders.ApplyReconcileVerdict(clientOrderID, to, reason, brokerOrder.FilledQty, brokerOrder.AvgFillPrice); err != nil {
		return fmt.Errorf("reconcile %s: %w", clientOrderID, err)
	}

	r.logger.Info("Order reconciled",
		"client_order_id", clientOrderID, "from", order.State, "to", to, "broker_status", brokerOrder.Status)
	return nil
}

// handleMissing tracks orders the broker denies knowing. Before the
// grace elapses the submission may still be in flight; after it the
// order provably never reached the broker and is failed.
func (r *Reconciler) handleMissing(order *core.Order) error {
	now := r.clock()

	r.mu.Lock()
	first, seen := r.firstMissing[order.ClientOrderID]
	if !seen {
		r.firstMissing[order.ClientOrderID] = now
		r.mu.Unlock()
		return nil
	}
	if now.Sub(first) < r.notFoundGrace {
		r.mu.Unlock()
		return nil
	}
	delete(r.firstMissing, order.ClientOrderID)
	r.mu.Unlock()

	reason := fmt.Sprintf("not found at broker for %s", now.Sub(first).Round(time.Second))
	if err := r.orders.ApplyReconcileVerdict(order.ClientOrderID, core.StateFailed, reason, decimal.Zero, decimal.Zero); err != nil {
		return fmt.Errorf("fail missing %s: %w", order.ClientOrderID, err)
	}
	r.logger.Warn("Order failed after not-found grace", "client_order_id", order.ClientOrderID)
	return nil
}

// reconcilePositions diffs the book against broker positions. Broker
// truth wins: divergent symbols are force-synced, journaled and
// alarmed.
func (r *Reconciler) reconcilePositions(ctx context.Context) error {
	brokerPositions, err := r.broker.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}

	now := r.clock()
	brokerBySymbol := make(map[string]*core.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerBySymbol[bp.Symbol] = bp
	}

	diverged := 0
	for _, local := range r.book.Positions() {
		bp, held := brokerBySymbol[local.Symbol]
		if held && bp.Qty.Equal(local.Qty) {
			continue
		}
		brokerQty := decimal.Zero
		brokerAvg := decimal.Zero
		if held {
			brokerQty = bp.Qty
			brokerAvg = bp.AvgEntryPrice
		}
		r.diverge(local.Symbol, local.Qty, brokerQty, brokerAvg, now)
		diverged++
	}
	for sym, bp := range brokerBySymbol {
		if _, held := r.book.Position(sym); !held {
			r.diverge(sym, decimal.Zero, bp.Qty, bp.AvgEntryPrice, now)
			diverged++
		}
	}

	// Publish the converged set for the supervisor and the bus.
	r.cache.Put(state.KeyPositions, now, r.book.Positions())

	if diverged > 0 && r.alerts != nil {
		r.alerts.Alert("ERROR", "Position divergence",
			fmt.Sprintf("%d symbol(s) disagreed with the broker and were force-synced", diverged))
	}
	return nil
}

func (r *Reconciler) diverge(symbol string, localQty, brokerQty, brokerAvg decimal.Decimal, now time.Time) {
	r.logger.Error("Position divergence, adopting broker truth",
		"symbol", symbol, "local_qty", localQty, "broker_qty", brokerQty)

	adopted := r.book.ForceSync(symbol, brokerQty, brokerAvg, now)
	r.journal.Append(eventlog.KindPositionReconciled, positionRecord{
		Symbol:    symbol,
		LocalQty:  localQty,
		BrokerQty: brokerQty,
		TS:        now,
		Position:  adopted,
	})
	if r.metrics.ReconcileDivergences != nil {
		r.metrics.ReconcileDivergences.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("symbol", symbol)))
	}
}

// verdictForStatus maps a broker order status to the local state it
// implies.
func verdictForStatus(status string) (core.OrderState, bool) {
	switch status {
	case "new", "accepted":
		return core.StateSubmitted, true
	case "partially_filled":
		return core.StatePartialFill, true
	case "filled":
		return core.StateFilled, true
	case "canceled":
		return core.StateCancelled, true
	case "rejected", "expired":
		return core.StateRejected, true
	default:
		return "", false
	}
}
