// Package engine owns the order lifecycle. Every order state change in
// the trading process goes through the engine's transition func, which
// enforces the lifecycle graph, journals the change, and republishes
// the open-order set. Nothing else mutates order state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"papertrade/internal/core"
	"papertrade/internal/eventlog"
	"papertrade/internal/portfolio"
	"papertrade/internal/state"
	apperrors "papertrade/pkg/errors"
	"papertrade/pkg/retry"
	"papertrade/pkg/telemetry"
)

// zombieScanInterval is how often the engine sweeps for stuck orders.
const zombieScanInterval = 30 * time.Second

// Params are the engine operating limits.
type Params struct {
	AckTimeout         time.Duration
	ZombieAge          time.Duration
	MaxRetries         int
	OrderRatePerMinute int
	OrderBurst         int
}

// DefaultParams mirror the documented operating point.
func DefaultParams() Params {
	return Params{
		AckTimeout:         3 * time.Second,
		ZombieAge:          300 * time.Second,
		MaxRetries:         3,
		OrderRatePerMinute: 20,
		OrderBurst:         5,
	}
}

// transitionRecord is the ORDER_TRANSITION journal payload. The full
// order snapshot rides along so the ETL can upsert the orders table
// without replaying the whole lifecycle.
type transitionRecord struct {
	ClientOrderID string          `json:"client_order_id"`
	From          core.OrderState `json:"from"`
	To            core.OrderState `json:"to"`
	Reason        string          `json:"reason,omitempty"`
	TS            time.Time       `json:"ts"`
	Order         core.Order      `json:"order"`
}

// Snapshot is a consistent view of the engine for the broadcast bus.
type Snapshot struct {
	TS        time.Time       `json:"ts"`
	Orders    []core.Order    `json:"orders"`
	Positions []core.Position `json:"positions"`
	Cash      decimal.Decimal `json:"cash"`
	Equity    decimal.Decimal `json:"equity"`
}

// Engine implements core.IOrderEngine.
type Engine struct {
	broker  core.IBroker
	stream  core.IBrokerStream
	journal core.IEventLog
	cache   *state.Cache
	book    *portfolio.Book
	alerts  core.IAlertManager
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	params  Params

	limiter *rate.Limiter

	mu     sync.RWMutex
	orders map[string]*core.Order
	locks  map[string]*sync.Mutex

	// reconcileOrder is poked whenever the engine sees evidence it is
	// not allowed to act on itself: events for UNKNOWN orders, stream
	// gaps. Wired to the reconciler in bootstrap.
	reconcileOrder func(clientOrderID string)
	reconcileAll   func()

	clock  func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds the engine. alerts may be nil.
func NewEngine(
	broker core.IBroker,
	stream core.IBrokerStream,
	journal core.IEventLog,
	cache *state.Cache,
	book *portfolio.Book,
	alerts core.IAlertManager,
	params Params,
	logger core.ILogger,
) *Engine {
	return &Engine{
		broker:  broker,
		stream:  stream,
		journal: journal,
		cache:   cache,
		book:    book,
		alerts:  alerts,
		params:  params,
		logger:  logger.WithField("component", "engine"),
		metrics: telemetry.GetGlobalMetrics(),
		limiter: rate.NewLimiter(rate.Limit(float64(params.OrderRatePerMinute)/60.0), params.OrderBurst),
		orders:  make(map[string]*core.Order),
		locks:   make(map[string]*sync.Mutex),
		clock:   time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// SetReconcileHooks wires the reconciler callbacks.
func (e *Engine) SetReconcileHooks(perOrder func(clientOrderID string), all func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconcileOrder = perOrder
	e.reconcileAll = all
}

// Start launches the event dispatcher and the zombie scanner. The
// stream itself must be started by the caller.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go e.dispatchLoop()
	go e.zombieLoop()

	e.logger.Info("Order engine started",
		"ack_timeout", e.params.AckTimeout,
		"zombie_age", e.params.ZombieAge,
		"max_retries", e.params.MaxRetries,
		"rate_per_minute", e.params.OrderRatePerMinute)
	return nil
}

// Stop stops the background loops. In-flight Submit calls finish on
// their own contexts.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Submit validates and places an intent. Idempotent on the derived
// client order id: resubmitting the same intent returns the existing
// order with zero broker effects.
func (e *Engine) Submit(ctx context.Context, intent core.Intent) (*core.Order, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	cid := core.DeriveClientOrderID(intent)

	e.mu.Lock()
	if existing, ok := e.orders[cid]; ok {
		out := *existing
		e.mu.Unlock()
		return &out, nil
	}
	now := e.clock()
	order := &core.Order{
		ClientOrderID: cid,
		StrategyID:    intent.StrategyID,
		SignalID:      intent.SignalID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		Type:          intent.Type,
		LimitPrice:    intent.LimitPrice,
		State:         core.StatePending,
		FilledQty:     decimal.Zero,
		AvgFillPrice:  decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.orders[cid] = order
	e.mu.Unlock()

	e.journal.Append(eventlog.KindOrderCreated, order)
	if e.metrics.OrdersSubmittedTotal != nil {
		e.metrics.OrdersSubmittedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", order.Symbol),
			attribute.String("strategy", order.StrategyID)))
	}
	e.publishOpenOrders()

	if err := e.limiter.Wait(ctx); err != nil {
		e.withOrderLock(cid, func() {
			e.transitionLocked(order, core.StateFailed, "rate limiter wait aborted: "+err.Error())
		})
		return nil, fmt.Errorf("submit %s: %w", cid, err)
	}

	return e.place(ctx, order)
}

// place dispatches the order to the broker. Submission is marked before
// the first wire attempt: from that point the broker may know about the
// order, so the only safe failure exits are REJECTED (broker verdict),
// FAILED (provably never accepted) and UNKNOWN (no verdict).
func (e *Engine) place(ctx context.Context, order *core.Order) (*core.Order, error) {
	cid := order.ClientOrderID

	e.withOrderLock(cid, func() {
		e.transitionLocked(order, core.StateSubmitted, "submission dispatched")
	})

	var resp *core.BrokerOrder
	policy := retry.RetryPolicy{
		MaxAttempts:    e.params.MaxRetries,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
	err := retry.Do(ctx, policy, apperrors.IsRetriable, func() error {
		// Each attempt gets the ack window. A placement that cannot be
		// acknowledged inside it counts as no verdict.
		attemptCtx, cancel := context.WithTimeout(ctx, e.params.AckTimeout)
		defer cancel()

		e.withOrderLock(cid, func() { order.Attempts++ })

		start := e.clock()
		var placeErr error
		resp, placeErr = e.broker.PlaceOrder(attemptCtx, order)
		if e.metrics.BrokerLatency != nil {
			e.metrics.BrokerLatency.Record(ctx, float64(e.clock().Sub(start).Milliseconds()),
				metric.WithAttributes(attribute.String("op", "place")))
		}
		return placeErr
	})

	var out core.Order
	e.withOrderLock(cid, func() {
		switch {
		case err == nil && resp.Status == "rejected":
			e.transitionLocked(order, core.StateRejected, resp.Reason)
		case err == nil:
			order.BrokerOrderID = resp.OrderID
			order.UpdatedAt = e.clock()
		case errors.Is(err, apperrors.ErrBadRequest):
			e.transitionLocked(order, core.StateRejected, err.Error())
		case apperrors.IsFatal(err):
			e.transitionLocked(order, core.StateFailed, err.Error())
		default:
			// Retriable exhausted or deadline: the broker may or may
			// not hold this order. Only the reconciler may decide.
			e.transitionLocked(order, core.StateUnknown, "no ack within retry budget: "+err.Error())
		}
		out = *order
	})

	if out.State == core.StateUnknown && e.reconcileOrder != nil {
		e.reconcileOrder(cid)
	}
	if err != nil {
		return &out, fmt.Errorf("submit %s: %w", cid, err)
	}
	return &out, nil
}

// Cancel requests cancellation of a live order.
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) error {
	e.mu.RLock()
	order, ok := e.orders[clientOrderID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}

	var brokerOrderID string
	var stateErr error
	e.withOrderLock(clientOrderID, func() {
		switch order.State {
		case core.StateSubmitted, core.StatePartialFill:
			e.transitionLocked(order, core.StateCancelling, "cancel requested")
			brokerOrderID = order.BrokerOrderID
		case core.StateCancelling:
			// Already in flight; the verdict arrives on the stream.
			brokerOrderID = ""
		default:
			stateErr = fmt.Errorf("cancel %s in state %s: %w", clientOrderID, order.State, apperrors.ErrNotCancellable)
		}
	})
	if stateErr != nil || brokerOrderID == "" {
		return stateErr
	}

	if err := e.broker.CancelOrder(ctx, brokerOrderID); err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			// The broker denies knowing an order we believe is live.
			e.withOrderLock(clientOrderID, func() {
				e.transitionLocked(order, core.StateUnknown, "cancel target not found at broker")
			})
			if e.reconcileOrder != nil {
				e.reconcileOrder(clientOrderID)
			}
			return nil
		}
		// Stays CANCELLING; the zombie scan escalates if no verdict
		// ever lands.
		e.logger.Warn("Cancel request failed, order stays CANCELLING",
			"client_order_id", clientOrderID, "error", err)
		return err
	}
	return nil
}

// Get returns a copy of the order for a client order id.
func (e *Engine) Get(clientOrderID string) (*core.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	order, ok := e.orders[clientOrderID]
	if !ok {
		return nil, false
	}
	out := *order
	return &out, true
}

// OpenOrders returns copies of all non-terminal orders.
func (e *Engine) OpenOrders() []*core.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*core.Order
	for _, order := range e.orders {
		if !order.State.Terminal() {
			o := *order
			out = append(out, &o)
		}
	}
	return out
}

// Snapshot returns a consistent view for the broadcast bus.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	orders := make([]core.Order, 0, len(e.orders))
	for _, order := range e.orders {
		orders = append(orders, *order)
	}
	e.mu.RUnlock()

	return Snapshot{
		TS:        e.clock(),
		Orders:    orders,
		Positions: e.book.Positions(),
		Cash:      e.book.Cash(),
		Equity:    e.book.Equity(),
	}
}

// Recover reloads the open-order set persisted in the state cache and
// hands every order that was in flight to the reconciler. Nothing is
// re-placed: the client order id derivation makes genuine resubmissions
// collide with their earlier attempt at the broker anyway.
func (e *Engine) Recover(ctx context.Context) error {
	var persisted []core.Order
	if _, ok := e.cache.Get(state.KeyOpenOrders, &persisted); !ok {
		e.logger.Info("No persisted open orders to recover")
		return nil
	}

	recovered := 0
	for i := range persisted {
		order := persisted[i]
		if order.State.Terminal() {
			continue
		}

		e.mu.Lock()
		if _, exists := e.orders[order.ClientOrderID]; exists {
			e.mu.Unlock()
			continue
		}
		o := order
		e.orders[order.ClientOrderID] = &o
		e.mu.Unlock()

		e.withOrderLock(order.ClientOrderID, func() {
			switch o.State {
			case core.StateSubmitted, core.StatePartialFill, core.StateCancelling:
				e.transitionLocked(&o, core.StateUnknown, "recovered after restart")
			}
		})
		if o.State == core.StateUnknown && e.reconcileOrder != nil {
			e.reconcileOrder(o.ClientOrderID)
		}
		recovered++
	}

	e.publishOpenOrders()
	if recovered > 0 {
		e.logger.Warn("Recovered in-flight orders, reconciliation pending", "count", recovered)
	}
	return nil
}

// dispatchLoop is the single consumer of the broker event stream.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.stream.Events():
			if !ok {
				return
			}
			e.handleEvent(ev)
		case firstMissing, ok := <-e.stream.Gaps():
			if !ok {
				return
			}
			e.logger.Warn("Stream gap, forcing full reconcile", "first_missing_seq", firstMissing)
			if e.reconcileAll != nil {
				e.reconcileAll()
			}
		}
	}
}

func (e *Engine) handleEvent(ev core.BrokerEvent) {
	e.mu.RLock()
	order, ok := e.orders[ev.ClientOrderID]
	e.mu.RUnlock()
	if !ok {
		// Supervisor orders and manual test orders flow on the same
		// stream; not ours to track.
		e.logger.Debug("Event for untracked order", "client_order_id", ev.ClientOrderID, "kind", ev.Kind)
		return
	}

	e.withOrderLock(ev.ClientOrderID, func() {
		if order.State == core.StateUnknown {
			// Evidence exists but only the reconciler may move an order
			// out of UNKNOWN.
			if e.reconcileOrder != nil {
				e.reconcileOrder(ev.ClientOrderID)
			}
			return
		}

		switch ev.Kind {
		case core.EventAck:
			if order.BrokerOrderID == "" {
				order.BrokerOrderID = ev.OrderID
				order.UpdatedAt = e.clock()
			}
		case core.EventFill:
			e.applyFillLocked(order, ev)
		case core.EventCancel:
			e.transitionLocked(order, core.StateCancelled, ev.Reason)
		case core.EventReject:
			e.transitionLocked(order, core.StateRejected, ev.Reason)
		default:
			e.logger.Warn("Unhandled broker event kind", "kind", ev.Kind, "client_order_id", ev.ClientOrderID)
		}
	})
}

// applyFillLocked folds one fill event into the order and the book.
func (e *Engine) applyFillLocked(order *core.Order, ev core.BrokerEvent) {
	if ev.Qty.LessThanOrEqual(decimal.Zero) {
		e.logger.Error("Fill event with non-positive qty dropped",
			"client_order_id", ev.ClientOrderID, "qty", ev.Qty)
		return
	}

	// Decide the target state up front. A fill against a state with no
	// fill edge (PENDING, or anything terminal) must not touch the
	// order, the journal or the book.
	target := core.StatePartialFill
	if order.FilledQty.Add(ev.Qty).GreaterThanOrEqual(order.Qty) {
		target = core.StateFilled
	}
	if order.State.Terminal() || !core.CanTransition(order.State, target) {
		e.logger.Error("Fill event refused for order state",
			"client_order_id", ev.ClientOrderID, "state", order.State, "qty", ev.Qty)
		return
	}

	if order.BrokerOrderID == "" {
		order.BrokerOrderID = ev.OrderID
	}

	prevNotional := order.AvgFillPrice.Mul(order.FilledQty)
	order.FilledQty = order.FilledQty.Add(ev.Qty)
	order.AvgFillPrice = prevNotional.Add(ev.Price.Mul(ev.Qty)).Div(order.FilledQty)
	order.UpdatedAt = e.clock()

	fill := core.Fill{
		ClientOrderID: order.ClientOrderID,
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           ev.Qty,
		Price:         ev.Price,
		Fees:          ev.Fees,
		TS:            ev.TS,
	}
	e.journal.Append(eventlog.KindFill, fill)
	e.book.ApplyFill(fill)

	if e.metrics.FillVolumeNotional != nil {
		notional, _ := ev.Price.Mul(ev.Qty).Float64()
		e.metrics.FillVolumeNotional.Add(context.Background(), notional,
			metric.WithAttributes(attribute.String("symbol", order.Symbol)))
	}

	e.transitionLocked(order, target, "")
}

// ApplyReconcileVerdict is the reconciler's entry point for moving an
// order, typically out of UNKNOWN. The transition still goes through
// the lifecycle graph; an illegal verdict is an invariant violation.
func (e *Engine) ApplyReconcileVerdict(clientOrderID string, to core.OrderState, reason string, filledQty, avgPrice decimal.Decimal) error {
	e.mu.RLock()
	order, ok := e.orders[clientOrderID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("reconcile verdict %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}

	var err error
	e.withOrderLock(clientOrderID, func() {
		if !filledQty.IsZero() && filledQty.GreaterThan(order.FilledQty) {
			// Broker saw fills we missed; adopt its totals. The book is
			// squared separately by the position sweep.
			order.FilledQty = filledQty
			order.AvgFillPrice = avgPrice
		}
		err = e.transitionLocked(order, to, reason)
	})
	return err
}

// transitionLocked is the single mutation point for order state. The
// caller must hold the per-order lock.
func (e *Engine) transitionLocked(order *core.Order, to core.OrderState, reason string) error {
	from := order.State
	if from == to {
		return nil
	}
	if !core.CanTransition(from, to) {
		e.logger.Error("Illegal order transition refused",
			"client_order_id", order.ClientOrderID, "from", from, "to", to, "reason", reason)
		return fmt.Errorf("%s -> %s: %w", from, to, apperrors.ErrInvalidTransition)
	}

	now := e.clock()
	order.State = to
	order.UpdatedAt = now
	if reason != "" {
		order.Reason = reason
	}

	e.journal.Append(eventlog.KindOrderTransition, transitionRecord{
		ClientOrderID: order.ClientOrderID,
		From:          from,
		To:            to,
		Reason:        reason,
		TS:            now,
		Order:         *order,
	})

	if e.metrics.OrderTransitionsTotal != nil {
		e.metrics.OrderTransitionsTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to))))
	}
	switch to {
	case core.StateFilled:
		if e.metrics.OrdersFilledTotal != nil {
			e.metrics.OrdersFilledTotal.Add(context.Background(), 1)
		}
	case core.StateRejected:
		if e.metrics.OrdersRejectedTotal != nil {
			e.metrics.OrdersRejectedTotal.Add(context.Background(), 1)
		}
	}

	e.logger.Info("Order transition",
		"client_order_id", order.ClientOrderID, "from", from, "to", to, "reason", reason)

	e.publishOpenOrders()
	return nil
}

// publishOpenOrders writes the open-order set to the durable cache so
// the supervisor can see it and a restart can recover it.
func (e *Engine) publishOpenOrders() {
	e.mu.RLock()
	open := make([]core.Order, 0, len(e.orders))
	unknown := 0
	for _, order := range e.orders {
		if order.State.Terminal() {
			continue
		}
		open = append(open, *order)
		if order.State == core.StateUnknown {
			unknown++
		}
	}
	e.mu.RUnlock()

	e.cache.Put(state.KeyOpenOrders, e.clock(), open)
	e.metrics.SetOrdersOpen(int64(len(open)))
	e.metrics.SetOrdersUnknown(int64(unknown))
}

// zombieLoop escalates orders stuck in SUBMITTED or CANCELLING.
func (e *Engine) zombieLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(zombieScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.scanZombies()
		}
	}
}

func (e *Engine) scanZombies() {
	now := e.clock()

	e.mu.RLock()
	var zombies []core.Order
	for _, order := range e.orders {
		if order.State != core.StateSubmitted && order.State != core.StateCancelling {
			continue
		}
		if now.Sub(order.UpdatedAt) > e.params.ZombieAge {
			zombies = append(zombies, *order)
		}
	}
	e.mu.RUnlock()

	if len(zombies) == 0 {
		return
	}

	for _, z := range zombies {
		e.journal.Append(eventlog.KindMetric, map[string]any{
			"metric":          "zombie_order",
			"client_order_id": z.ClientOrderID,
			"state":           z.State,
			"age_seconds":     now.Sub(z.UpdatedAt).Seconds(),
		})
		e.logger.Error("Zombie order detected",
			"client_order_id", z.ClientOrderID, "state", z.State, "age", now.Sub(z.UpdatedAt))
	}
	if e.alerts != nil {
		e.alerts.Alert("ERROR", "Zombie orders",
			fmt.Sprintf("%d order(s) stuck beyond %s; supervisor intervention expected", len(zombies), e.params.ZombieAge))
	}
}

// withOrderLock runs fn holding the per-order lock for cid.
func (e *Engine) withOrderLock(cid string, fn func()) {
	e.mu.Lock()
	lock, ok := e.locks[cid]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[cid] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	fn()
}

func validateIntent(intent core.Intent) error {
	switch {
	case intent.Symbol == "":
		return fmt.Errorf("intent symbol is required: %w", apperrors.ErrBadRequest)
	case intent.StrategyID == "":
		return fmt.Errorf("intent strategy id is required: %w", apperrors.ErrBadRequest)
	case intent.SignalID == "":
		return fmt.Errorf("intent signal id is required: %w", apperrors.ErrBadRequest)
	case intent.Side != core.SideBuy && intent.Side != core.SideSell:
		return fmt.Errorf("intent side %q is invalid: %w", intent.Side, apperrors.ErrBadRequest)
	case intent.Qty.LessThanOrEqual(decimal.Zero):
		return fmt.Errorf("intent qty must be positive: %w", apperrors.ErrBadRequest)
	case intent.Type != core.OrderTypeMarket && intent.Type != core.OrderTypeLimit:
		return fmt.Errorf("intent type %q is invalid: %w", intent.Type, apperrors.ErrBadRequest)
	case intent.Type == core.OrderTypeLimit && intent.LimitPrice.LessThanOrEqual(decimal.Zero):
		return fmt.Errorf("limit intent requires a positive limit price: %w", apperrors.ErrBadRequest)
	case intent.Type == core.OrderTypeMarket && !intent.LimitPrice.IsZero():
		return fmt.Errorf("market intent must not carry a limit price: %w", apperrors.ErrBadRequest)
	case intent.DecisionTS.IsZero():
		return fmt.Errorf("intent decision ts is required: %w", apperrors.ErrBadRequest)
	}
	return nil
}
