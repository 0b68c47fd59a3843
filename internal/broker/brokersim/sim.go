// Package brokersim is an in-process paper broker speaking the exact
// order API and stream protocol of the control plane. It backs the
// sim driver for dry runs and gives package tests a real counterparty
// with deterministic knobs instead of a pile of stubs.
package brokersim

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/core"
)

// Execution model constants: fills land at the reference price plus
// half the quoted spread plus slippage, signed against the taker.
var (
	halfSpreadBps = decimal.NewFromInt(5) // 10 bps quoted spread
	slippageBps   = decimal.NewFromInt(5)
	bpsDenom      = decimal.NewFromInt(10000)
)

// DefaultStartingCash matches the account every paper session opens
// with.
var DefaultStartingCash = decimal.NewFromInt(100000)

// Order is the simulator's record of one broker order.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          core.Side
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        string // new, partially_filled, filled, canceled, rejected
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (o *Order) open() bool {
	return o.Status == "new" || o.Status == "partially_filled"
}

type position struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

// Sim is the matching core. All mutations take the one lock; the event
// ring and its sequence counter live under the same lock so replay and
// live frames can never interleave out of order.
type Sim struct {
	mu sync.Mutex

	orders    map[string]*Order // by client order id
	byOrderID map[string]string // broker id -> client id
	positions map[string]*position
	prices    map[string]decimal.Decimal
	cash      decimal.Decimal

	seq  uint64
	ring []core.BrokerEvent
	subs map[chan core.BrokerEvent]struct{}

	// Test and dry-run controls.
	holdAcks      bool
	failNextPlace int
	rejectSymbols map[string]string
	partialPlans  map[string][]decimal.Decimal

	clock func() time.Time
}

// ringCapacity bounds the replay buffer. A consumer further behind
// than this must resync via reconciliation anyway.
const ringCapacity = 8192

// NewSim creates a simulator with the default starting cash.
func NewSim() *Sim {
	return &Sim{
		orders:        make(map[string]*Order),
		byOrderID:     make(map[string]string),
		positions:     make(map[string]*position),
		prices:        make(map[string]decimal.Decimal),
		cash:          DefaultStartingCash,
		subs:          make(map[chan core.BrokerEvent]struct{}),
		rejectSymbols: make(map[string]string),
		partialPlans:  make(map[string][]decimal.Decimal),
		clock:         time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Sim) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// SetPrice sets the reference price fills execute around.
func (s *Sim) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	s.matchOpenLimitsLocked(symbol)
}

// HoldAcks stops the simulator from emitting any events for new
// orders. Orders are still accepted and queryable over REST, which is
// exactly the shape of an ack timeout.
func (s *Sim) HoldAcks(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdAcks = hold
}

// FailNext makes the next n placements fail at the transport level.
func (s *Sim) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextPlace = n
}

// RejectSymbol makes every placement for symbol come back rejected.
func (s *Sim) RejectSymbol(symbol, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSymbols[symbol] = reason
}

// SetPartialPlan splits the fill of the order with the given client id
// into the listed quantities, one event per element. Quantities must
// sum to at most the order quantity; any remainder stays open.
func (s *Sim) SetPartialPlan(clientOrderID string, parts []decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialPlans[clientOrderID] = parts
}

// Place accepts an order. Idempotent on the client order id: a replay
// returns the existing order untouched and emits nothing.
func (s *Sim) Place(clientOrderID, symbol string, side core.Side, qty, limitPrice decimal.Decimal) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextPlace > 0 {
		s.failNextPlace--
		return nil, fmt.Errorf("simulated transport failure")
	}

	if existing, ok := s.orders[clientOrderID]; ok {
		return existing.copyLocked(), nil
	}

	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("qty must be positive")
	}

	now := s.clock()
	o := &Order{
		OrderID:       "sim-" + uuid.NewString(),
		ClientOrderID: clientOrderID,
		Symbol:        strings.ToUpper(symbol),
		Side:          side,
		Qty:           qty,
		LimitPrice:    limitPrice,
		FilledQty:     decimal.Zero,
		AvgFillPrice:  decimal.Zero,
		Status:        "new",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[clientOrderID] = o
	s.byOrderID[o.OrderID] = clientOrderID

	if reason, rejected := s.rejectSymbols[o.Symbol]; rejected {
		o.Status = "rejected"
		o.Reason = reason
		s.emitLocked(core.EventReject, o, decimal.Zero, decimal.Zero)
		return o.copyLocked(), nil
	}

	if s.holdAcks {
		return o.copyLocked(), nil
	}

	s.emitLocked(core.EventAck, o, decimal.Zero, decimal.Zero)
	s.tryFillLocked(o)
	return o.copyLocked(), nil
}

// Cancel cancels the remaining quantity of an order by broker id.
func (s *Sim) Cancel(orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cid, ok := s.byOrderID[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	o := s.orders[cid]
	if !o.open() {
		// Cancel raced a terminal verdict; report the order as is.
		return o.copyLocked(), nil
	}

	o.Status = "canceled"
	o.UpdatedAt = s.clock()
	s.emitLocked(core.EventCancel, o, decimal.Zero, decimal.Zero)
	return o.copyLocked(), nil
}

// GetByClientID returns the order for a client order id.
func (s *Sim) GetByClientID(clientOrderID string) (*Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return nil, false
	}
	return o.copyLocked(), true
}

// OpenOrders returns all orders still working.
func (s *Sim) OpenOrders() []*Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.open() {
			out = append(out, o.copyLocked())
		}
	}
	return out
}

// Positions returns the simulator's net positions.
func (s *Sim) Positions() []core.BrokerPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.BrokerPosition
	for sym, p := range s.positions {
		if p.qty.IsZero() {
			continue
		}
		out = append(out, core.BrokerPosition{Symbol: sym, Qty: p.qty, AvgEntryPrice: p.avg})
	}
	return out
}

// Cash returns the remaining cash balance.
func (s *Sim) Cash() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash
}

// Subscribe attaches an event consumer resuming after seq since.
// Buffered frames past since are replayed first, under the same lock
// that assigns new sequence numbers, so the subscriber sees a gap-free
// tail. since zero means "from now": a fresh session has no position
// in the stream and covers history through reconciliation instead.
func (s *Sim) Subscribe(since uint64) (<-chan core.BrokerEvent, func()) {
	ch := make(chan core.BrokerEvent, 1024)

	s.mu.Lock()
	if since > 0 {
		for _, ev := range s.ring {
			if ev.Seq > since {
				ch <- ev
			}
		}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// ReleaseHeld emits the pending verdicts for orders accepted while
// acks were held. Tests use this to resolve an UNKNOWN window.
func (s *Sim) ReleaseHeld() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdAcks = false
	for _, o := range s.orders {
		if o.Status == "new" && o.FilledQty.IsZero() {
			s.emitLocked(core.EventAck, o, decimal.Zero, decimal.Zero)
			s.tryFillLocked(o)
		}
	}
}

// matchOpenLimitsLocked revisits working orders after a price move.
// Market orders accepted before the first reference price fill here
// too.
func (s *Sim) matchOpenLimitsLocked(symbol string) {
	if s.holdAcks {
		return
	}
	for _, o := range s.orders {
		if o.Symbol == symbol && o.open() {
			s.tryFillLocked(o)
		}
	}
}

func (s *Sim) tryFillLocked(o *Order) {
	ref, ok := s.prices[o.Symbol]
	if !ok || ref.IsZero() {
		// No market yet; stays working until a price arrives.
		return
	}

	if !o.LimitPrice.IsZero() && !limitCrossed(o, ref) {
		return
	}

	fillPrice := executionPrice(o.Side, ref)

	if plan, ok := s.partialPlans[o.ClientOrderID]; ok && len(plan) > 0 {
		part := plan[0]
		s.partialPlans[o.ClientOrderID] = plan[1:]
		if part.GreaterThan(o.remaining()) {
			part = o.remaining()
		}
		s.applyFillLocked(o, part, fillPrice)
		return
	}

	s.applyFillLocked(o, o.remaining(), fillPrice)
}

func (o *Order) remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

func limitCrossed(o *Order, ref decimal.Decimal) bool {
	if o.Side == core.SideBuy {
		return ref.LessThanOrEqual(o.LimitPrice)
	}
	return ref.GreaterThanOrEqual(o.LimitPrice)
}

func executionPrice(side core.Side, ref decimal.Decimal) decimal.Decimal {
	cost := halfSpreadBps.Add(slippageBps).Div(bpsDenom)
	if side == core.SideBuy {
		return ref.Mul(decimal.NewFromInt(1).Add(cost))
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(cost))
}

func (s *Sim) applyFillLocked(o *Order, qty, price decimal.Decimal) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return
	}

	prevNotional := o.AvgFillPrice.Mul(o.FilledQty)
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgFillPrice = prevNotional.Add(price.Mul(qty)).Div(o.FilledQty)
	o.UpdatedAt = s.clock()

	if o.FilledQty.GreaterThanOrEqual(o.Qty) {
		o.Status = "filled"
	} else {
		o.Status = "partially_filled"
	}

	signed := qty
	notional := price.Mul(qty)
	if o.Side == core.SideBuy {
		s.cash = s.cash.Sub(notional)
	} else {
		signed = qty.Neg()
		s.cash = s.cash.Add(notional)
	}

	p, ok := s.positions[o.Symbol]
	if !ok {
		p = &position{qty: decimal.Zero, avg: decimal.Zero}
		s.positions[o.Symbol] = p
	}
	newQty := p.qty.Add(signed)
	switch {
	case newQty.IsZero():
		p.avg = decimal.Zero
	case p.qty.IsZero() || p.qty.Sign() != newQty.Sign():
		p.avg = price
	case signed.Sign() == p.qty.Sign():
		p.avg = p.avg.Mul(p.qty.Abs()).Add(price.Mul(qty)).Div(newQty.Abs())
	}
	p.qty = newQty

	s.emitLocked(core.EventFill, o, qty, price)
}

func (s *Sim) emitLocked(kind core.BrokerEventKind, o *Order, qty, price decimal.Decimal) {
	s.seq++
	ev := core.BrokerEvent{
		Seq:           s.seq,
		Kind:          kind,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Qty:           qty,
		Price:         price,
		Reason:        o.Reason,
		TS:            s.clock().UTC(),
	}

	s.ring = append(s.ring, ev)
	if len(s.ring) > ringCapacity {
		s.ring = s.ring[len(s.ring)-ringCapacity:]
	}

	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber stalled; it will detect the gap and resync.
		}
	}
}

func (o *Order) copyLocked() *Order {
	c := *o
	return &c
}
