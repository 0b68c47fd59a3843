package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState enumerates the order lifecycle. State changes go through
// the engine which enforces the lifecycle graph; there is no other
// mutation path.
type OrderState string

const (
	StatePending     OrderState = "PENDING"
	StateSubmitted   OrderState = "SUBMITTED"
	StatePartialFill OrderState = "PARTIAL_FILL"
	StateFilled      OrderState = "FILLED"
	StateCancelling  OrderState = "CANCELLING"
	StateCancelled   OrderState = "CANCELLED"
	StateRejected    OrderState = "REJECTED"
	StateUnknown     OrderState = "UNKNOWN"
	StateFailed      OrderState = "FAILED"
)

// Terminal reports whether the state has no outgoing edges.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	}
	return false
}

// transitions is the lifecycle graph. UNKNOWN edges are reserved for
// the reconciler; everything else is driven by broker evidence.
var transitions = map[OrderState][]OrderState{
	StatePending:     {StateSubmitted, StateRejected, StateFailed},
	StateSubmitted:   {StatePartialFill, StateFilled, StateCancelling, StateRejected, StateUnknown, StateFailed},
	StatePartialFill: {StatePartialFill, StateFilled, StateCancelling, StateUnknown, StateFailed},
	StateCancelling:  {StateCancelled, StateFilled, StatePartialFill, StateUnknown, StateFailed},
	StateUnknown:     {StateSubmitted, StatePartialFill, StateFilled, StateCancelled, StateRejected, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle
// graph. Terminal states have no outgoing edges.
func CanTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderType selects between market and limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Intent is a strategy's desire to trade, produced once per signal.
// The same intent always derives the same client order id, which is
// what makes crash recovery converge instead of double-ordering.
type Intent struct {
	StrategyID string          `json:"strategy_id"`
	SignalID   string          `json:"signal_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Type       OrderType       `json:"type"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	DecisionTS time.Time       `json:"decision_ts"`
}

// Order is the engine's record of a single broker order attempt chain.
// Retries reuse the same ClientOrderID so the broker can deduplicate.
type Order struct {
	ClientOrderID string          `json:"client_order_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	StrategyID    string          `json:"strategy_id"`
	SignalID      string          `json:"signal_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Type          OrderType       `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	State         OrderState      `json:"state"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Attempts      int             `json:"attempts"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity, never negative.
func (o *Order) Remaining() decimal.Decimal {
	rem := o.Qty.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Fill is one execution against an order.
type Fill struct {
	ClientOrderID string          `json:"client_order_id"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Fees          decimal.Decimal `json:"fees"`
	TS            time.Time       `json:"ts"`
}

// Position is the signed net position for one symbol. Qty is positive
// for long, negative for short. Version counts mutations so consumers
// can order snapshots; UnrealizedPnL is marked at copy-out and zero
// when no mark has been seen yet.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Version       uint64          `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BarTier labels how a bar entered the system. Universe bars are coarse
// screening data and must never leak into backtest windows.
type BarTier string

const (
	TierFocus    BarTier = "focus"
	TierActive   BarTier = "active"
	TierUniverse BarTier = "universe"
)

// Bar is one OHLCV aggregate for a symbol.
type Bar struct {
	Symbol string          `json:"symbol"`
	TS     time.Time       `json:"ts"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Tier   BarTier         `json:"tier"`
}

// EquitySnapshot is a point-in-time account valuation.
type EquitySnapshot struct {
	TS             time.Time       `json:"ts"`
	Equity         decimal.Decimal `json:"equity"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
	DailyPnLPct    decimal.Decimal `json:"daily_pnl_pct"`
	DrawdownPct    decimal.Decimal `json:"drawdown_pct"`
	OpenPositions  int             `json:"open_positions"`
}

// RegimeLabel classifies the current market environment.
type RegimeLabel string

const (
	RegimeTrending RegimeLabel = "TRENDING"
	RegimeChoppy   RegimeLabel = "CHOPPY"
	RegimeCrisis   RegimeLabel = "CRISIS"
)

// Regime couples the label with the sizing scale strategies apply.
type Regime struct {
	Label    RegimeLabel     `json:"label"`
	Scale    decimal.Decimal `json:"scale"`
	VolRatio decimal.Decimal `json:"vol_ratio"`
	TS       time.Time       `json:"ts"`
}

// HaltState is the cross-process kill switch. Once set it survives
// restarts; only an operator clears it.
type HaltState struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	SetBy  string    `json:"set_by,omitempty"`
	TS     time.Time `json:"ts"`
}

// Heartbeat is written by each process every cycle so its peer can
// detect staleness. PID lets the supervisor signal the trading process
// without any other discovery channel.
type Heartbeat struct {
	Process string    `json:"process"`
	PID     int       `json:"pid"`
	Seq     uint64    `json:"seq"`
	TS      time.Time `json:"ts"`
}

// BrokerEventKind tags frames on the broker order event stream.
type BrokerEventKind string

const (
	EventAck     BrokerEventKind = "ack"
	EventFill    BrokerEventKind = "fill"
	EventCancel  BrokerEventKind = "cancel"
	EventReject  BrokerEventKind = "reject"
	EventUnknown BrokerEventKind = "unknown"
)

// BrokerEvent is one frame from the broker order event stream. Seq is
// strictly increasing per connection; consumers detect gaps with it.
type BrokerEvent struct {
	Seq           uint64          `json:"seq"`
	Kind          BrokerEventKind `json:"kind"`
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
	Qty           decimal.Decimal `json:"qty,omitempty"`
	Price         decimal.Decimal `json:"price,omitempty"`
	Fees          decimal.Decimal `json:"fees,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	TS            time.Time       `json:"ts"`
}
