// Package core defines the shared types and interfaces of the paper
// trading control plane.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IBroker is the REST surface of the paper broker. Place is idempotent
// on ClientOrderID: resubmitting the same id returns the existing
// broker order instead of creating a second one.
type IBroker interface {
	PlaceOrder(ctx context.Context, order *Order) (*BrokerOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*BrokerOrder, error)
	ListOpenOrders(ctx context.Context) ([]*BrokerOrder, error)
	ListPositions(ctx context.Context) ([]*BrokerPosition, error)
}

// BrokerOrder is the broker's view of an order, used as reconciliation
// evidence against the local lifecycle state.
type BrokerOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BrokerPosition is the broker's view of a net position.
type BrokerPosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// IBrokerStream delivers sequenced order events. After a reconnect the
// engine must reconcile all non-terminal orders before trusting the
// stream again; Gaps() signals when that is required.
type IBrokerStream interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan BrokerEvent
	Gaps() <-chan uint64
}

// IOrderEngine owns the order lifecycle. Submit validates, registers
// and places an intent; Cancel requests cancellation of a live order.
type IOrderEngine interface {
	Submit(ctx context.Context, intent Intent) (*Order, error)
	Cancel(ctx context.Context, clientOrderID string) error
	Get(clientOrderID string) (*Order, bool)
	OpenOrders() []*Order
}

// IReconciler converges local order state with broker evidence. It is
// the only component allowed to move orders out of UNKNOWN.
type IReconciler interface {
	ReconcileOrder(ctx context.Context, clientOrderID string) error
	ReconcileAll(ctx context.Context) error
}

// IEventLog is the append-only journal. Append never blocks the caller
// beyond handing the entry to the writer; durability is batched.
type IEventLog interface {
	Append(kind string, data any)
	Sync() error
	Close() error
}

// IStateCache is the shared live-state surface. Writes carry the
// source timestamp so stale writers lose.
type IStateCache interface {
	Put(key string, ts time.Time, data any) bool
	Get(key string, out any) (time.Time, bool)
	Delete(key string)
}

// IRiskGate approves or vetoes intents before they reach the engine.
type IRiskGate interface {
	Approve(ctx context.Context, intent Intent) error
}

// IStrategy turns market data into intents. Implementations must be
// deterministic for a given bar sequence.
type IStrategy interface {
	Name() string
	OnBar(ctx context.Context, bar Bar) []Intent
}

// IRegimeDetector classifies market conditions from the bar flow.
type IRegimeDetector interface {
	Update(bar Bar)
	Current() Regime
}

// IHealthMonitor aggregates component liveness checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IAlertManager fans alerts out to the configured channels without
// blocking the caller.
type IAlertManager interface {
	Alert(level string, title string, message string)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
