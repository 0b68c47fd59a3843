// Package portfolio tracks the account book: positions derived from
// fills, marks from the bar flow, and the equity series the risk gate
// and the supervisor read. The book is local bookkeeping only; on any
// disagreement with the broker the reconciler overwrites it.
package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/core"
	"papertrade/pkg/telemetry"
)

// Book holds positions and cash for one account.
type Book struct {
	mu        sync.RWMutex
	cash      decimal.Decimal
	positions map[string]*core.Position
	marks     map[string]decimal.Decimal
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
}

// NewBook creates a book with the given starting cash.
func NewBook(initialCash decimal.Decimal, logger core.ILogger) *Book {
	return &Book{
		cash:      initialCash,
		positions: make(map[string]*core.Position),
		marks:     make(map[string]decimal.Decimal),
		logger:    logger.WithField("component", "portfolio"),
		metrics:   telemetry.GetGlobalMetrics(),
	}
}

// ApplyFill folds one fill into the position for its symbol and moves
// cash by the fill notional. Average cost is quantity-weighted while
// adding to a position; reducing realizes PnL against the average.
func (b *Book) ApplyFill(fill core.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[fill.Symbol]
	if !ok {
		pos = &core.Position{Symbol: fill.Symbol, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero, RealizedPnL: decimal.Zero}
		b.positions[fill.Symbol] = pos
	}

	signed := fill.Qty
	notional := fill.Price.Mul(fill.Qty)
	if fill.Side == core.SideBuy {
		b.cash = b.cash.Sub(notional)
	} else {
		signed = fill.Qty.Neg()
		b.cash = b.cash.Add(notional)
	}
	b.cash = b.cash.Sub(fill.Fees)

	newQty := pos.Qty.Add(signed)
	switch {
	case pos.Qty.IsZero():
		pos.AvgEntryPrice = fill.Price
	case signed.Sign() == pos.Qty.Sign():
		// Adding to the position: re-weight the average.
		pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(pos.Qty.Abs()).
			Add(fill.Price.Mul(fill.Qty)).
			Div(newQty.Abs())
	default:
		// Reducing or flipping: realize against the old average.
		closed := fill.Qty
		if closed.GreaterThan(pos.Qty.Abs()) {
			closed = pos.Qty.Abs()
		}
		pnl := fill.Price.Sub(pos.AvgEntryPrice).Mul(closed)
		if pos.Qty.Sign() < 0 {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		if newQty.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		} else if newQty.Sign() != pos.Qty.Sign() {
			pos.AvgEntryPrice = fill.Price
		}
	}
	pos.Qty = newQty
	pos.Version++
	pos.UpdatedAt = fill.TS

	b.metrics.SetPositionQty(fill.Symbol, qtyFloat(newQty))
}

// Mark updates the valuation price for a symbol.
func (b *Book) Mark(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = price
}

// MarkPrice returns the latest valuation price for a symbol.
func (b *Book) MarkPrice(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	price, ok := b.marks[symbol]
	return price, ok
}

// ForceSync replaces the position for a symbol with broker truth.
// Cash is left alone: the next equity refresh repriced it anyway, and
// inventing a cash delta for an unexplained position move would
// compound the divergence.
func (b *Book) ForceSync(symbol string, qty, avgEntry decimal.Decimal, now time.Time) core.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		pos = &core.Position{Symbol: symbol, RealizedPnL: decimal.Zero}
		b.positions[symbol] = pos
	}
	pos.Qty = qty
	pos.AvgEntryPrice = avgEntry
	pos.Version++
	pos.UpdatedAt = now

	b.metrics.SetPositionQty(symbol, qtyFloat(qty))
	return b.snapshotLocked(pos)
}

// snapshotLocked copies a position out, marking unrealized PnL against
// the latest price. No mark yet means zero, not a guess.
func (b *Book) snapshotLocked(pos *core.Position) core.Position {
	out := *pos
	if mark, ok := b.marks[pos.Symbol]; ok && !mark.IsZero() && !pos.Qty.IsZero() {
		out.UnrealizedPnL = mark.Sub(pos.AvgEntryPrice).Mul(pos.Qty)
	}
	return out
}

// Position returns a copy of the position for symbol.
func (b *Book) Position(symbol string) (core.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return core.Position{}, false
	}
	return b.snapshotLocked(pos), true
}

// Positions returns copies of all non-flat positions.
func (b *Book) Positions() []core.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		if pos.Qty.IsZero() {
			continue
		}
		out = append(out, b.snapshotLocked(pos))
	}
	return out
}

// Cash returns the current cash balance.
func (b *Book) Cash() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// PositionsValue marks every position against the latest price.
// Positions with no mark yet are valued at average cost.
func (b *Book) PositionsValue() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.positionsValueLocked()
}

func (b *Book) positionsValueLocked() decimal.Decimal {
	total := decimal.Zero
	for sym, pos := range b.positions {
		if pos.Qty.IsZero() {
			continue
		}
		mark, ok := b.marks[sym]
		if !ok || mark.IsZero() {
			mark = pos.AvgEntryPrice
		}
		total = total.Add(pos.Qty.Mul(mark))
	}
	return total
}

// Equity returns cash plus marked positions value.
func (b *Book) Equity() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash.Add(b.positionsValueLocked())
}

// Concentration returns each symbol's absolute exposure as a fraction
// of equity. Empty when equity is not positive.
func (b *Book) Concentration() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	equity := b.cash.Add(b.positionsValueLocked())
	if equity.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	out := make(map[string]decimal.Decimal)
	for sym, pos := range b.positions {
		if pos.Qty.IsZero() {
			continue
		}
		mark, ok := b.marks[sym]
		if !ok || mark.IsZero() {
			mark = pos.AvgEntryPrice
		}
		out[sym] = pos.Qty.Mul(mark).Abs().Div(equity)
	}
	return out
}

func qtyFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
