// Package risk holds the pre-trade gate, the drawdown monitor and the
// position sizer. The gate vetoes intents before they reach the order
// engine; vetoes are expected outcomes, not failures, and surface as
// ErrRiskRejected (or ErrHaltRequested) for the decision loop to
// journal and drop.
package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"papertrade/internal/core"
	"papertrade/internal/portfolio"
	"papertrade/internal/state"
	apperrors "papertrade/pkg/errors"
)

// OpenOrderCounter is the slice of the engine the gate reads.
type OpenOrderCounter interface {
	OpenOrders() []*core.Order
}

// Limits are the gate thresholds.
type Limits struct {
	MaxOpenOrders    int
	MaxConcentration decimal.Decimal // fraction of equity per symbol
	MaxOrderNotional decimal.Decimal // zero disables the check
}

// Gate implements core.IRiskGate. Checks run cheapest-first so a halted
// system does no valuation work.
type Gate struct {
	cache  *state.Cache
	book   *portfolio.Book
	orders OpenOrderCounter
	limits Limits
	logger core.ILogger
}

// NewGate builds the pre-trade gate.
func NewGate(cache *state.Cache, book *portfolio.Book, orders OpenOrderCounter, limits Limits, logger core.ILogger) *Gate {
	return &Gate{
		cache:  cache,
		book:   book,
		orders: orders,
		limits: limits,
		logger: logger.WithField("component", "riskgate"),
	}
}

// Approve vets one intent. Order of checks: halt flag, open-order cap,
// order notional cap, concentration.
func (g *Gate) Approve(ctx context.Context, intent core.Intent) error {
	if halt := g.cache.GetHalt(); halt.Active {
		return fmt.Errorf("halt active (%s): %w", halt.Reason, apperrors.ErrHaltRequested)
	}

	if open := len(g.orders.OpenOrders()); open >= g.limits.MaxOpenOrders {
		return fmt.Errorf("open orders %d at cap %d: %w", open, g.limits.MaxOpenOrders, apperrors.ErrRiskRejected)
	}

	price := g.referencePrice(intent)
	if price.IsZero() {
		// No mark and no limit: cannot value the order, refuse rather
		// than guess.
		return fmt.Errorf("no price reference for %s: %w", intent.Symbol, apperrors.ErrRiskRejected)
	}
	notional := price.Mul(intent.Qty)

	if g.limits.MaxOrderNotional.GreaterThan(decimal.Zero) && notional.GreaterThan(g.limits.MaxOrderNotional) {
		return fmt.Errorf("order notional %s exceeds cap %s: %w",
			notional, g.limits.MaxOrderNotional, apperrors.ErrRiskRejected)
	}

	// Concentration pre-check: only intents that grow exposure in the
	// symbol can breach it.
	if g.growsExposure(intent) {
		equity := g.book.Equity()
		if equity.GreaterThan(decimal.Zero) {
			current := decimal.Zero
			if pos, ok := g.book.Position(intent.Symbol); ok {
				current = pos.Qty.Mul(price).Abs()
			}
			projected := current.Add(notional).Div(equity)
			if projected.GreaterThan(g.limits.MaxConcentration) {
				return fmt.Errorf("projected concentration %s in %s exceeds %s: %w",
					projected.Round(4), intent.Symbol, g.limits.MaxConcentration, apperrors.ErrRiskRejected)
			}
		}
	}

	return nil
}

func (g *Gate) referencePrice(intent core.Intent) decimal.Decimal {
	if mark, ok := g.book.MarkPrice(intent.Symbol); ok && mark.GreaterThan(decimal.Zero) {
		return mark
	}
	if intent.LimitPrice.GreaterThan(decimal.Zero) {
		return intent.LimitPrice
	}
	return decimal.Zero
}

// growsExposure reports whether the intent adds to the symbol's
// absolute position rather than reducing it.
func (g *Gate) growsExposure(intent core.Intent) bool {
	pos, ok := g.book.Position(intent.Symbol)
	if !ok || pos.Qty.IsZero() {
		return true
	}
	if pos.Qty.Sign() > 0 {
		return intent.Side == core.SideBuy
	}
	return intent.Side == core.SideSell
}
