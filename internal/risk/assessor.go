package risk

import (
	"github.com/shopspring/decimal"

	"papertrade/internal/core"
	"papertrade/internal/portfolio"
	"papertrade/internal/state"
)

// Assessor answers "what would this trade do to my risk posture"
// without touching order state. The dashboard and strategies query it
// read-only; the gate remains the only component that vetoes.
type Assessor struct {
	cache *state.Cache
	book  *portfolio.Book
	ddmon *DrawdownMonitor
}

var _ core.IExposureAssessor = (*Assessor)(nil)

// NewAssessor builds a read-only risk view over the book and the
// drawdown monitor.
func NewAssessor(cache *state.Cache, book *portfolio.Book, ddmon *DrawdownMonitor) *Assessor {
	return &Assessor{cache: cache, book: book, ddmon: ddmon}
}

// SimulateImpact returns the worst-case per-symbol concentration after
// applying the proposed notional deltas to the current book.
func (a *Assessor) SimulateImpact(proposals map[string]decimal.Decimal) decimal.Decimal {
	equity := a.book.Equity()
	if equity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	conc := a.book.Concentration()
	worst := decimal.Zero
	for sym, frac := range conc {
		if delta, ok := proposals[sym]; ok {
			frac = frac.Add(delta.Abs().Div(equity))
		}
		if frac.GreaterThan(worst) {
			worst = frac
		}
	}
	for sym, delta := range proposals {
		if _, held := conc[sym]; held {
			continue
		}
		frac := delta.Abs().Div(equity)
		if frac.GreaterThan(worst) {
			worst = frac
		}
	}
	return worst
}

// GetRiskSnapshot returns the current account risk posture.
func (a *Assessor) GetRiskSnapshot() core.RiskSnapshot {
	maxConc := decimal.Zero
	for _, frac := range a.book.Concentration() {
		if frac.GreaterThan(maxConc) {
			maxConc = frac
		}
	}
	return core.RiskSnapshot{
		Equity:           a.book.Equity(),
		PeakEquity:       a.ddmon.Peak(),
		DailyPnLPct:      a.ddmon.DailyPnLPct(),
		DrawdownPct:      a.ddmon.DrawdownPct(),
		MaxConcentration: maxConc,
		HaltActive:       a.cache.GetHalt().Active,
	}
}
