package risk

import (
	"github.com/shopspring/decimal"
)

// maxPositionPct caps any single position at a tenth of equity
// regardless of what the sizing formula says.
var maxPositionPct = decimal.RequireFromString("0.10")

// Sizer converts a trade decision into a share quantity. Both methods
// return whole shares; fractional results round down, and anything
// below one share is zero (no trade).
type Sizer struct {
	riskPerTrade decimal.Decimal
}

// NewSizer sizes positions at riskPerTrade fraction of equity.
func NewSizer(riskPerTrade decimal.Decimal) *Sizer {
	return &Sizer{riskPerTrade: riskPerTrade}
}

// FixedFraction risks a fixed fraction of equity at the given price,
// scaled by the regime/drawdown multiplier.
func (s *Sizer) FixedFraction(equity, price, scale decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) || equity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	notional := equity.Mul(s.riskPerTrade).Mul(scale)
	return s.capShares(notional, price, equity)
}

// VolAdjusted shrinks size as realized volatility grows: the risk
// budget is divided by the ATR instead of the price, so a noisier
// symbol trades fewer shares for the same dollar risk.
func (s *Sizer) VolAdjusted(equity, price, atr, scale decimal.Decimal) decimal.Decimal {
	if atr.LessThanOrEqual(decimal.Zero) {
		return s.FixedFraction(equity, price, scale)
	}
	if price.LessThanOrEqual(decimal.Zero) || equity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	riskBudget := equity.Mul(s.riskPerTrade).Mul(scale)
	shares := riskBudget.Div(atr).Floor()
	return s.capByNotional(shares, price, equity)
}

func (s *Sizer) capShares(notional, price, equity decimal.Decimal) decimal.Decimal {
	shares := notional.Div(price).Floor()
	return s.capByNotional(shares, price, equity)
}

func (s *Sizer) capByNotional(shares, price, equity decimal.Decimal) decimal.Decimal {
	if shares.LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero
	}
	maxNotional := equity.Mul(maxPositionPct)
	if shares.Mul(price).GreaterThan(maxNotional) {
		shares = maxNotional.Div(price).Floor()
	}
	if shares.LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero
	}
	return shares
}
