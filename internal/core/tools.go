package core

import (
	"github.com/shopspring/decimal"
)

// ExposureProposal represents a proposed change in position notional
type ExposureProposal struct {
	Symbol   string
	Notional decimal.Decimal
}

// RiskSnapshot represents the current risk state of the account
type RiskSnapshot struct {
	Equity           decimal.Decimal
	PeakEquity       decimal.Decimal
	DailyPnLPct      decimal.Decimal
	DrawdownPct      decimal.Decimal
	MaxConcentration decimal.Decimal
	HaltActive       bool
}

// IExposureAssessor is implemented by the risk gate so strategies and
// the dashboard can query headroom before proposing trades.
type IExposureAssessor interface {
	SimulateImpact(proposals map[string]decimal.Decimal) decimal.Decimal // returns worst-case concentration
	GetRiskSnapshot() RiskSnapshot
}
