package strategy

import (
	"context"

	"papertrade/internal/core"
)

const (
	rsiRevName = "rsi_reversion"

	rsiRevPeriod     = 14
	rsiRevOversold   = 30.0
	rsiRevOverbought = 70.0
)

// rsiState is the per-symbol Wilder RSI state plus the zone the last
// bar closed in, so a symbol parked in oversold fires once, not every
// bar.
type rsiState struct {
	lastClose    float64
	haveClose    bool
	seedGains    []float64
	seedLosses   []float64
	avgGain      float64
	avgLoss      float64
	ready        bool
	inOversold   bool
	inOverbought bool
}

// RSIReversion fades extremes: a close entering the oversold zone emits
// a buy, entering overbought a sell. Mean reversion only makes sense in
// a ranging tape, so it runs in CHOPPY alone.
type RSIReversion struct {
	symbols map[string]*rsiState
	logger  core.ILogger
}

// NewRSIReversion builds the reversion strategy.
func NewRSIReversion(logger core.ILogger) *RSIReversion {
	return &RSIReversion{
		symbols: make(map[string]*rsiState),
		logger:  logger.WithField("component", "strategy").WithField("strategy", rsiRevName),
	}
}

func (s *RSIReversion) Name() string { return rsiRevName }

// ShouldRun accepts only CHOPPY. Fading a trend or a crisis loses.
func (s *RSIReversion) ShouldRun(regime core.Regime) bool {
	return regime.Label == core.RegimeChoppy
}

// OnBar folds one bar and emits at most one intent on a zone entry.
func (s *RSIReversion) OnBar(ctx context.Context, bar core.Bar) []core.Intent {
	st, ok := s.symbols[bar.Symbol]
	if !ok {
		st = &rsiState{}
		s.symbols[bar.Symbol] = st
	}

	closePx, _ := bar.Close.Float64()
	if !st.haveClose {
		st.lastClose = closePx
		st.haveClose = true
		return nil
	}
	st.fold(closePx - st.lastClose)
	st.lastClose = closePx
	if !st.ready {
		return nil
	}

	rsi := st.rsi()
	wasOversold, wasOverbought := st.inOversold, st.inOverbought
	st.inOversold = rsi < rsiRevOversold
	st.inOverbought = rsi > rsiRevOverbought

	var side core.Side
	switch {
	case st.inOversold && !wasOversold:
		side = core.SideBuy
	case st.inOverbought && !wasOverbought:
		side = core.SideSell
	default:
		return nil
	}

	s.logger.Info("RSI reversion signal", "symbol", bar.Symbol, "side", side, "rsi", rsi)
	return []core.Intent{{
		StrategyID: rsiRevName,
		SignalID:   core.DeriveSignalID(rsiRevName, bar.Symbol, bar.TS),
		Symbol:     bar.Symbol,
		Side:       side,
		Type:       core.OrderTypeMarket,
		DecisionTS: bar.TS,
	}}
}

func (st *rsiState) fold(change float64) {
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if !st.ready {
		st.seedGains = append(st.seedGains, gain)
		st.seedLosses = append(st.seedLosses, loss)
		if len(st.seedGains) < rsiRevPeriod {
			return
		}
		st.avgGain = avg(st.seedGains)
		st.avgLoss = avg(st.seedLosses)
		st.seedGains, st.seedLosses = nil, nil
		st.ready = true
		return
	}

	st.avgGain = (st.avgGain*(rsiRevPeriod-1) + gain) / rsiRevPeriod
	st.avgLoss = (st.avgLoss*(rsiRevPeriod-1) + loss) / rsiRevPeriod
}

func (st *rsiState) rsi() float64 {
	if st.avgLoss == 0 {
		return 100
	}
	rs := st.avgGain / st.avgLoss
	return 100 - 100/(1+rs)
}

func avg(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
