package strategy

import (
	"context"

	"papertrade/internal/core"
)

const (
	emaCrossName = "ema_cross"

	emaFastPeriod = 12
	emaSlowPeriod = 26
)

// emaState is the per-symbol crossover state. EMAs seed with the first
// close; signals are suppressed until a full slow period has passed so
// the seed bias has decayed.
type emaState struct {
	fast    float64
	slow    float64
	bars    int
	wasFast bool // fast above slow on the previous bar
}

// EMACross is a 12/26 exponential moving average crossover. A golden
// cross (fast rising through slow) emits a buy, a death cross a sell.
// Momentum signals are switched off in a crisis regime.
type EMACross struct {
	symbols map[string]*emaState
	logger  core.ILogger
}

// NewEMACross builds the crossover strategy.
func NewEMACross(logger core.ILogger) *EMACross {
	return &EMACross{
		symbols: make(map[string]*emaState),
		logger:  logger.WithField("component", "strategy").WithField("strategy", emaCrossName),
	}
}

func (s *EMACross) Name() string { return emaCrossName }

// ShouldRun declines only CRISIS: momentum keeps running in chop, the
// sizer's regime scale already shrinks it there.
func (s *EMACross) ShouldRun(regime core.Regime) bool {
	return regime.Label != core.RegimeCrisis
}

// OnBar folds one bar and emits at most one intent on a cross.
func (s *EMACross) OnBar(ctx context.Context, bar core.Bar) []core.Intent {
	st, ok := s.symbols[bar.Symbol]
	closePx, _ := bar.Close.Float64()

	if !ok {
		s.symbols[bar.Symbol] = &emaState{fast: closePx, slow: closePx, bars: 1}
		return nil
	}

	st.fast = ema(st.fast, closePx, emaFastPeriod)
	st.slow = ema(st.slow, closePx, emaSlowPeriod)
	st.bars++

	isFast := st.fast > st.slow
	defer func() { st.wasFast = isFast }()

	if st.bars <= emaSlowPeriod || isFast == st.wasFast {
		return nil
	}

	side := core.SideSell
	if isFast {
		side = core.SideBuy
	}
	s.logger.Info("EMA cross", "symbol", bar.Symbol, "side", side,
		"fast", st.fast, "slow", st.slow)

	return []core.Intent{{
		StrategyID: emaCrossName,
		SignalID:   core.DeriveSignalID(emaCrossName, bar.Symbol, bar.TS),
		Symbol:     bar.Symbol,
		Side:       side,
		Type:       core.OrderTypeMarket,
		DecisionTS: bar.TS,
	}}
}

func ema(prev, px float64, period int) float64 {
	k := 2.0 / (float64(period) + 1.0)
	return px*k + prev*(1.0-k)
}
