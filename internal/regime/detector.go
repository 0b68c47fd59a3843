// Package regime classifies the market environment from the bar flow.
// The detector is pure computation: it neither publishes nor trades,
// the decision loop reads Current() and acts.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/core"
)

const (
	rsiPeriod = 14
	atrPeriod = 14

	// Dual-speed realized volatility windows, in bars.
	fastVolWindow = 3
	slowVolWindow = 20

	// A fast/slow vol ratio above this forces CRISIS no matter what
	// the oscillators say.
	crisisVolRatio = 2.0

	rsiUpper = 70.0
	rsiLower = 30.0
)

// Sizing scales per regime.
var (
	scaleTrending = decimal.NewFromInt(1)
	scaleChoppy   = decimal.RequireFromString("0.5")
	scaleCrisis   = decimal.RequireFromString("0.25")
)

// symbolState carries the per-symbol indicator state. RSI and ATR use
// Wilder smoothing: seeded with a simple average, then
// avg = (prev*(n-1) + x) / n.
type symbolState struct {
	lastClose float64
	haveClose bool

	// RSI
	seedGains  []float64
	seedLosses []float64
	avgGain    float64
	avgLoss    float64
	rsiReady   bool

	// ATR
	seedTR   []float64
	atr      float64
	atrReady bool

	// Realized vol: ring of recent log returns.
	returns []float64
}

// Detector implements core.IRegimeDetector across the fed symbols.
type Detector struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState
	current core.Regime
	logger  core.ILogger
}

// NewDetector creates a detector. Until enough bars arrive the regime
// reports CHOPPY at half scale, the conservative default.
func NewDetector(logger core.ILogger) *Detector {
	return &Detector{
		symbols: make(map[string]*symbolState),
		current: core.Regime{Label: core.RegimeChoppy, Scale: scaleChoppy, VolRatio: decimal.Zero},
		logger:  logger.WithField("component", "regime"),
	}
}

// Update folds one bar into the indicator state and reclassifies.
func (d *Detector) Update(bar core.Bar) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.symbols[bar.Symbol]
	if !ok {
		st = &symbolState{}
		d.symbols[bar.Symbol] = st
	}
	st.update(bar)

	prev := d.current.Label
	d.current = d.classifyLocked(bar.TS)
	if d.current.Label != prev {
		d.logger.Warn("Regime change",
			"from", prev, "to", d.current.Label, "vol_ratio", d.current.VolRatio)
	}
}

// Current returns the latest classification.
func (d *Detector) Current() core.Regime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// ATR returns the Wilder ATR for a symbol, zero until warm.
func (d *Detector) ATR(symbol string) decimal.Decimal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.symbols[symbol]
	if !ok || !st.atrReady {
		return decimal.Zero
	}
	return decimal.NewFromFloat(st.atr)
}

// RSI returns the Wilder RSI for a symbol and whether it is warm.
func (d *Detector) RSI(symbol string) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.symbols[symbol]
	if !ok || !st.rsiReady {
		return 0, false
	}
	return st.rsi(), true
}

// classifyLocked combines the per-symbol indicators. The vol override
// is evaluated first: a volatility shock anywhere forces CRISIS.
func (d *Detector) classifyLocked(ts time.Time) core.Regime {
	maxRatio := 0.0
	rsiSum, rsiCount := 0.0, 0

	for _, st := range d.symbols {
		if ratio, ok := st.volRatio(); ok && ratio > maxRatio {
			maxRatio = ratio
		}
		if st.rsiReady {
			rsiSum += st.rsi()
			rsiCount++
		}
	}

	regime := core.Regime{VolRatio: decimal.NewFromFloat(maxRatio), TS: ts}
	switch {
	case maxRatio > crisisVolRatio:
		regime.Label = core.RegimeCrisis
		regime.Scale = scaleCrisis
	case rsiCount > 0 && (rsiSum/float64(rsiCount) > rsiUpper || rsiSum/float64(rsiCount) < rsiLower):
		regime.Label = core.RegimeTrending
		regime.Scale = scaleTrending
	default:
		regime.Label = core.RegimeChoppy
		regime.Scale = scaleChoppy
	}
	return regime
}

func (st *symbolState) update(bar core.Bar) {
	closePx, _ := bar.Close.Float64()
	highPx, _ := bar.High.Float64()
	lowPx, _ := bar.Low.Float64()

	if st.haveClose {
		st.updateRSI(closePx - st.lastClose)
		st.updateATR(trueRange(highPx, lowPx, st.lastClose))
		if st.lastClose > 0 && closePx > 0 {
			st.returns = append(st.returns, math.Log(closePx/st.lastClose))
			if len(st.returns) > slowVolWindow {
				st.returns = st.returns[len(st.returns)-slowVolWindow:]
			}
		}
	}
	st.lastClose = closePx
	st.haveClose = true
}

func (st *symbolState) updateRSI(change float64) {
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if !st.rsiReady {
		st.seedGains = append(st.seedGains, gain)
		st.seedLosses = append(st.seedLosses, loss)
		if len(st.seedGains) < rsiPeriod {
			return
		}
		st.avgGain = mean(st.seedGains)
		st.avgLoss = mean(st.seedLosses)
		st.seedGains, st.seedLosses = nil, nil
		st.rsiReady = true
		return
	}

	st.avgGain = (st.avgGain*(rsiPeriod-1) + gain) / rsiPeriod
	st.avgLoss = (st.avgLoss*(rsiPeriod-1) + loss) / rsiPeriod
}

func (st *symbolState) rsi() float64 {
	if st.avgLoss == 0 {
		return 100
	}
	rs := st.avgGain / st.avgLoss
	return 100 - 100/(1+rs)
}

func (st *symbolState) updateATR(tr float64) {
	if !st.atrReady {
		st.seedTR = append(st.seedTR, tr)
		if len(st.seedTR) < atrPeriod {
			return
		}
		st.atr = mean(st.seedTR)
		st.seedTR = nil
		st.atrReady = true
		return
	}
	st.atr = (st.atr*(atrPeriod-1) + tr) / atrPeriod
}

// volRatio is fast realized vol over slow realized vol. Needs a full
// slow window to be meaningful.
func (st *symbolState) volRatio() (float64, bool) {
	if len(st.returns) < slowVolWindow {
		return 0, false
	}
	slow := stddev(st.returns)
	fast := stddev(st.returns[len(st.returns)-fastVolWindow:])
	if slow == 0 {
		return 0, false
	}
	return fast / slow, true
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}
