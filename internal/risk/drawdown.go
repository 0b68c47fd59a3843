package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/pkg/telemetry"
)

// Drawdown scale steps. Sizing shrinks as drawdown deepens so a losing
// day cannot compound at full size.
var (
	scaleFull    = decimal.NewFromInt(1)
	scaleHalf    = decimal.RequireFromString("0.5")
	scaleQuarter = decimal.RequireFromString("0.25")

	halfScaleDrawdown    = decimal.RequireFromString("0.05")
	quarterScaleDrawdown = decimal.RequireFromString("0.10")
)

// DrawdownMonitor tracks equity against its peak and the session open.
// One instance lives in the trading process; the supervisor keeps its
// own from mirror data.
type DrawdownMonitor struct {
	mu sync.RWMutex

	initialEquity decimal.Decimal
	peakEquity    decimal.Decimal
	sodEquity     decimal.Decimal
	lastEquity    decimal.Decimal
	sessionDay    string

	location *time.Location
	metrics  *telemetry.MetricsHolder
}

// NewDrawdownMonitor starts tracking from initialEquity. Session
// boundaries follow loc, not the host clock.
func NewDrawdownMonitor(initialEquity decimal.Decimal, loc *time.Location) *DrawdownMonitor {
	return &DrawdownMonitor{
		initialEquity: initialEquity,
		peakEquity:    initialEquity,
		sodEquity:     initialEquity,
		lastEquity:    initialEquity,
		location:      loc,
		metrics:       telemetry.GetGlobalMetrics(),
	}
}

// Update records an equity observation. Crossing a session boundary
// resets the start-of-day anchor; the peak never resets.
func (m *DrawdownMonitor) Update(equity decimal.Decimal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := now.In(m.location).Format("2006-01-02")
	if m.sessionDay == "" {
		m.sessionDay = day
	} else if day != m.sessionDay {
		m.sessionDay = day
		m.sodEquity = equity
	}

	m.lastEquity = equity
	if equity.GreaterThan(m.peakEquity) {
		m.peakEquity = equity
	}

	eq, _ := equity.Float64()
	daily, _ := m.dailyPnLPctLocked().Float64()
	dd, _ := m.drawdownPctLocked().Float64()
	m.metrics.SetEquity(eq)
	m.metrics.SetDailyPnLPct(daily)
	m.metrics.SetDrawdownPct(dd)
}

// DailyPnLPct returns PnL since session open as a fraction of the
// opening equity.
func (m *DrawdownMonitor) DailyPnLPct() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyPnLPctLocked()
}

func (m *DrawdownMonitor) dailyPnLPctLocked() decimal.Decimal {
	if m.sodEquity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return m.lastEquity.Sub(m.sodEquity).Div(m.sodEquity)
}

// DrawdownPct returns the peak-to-current drawdown as a positive
// fraction, zero at the peak.
func (m *DrawdownMonitor) DrawdownPct() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drawdownPctLocked()
}

func (m *DrawdownMonitor) drawdownPctLocked() decimal.Decimal {
	if m.peakEquity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	dd := m.peakEquity.Sub(m.lastEquity).Div(m.peakEquity)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// Scale returns the sizing multiplier for the current drawdown.
func (m *DrawdownMonitor) Scale() decimal.Decimal {
	dd := m.DrawdownPct()
	switch {
	case dd.GreaterThanOrEqual(quarterScaleDrawdown):
		return scaleQuarter
	case dd.GreaterThanOrEqual(halfScaleDrawdown):
		return scaleHalf
	default:
		return scaleFull
	}
}

// Peak returns the high-water mark.
func (m *DrawdownMonitor) Peak() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peakEquity
}

// StartOfDay returns the session opening equity.
func (m *DrawdownMonitor) StartOfDay() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sodEquity
}
