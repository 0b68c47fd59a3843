package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal    = "papertrade_orders_submitted_total"
	MetricOrdersFilledTotal       = "papertrade_orders_filled_total"
	MetricOrdersRejectedTotal     = "papertrade_orders_rejected_total"
	MetricOrderTransitionsTotal   = "papertrade_order_transitions_total"
	MetricOrdersOpen              = "papertrade_orders_open"
	MetricOrdersUnknown           = "papertrade_orders_unknown"
	MetricFillVolumeNotional      = "papertrade_fill_volume_notional_total"
	MetricEquity                  = "papertrade_equity"
	MetricDailyPnLPct             = "papertrade_daily_pnl_pct"
	MetricDrawdownPct             = "papertrade_drawdown_pct"
	MetricPositionQty             = "papertrade_position_qty"
	MetricHaltActive              = "papertrade_halt_active"
	MetricHeartbeatAge            = "papertrade_heartbeat_age_seconds"
	MetricBrokerLatency           = "papertrade_broker_latency_ms"
	MetricReconcileDivergences    = "papertrade_reconcile_divergences_total"
	MetricStreamGapsTotal         = "papertrade_stream_gaps_total"
	MetricSupervisorActionsTotal  = "papertrade_supervisor_actions_total"
	MetricEventLogEntriesTotal    = "papertrade_eventlog_entries_total"
	MetricEventLogFsyncDurationMs = "papertrade_eventlog_fsync_duration_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersSubmittedTotal   metric.Int64Counter
	OrdersFilledTotal      metric.Int64Counter
	OrdersRejectedTotal    metric.Int64Counter
	OrderTransitionsTotal  metric.Int64Counter
	OrdersOpen             metric.Int64ObservableGauge
	OrdersUnknown          metric.Int64ObservableGauge
	FillVolumeNotional     metric.Float64Counter
	Equity                 metric.Float64ObservableGauge
	DailyPnLPct            metric.Float64ObservableGauge
	DrawdownPct            metric.Float64ObservableGauge
	PositionQty            metric.Float64ObservableGauge
	HaltActive             metric.Int64ObservableGauge
	HeartbeatAge           metric.Float64ObservableGauge
	BrokerLatency          metric.Float64Histogram
	ReconcileDivergences   metric.Int64Counter
	StreamGapsTotal        metric.Int64Counter
	SupervisorActionsTotal metric.Int64Counter
	EventLogEntriesTotal   metric.Int64Counter
	EventLogFsyncDuration  metric.Float64Histogram

	// State for observable gauges
	mu              sync.RWMutex
	ordersOpen      int64
	ordersUnknown   int64
	equity          float64
	dailyPnLPct     float64
	drawdownPct     float64
	positionQtyMap  map[string]float64
	haltActive      int64
	heartbeatAgeMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionQtyMap:  make(map[string]float64),
			heartbeatAgeMap: make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total order submissions accepted by the engine"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders that reached FILLED"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders that reached REJECTED"))
	if err != nil {
		return err
	}

	m.OrderTransitionsTotal, err = meter.Int64Counter(MetricOrderTransitionsTotal, metric.WithDescription("Order lifecycle transitions by edge"))
	if err != nil {
		return err
	}

	m.FillVolumeNotional, err = meter.Float64Counter(MetricFillVolumeNotional, metric.WithDescription("Cumulative filled notional in account currency"))
	if err != nil {
		return err
	}

	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency, metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ReconcileDivergences, err = meter.Int64Counter(MetricReconcileDivergences, metric.WithDescription("Divergences found between local and broker state"))
	if err != nil {
		return err
	}

	m.StreamGapsTotal, err = meter.Int64Counter(MetricStreamGapsTotal, metric.WithDescription("Sequence gaps detected on broker event stream"))
	if err != nil {
		return err
	}

	m.SupervisorActionsTotal, err = meter.Int64Counter(MetricSupervisorActionsTotal, metric.WithDescription("Corrective actions taken by the supervisor"))
	if err != nil {
		return err
	}

	m.EventLogEntriesTotal, err = meter.Int64Counter(MetricEventLogEntriesTotal, metric.WithDescription("Entries appended to the event log"))
	if err != nil {
		return err
	}

	m.EventLogFsyncDuration, err = meter.Float64Histogram(MetricEventLogFsyncDurationMs, metric.WithDescription("Duration of event log fsync batches"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Number of non-terminal orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.ordersOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersUnknown, err = meter.Int64ObservableGauge(MetricOrdersUnknown, metric.WithDescription("Number of orders currently in UNKNOWN"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.ordersUnknown)
			return nil
		}))
	if err != nil {
		return err
	}

	m.Equity, err = meter.Float64ObservableGauge(MetricEquity, metric.WithDescription("Current account equity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.equity)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DailyPnLPct, err = meter.Float64ObservableGauge(MetricDailyPnLPct, metric.WithDescription("PnL since session open as a fraction of opening equity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyPnLPct)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DrawdownPct, err = meter.Float64ObservableGauge(MetricDrawdownPct, metric.WithDescription("Drawdown from peak equity as a fraction"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.drawdownPct)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionQty, err = meter.Float64ObservableGauge(MetricPositionQty, metric.WithDescription("Signed net position per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionQtyMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.HaltActive, err = meter.Int64ObservableGauge(MetricHaltActive, metric.WithDescription("Global halt flag (1=halted, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.haltActive)
			return nil
		}))
	if err != nil {
		return err
	}

	m.HeartbeatAge, err = meter.Float64ObservableGauge(MetricHeartbeatAge, metric.WithDescription("Seconds since the last heartbeat per process"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for proc, val := range m.heartbeatAgeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("process", proc)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOrdersOpen(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersOpen = count
}

func (m *MetricsHolder) SetOrdersUnknown(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersUnknown = count
}

func (m *MetricsHolder) SetEquity(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = value
}

func (m *MetricsHolder) SetDailyPnLPct(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnLPct = value
}

func (m *MetricsHolder) SetDrawdownPct(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drawdownPct = value
}

func (m *MetricsHolder) SetPositionQty(symbol string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionQtyMap[symbol] = qty
}

func (m *MetricsHolder) SetHaltActive(active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltActive = val
}

func (m *MetricsHolder) SetHeartbeatAge(process string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatAgeMap[process] = seconds
}

func (m *MetricsHolder) GetOrdersOpen() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ordersOpen
}

func (m *MetricsHolder) GetHaltActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.haltActive == 1
}

func (m *MetricsHolder) GetPositionQty() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionQtyMap {
		res[k] = v
	}
	return res
}
