// Package supervisor is the independent watchdog process. It shares no
// goroutines, sessions or fate with the trading process: it reads the
// state mirror and its own broker session, evaluates kill rules every
// cycle, and acts through the actuator when one fires.
package supervisor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"papertrade/internal/core"
	"papertrade/internal/eventlog"
	"papertrade/internal/state"
	"papertrade/pkg/telemetry"
)

// keyEquityTrack persists the supervisor's own start-of-day and peak
// equity across restarts. It lives under the durable "equity" prefix.
const keyEquityTrack = "equity:supervisor"

// equityTrack is the supervisor's independent equity bookkeeping. It
// never trusts the trading process's drawdown math, only its raw
// equity number.
type equityTrack struct {
	Day  string          `json:"day"`
	SOD  decimal.Decimal `json:"sod"`
	Peak decimal.Decimal `json:"peak"`
}

// actionRecord is the SUPERVISOR_ACTION journal payload.
type actionRecord struct {
	Rule    string    `json:"rule"`
	Action  string    `json:"action"`
	Symbol  string    `json:"symbol,omitempty"`
	OrderID string    `json:"order_id,omitempty"`
	Reason  string    `json:"reason"`
	TS      time.Time `json:"ts"`
}

// Supervisor runs the kill-rule cycle.
type Supervisor struct {
	cache    *state.Cache
	broker   Broker
	actuator *Actuator
	rules    *Evaluator
	journal  core.IEventLog
	alerts   core.IAlertManager
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	interval time.Duration
	location *time.Location
	clock    func() time.Time

	mu    sync.Mutex
	seq   uint64
	track equityTrack
	tpPID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor wires the watchdog. The cache must be built on the
// shared mirror or the supervisor is flying blind.
func NewSupervisor(
	cache *state.Cache,
	broker Broker,
	actuator *Actuator,
	rules *Evaluator,
	journal core.IEventLog,
	alerts core.IAlertManager,
	interval time.Duration,
	location *time.Location,
	logger core.ILogger,
) *Supervisor {
	return &Supervisor{
		cache:    cache,
		broker:   broker,
		actuator: actuator,
		rules:    rules,
		journal:  journal,
		alerts:   alerts,
		interval: interval,
		location: location,
		logger:   logger.WithField("component", "supervisor"),
		metrics:  telemetry.GetGlobalMetrics(),
		clock:    time.Now,
	}
}

// SetClock injects a time source for tests.
func (s *Supervisor) SetClock(clock func() time.Time) { s.clock = clock }

// Start loads persisted equity tracking and launches the cycle loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, ok := s.cache.Get(keyEquityTrack, &s.track); ok {
		s.logger.Info("Equity tracking restored",
			"day", s.track.Day, "sod", s.track.SOD, "peak", s.track.Peak)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Supervisor started", "cycle", s.interval)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runCycle(s.ctx)
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runCycle(s.ctx)
			}
		}
	}()
	return nil
}

// Stop halts the cycle loop.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Supervisor stopped")
}

// runCycle is one watchdog pass: refresh shared state, publish our
// heartbeat, gather evidence, evaluate, act.
func (s *Supervisor) runCycle(ctx context.Context) {
	now := s.clock()

	if err := s.cache.Refresh(); err != nil {
		s.logger.Error("State mirror refresh failed", "error", err)
	}
	s.beat(now)

	in := s.gather(ctx, now)
	verdicts := s.rules.Evaluate(in)
	for _, v := range verdicts {
		s.act(ctx, v, in)
	}
}

// beat publishes the supervisor heartbeat to the mirror and journal.
func (s *Supervisor) beat(now time.Time) {
	s.mu.Lock()
	s.seq++
	hb := core.Heartbeat{Process: "supervisor", PID: os.Getpid(), Seq: s.seq, TS: now}
	s.mu.Unlock()

	s.cache.Put(state.KeyHeartbeatSupervisor, now, hb)
	s.journal.Append(eventlog.KindHeartbeat, hb)
}

// gather assembles the rule inputs from the mirror and the broker.
func (s *Supervisor) gather(ctx context.Context, now time.Time) RuleInputs {
	in := RuleInputs{Now: now, HaltActive: s.cache.GetHalt().Active}

	var snap core.EquitySnapshot
	if _, ok := s.cache.Get(state.KeyEquity, &snap); ok {
		in.Equity = snap.Equity
		s.trackEquity(snap.Equity, now)
	}
	s.mu.Lock()
	in.SODEquity = s.track.SOD
	in.PeakEquity = s.track.Peak
	s.mu.Unlock()

	pollCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	positions, err := s.broker.ListPositions(pollCtx)
	if err != nil {
		s.logger.Warn("Broker position poll failed", "error", err)
	}
	in.Positions = positions

	var open []*core.Order
	if _, ok := s.cache.Get(state.KeyOpenOrders, &open); ok {
		in.OpenOrders = open
	}

	var hb core.Heartbeat
	if _, ok := s.cache.Get(state.KeyHeartbeatTrading, &hb); ok {
		in.HeartbeatTS = hb.TS
		in.HeartbeatOK = true
		s.mu.Lock()
		s.tpPID = hb.PID
		s.mu.Unlock()
		s.metrics.SetHeartbeatAge("trading", now.Sub(hb.TS).Seconds())
	}
	s.metrics.SetHaltActive(in.HaltActive)

	return in
}

// trackEquity rolls the start-of-day anchor at the session boundary
// and ratchets the peak. Persisted through the mirror every change.
func (s *Supervisor) trackEquity(equity decimal.Decimal, now time.Time) {
	day := now.In(s.location).Format("2006-01-02")

	s.mu.Lock()
	changed := false
	if s.track.Day != day {
		s.track.Day = day
		s.track.SOD = equity
		changed = true
	}
	if equity.GreaterThan(s.track.Peak) {
		s.track.Peak = equity
		changed = true
	}
	track := s.track
	s.mu.Unlock()

	if changed {
		s.cache.Put(keyEquityTrack, now, track)
	}
}

// act journals, alerts and executes one verdict.
func (s *Supervisor) act(ctx context.Context, v Verdict, in RuleInputs) {
	s.logger.Error("Kill rule fired", "rule", v.Rule, "action", v.Action, "reason", v.Reason)
	s.journal.Append(eventlog.KindSupervisorAction, actionRecord{
		Rule: v.Rule, Action: string(v.Action), Symbol: v.Symbol,
		OrderID: v.OrderID, Reason: v.Reason, TS: in.Now,
	})
	if s.metrics.SupervisorActionsTotal != nil {
		s.metrics.SupervisorActionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", v.Rule),
			attribute.String("action", string(v.Action)),
		))
	}

	level := "CRITICAL"
	if v.Action == ActionAlertOnly {
		level = "WARNING"
	}
	s.alerts.Alert(level, "Supervisor: "+v.Rule, v.Reason)

	s.mu.Lock()
	pid := s.tpPID
	s.mu.Unlock()

	switch v.Action {
	case ActionAlertOnly:
		// Already alerted; nothing to execute.
	case ActionCancelOrder:
		if err := s.actuator.CancelOrder(ctx, v.OrderID); err != nil {
			s.logger.Error("Zombie cancel failed", "order", v.OrderID, "error", err)
		}
	case ActionFlattenSymbol:
		for _, pos := range in.Positions {
			if pos.Symbol == v.Symbol {
				if err := s.actuator.FlattenSymbol(ctx, pos); err != nil {
					s.logger.Error("Symbol flatten failed", "symbol", v.Symbol, "error", err)
				}
			}
		}
	case ActionFlattenAll:
		if err := s.actuator.CancelAll(ctx); err != nil {
			s.logger.Error("Cancel sweep failed", "error", err)
		}
		if err := s.actuator.FlattenAll(ctx); err != nil {
			s.logger.Error("Flatten sweep failed", "error", err)
		}
	case ActionFlattenHalt, ActionHardHalt:
		s.actuator.Shutdown(ctx, v.Rule, pid)
	}
}
