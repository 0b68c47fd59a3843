package supervisor

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"papertrade/internal/core"
	"papertrade/internal/eventlog"
	"papertrade/internal/state"
	apperrors "papertrade/pkg/errors"
	"papertrade/pkg/retry"
)

// Broker is the supervisor's own broker surface. It authenticates with
// the supervisor credentials, never the trading process's session.
type Broker interface {
	core.IBroker
	CancelAll(ctx context.Context) (int, error)
}

// Actuator executes kill-rule verdicts: halt, cancel, flatten,
// terminate. Every broker step retries until its deadline; a watchdog
// that gives up on the first timeout is not a watchdog.
type Actuator struct {
	broker  Broker
	cache   *state.Cache
	journal core.IEventLog
	logger  core.ILogger

	grace  time.Duration
	policy retry.RetryPolicy

	// signal and alive are injectable for tests.
	signal func(pid int, sig syscall.Signal) error
	alive  func(pid int) bool
	clock  func() time.Time
}

// NewActuator builds the actuator. grace is how long a SIGTERM gets
// before the SIGKILL.
func NewActuator(broker Broker, cache *state.Cache, journal core.IEventLog, grace time.Duration, logger core.ILogger) *Actuator {
	return &Actuator{
		broker:  broker,
		cache:   cache,
		journal: journal,
		logger:  logger.WithField("component", "actuator"),
		grace:   grace,
		policy: retry.RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		signal: syscall.Kill,
		alive:  processAlive,
		clock:  time.Now,
	}
}

// SetProcessHooks injects the signal and liveness functions for tests.
func (a *Actuator) SetProcessHooks(signal func(int, syscall.Signal) error, alive func(int) bool) {
	a.signal = signal
	a.alive = alive
}

// SetClock injects a time source for tests.
func (a *Actuator) SetClock(clock func() time.Time) { a.clock = clock }

// Halt raises the shared kill switch. The mirror write is synchronous:
// when Halt returns, the flag is on disk.
func (a *Actuator) Halt(reason string) {
	halt := core.HaltState{Active: true, Reason: reason, SetBy: "supervisor", TS: a.clock()}
	a.cache.SetHalt(halt)
	a.journal.Append(eventlog.KindHalt, halt)
	a.logger.Error("Halt set", "reason", reason)
}

// CancelAll cancels every open order at the broker.
func (a *Actuator) CancelAll(ctx context.Context) error {
	var cancelled int
	err := retry.Do(ctx, a.policy, apperrors.IsRetriable, func() error {
		n, err := a.broker.CancelAll(ctx)
		cancelled = n
		return err
	})
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	a.logger.Warn("Open orders cancelled", "count", cancelled)
	return nil
}

// CancelOrder cancels one order by client order id, looking the broker
// order up first since the supervisor holds no local order state.
func (a *Actuator) CancelOrder(ctx context.Context, clientOrderID string) error {
	return retry.Do(ctx, a.policy, apperrors.IsRetriable, func() error {
		bo, err := a.broker.GetOrderByClientID(ctx, clientOrderID)
		if err != nil {
			return err
		}
		return a.broker.CancelOrder(ctx, bo.OrderID)
	})
}

// FlattenSymbol closes one position with a market order. The client
// order id derives from the position snapshot, so a retried flatten is
// idempotent at the broker.
func (a *Actuator) FlattenSymbol(ctx context.Context, pos *core.BrokerPosition) error {
	if pos.Qty.IsZero() {
		return nil
	}
	side := core.SideSell
	if pos.Qty.Sign() < 0 {
		side = core.SideBuy
	}

	intent := core.Intent{
		StrategyID: "supervisor",
		SignalID:   fmt.Sprintf("flatten-%s", pos.Symbol),
		Symbol:     pos.Symbol,
		Side:       side,
		Qty:        pos.Qty.Abs(),
		Type:       core.OrderTypeMarket,
		DecisionTS: a.clock(),
	}
	order := &core.Order{
		ClientOrderID: core.DeriveClientOrderID(intent),
		StrategyID:    intent.StrategyID,
		SignalID:      intent.SignalID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		Type:          intent.Type,
		State:         core.StateSubmitted,
		CreatedAt:     intent.DecisionTS,
		UpdatedAt:     intent.DecisionTS,
	}

	err := retry.Do(ctx, a.policy, apperrors.IsRetriable, func() error {
		_, err := a.broker.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		return fmt.Errorf("flatten %s: %w", pos.Symbol, err)
	}
	a.logger.Warn("Position flattened", "symbol", pos.Symbol, "qty", pos.Qty, "side", side)
	return nil
}

// FlattenAll closes every position. Failures are collected, not
// short-circuited: a stuck symbol must not protect the rest of the
// book.
func (a *Actuator) FlattenAll(ctx context.Context) error {
	var positions []*core.BrokerPosition
	err := retry.Do(ctx, a.policy, apperrors.IsRetriable, func() error {
		var err error
		positions, err = a.broker.ListPositions(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}

	var firstErr error
	flattened := 0
	for _, pos := range positions {
		if err := a.FlattenSymbol(ctx, pos); err != nil {
			a.logger.Error("Flatten failed", "symbol", pos.Symbol, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		flattened++
	}
	a.logger.Warn("Flatten sweep finished", "flattened", flattened, "total", len(positions))
	return firstErr
}

// Terminate asks the trading process to exit and kills it if it does
// not comply within the grace period.
func (a *Actuator) Terminate(pid int) error {
	if pid <= 0 || !a.alive(pid) {
		return nil
	}

	a.logger.Warn("Sending SIGTERM", "pid", pid)
	if err := a.signal(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sigterm pid %d: %w", pid, err)
	}

	deadline := a.clock().Add(a.grace)
	for a.clock().Before(deadline) {
		if !a.alive(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	a.logger.Error("Grace period expired, sending SIGKILL", "pid", pid)
	if err := a.signal(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill pid %d: %w", pid, err)
	}
	return nil
}

// Shutdown runs the full sequence: halt, cancel, flatten, terminate.
// Each step proceeds even when the previous one errored; the halt flag
// is already up, the rest is cleanup.
func (a *Actuator) Shutdown(ctx context.Context, reason string, pid int) {
	a.Halt(reason)
	if err := a.CancelAll(ctx); err != nil {
		a.logger.Error("Shutdown cancel step failed", "error", err)
	}
	if err := a.FlattenAll(ctx); err != nil {
		a.logger.Error("Shutdown flatten step failed", "error", err)
	}
	if err := a.Terminate(pid); err != nil {
		a.logger.Error("Shutdown terminate step failed", "error", err)
	}
}

// processAlive probes a pid with the null signal.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
