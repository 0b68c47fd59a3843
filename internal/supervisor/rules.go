package supervisor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/core"
)

// ActionKind is what a fired rule demands of the actuator.
type ActionKind string

const (
	ActionAlertOnly     ActionKind = "alert_only"
	ActionCancelOrder   ActionKind = "cancel_order"
	ActionFlattenSymbol ActionKind = "flatten_symbol"
	ActionFlattenAll    ActionKind = "flatten_all"
	ActionFlattenHalt   ActionKind = "flatten_halt"
	ActionHardHalt      ActionKind = "hard_halt"
)

// Verdict is one fired rule.
type Verdict struct {
	Rule    string
	Action  ActionKind
	Symbol  string // flatten_symbol
	OrderID string // cancel_order, client order id
	Reason  string
}

// RuleLimits are the kill thresholds. Warning thresholds raise alerts
// without touching the account.
type RuleLimits struct {
	MaxDailyLossPct     decimal.Decimal // e.g. 0.05
	WarnDailyLossPct    decimal.Decimal // e.g. 0.03
	MaxDrawdownPct      decimal.Decimal // e.g. 0.15
	WarnDrawdownPct     decimal.Decimal // e.g. 0.10
	MaxConcentrationPct decimal.Decimal // e.g. 0.25
	ZombieAge           time.Duration
	HeartbeatStale      time.Duration
	FlattenWeekday      time.Weekday
	FlattenTime         string // "15:55" in Location
	Location            *time.Location
}

// RuleInputs is the evidence one evaluation cycle runs on. Equity
// figures come from the supervisor's own tracking, positions from its
// own broker poll, the open-order set and heartbeat from the shared
// state mirror.
type RuleInputs struct {
	Now         time.Time
	Equity      decimal.Decimal
	SODEquity   decimal.Decimal
	PeakEquity  decimal.Decimal
	Positions   []*core.BrokerPosition
	OpenOrders  []*core.Order
	HeartbeatTS time.Time
	HeartbeatOK bool // false until the first heartbeat is ever seen
	HaltActive  bool
}

// Evaluator runs the kill rules. Verdict deduplication lives here:
// a condition that persists across cycles fires once per cooldown, not
// once per cycle.
type Evaluator struct {
	limits    RuleLimits
	cooldown  time.Duration
	lastFired map[string]time.Time
}

// NewEvaluator builds a rule evaluator.
func NewEvaluator(limits RuleLimits) *Evaluator {
	return &Evaluator{
		limits:    limits,
		cooldown:  5 * time.Minute,
		lastFired: make(map[string]time.Time),
	}
}

// Evaluate runs every rule against the inputs and returns the fired
// verdicts. Order matters: the most drastic verdicts come first so the
// actuator escalates instead of doing redundant partial work.
func (e *Evaluator) Evaluate(in RuleInputs) []Verdict {
	var out []Verdict

	add := func(v Verdict) {
		if fired, ok := e.lastFired[v.Rule+v.Symbol+v.OrderID]; ok && in.Now.Sub(fired) < e.cooldown {
			return
		}
		e.lastFired[v.Rule+v.Symbol+v.OrderID] = in.Now
		out = append(out, v)
	}

	if v, fired := e.drawdownRule(in); fired {
		add(v)
	}
	if v, fired := e.dailyLossRule(in); fired {
		add(v)
	}
	if v, fired := e.heartbeatRule(in); fired {
		add(v)
	}
	for _, v := range e.concentrationRules(in) {
		add(v)
	}
	for _, v := range e.zombieRules(in) {
		add(v)
	}
	if v, fired := e.fridayFlattenRule(in); fired {
		add(v)
	}
	return out
}

func (e *Evaluator) dailyLossRule(in RuleInputs) (Verdict, bool) {
	if in.SODEquity.LessThanOrEqual(decimal.Zero) {
		return Verdict{}, false
	}
	pnlPct := in.Equity.Sub(in.SODEquity).Div(in.SODEquity)

	if pnlPct.LessThanOrEqual(e.limits.MaxDailyLossPct.Neg()) {
		return Verdict{
			Rule:   "daily_loss",
			Action: ActionFlattenHalt,
			Reason: fmt.Sprintf("daily pnl %s breached -%s", pnlPct.Round(4), e.limits.MaxDailyLossPct),
		}, true
	}
	if pnlPct.LessThanOrEqual(e.limits.WarnDailyLossPct.Neg()) {
		return Verdict{
			Rule:   "daily_loss_warning",
			Action: ActionAlertOnly,
			Reason: fmt.Sprintf("daily pnl %s past warning -%s", pnlPct.Round(4), e.limits.WarnDailyLossPct),
		}, true
	}
	return Verdict{}, false
}

func (e *Evaluator) drawdownRule(in RuleInputs) (Verdict, bool) {
	if in.PeakEquity.LessThanOrEqual(decimal.Zero) {
		return Verdict{}, false
	}
	dd := in.PeakEquity.Sub(in.Equity).Div(in.PeakEquity)

	if dd.GreaterThanOrEqual(e.limits.MaxDrawdownPct) {
		return Verdict{
			Rule:   "max_drawdown",
			Action: ActionHardHalt,
			Reason: fmt.Sprintf("drawdown %s breached %s", dd.Round(4), e.limits.MaxDrawdownPct),
		}, true
	}
	if dd.GreaterThanOrEqual(e.limits.WarnDrawdownPct) {
		return Verdict{
			Rule:   "drawdown_warning",
			Action: ActionAlertOnly,
			Reason: fmt.Sprintf("drawdown %s past warning %s", dd.Round(4), e.limits.WarnDrawdownPct),
		}, true
	}
	return Verdict{}, false
}

func (e *Evaluator) concentrationRules(in RuleInputs) []Verdict {
	if in.Equity.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	var out []Verdict
	for _, pos := range in.Positions {
		if pos.Qty.IsZero() {
			continue
		}
		exposure := pos.Qty.Mul(pos.AvgEntryPrice).Abs()
		pct := exposure.Div(in.Equity)
		if pct.GreaterThan(e.limits.MaxConcentrationPct) {
			out = append(out, Verdict{
				Rule:   "concentration",
				Action: ActionFlattenSymbol,
				Symbol: pos.Symbol,
				Reason: fmt.Sprintf("%s is %s of equity, cap %s", pos.Symbol, pct.Round(4), e.limits.MaxConcentrationPct),
			})
		}
	}
	return out
}

func (e *Evaluator) zombieRules(in RuleInputs) []Verdict {
	var out []Verdict
	for _, o := range in.OpenOrders {
		if o.State != core.StateSubmitted && o.State != core.StateCancelling {
			continue
		}
		age := in.Now.Sub(o.UpdatedAt)
		if age <= e.limits.ZombieAge {
			continue
		}
		out = append(out, Verdict{
			Rule:    "zombie_order",
			Action:  ActionCancelOrder,
			Symbol:  o.Symbol,
			OrderID: o.ClientOrderID,
			Reason:  fmt.Sprintf("order %s in %s for %s", o.ClientOrderID, o.State, age.Round(time.Second)),
		})
	}
	return out
}

func (e *Evaluator) heartbeatRule(in RuleInputs) (Verdict, bool) {
	if !in.HeartbeatOK {
		return Verdict{}, false
	}
	age := in.Now.Sub(in.HeartbeatTS)
	if age <= e.limits.HeartbeatStale {
		return Verdict{}, false
	}
	return Verdict{
		Rule:   "heartbeat_stale",
		Action: ActionFlattenHalt,
		Reason: fmt.Sprintf("trading heartbeat %s old, limit %s", age.Round(time.Second), e.limits.HeartbeatStale),
	}, true
}

// fridayFlattenRule closes the book before the weekend. The window is
// flatten-time to session close so a supervisor restart inside the
// window still fires; the cooldown stops per-cycle refires.
func (e *Evaluator) fridayFlattenRule(in RuleInputs) (Verdict, bool) {
	local := in.Now.In(e.limits.Location)
	if local.Weekday() != e.limits.FlattenWeekday {
		return Verdict{}, false
	}

	start, err := time.ParseInLocation("2006-01-02 15:04",
		local.Format("2006-01-02")+" "+e.limits.FlattenTime, e.limits.Location)
	if err != nil {
		return Verdict{}, false
	}
	sessionClose := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, e.limits.Location)

	if local.Before(start) || !local.Before(sessionClose) {
		return Verdict{}, false
	}

	// Nothing to flatten, nothing to fire.
	hasExposure := len(in.OpenOrders) > 0
	for _, pos := range in.Positions {
		if !pos.Qty.IsZero() {
			hasExposure = true
		}
	}
	if !hasExposure {
		return Verdict{}, false
	}

	return Verdict{
		Rule:   "weekend_flatten",
		Action: ActionFlattenAll,
		Reason: fmt.Sprintf("weekly flatten window open since %s", e.limits.FlattenTime),
	}, true
}
