package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/core"
	"papertrade/internal/portfolio"
	"papertrade/internal/state"
	apperrors "papertrade/pkg/errors"
	"papertrade/pkg/logging"
)

type fakeOrders struct {
	open int
}

func (f *fakeOrders) OpenOrders() []*core.Order {
	out := make([]*core.Order, f.open)
	for i := range out {
		out[i] = &core.Order{State: core.StateSubmitted}
	}
	return out
}

func newGateFixture(t *testing.T) (*Gate, *state.Cache, *portfolio.Book, *fakeOrders) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cache := state.NewCache(nil, logger)
	book := portfolio.NewBook(decimal.NewFromInt(100000), logger)
	orders := &fakeOrders{}

	gate := NewGate(cache, book, orders, Limits{
		MaxOpenOrders:    50,
		MaxConcentration: decimal.RequireFromString("0.25"),
		MaxOrderNotional: decimal.NewFromInt(50000),
	}, logger)
	return gate, cache, book, orders
}

func gateIntent(qty string) core.Intent {
	return core.Intent{
		StrategyID: "ema_cross",
		SignalID:   "sig-1",
		Symbol:     "AAPL",
		Side:       core.SideBuy,
		Qty:        decimal.RequireFromString(qty),
		Type:       core.OrderTypeMarket,
		DecisionTS: time.Now(),
	}
}

func TestGateApprovesCleanIntent(t *testing.T) {
	gate, _, book, _ := newGateFixture(t)
	book.Mark("AAPL", decimal.NewFromInt(200))

	assert.NoError(t, gate.Approve(context.Background(), gateIntent("10")))
}

func TestGateRejectsWhenHalted(t *testing.T) {
	gate, cache, book, _ := newGateFixture(t)
	book.Mark("AAPL", decimal.NewFromInt(200))
	cache.SetHalt(core.HaltState{Active: true, Reason: "max_drawdown", TS: time.Now()})

	err := gate.Approve(context.Background(), gateIntent("10"))
	assert.True(t, errors.Is(err, apperrors.ErrHaltRequested))
}

func TestGateRejectsAtOpenOrderCap(t *testing.T) {
	gate, _, book, orders := newGateFixture(t)
	book.Mark("AAPL", decimal.NewFromInt(200))
	orders.open = 50

	err := gate.Approve(context.Background(), gateIntent("10"))
	assert.True(t, errors.Is(err, apperrors.ErrRiskRejected))
}

func TestGateRejectsNotionalCap(t *testing.T) {
	gate, _, book, _ := newGateFixture(t)
	book.Mark("AAPL", decimal.NewFromInt(200))

	// 300 * 200 = 60000 > 50000 cap.
	err := gate.Approve(context.Background(), gateIntent("300"))
	assert.True(t, errors.Is(err, apperrors.ErrRiskRejected))
}

func TestGateRejectsConcentration(t *testing.T) {
	gate, _, book, _ := newGateFixture(t)
	book.Mark("AAPL", decimal.NewFromInt(200))

	// Existing 20000 exposure plus 10000 intent: 30% of 100k equity.
	book.ApplyFill(core.Fill{Symbol: "AAPL", Side: core.SideBuy,
		Qty: decimal.NewFromInt(100), Price: decimal.NewFromInt(200), TS: time.Now()})

	err := gate.Approve(context.Background(), gateIntent("50"))
	assert.True(t, errors.Is(err, apperrors.ErrRiskRejected))
}

func TestGateAllowsReducingIntent(t *testing.T) {
	gate, _, book, _ := newGateFixture(t)
	book.Mark("AAPL", decimal.NewFromInt(200))

	// Long 24% of equity; selling reduces exposure and must pass even
	// though a same-size buy would breach.
	book.ApplyFill(core.Fill{Symbol: "AAPL", Side: core.SideBuy,
		Qty: decimal.NewFromInt(120), Price: decimal.NewFromInt(200), TS: time.Now()})

	sell := gateIntent("120")
	sell.Side = core.SideSell
	assert.NoError(t, gate.Approve(context.Background(), sell))
}

func TestGateRejectsWithoutPriceReference(t *testing.T) {
	gate, _, _, _ := newGateFixture(t)

	err := gate.Approve(context.Background(), gateIntent("10"))
	assert.True(t, errors.Is(err, apperrors.ErrRiskRejected))
}

func TestGateUsesLimitPriceWithoutMark(t *testing.T) {
	gate, _, _, _ := newGateFixture(t)

	intent := gateIntent("10")
	intent.Type = core.OrderTypeLimit
	intent.LimitPrice = decimal.NewFromInt(150)
	assert.NoError(t, gate.Approve(context.Background(), intent))
}
