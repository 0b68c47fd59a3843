package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCanTransitionLegalEdges walks every edge of the lifecycle graph
func TestCanTransitionLegalEdges(t *testing.T) {
	legal := []struct {
		from OrderState
		to   OrderState
	}{
		{StatePending, StateSubmitted},
		{StatePending, StateRejected},
		{StatePending, StateFailed},
		{StateSubmitted, StatePartialFill},
		{StateSubmitted, StateFilled},
		{StateSubmitted, StateCancelling},
		{StateSubmitted, StateRejected},
		{StateSubmitted, StateUnknown},
		{StateSubmitted, StateFailed},
		{StatePartialFill, StatePartialFill},
		{StatePartialFill, StateFilled},
		{StatePartialFill, StateCancelling},
		{StatePartialFill, StateUnknown},
		{StateCancelling, StateCancelled},
		{StateCancelling, StateFilled},
		{StateCancelling, StatePartialFill},
		{StateCancelling, StateUnknown},
		{StateUnknown, StateSubmitted},
		{StateUnknown, StateFilled},
		{StateUnknown, StateCancelled},
		{StateUnknown, StateRejected},
		{StateUnknown, StateFailed},
	}

	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}
}

// TestCanTransitionIllegalEdges verifies terminal states are absorbing
// and skips are rejected
func TestCanTransitionIllegalEdges(t *testing.T) {
	illegal := []struct {
		from OrderState
		to   OrderState
	}{
		{StateFilled, StateSubmitted},
		{StateFilled, StateCancelled},
		{StateCancelled, StateSubmitted},
		{StateRejected, StateSubmitted},
		{StateFailed, StatePending},
		{StatePending, StateFilled},
		{StatePending, StateCancelling},
		{StatePending, StateUnknown},
		{StateCancelling, StateRejected},
	}

	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

// TestTerminalStates verifies the terminal set
func TestTerminalStates(t *testing.T) {
	assert.True(t, StateFilled.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateRejected.Terminal())
	assert.True(t, StateFailed.Terminal())

	assert.False(t, StatePending.Terminal())
	assert.False(t, StateSubmitted.Terminal())
	assert.False(t, StatePartialFill.Terminal())
	assert.False(t, StateCancelling.Terminal())
	assert.False(t, StateUnknown.Terminal())
}

// TestOrderRemaining verifies remaining quantity never goes negative
func TestOrderRemaining(t *testing.T) {
	o := &Order{Qty: decimal.NewFromInt(10), FilledQty: decimal.NewFromInt(4)}
	assert.True(t, o.Remaining().Equal(decimal.NewFromInt(6)))

	o.FilledQty = decimal.NewFromInt(12)
	assert.True(t, o.Remaining().IsZero())
}

// TestDeriveClientOrderIDDeterministic verifies the same intent always
// maps to the same id, including across sub-second clock jitter
func TestDeriveClientOrderIDDeterministic(t *testing.T) {
	base := time.Date(2025, 3, 14, 15, 30, 0, 0, time.UTC)
	intent := Intent{
		StrategyID: "ema_cross",
		SignalID:   "ema_cross-AAPL-1741966200",
		Symbol:     "AAPL",
		Side:       SideBuy,
		Qty:        decimal.NewFromInt(10),
		DecisionTS: base,
	}

	id1 := DeriveClientOrderID(intent)

	// Same intent decided 400ms later within the same second bucket.
	intent.DecisionTS = base.Add(400 * time.Millisecond)
	id2 := DeriveClientOrderID(intent)

	require.Equal(t, id1, id2)
	assert.Contains(t, id1, "pt-")
	assert.Len(t, id1, len("pt-")+24)
}

// TestDeriveClientOrderIDDistinct verifies distinct intents do not collide
func TestDeriveClientOrderIDDistinct(t *testing.T) {
	base := time.Date(2025, 3, 14, 15, 30, 0, 0, time.UTC)
	a := Intent{StrategyID: "ema_cross", SignalID: "s1", Symbol: "AAPL", Side: SideBuy, Qty: decimal.NewFromInt(10), DecisionTS: base}
	b := a
	b.Side = SideSell
	c := a
	c.Qty = decimal.NewFromInt(11)
	d := a
	d.DecisionTS = base.Add(2 * time.Second)

	ids := map[string]bool{
		DeriveClientOrderID(a): true,
		DeriveClientOrderID(b): true,
		DeriveClientOrderID(c): true,
		DeriveClientOrderID(d): true,
	}
	assert.Len(t, ids, 4)
}
