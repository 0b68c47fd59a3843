package brokersim

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/core"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPlaceFillsAtReferencePlusCosts(t *testing.T) {
	sim := NewSim()
	sim.SetPrice("AAPL", d("100"))

	o, err := sim.Place("pt-1", "AAPL", core.SideBuy, d("10"), decimal.Zero)
	require.NoError(t, err)

	assert.Equal(t, "filled", o.Status)
	assert.True(t, o.FilledQty.Equal(d("10")))
	// 100 * (1 + 10bps)
	assert.True(t, o.AvgFillPrice.Equal(d("100.1")), "got %s", o.AvgFillPrice)
	assert.True(t, sim.Cash().Equal(d("100000").Sub(d("1001"))), "got %s", sim.Cash())
}

func TestPlaceIsIdempotentOnClientOrderID(t *testing.T) {
	sim := NewSim()
	sim.SetPrice("AAPL", d("100"))

	first, err := sim.Place("pt-1", "AAPL", core.SideBuy, d("10"), decimal.Zero)
	require.NoError(t, err)

	events, cancel := sim.Subscribe(headSeq(sim))
	defer cancel()

	replay, err := sim.Place("pt-1", "AAPL", core.SideBuy, d("10"), decimal.Zero)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, replay.OrderID)
	assert.True(t, replay.FilledQty.Equal(d("10")))
	select {
	case ev := <-events:
		t.Fatalf("replayed placement emitted event %+v", ev)
	default:
	}

	pos := sim.Positions()
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Qty.Equal(d("10")), "replay must not double the position")
}

// headSeq returns the current head of the stream so a subscriber
// starts strictly after everything already emitted.
func headSeq(s *Sim) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func TestPartialFillPlan(t *testing.T) {
	sim := NewSim()
	sim.SetPartialPlan("pt-1", []decimal.Decimal{d("3"), d("7")})
	sim.SetPrice("AAPL", d("100"))

	o, err := sim.Place("pt-1", "AAPL", core.SideBuy, d("10"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "partially_filled", o.Status)
	assert.True(t, o.FilledQty.Equal(d("3")))

	// Next price tick fills the remainder of the plan.
	sim.SetPrice("AAPL", d("100"))
	got, ok := sim.GetByClientID("pt-1")
	require.True(t, ok)
	assert.Equal(t, "filled", got.Status)
	assert.True(t, got.FilledQty.Equal(d("10")))
}

func TestLimitOrderWaitsForCross(t *testing.T) {
	sim := NewSim()
	sim.SetPrice("AAPL", d("105"))

	o, err := sim.Place("pt-1", "AAPL", core.SideBuy, d("5"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, "new", o.Status)

	sim.SetPrice("AAPL", d("99"))
	got, _ := sim.GetByClientID("pt-1")
	assert.Equal(t, "filled", got.Status)
}

func TestRejectSymbol(t *testing.T) {
	sim := NewSim()
	sim.RejectSymbol("HALTED", "symbol halted")
	sim.SetPrice("HALTED", d("10"))

	o, err := sim.Place("pt-1", "HALTED", core.SideBuy, d("1"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "rejected", o.Status)
	assert.Equal(t, "symbol halted", o.Reason)
	assert.Empty(t, sim.OpenOrders())
}

func TestCancelOpenOrder(t *testing.T) {
	sim := NewSim()
	// No price yet, order stays working.
	o, err := sim.Place("pt-1", "AAPL", core.SideBuy, d("5"), decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, "new", o.Status)

	cancelled, err := sim.Cancel(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", cancelled.Status)

	// Cancelling a terminal order reports it as-is.
	again, err := sim.Cancel(o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", again.Status)
}

func TestHoldAcksAndRelease(t *testing.T) {
	sim := NewSim()
	sim.SetPrice("AAPL", d("100"))
	sim.HoldAcks(true)

	events, cancel := sim.Subscribe(0)
	defer cancel()

	o, err := sim.Place("pt-1", "AAPL", core.SideBuy, d("2"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "new", o.Status)
	select {
	case ev := <-events:
		t.Fatalf("held order emitted event %+v", ev)
	default:
	}

	// REST still sees the accepted order, which is the UNKNOWN shape.
	got, ok := sim.GetByClientID("pt-1")
	require.True(t, ok)
	assert.Equal(t, "new", got.Status)

	sim.ReleaseHeld()
	ack := <-events
	assert.Equal(t, core.EventAck, ack.Kind)
	fill := <-events
	assert.Equal(t, core.EventFill, fill.Kind)
	assert.True(t, fill.Seq > ack.Seq)
}

func TestSubscribeReplaysRingAfterSince(t *testing.T) {
	sim := NewSim()
	sim.SetPrice("AAPL", d("100"))

	for _, cid := range []string{"pt-1", "pt-2", "pt-3"} {
		_, err := sim.Place(cid, "AAPL", core.SideBuy, d("1"), decimal.Zero)
		require.NoError(t, err)
	}
	// Each placement emits ack+fill: seqs 1..6.

	events, cancel := sim.Subscribe(4)
	defer cancel()

	first := <-events
	assert.Equal(t, uint64(5), first.Seq)
	second := <-events
	assert.Equal(t, uint64(6), second.Seq)
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestSubscribeSinceZeroSkipsHistory(t *testing.T) {
	sim := NewSim()
	sim.SetPrice("AAPL", d("100"))
	_, err := sim.Place("pt-1", "AAPL", core.SideBuy, d("1"), decimal.Zero)
	require.NoError(t, err)

	events, cancel := sim.Subscribe(0)
	defer cancel()

	select {
	case ev := <-events:
		t.Fatalf("fresh session replayed history: %+v", ev)
	default:
	}

	_, err = sim.Place("pt-2", "AAPL", core.SideSell, d("1"), decimal.Zero)
	require.NoError(t, err)
	ev := <-events
	assert.Equal(t, "pt-2", ev.ClientOrderID)
}

func TestPositionRoundTrip(t *testing.T) {
	sim := NewSim()
	sim.SetPrice("AAPL", d("100"))

	_, err := sim.Place("pt-1", "AAPL", core.SideBuy, d("10"), decimal.Zero)
	require.NoError(t, err)
	_, err = sim.Place("pt-2", "AAPL", core.SideSell, d("10"), decimal.Zero)
	require.NoError(t, err)

	assert.Empty(t, sim.Positions(), "flat position must not be reported")
	// Bought at 100.1, sold at 99.9: the spread cost stays with the house.
	assert.True(t, sim.Cash().Equal(d("99998")), "got %s", sim.Cash())
}
