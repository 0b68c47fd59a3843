package broker

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/broker/brokersim"
	"papertrade/internal/core"
	apperrors "papertrade/pkg/errors"
	"papertrade/pkg/logging"
)

func newTestBroker(t *testing.T) (*Client, *brokersim.Sim) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	sim := brokersim.NewSim()
	srv := httptest.NewServer(brokersim.NewServer(sim, logger).Handler())
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, 2*time.Second, "test-key", "test-secret", logger)
	return client, sim
}

func testOrder(cid string) *core.Order {
	return &core.Order{
		ClientOrderID: cid,
		Symbol:        "AAPL",
		Side:          core.SideBuy,
		Qty:           decimal.NewFromInt(10),
		Type:          core.OrderTypeMarket,
		State:         core.StatePending,
	}
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	client, sim := newTestBroker(t)
	sim.SetPrice("AAPL", decimal.NewFromInt(100))

	got, err := client.PlaceOrder(context.Background(), testOrder("pt-abc"))
	require.NoError(t, err)

	assert.Equal(t, "pt-abc", got.ClientOrderID)
	assert.NotEmpty(t, got.OrderID)
	assert.Equal(t, "filled", got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.AvgFillPrice.Equal(decimal.RequireFromString("100.1")))
}

func TestPlaceOrderReplayReturnsSameOrder(t *testing.T) {
	client, sim := newTestBroker(t)
	sim.SetPrice("AAPL", decimal.NewFromInt(100))

	first, err := client.PlaceOrder(context.Background(), testOrder("pt-abc"))
	require.NoError(t, err)
	replay, err := client.PlaceOrder(context.Background(), testOrder("pt-abc"))
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, replay.OrderID)

	positions, err := client.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Qty.Equal(decimal.NewFromInt(10)), "replay must not double the position")
}

func TestPlaceLimitOrder(t *testing.T) {
	client, sim := newTestBroker(t)
	sim.SetPrice("AAPL", decimal.NewFromInt(105))

	order := testOrder("pt-lim")
	order.Type = core.OrderTypeLimit
	order.LimitPrice = decimal.NewFromInt(100)

	got, err := client.PlaceOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Status)

	open, err := client.ListOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "pt-lim", open[0].ClientOrderID)
}

func TestGetOrderByClientIDNotFound(t *testing.T) {
	client, _ := newTestBroker(t)

	_, err := client.GetOrderByClientID(context.Background(), "pt-never-seen")
	assert.True(t, errors.Is(err, apperrors.ErrOrderNotFound), "got %v", err)
}

func TestGetOrderByClientIDFound(t *testing.T) {
	client, sim := newTestBroker(t)
	sim.SetPrice("AAPL", decimal.NewFromInt(100))

	_, err := client.PlaceOrder(context.Background(), testOrder("pt-abc"))
	require.NoError(t, err)

	got, err := client.GetOrderByClientID(context.Background(), "pt-abc")
	require.NoError(t, err)
	assert.Equal(t, "filled", got.Status)
}

func TestCancelOrder(t *testing.T) {
	client, _ := newTestBroker(t)

	// No reference price: the order stays working and is cancellable.
	placed, err := client.PlaceOrder(context.Background(), testOrder("pt-abc"))
	require.NoError(t, err)
	require.Equal(t, "new", placed.Status)

	require.NoError(t, client.CancelOrder(context.Background(), placed.OrderID))

	got, err := client.GetOrderByClientID(context.Background(), "pt-abc")
	require.NoError(t, err)
	assert.Equal(t, "canceled", got.Status)
}

func TestCancelAll(t *testing.T) {
	client, _ := newTestBroker(t)

	for _, cid := range []string{"pt-1", "pt-2", "pt-3"} {
		_, err := client.PlaceOrder(context.Background(), testOrder(cid))
		require.NoError(t, err)
	}

	cancelled, err := client.CancelAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled)

	open, err := client.ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}
