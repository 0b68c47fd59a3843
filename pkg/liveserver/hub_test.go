package liveserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSeqIsMonotonicAcrossFrameTypes(t *testing.T) {
	c := NewClient("c1")

	require.True(t, c.Send(Envelope{Type: TypeHandshake, TS: time.Now()}))
	require.True(t, c.Send(Envelope{Type: TypeSnapshot, TS: time.Now()}))
	require.True(t, c.Send(Envelope{Type: TypeData, Channel: ChannelEquity, TS: time.Now()}))

	var seqs []uint64
	for i := 0; i < 3; i++ {
		env := <-c.Frames()
		seqs = append(seqs, env.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestClientSendFailsWhenBufferFull(t *testing.T) {
	c := NewClient("c1")

	for i := 0; i < clientBufferSize; i++ {
		require.True(t, c.Send(Envelope{Type: TypeData}))
	}
	assert.False(t, c.Send(Envelope{Type: TypeData}), "full buffer must fail, not block")
}

func TestClientSendAfterCloseFails(t *testing.T) {
	c := NewClient("c1")
	c.Close()
	assert.False(t, c.Send(Envelope{Type: TypeData}))
}

func TestClientSubscribeReplacesSet(t *testing.T) {
	c := NewClient("c1")

	c.Subscribe([]string{ChannelEquity, ChannelOrders})
	assert.True(t, c.Subscribed(ChannelEquity))
	assert.True(t, c.Subscribed(ChannelOrders))

	c.Subscribe([]string{ChannelRegime})
	assert.False(t, c.Subscribed(ChannelEquity))
	assert.True(t, c.Subscribed(ChannelRegime))
}

func TestHubFansOutToSubscribersOnly(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	equityClient := NewClient("equity-watcher")
	equityClient.Subscribe([]string{ChannelEquity})
	ordersClient := NewClient("orders-watcher")
	ordersClient.Subscribe([]string{ChannelOrders})

	hub.Register(equityClient)
	hub.Register(ordersClient)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	hub.Publish(ChannelEquity, time.Now(), map[string]string{"equity": "100000"})
	hub.Publish(ChannelEquity, time.Now(), map[string]string{"equity": "100100"})

	for i := 0; i < 2; i++ {
		select {
		case env := <-equityClient.Frames():
			assert.Equal(t, TypeData, env.Type)
			assert.Equal(t, ChannelEquity, env.Channel)
		case <-time.After(time.Second):
			t.Fatal("equity subscriber did not receive update")
		}
	}

	select {
	case env := <-ordersClient.Frames():
		t.Fatalf("orders subscriber received %s frame for %q", env.Type, env.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubEvictsSlowClient(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := NewClient("slow")
	slow.Subscribe([]string{ChannelEquity})
	hub.Register(slow)

	fast := NewClient("fast")
	fast.Subscribe([]string{ChannelEquity})
	hub.Register(fast)

	received := make(chan struct{})
	go func() {
		defer close(received)
		for range fast.Frames() {
		}
	}()

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	// Nobody drains the slow client; once its buffer overflows the hub
	// drops it. The evicted client resyncs on reconnect.
	for i := 0; i < clientBufferSize+10; i++ {
		hub.Publish(ChannelEquity, time.Now(), i)
	}

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond, "slow client should be evicted")

	// The drained client is unaffected by its neighbor's eviction.
	hub.Publish(ChannelEquity, time.Now(), "after-eviction")
	assert.False(t, slowClientRegistered(hub, slow))
	cancel()
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("fast client frames channel never closed on shutdown")
	}
}

func slowClientRegistered(h *Hub, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[c]
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	c := NewClient("c1")
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestHubPublishNeverBlocksProducer(t *testing.T) {
	hub := NewHub(nil)
	// Hub not running: the broadcast queue fills and further publishes
	// must drop instead of blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 2048; i++ {
			hub.Publish(ChannelEquity, time.Now(), i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full broadcast queue")
	}
}
