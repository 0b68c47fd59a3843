package liveserver

import (
	"context"
	"sync"
	"time"
)

// clientBufferSize is the per-connection send buffer. A client that
// falls this far behind is evicted and must reconnect and resync.
const clientBufferSize = 256

// Client is one observer connection. The sequence counter lives here:
// seq is assigned at enqueue time under the client lock, so every
// frame a client receives carries a strictly increasing seq no matter
// which goroutine produced it.
type Client struct {
	id   string
	send chan Envelope

	mu     sync.Mutex
	closed bool
	seq    uint64
	subs   map[string]bool
}

// NewClient creates a client with an empty subscription set.
func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Envelope, clientBufferSize),
		subs: make(map[string]bool),
	}
}

// Send stamps the frame with the next seq and enqueues it. Returns
// false when the client is closed or its buffer is full.
func (c *Client) Send(env Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.seq++
	env.Seq = c.seq

	select {
	case c.send <- env:
		return true
	default:
		// Buffer full: the seq was consumed, but the client is about
		// to be evicted anyway.
		return false
	}
}

// Subscribe replaces the client's subscription set.
func (c *Client) Subscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = make(map[string]bool, len(channels))
	for _, ch := range channels {
		c.subs[ch] = true
	}
}

// Subscribed reports whether the client wants the channel.
func (c *Client) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[channel]
}

// Subscriptions returns a copy of the subscription set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	return out
}

// Frames returns the outbound channel for the write pump.
func (c *Client) Frames() <-chan Envelope {
	return c.send
}

// Close closes the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// update is one channel publication waiting for fan-out.
type update struct {
	channel string
	ts      time.Time
	payload interface{}
}

// Logger is the minimal logging surface the server needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// Hub fans channel updates out to subscribed clients and evicts the
// slow ones.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan update
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger Logger
}

// NewHub creates a hub.
func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan update, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run is the hub's main loop. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("Observer registered", "client_id", client.id, "total_clients", total)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("Observer unregistered", "client_id", client.id, "total_clients", total)
			}

		case up := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.Subscribed(up.channel) {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				ok := client.Send(Envelope{
					Type:    TypeData,
					TS:      up.ts,
					Channel: up.channel,
					Payload: up.payload,
				})
				if !ok {
					// Slow client: evict inline, it will resync on
					// reconnect. Going through the unregister channel
					// would deadlock: this goroutine is its only reader.
					h.mu.Lock()
					if _, registered := h.clients[client]; registered {
						delete(h.clients, client)
						client.Close()
					}
					h.mu.Unlock()
					if h.logger != nil {
						h.logger.Warn("Evicted slow observer", "client_id", client.id, "channel", up.channel)
					}
				}
			}
		}
	}
}

// Register adds a client to the fan-out set.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Publish queues one channel update for fan-out. Never blocks the
// producer: under pressure the update is dropped, observers are a
// read-only surface.
func (h *Hub) Publish(channel string, ts time.Time, payload interface{}) {
	select {
	case h.broadcast <- update{channel: channel, ts: ts, payload: payload}:
	default:
		if h.logger != nil {
			h.logger.Warn("Broadcast queue full, dropping update", "channel", channel)
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
