package liveserver

import "time"

// Frame types. The server speaks HANDSHAKE, SNAPSHOT and DATA; clients
// speak SUBSCRIBE and RESYNC. There is no per-message replay: a client
// that lost frames resyncs to a fresh snapshot.
const (
	TypeHandshake = "HANDSHAKE"
	TypeSubscribe = "SUBSCRIBE"
	TypeSnapshot  = "SNAPSHOT"
	TypeData      = "DATA"
	TypeResync    = "RESYNC"
)

// Broadcast channels.
const (
	ChannelPositions = "positions"
	ChannelOrders    = "orders"
	ChannelEquity    = "equity"
	ChannelRegime    = "regime"
	ChannelHealth    = "health"
)

// ChannelMarket names the per-symbol market data channel.
func ChannelMarket(symbol string) string { return "market:" + symbol }

// Envelope is every server-to-client frame. Seq is per connection,
// assigned at enqueue, strictly increasing across frame types.
type Envelope struct {
	Type    string      `json:"type"`
	Seq     uint64      `json:"seq"`
	TS      time.Time   `json:"ts"`
	Channel string      `json:"channel,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handshake is the payload of the first frame on every connection.
type Handshake struct {
	SessionID  string    `json:"session_id"`
	ServerTime time.Time `json:"server_time"`
}

// ClientFrame is anything a client may send.
type ClientFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	LastSeq  uint64   `json:"last_seq,omitempty"`
}
