package state

// Cache keys. The durable prefixes below survive restarts via the
// mirror; everything else is rebuilt from broker truth on startup.
const (
	KeyHalt                = "halt"
	KeyHeartbeatTrading    = "heartbeat:trading"
	KeyHeartbeatSupervisor = "heartbeat:supervisor"
	KeyPositions           = "positions"
	KeyOpenOrders          = "orders:open"
	KeyEquity              = "equity"
	KeyRegime              = "regime"
	KeyHealthTrading       = "health:trading"
	KeyHealthSupervisor    = "health:supervisor"
)

// KeyMarket names the per-symbol latest-bar key. Market data is
// rebuilt from the feed on startup, so these keys are not durable.
func KeyMarket(symbol string) string { return "market:" + symbol }

// durablePrefixes selects which keys are written through to the
// mirror. The halt flag and heartbeats must cross the process
// boundary; equity and positions let the supervisor act on the last
// known account state even when the trading process is gone; the
// open-order set is what the zombie rule reads and what crash
// recovery reloads.
var durablePrefixes = []string{
	"halt",
	"heartbeat:",
	"equity",
	"positions",
	"orders:open",
}
