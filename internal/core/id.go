package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// clientOrderIDPrefix namespaces our orders on the broker so manual
// test orders never collide with engine ones.
const clientOrderIDPrefix = "pt-"

// DeriveClientOrderID maps an intent to its client order id. The
// derivation is a pure function of the intent: the same signal on the
// same symbol always yields the same id, across retries and across
// process restarts. The decision timestamp is bucketed to the second
// so clock jitter inside a cycle cannot split one intent into two ids.
func DeriveClientOrderID(intent Intent) string {
	bucket := intent.DecisionTS.UTC().Truncate(time.Second).Unix()
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		intent.StrategyID,
		intent.SignalID,
		intent.Symbol,
		intent.Side,
		intent.Qty.String(),
		bucket,
	)
	return clientOrderIDPrefix + hex.EncodeToString(h.Sum(nil))[:24]
}

// DeriveSignalID names a signal by its origin bar. One bar produces at
// most one signal per strategy and symbol, so the id doubles as a
// dedupe key for replayed bars.
func DeriveSignalID(strategyID, symbol string, barTS time.Time) string {
	return fmt.Sprintf("%s-%s-%d", strategyID, symbol, barTS.UTC().Unix())
}
