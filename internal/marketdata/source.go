// Package marketdata feeds bars into the trading process. A Source
// produces bars for one symbol; the Ingestor fans fetches out across
// the symbol tiers, journals every bar, marks the portfolio book and
// hands focus-tier bars to the decision loop.
package marketdata

import (
	"context"

	"papertrade/internal/core"
)

// Source is a bar provider. GetBars returns up to n bars for the
// symbol, oldest first, at the source's configured interval.
type Source interface {
	Name() string
	GetBars(ctx context.Context, symbol string, n int) ([]core.Bar, error)
}
