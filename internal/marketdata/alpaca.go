package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"papertrade/internal/core"
)

// Alpaca sources US-equity bars from the Alpaca market data API. Paper
// sessions use it read-only: orders still go to the paper broker, only
// the tape is real.
type Alpaca struct {
	client   *marketdata.Client
	feed     marketdata.Feed
	interval time.Duration
}

// NewAlpaca builds an Alpaca source. An empty feed defaults to IEX,
// the feed available on free keys.
func NewAlpaca(apiKey, apiSecret, baseURL, feed string, interval time.Duration) *Alpaca {
	if feed == "" {
		feed = string(marketdata.IEX)
	}
	return &Alpaca{
		client: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		feed:     marketdata.Feed(feed),
		interval: interval,
	}
}

func (a *Alpaca) Name() string { return "alpaca" }

// GetBars fetches the latest n bars. The start window is padded to
// cover market closures: the API returns at most n bars regardless.
func (a *Alpaca) GetBars(ctx context.Context, symbol string, n int) ([]core.Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	// The v3 SDK manages its own request context.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now().Add(-time.Duration(n) * a.interval * 10)
	if a.interval >= 24*time.Hour {
		start = time.Now().AddDate(0, 0, -n*4)
	}

	raw, err := a.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  a.timeFrame(),
		Start:      start,
		TotalLimit: n,
		Feed:       a.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars for %s: %w", symbol, err)
	}

	bars := make([]core.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, core.Bar{
			Symbol: symbol,
			TS:     b.Timestamp.UTC(),
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: decimal.NewFromInt(int64(b.Volume)),
		})
	}
	return bars, nil
}

func (a *Alpaca) timeFrame() marketdata.TimeFrame {
	switch {
	case a.interval >= 24*time.Hour:
		return marketdata.OneDay
	case a.interval >= time.Hour:
		return marketdata.OneHour
	case a.interval >= time.Minute:
		return marketdata.NewTimeFrame(int(a.interval/time.Minute), marketdata.Min)
	default:
		return marketdata.OneMin
	}
}
