package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/core"
	apperrors "papertrade/pkg/errors"
)

// Loader is the research read path. It refuses to serve universe-tier
// bars into a backtest window: coarse screening data mixed into a fine
// window silently distorts results, so the caller gets an error and a
// choice, never a quiet blend.
type Loader struct {
	store *Store
}

// NewLoader wraps a store for research queries.
func NewLoader(store *Store) *Loader {
	return &Loader{store: store}
}

// LoadBars returns the bars for symbol in [from, to). If any row in
// the window carries the universe tier the whole load is rejected.
func (l *Loader) LoadBars(ctx context.Context, symbol string, from, to time.Time) ([]core.Bar, error) {
	var universeCount int
	err := l.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bars
		WHERE symbol = ? AND ts >= ? AND ts < ? AND tier = ?`,
		symbol, from.UTC().UnixNano(), to.UTC().UnixNano(), string(core.TierUniverse),
	).Scan(&universeCount)
	if err != nil {
		return nil, err
	}
	if universeCount > 0 {
		return nil, fmt.Errorf("%w: %d universe bars for %s in [%s, %s)",
			apperrors.ErrTierRejected, universeCount, symbol,
			from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	}

	rows, err := l.store.db.QueryContext(ctx, `
		SELECT symbol, ts, open, high, low, close, volume, tier
		FROM bars
		WHERE symbol = ? AND ts >= ? AND ts < ?
		ORDER BY ts`,
		symbol, from.UTC().UnixNano(), to.UTC().UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Bar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bar)
	}
	return out, rows.Err()
}

// LoadPerformance returns equity snapshots in [from, to) ascending.
func (l *Loader) LoadPerformance(ctx context.Context, from, to time.Time) ([]core.EquitySnapshot, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT ts, equity, cash, positions_value, daily_pnl_pct, drawdown_pct, open_positions
		FROM performance
		WHERE ts >= ? AND ts < ?
		ORDER BY ts`,
		from.UTC().UnixNano(), to.UTC().UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.EquitySnapshot
	for rows.Next() {
		var e core.EquitySnapshot
		var tsNano int64
		var equity, cash, posValue, dailyPct, ddPct string
		if err := rows.Scan(&tsNano, &equity, &cash, &posValue, &dailyPct, &ddPct, &e.OpenPositions); err != nil {
			return nil, err
		}
		e.TS = time.Unix(0, tsNano).UTC()
		if e.Equity, err = decimal.NewFromString(equity); err != nil {
			return nil, err
		}
		if e.Cash, err = decimal.NewFromString(cash); err != nil {
			return nil, err
		}
		if e.PositionsValue, err = decimal.NewFromString(posValue); err != nil {
			return nil, err
		}
		if e.DailyPnLPct, err = decimal.NewFromString(dailyPct); err != nil {
			return nil, err
		}
		if e.DrawdownPct, err = decimal.NewFromString(ddPct); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanBar(rows *sql.Rows) (core.Bar, error) {
	var bar core.Bar
	var tsNano int64
	var open, high, low, closeS, volume, tier string

	err := rows.Scan(&bar.Symbol, &tsNano, &open, &high, &low, &closeS, &volume, &tier)
	if err != nil {
		return bar, err
	}

	bar.TS = time.Unix(0, tsNano).UTC()
	bar.Tier = core.BarTier(tier)
	if bar.Open, err = decimal.NewFromString(open); err != nil {
		return bar, err
	}
	if bar.High, err = decimal.NewFromString(high); err != nil {
		return bar, err
	}
	if bar.Low, err = decimal.NewFromString(low); err != nil {
		return bar, err
	}
	if bar.Close, err = decimal.NewFromString(closeS); err != nil {
		return bar, err
	}
	if bar.Volume, err = decimal.NewFromString(volume); err != nil {
		return bar, err
	}
	return bar, nil
}
