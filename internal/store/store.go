// Package store implements the analytics database: bars, orders,
// fills, positions and performance snapshots in SQLite, fed by an
// idempotent ETL over the event log. Live trading never reads from
// here; this is the research and audit surface.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"papertrade/internal/core"
)

// Store wraps the analytics database. Decimal columns are stored as
// TEXT to keep exact values; timestamps as UTC nanoseconds.
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol  TEXT    NOT NULL,
	ts      INTEGER NOT NULL,
	open    TEXT    NOT NULL,
	high    TEXT    NOT NULL,
	low     TEXT    NOT NULL,
	close   TEXT    NOT NULL,
	volume  TEXT    NOT NULL,
	tier    TEXT    NOT NULL,
	PRIMARY KEY (symbol, ts)
);

CREATE TABLE IF NOT EXISTS orders (
	client_order_id TEXT PRIMARY KEY,
	broker_order_id TEXT,
	strategy_id     TEXT NOT NULL,
	signal_id       TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	type            TEXT NOT NULL,
	limit_price     TEXT,
	state           TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL,
	attempts        INTEGER NOT NULL,
	reason          TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	client_order_id TEXT    NOT NULL,
	symbol          TEXT    NOT NULL,
	side            TEXT    NOT NULL,
	qty             TEXT    NOT NULL,
	price           TEXT    NOT NULL,
	fees            TEXT    NOT NULL,
	ts              INTEGER NOT NULL,
	PRIMARY KEY (client_order_id, ts, qty, price)
);

CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	qty             TEXT    NOT NULL,
	avg_entry_price TEXT    NOT NULL,
	realized_pnl    TEXT    NOT NULL,
	unrealized_pnl  TEXT    NOT NULL,
	version         INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS performance (
	ts              INTEGER PRIMARY KEY,
	equity          TEXT    NOT NULL,
	cash            TEXT    NOT NULL,
	positions_value TEXT    NOT NULL,
	daily_pnl_pct   TEXT    NOT NULL,
	drawdown_pct    TEXT    NOT NULL,
	open_positions  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS etl_cursor (
	prefix  TEXT PRIMARY KEY,
	day     TEXT    NOT NULL,
	line_no INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bars_ts ON bars (ts);
CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills (symbol, ts);
CREATE INDEX IF NOT EXISTS idx_orders_state ON orders (state);
`

// NewStore opens or creates the analytics database.
func NewStore(path string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create analytics schema: %w", err)
	}

	return &Store{db: db, logger: logger.WithField("component", "store")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertBar writes one bar, replacing any previous row for the same
// (symbol, ts). Replaying the same journal is a no-op.
func (s *Store) UpsertBar(ctx context.Context, bar core.Bar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, ts, open, high, low, close, volume, tier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bar.Symbol, bar.TS.UTC().UnixNano(),
		bar.Open.String(), bar.High.String(), bar.Low.String(), bar.Close.String(),
		bar.Volume.String(), string(bar.Tier),
	)
	return err
}

// UpsertOrder writes the latest view of an order.
func (s *Store) UpsertOrder(ctx context.Context, o core.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders
		(client_order_id, broker_order_id, strategy_id, signal_id, symbol, side,
		 qty, type, limit_price, state, filled_qty, avg_fill_price, attempts, reason,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID, o.BrokerOrderID, o.StrategyID, o.SignalID, o.Symbol, string(o.Side),
		o.Qty.String(), string(o.Type), o.LimitPrice.String(), string(o.State),
		o.FilledQty.String(), o.AvgFillPrice.String(), o.Attempts, o.Reason,
		o.CreatedAt.UTC().UnixNano(), o.UpdatedAt.UTC().UnixNano(),
	)
	return err
}

// InsertFill writes one fill. The composite key makes replays
// idempotent: the same fill inserted twice is ignored.
func (s *Store) InsertFill(ctx context.Context, f core.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (client_order_id, symbol, side, qty, price, fees, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ClientOrderID, f.Symbol, string(f.Side), f.Qty.String(), f.Price.String(),
		f.Fees.String(), f.TS.UTC().UnixNano(),
	)
	return err
}

// UpsertPosition writes the reconciled position for a symbol.
func (s *Store) UpsertPosition(ctx context.Context, p core.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions (symbol, qty, avg_entry_price, realized_pnl, unrealized_pnl, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Symbol, p.Qty.String(), p.AvgEntryPrice.String(), p.RealizedPnL.String(),
		p.UnrealizedPnL.String(), p.Version, p.UpdatedAt.UTC().UnixNano(),
	)
	return err
}

// UpsertPerformance writes one equity snapshot keyed by timestamp.
func (s *Store) UpsertPerformance(ctx context.Context, e core.EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO performance (ts, equity, cash, positions_value, daily_pnl_pct, drawdown_pct, open_positions)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TS.UTC().UnixNano(), e.Equity.String(), e.Cash.String(), e.PositionsValue.String(),
		e.DailyPnLPct.String(), e.DrawdownPct.String(), e.OpenPositions,
	)
	return err
}

// GetCursor returns the ETL resume point for a journal prefix.
func (s *Store) GetCursor(ctx context.Context, prefix string) (day string, lineNo int, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT day, line_no FROM etl_cursor WHERE prefix = ?`, prefix)
	if err := row.Scan(&day, &lineNo); err != nil {
		if err == sql.ErrNoRows {
			return "", 0, nil
		}
		return "", 0, err
	}
	return day, lineNo, nil
}

// SetCursor records how far the ETL has consumed a journal prefix.
func (s *Store) SetCursor(ctx context.Context, prefix, day string, lineNo int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO etl_cursor (prefix, day, line_no) VALUES (?, ?, ?)`,
		prefix, day, lineNo,
	)
	return err
}

// CountBars is a small helper for tests and the dashboard.
func (s *Store) CountBars(ctx context.Context, symbol string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}

// OrdersByState returns orders currently in the given state.
func (s *Store) OrdersByState(ctx context.Context, state core.OrderState) ([]core.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_order_id, broker_order_id, strategy_id, signal_id, symbol, side,
		       qty, type, limit_price, state, filled_qty, avg_fill_price, attempts, reason,
		       created_at, updated_at
		FROM orders WHERE state = ? ORDER BY created_at`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FillsForOrder returns the fills recorded against a client order id.
func (s *Store) FillsForOrder(ctx context.Context, clientOrderID string) ([]core.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_order_id, symbol, side, qty, price, fees, ts
		FROM fills WHERE client_order_id = ? ORDER BY ts`, clientOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Fill
	for rows.Next() {
		var f core.Fill
		var side, qty, price, fees string
		var tsNano int64
		if err := rows.Scan(&f.ClientOrderID, &f.Symbol, &side, &qty, &price, &fees, &tsNano); err != nil {
			return nil, err
		}
		f.Side = core.Side(side)
		if f.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if f.Fees, err = decimal.NewFromString(fees); err != nil {
			return nil, err
		}
		f.TS = time.Unix(0, tsNano).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanOrder(rows *sql.Rows) (core.Order, error) {
	var o core.Order
	var side, qty, otype, limitPrice, state, filledQty, avgPrice string
	var brokerID, reason sql.NullString
	var createdNano, updatedNano int64

	err := rows.Scan(&o.ClientOrderID, &brokerID, &o.StrategyID, &o.SignalID, &o.Symbol, &side,
		&qty, &otype, &limitPrice, &state, &filledQty, &avgPrice, &o.Attempts, &reason,
		&createdNano, &updatedNano)
	if err != nil {
		return o, err
	}

	o.BrokerOrderID = brokerID.String
	o.Reason = reason.String
	o.Side = core.Side(side)
	o.Type = core.OrderType(otype)
	o.State = core.OrderState(state)
	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return o, err
	}
	if o.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return o, err
	}
	if o.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
		return o, err
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return o, err
	}
	o.CreatedAt = time.Unix(0, createdNano).UTC()
	o.UpdatedAt = time.Unix(0, updatedNano).UTC()
	return o, nil
}
