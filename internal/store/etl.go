package store

import (
	"context"
	"encoding/json"
	"fmt"

	"papertrade/internal/core"
	"papertrade/internal/eventlog"
)

// ETL drains the event log into the analytics tables. Every mapping is
// idempotent, so re-running over the same lines after a crash cannot
// double-count; the cursor only saves work, it does not guard
// correctness.
type ETL struct {
	store    *Store
	dir      string
	prefixes []string
	logger   core.ILogger
}

// Summary counts what one ETL pass did.
type Summary struct {
	Bars        int
	Orders      int
	Fills       int
	Positions   int
	Performance int
	Skipped     int
	Errors      int
}

func (s Summary) add(o Summary) Summary {
	s.Bars += o.Bars
	s.Orders += o.Orders
	s.Fills += o.Fills
	s.Positions += o.Positions
	s.Performance += o.Performance
	s.Skipped += o.Skipped
	s.Errors += o.Errors
	return s
}

// transitionPayload mirrors the engine's ORDER_TRANSITION entry shape.
type transitionPayload struct {
	Order core.Order `json:"order"`
}

// reconcilePayload mirrors the reconciler's POSITION_RECONCILED entry
// shape; only the adopted position snapshot lands in a table.
type reconcilePayload struct {
	Position core.Position `json:"position"`
}

// metricPayload picks out the metric name; equity snapshots carry the
// snapshot fields alongside it.
type metricPayload struct {
	Metric string `json:"metric"`
	core.EquitySnapshot
}

// NewETL builds an ETL over the given journal prefixes.
func NewETL(store *Store, dir string, prefixes []string, logger core.ILogger) *ETL {
	return &ETL{
		store:    store,
		dir:      dir,
		prefixes: prefixes,
		logger:   logger.WithField("component", "etl"),
	}
}

// Run performs one pass over all prefixes, resuming each from its
// cursor. A bad entry is logged and skipped; it never stalls the
// pipeline.
func (e *ETL) Run(ctx context.Context) (Summary, error) {
	var total Summary
	for _, prefix := range e.prefixes {
		summary, err := e.runPrefix(ctx, prefix)
		total = total.add(summary)
		if err != nil {
			return total, err
		}
	}

	e.logger.Info("ETL pass complete",
		"bars", total.Bars,
		"orders", total.Orders,
		"fills", total.Fills,
		"positions", total.Positions,
		"performance", total.Performance,
		"skipped", total.Skipped,
		"errors", total.Errors,
	)
	return total, nil
}

func (e *ETL) runPrefix(ctx context.Context, prefix string) (Summary, error) {
	var summary Summary

	cursorDay, cursorLine, err := e.store.GetCursor(ctx, prefix)
	if err != nil {
		return summary, fmt.Errorf("etl cursor read failed for %s: %w", prefix, err)
	}

	days, err := eventlog.Days(e.dir, prefix)
	if err != nil {
		return summary, fmt.Errorf("etl day listing failed for %s: %w", prefix, err)
	}

	for _, day := range days {
		if cursorDay != "" && day < cursorDay {
			continue
		}

		entries, _, err := eventlog.ReadDay(e.dir, prefix, day)
		if err != nil {
			return summary, fmt.Errorf("etl read failed for %s %s: %w", prefix, day, err)
		}

		start := 0
		if day == cursorDay {
			start = cursorLine
		}
		if start > len(entries) {
			start = len(entries)
		}

		for _, entry := range entries[start:] {
			if err := e.apply(ctx, entry, &summary); err != nil {
				summary.Errors++
				e.logger.Warn("ETL entry failed, skipping", "prefix", prefix, "day", day, "kind", entry.Kind, "error", err)
			}
		}

		if err := e.store.SetCursor(ctx, prefix, day, len(entries)); err != nil {
			return summary, fmt.Errorf("etl cursor write failed for %s: %w", prefix, err)
		}
	}

	return summary, nil
}

func (e *ETL) apply(ctx context.Context, entry eventlog.Entry, summary *Summary) error {
	switch entry.Kind {
	case eventlog.KindBar:
		var bar core.Bar
		if err := json.Unmarshal(entry.Data, &bar); err != nil {
			return err
		}
		if err := e.store.UpsertBar(ctx, bar); err != nil {
			return err
		}
		summary.Bars++

	case eventlog.KindOrderCreated:
		var order core.Order
		if err := json.Unmarshal(entry.Data, &order); err != nil {
			return err
		}
		if err := e.store.UpsertOrder(ctx, order); err != nil {
			return err
		}
		summary.Orders++

	case eventlog.KindOrderTransition:
		var payload transitionPayload
		if err := json.Unmarshal(entry.Data, &payload); err != nil {
			return err
		}
		if payload.Order.ClientOrderID == "" {
			return fmt.Errorf("transition without order snapshot")
		}
		if err := e.store.UpsertOrder(ctx, payload.Order); err != nil {
			return err
		}
		summary.Orders++

	case eventlog.KindFill:
		var fill core.Fill
		if err := json.Unmarshal(entry.Data, &fill); err != nil {
			return err
		}
		if err := e.store.InsertFill(ctx, fill); err != nil {
			return err
		}
		summary.Fills++

	case eventlog.KindPositionReconciled:
		var payload reconcilePayload
		if err := json.Unmarshal(entry.Data, &payload); err != nil {
			return err
		}
		if payload.Position.Symbol == "" {
			return fmt.Errorf("reconcile entry without position snapshot")
		}
		if err := e.store.UpsertPosition(ctx, payload.Position); err != nil {
			return err
		}
		summary.Positions++

	case eventlog.KindMetric:
		var payload metricPayload
		if err := json.Unmarshal(entry.Data, &payload); err != nil {
			return err
		}
		if payload.Metric != "equity" {
			summary.Skipped++
			return nil
		}
		if err := e.store.UpsertPerformance(ctx, payload.EquitySnapshot); err != nil {
			return err
		}
		summary.Performance++

	default:
		// Signals, intents, halts, heartbeats and alerts stay in the
		// journal; they have no tabular home.
		summary.Skipped++
	}

	return nil
}
