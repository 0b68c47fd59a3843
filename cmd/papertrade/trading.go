package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"papertrade/internal/alert"
	"papertrade/internal/bootstrap"
	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/core"
	"papertrade/internal/engine"
	"papertrade/internal/eventlog"
	"papertrade/internal/health"
	"papertrade/internal/marketdata"
	"papertrade/internal/portfolio"
	"papertrade/internal/reconcile"
	"papertrade/internal/regime"
	"papertrade/internal/risk"
	"papertrade/internal/state"
	"papertrade/internal/store"
	"papertrade/internal/strategy"
	"papertrade/pkg/concurrency"
	"papertrade/pkg/liveserver"
	"papertrade/pkg/telemetry"
)

// broadcastInterval is the cadence of the whole-state fan-out to the
// live server.
const broadcastInterval = 2 * time.Second

// equityMetric is the METRIC journal payload the ETL folds into the
// performance table.
type equityMetric struct {
	Metric string `json:"metric"`
	core.EquitySnapshot
}

func runTrading(configPath string) int {
	app, err := bootstrap.NewApp(configPath, "papertrade-trading")
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		return bootstrap.ExitConfig
	}

	tp, cleanup, err := buildTrading(app)
	if err != nil {
		if errors.Is(err, bootstrap.ErrHaltedOnStart) {
			app.Logger.Error("Persistent halt flag is set, refusing to trade", "error", err)
			return bootstrap.ExitHalted
		}
		app.Logger.Error("Trading process wiring failed", "error", err)
		return bootstrap.ExitInternal
	}
	defer cleanup()

	if err := app.Run(tp); err != nil {
		return bootstrap.ExitInternal
	}
	return shutdownExitCode(tp.cache, app.Logger)
}

// shutdownExitCode distinguishes a supervisor kill from a routine
// shutdown. The actuator raises the halt flag with SetBy "supervisor"
// through the shared mirror before sending SIGTERM, so the flag is the
// evidence that the stop was forced rather than operator-initiated.
func shutdownExitCode(cache *state.Cache, logger core.ILogger) int {
	if err := cache.Refresh(); err != nil {
		logger.Warn("State mirror refresh failed during shutdown", "error", err)
	}
	if halt := cache.GetHalt(); halt.Active && halt.SetBy == "supervisor" {
		logger.Warn("Trading process terminated by supervisor", "reason", halt.Reason)
		return bootstrap.ExitTerminated
	}
	return bootstrap.ExitOK
}

// tradingApp is the fully wired trading process.
type tradingApp struct {
	cfg    *config.Config
	logger core.ILogger

	cache    *state.Cache
	journal  *eventlog.Writer
	alerts   *alert.AlertManager
	stream   *broker.Stream
	book     *portfolio.Book
	eng      *engine.Engine
	rec      *reconcile.Reconciler
	detector *regime.Detector
	registry *strategy.Registry
	sizer    *risk.Sizer
	gate     *risk.Gate
	ddmon    *risk.DrawdownMonitor
	assessor *risk.Assessor
	pool     *concurrency.WorkerPool
	ingestor *marketdata.Ingestor
	hub      *liveserver.Hub
	server   *liveserver.Server
	health   *health.HealthManager
	etl      *store.ETL
	metrics  *telemetry.MetricsHolder

	barInterval time.Duration

	mu         sync.Mutex
	hbSeq      uint64
	lastRegime core.RegimeLabel
	lastBarAt  time.Time
	writeErr   error
}

func buildTrading(app *bootstrap.App) (*tradingApp, func(), error) {
	cfg := app.Cfg
	logger := app.Logger

	mirror, err := state.NewMirror(cfg.Cache.MirrorPath)
	if err != nil {
		return nil, nil, fmt.Errorf("state mirror: %w", err)
	}
	cache := state.NewCache(mirror, logger)

	if halt := cache.GetHalt(); halt.Active {
		mirror.Close()
		return nil, nil, fmt.Errorf("%w (reason %q, set by %s at %s)",
			bootstrap.ErrHaltedOnStart, halt.Reason, halt.SetBy, halt.TS.Format(time.RFC3339))
	}

	journal, err := eventlog.NewWriter(cfg.EventLog.Dir, "trading",
		time.Duration(cfg.EventLog.FsyncIntervalMs)*time.Millisecond,
		cfg.EventLog.FsyncBytes, logger)
	if err != nil {
		mirror.Close()
		return nil, nil, fmt.Errorf("event log: %w", err)
	}

	alerts := alert.NewAlertManager(cfg.Alerts.MinLevel, logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(string(cfg.Alerts.SlackWebhookURL)))
	}
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.TelegramBotToken), cfg.Alerts.TelegramChatID))
	}

	brokerClient := broker.NewClient(cfg.Broker.BaseURL,
		time.Duration(cfg.Broker.TimeoutSeconds)*time.Second,
		cfg.Broker.APIKey, cfg.Broker.APISecret, logger)

	stream, err := broker.NewStream(cfg.Broker.StreamURL, cfg.Broker.APIKey, cfg.Broker.APISecret, logger)
	if err != nil {
		journal.Close()
		mirror.Close()
		return nil, nil, fmt.Errorf("broker stream: %w", err)
	}

	initialEquity := decimal.NewFromFloat(cfg.Risk.InitialEquity)
	book := portfolio.NewBook(initialEquity, logger)

	eng := engine.NewEngine(brokerClient, stream, journal, cache, book, alerts, engine.Params{
		AckTimeout:         time.Duration(cfg.Risk.AckTimeoutSeconds) * time.Second,
		ZombieAge:          time.Duration(cfg.Risk.ZombieAgeSeconds) * time.Second,
		MaxRetries:         cfg.Risk.MaxRetries,
		OrderRatePerMinute: cfg.Trading.OrderRatePerMinute,
		OrderBurst:         5,
	}, logger)

	rec := reconcile.NewReconciler(brokerClient, eng, cache, book, journal, alerts,
		time.Duration(cfg.Risk.ReconcileIntervalSeconds)*time.Second, 0, logger)
	eng.SetReconcileHooks(rec.Enqueue, rec.TriggerManual)
	// Stream gaps mean missed evidence: sweep everything before
	// trusting the stream again.
	stream.SetOnReconnect(rec.TriggerManual)

	detector := regime.NewDetector(logger)

	registry := strategy.NewRegistry()
	for _, name := range cfg.Trading.Strategies {
		var s strategy.Strategy
		switch name {
		case "ema_cross":
			s = strategy.NewEMACross(logger)
		case "rsi_reversion":
			s = strategy.NewRSIReversion(logger)
		default:
			journal.Close()
			mirror.Close()
			return nil, nil, fmt.Errorf("unknown strategy %q", name)
		}
		if err := registry.Register(s); err != nil {
			journal.Close()
			mirror.Close()
			return nil, nil, err
		}
	}

	ddmon := risk.NewDrawdownMonitor(initialEquity, app.Location)
	assessor := risk.NewAssessor(cache, book, ddmon)
	sizer := risk.NewSizer(decimal.NewFromFloat(cfg.Trading.RiskPerTradePct))
	gate := risk.NewGate(cache, book, eng, risk.Limits{
		MaxOpenOrders:    cfg.Trading.MaxOpenOrders,
		MaxConcentration: decimal.NewFromFloat(cfg.Risk.MaxConcentrationPct),
		MaxOrderNotional: decimal.NewFromFloat(cfg.Risk.MaxOrderNotional),
	}, logger)

	barInterval := time.Duration(cfg.MarketData.BarIntervalSeconds) * time.Second
	var source marketdata.Source
	switch cfg.MarketData.Provider {
	case "alpaca":
		source = marketdata.NewAlpaca(
			string(cfg.MarketData.Alpaca.APIKey), string(cfg.MarketData.Alpaca.APISecret),
			cfg.MarketData.Alpaca.BaseURL, cfg.MarketData.Alpaca.Feed, barInterval)
	default:
		source = marketdata.NewSynthetic(time.Now().UnixNano(), barInterval)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "marketdata",
		MaxWorkers:  8,
		MaxCapacity: 64,
	}, logger)

	ingestor := marketdata.NewIngestor(source, pool, journal, cache, book, detector, marketdata.Tiers{
		Focus:    cfg.MarketData.Focus,
		Active:   cfg.MarketData.Active,
		Universe: cfg.MarketData.Universe,
	}, barInterval, logger)

	st, err := store.NewStore(cfg.Store.Path, logger)
	if err != nil {
		journal.Close()
		mirror.Close()
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	etl := store.NewETL(st, cfg.EventLog.Dir, []string{"trading"}, logger)

	tp := &tradingApp{
		cfg:         cfg,
		logger:      logger.WithField("process", "trading"),
		cache:       cache,
		journal:     journal,
		alerts:      alerts,
		stream:      stream,
		book:        book,
		eng:         eng,
		rec:         rec,
		detector:    detector,
		registry:    registry,
		sizer:       sizer,
		gate:        gate,
		ddmon:       ddmon,
		assessor:    assessor,
		pool:        pool,
		ingestor:    ingestor,
		etl:         etl,
		metrics:     telemetry.GetGlobalMetrics(),
		barInterval: barInterval,
		lastRegime:  core.RegimeChoppy,
	}

	journal.SetOnWriteError(func(err error) {
		tp.mu.Lock()
		tp.writeErr = err
		tp.mu.Unlock()
	})

	ingestor.SetOnBar(func(bar core.Bar) {
		tp.mu.Lock()
		tp.lastBarAt = time.Now()
		tp.mu.Unlock()
		tp.hub.Publish(liveserver.ChannelMarket(bar.Symbol), bar.TS, bar)
	})

	tp.health = health.NewHealthManager(logger)
	tp.health.Register("event_log", func() error {
		tp.mu.Lock()
		defer tp.mu.Unlock()
		return tp.writeErr
	})
	tp.health.Register("market_data", func() error {
		tp.mu.Lock()
		last := tp.lastBarAt
		tp.mu.Unlock()
		if last.IsZero() {
			return nil // still warming up
		}
		if age := time.Since(last); age > 3*barInterval {
			return fmt.Errorf("no bars for %s", age.Round(time.Second))
		}
		return nil
	})

	tp.hub = liveserver.NewHub(logger)
	tp.server = liveserver.NewServer(tp.hub, tp.snapshot, tp.raiseHalt, logger, cfg.Server.AllowedOrigins)
	tp.server.SetMaxConnections(cfg.Server.MaxConnections)

	cleanup := func() {
		alerts.Flush()
		journal.Close()
		st.Close()
		mirror.Close()
	}
	return tp, cleanup, nil
}

// Run drives all trading-process goroutines until ctx is cancelled or
// one of them fails.
func (t *tradingApp) Run(ctx context.Context) error {
	if err := t.eng.Start(ctx); err != nil {
		return err
	}
	if err := t.eng.Recover(ctx); err != nil {
		t.logger.Warn("Crash recovery incomplete", "error", err)
	}
	if err := t.stream.Start(ctx); err != nil {
		return fmt.Errorf("broker stream: %w", err)
	}
	if err := t.rec.Start(ctx); err != nil {
		return err
	}
	if err := t.ingestor.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { t.hub.Run(ctx); return nil })
	g.Go(func() error {
		return t.server.Start(ctx, fmt.Sprintf(":%d", t.cfg.Server.Port))
	})
	g.Go(func() error { t.decisionLoop(ctx); return nil })
	g.Go(func() error { t.heartbeatLoop(ctx); return nil })
	g.Go(func() error { t.equityLoop(ctx); return nil })
	g.Go(func() error { t.broadcastLoop(ctx); return nil })
	g.Go(func() error { t.etlLoop(ctx); return nil })

	err := g.Wait()

	t.ingestor.Stop()
	t.rec.Stop()
	if serr := t.stream.Stop(); serr != nil {
		t.logger.Warn("Stream shutdown failed", "error", serr)
	}
	t.eng.Stop()
	t.pool.Stop()
	if err := t.journal.Sync(); err != nil {
		t.logger.Warn("Final journal sync failed", "error", err)
	}
	return err
}

// decisionLoop consumes focus-tier bars and turns them into orders.
// It is the only goroutine that submits intents, so regime, strategy,
// sizing and risk all see a consistent world per bar.
func (t *tradingApp) decisionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-t.ingestor.Bars():
			if !ok {
				return
			}
			t.onBar(ctx, bar)
		}
	}
}

func (t *tradingApp) onBar(ctx context.Context, bar core.Bar) {
	reg := t.detector.Current()
	t.publishRegime(reg)

	for _, strat := range t.registry.Active(reg) {
		for _, intent := range strat.OnBar(ctx, bar) {
			t.journal.Append(eventlog.KindSignal, intent)

			intent.Qty = t.size(bar, reg)
			if intent.Qty.IsZero() {
				continue
			}
			t.journal.Append(eventlog.KindIntent, intent)

			if err := t.gate.Approve(ctx, intent); err != nil {
				// Vetoes are expected outcomes, not failures.
				t.logger.Info("Intent vetoed",
					"strategy", intent.StrategyID, "symbol", intent.Symbol, "reason", err)
				continue
			}
			if _, err := t.eng.Submit(ctx, intent); err != nil {
				t.logger.Error("Order submission failed",
					"strategy", intent.StrategyID, "symbol", intent.Symbol, "error", err)
			}
		}
	}
}

// size converts a directional signal into shares. Regime scale and
// drawdown scale multiply; ATR-aware sizing kicks in once the detector
// is warm.
func (t *tradingApp) size(bar core.Bar, reg core.Regime) decimal.Decimal {
	equity := t.book.Equity()
	scale := reg.Scale.Mul(t.ddmon.Scale())
	if atr := t.detector.ATR(bar.Symbol); atr.IsPositive() {
		return t.sizer.VolAdjusted(equity, bar.Close, atr, scale)
	}
	return t.sizer.FixedFraction(equity, bar.Close, scale)
}

func (t *tradingApp) publishRegime(reg core.Regime) {
	t.mu.Lock()
	changed := reg.Label != t.lastRegime
	t.lastRegime = reg.Label
	t.mu.Unlock()

	if changed {
		t.cache.Put(state.KeyRegime, reg.TS, reg)
		t.hub.Publish(liveserver.ChannelRegime, reg.TS, reg)
	}
}

// heartbeatLoop writes the liveness beat the supervisor watches. The
// PID rides along so the supervisor can signal this process.
func (t *tradingApp) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(t.cfg.Trading.CycleIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			t.mu.Lock()
			t.hbSeq++
			hb := core.Heartbeat{Process: "trading", PID: os.Getpid(), Seq: t.hbSeq, TS: now}
			t.mu.Unlock()

			t.cache.Put(state.KeyHeartbeatTrading, now, hb)
			t.journal.Append(eventlog.KindHeartbeat, hb)
			t.cache.Put(state.KeyHealthTrading, now, t.health.GetStatus())
		}
	}
}

// equityLoop revalues the book, feeds the drawdown monitor and
// publishes the equity snapshot the supervisor's kill rules read.
func (t *tradingApp) equityLoop(ctx context.Context) {
	interval := time.Duration(t.cfg.Supervisor.EquityRefreshSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			equity := t.book.Equity()
			t.ddmon.Update(equity, now)

			positions := t.book.Positions()
			cash := t.book.Cash()
			snap := core.EquitySnapshot{
				TS:             now,
				Equity:         equity,
				Cash:           cash,
				PositionsValue: equity.Sub(cash),
				DailyPnL:       equity.Sub(t.ddmon.StartOfDay()),
				DailyPnLPct:    t.ddmon.DailyPnLPct(),
				DrawdownPct:    t.ddmon.DrawdownPct(),
				OpenPositions:  len(positions),
			}

			t.cache.Put(state.KeyEquity, now, snap)
			t.cache.Put(state.KeyPositions, now, positions)
			t.journal.Append(eventlog.KindMetric, equityMetric{Metric: "equity", EquitySnapshot: snap})

			eqF, _ := equity.Float64()
			dailyF, _ := snap.DailyPnLPct.Float64()
			ddF, _ := snap.DrawdownPct.Float64()
			t.metrics.SetEquity(eqF)
			t.metrics.SetDailyPnLPct(dailyF)
			t.metrics.SetDrawdownPct(ddF)
			for _, pos := range positions {
				qtyF, _ := pos.Qty.Float64()
				t.metrics.SetPositionQty(pos.Symbol, qtyF)
			}
		}
	}
}

// broadcastLoop fans the whole-state view out to observers.
func (t *tradingApp) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := t.eng.Snapshot()
			t.hub.Publish(liveserver.ChannelPositions, snap.TS, snap.Positions)
			t.hub.Publish(liveserver.ChannelOrders, snap.TS, snap.Orders)
			t.hub.Publish(liveserver.ChannelEquity, snap.TS, map[string]interface{}{
				"equity": snap.Equity,
				"cash":   snap.Cash,
				"risk":   t.assessor.GetRiskSnapshot(),
			})
			t.hub.Publish(liveserver.ChannelHealth, snap.TS, t.health.GetStatus())
		}
	}
}

// etlLoop drains the journal into the analytics store.
func (t *tradingApp) etlLoop(ctx context.Context) {
	interval := time.Duration(t.cfg.Supervisor.EtlIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := t.etl.Run(ctx)
			if err != nil {
				t.logger.Error("ETL pass failed", "error", err)
				t.alerts.Alert("ERROR", "ETL failure", err.Error())
				continue
			}
			if summary.Errors > 0 {
				t.logger.Warn("ETL pass had row errors", "errors", summary.Errors)
			}
		}
	}
}

// snapshot assembles the whole-state view served on SUBSCRIBE/RESYNC.
func (t *tradingApp) snapshot() map[string]interface{} {
	snap := t.eng.Snapshot()
	out := map[string]interface{}{
		liveserver.ChannelPositions: snap.Positions,
		liveserver.ChannelOrders:    snap.Orders,
		liveserver.ChannelEquity: map[string]interface{}{
			"equity": snap.Equity,
			"cash":   snap.Cash,
			"risk":   t.assessor.GetRiskSnapshot(),
		},
		liveserver.ChannelRegime: t.detector.Current(),
		liveserver.ChannelHealth: t.health.GetStatus(),
	}
	for _, symbol := range t.cfg.MarketData.Focus {
		var bar core.Bar
		if _, ok := t.cache.Get(state.KeyMarket(symbol), &bar); ok {
			out[liveserver.ChannelMarket(symbol)] = bar
		}
	}
	return out
}

// raiseHalt is the emergency-halt endpoint's backend. Returns false
// when the halt was already active.
func (t *tradingApp) raiseHalt(reason string) bool {
	if t.cache.GetHalt().Active {
		return false
	}
	now := time.Now().UTC()
	halt := core.HaltState{Active: true, Reason: reason, SetBy: "operator", TS: now}
	t.cache.SetHalt(halt)
	t.journal.Append(eventlog.KindHalt, halt)
	t.alerts.Alert("CRITICAL", "Emergency halt", reason)
	t.metrics.SetHaltActive(true)
	return true
}
