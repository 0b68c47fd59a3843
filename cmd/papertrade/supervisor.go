package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/alert"
	"papertrade/internal/bootstrap"
	"papertrade/internal/broker"
	"papertrade/internal/config"
	"papertrade/internal/core"
	"papertrade/internal/eventlog"
	"papertrade/internal/state"
	"papertrade/internal/store"
	"papertrade/internal/supervisor"
	"papertrade/pkg/telemetry"
)

// Warning thresholds alert before the kill thresholds act.
var (
	warnDailyLossPct = decimal.RequireFromString("0.03")
	warnDrawdownPct  = decimal.RequireFromString("0.10")
)

func runSupervisor(configPath string) int {
	app, err := bootstrap.NewApp(configPath, "papertrade-supervisor")
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		return bootstrap.ExitConfig
	}

	sp, cleanup, err := buildSupervisor(app)
	if err != nil {
		app.Logger.Error("Supervisor process wiring failed", "error", err)
		return bootstrap.ExitInternal
	}
	defer cleanup()

	if err := app.Run(sp); err != nil {
		return bootstrap.ExitInternal
	}
	return bootstrap.ExitOK
}

// supervisorApp is the fully wired watchdog process.
type supervisorApp struct {
	cfg     *config.Config
	logger  core.ILogger
	sup     *supervisor.Supervisor
	journal *eventlog.Writer
	etl     *store.ETL
	msrv    *telemetry.MetricsServer
}

func buildSupervisor(app *bootstrap.App) (*supervisorApp, func(), error) {
	cfg := app.Cfg
	logger := app.Logger

	mirror, err := state.NewMirror(cfg.Cache.MirrorPath)
	if err != nil {
		return nil, nil, fmt.Errorf("state mirror: %w", err)
	}
	cache := state.NewCache(mirror, logger)

	journal, err := eventlog.NewWriter(cfg.EventLog.Dir, "supervisor",
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

	// The watchdog keeps its own broker session so the trading
	// process's credentials dying with it cannot blind the supervisor.
	key, secret := cfg.Broker.WatchdogAPIKey, cfg.Broker.WatchdogAPISecret
	if key == "" || secret == "" {
		logger.Warn("Watchdog credentials not configured, falling back to trading credentials")
		key, secret = cfg.Broker.APIKey, cfg.Broker.APISecret
	}
	brokerClient := broker.NewClient(cfg.Broker.BaseURL,
		time.Duration(cfg.Broker.TimeoutSeconds)*time.Second, key, secret, logger)

	actuator := supervisor.NewActuator(brokerClient, cache, journal,
		time.Duration(cfg.Supervisor.GracePeriodSeconds)*time.Second, logger)

	weekday, err := parseWeekday(cfg.Trading.FlattenWeekday)
	if err != nil {
		journal.Close()
		mirror.Close()
		return nil, nil, err
	}
	rules := supervisor.NewEvaluator(supervisor.RuleLimits{
		MaxDailyLossPct:     decimal.NewFromFloat(cfg.Risk.MaxDailyLossPct),
		WarnDailyLossPct:    warnDailyLossPct,
		MaxDrawdownPct:      decimal.NewFromFloat(cfg.Risk.MaxDrawdownPct),
		WarnDrawdownPct:     warnDrawdownPct,
		MaxConcentrationPct: decimal.NewFromFloat(cfg.Risk.MaxConcentrationPct),
		ZombieAge:           time.Duration(cfg.Risk.ZombieAgeSeconds) * time.Second,
		HeartbeatStale:      time.Duration(cfg.Supervisor.HeartbeatStaleSeconds) * time.Second,
		FlattenWeekday:      weekday,
		FlattenTime:         cfg.Trading.FlattenTime,
		Location:            app.Location,
	})

	sup := supervisor.NewSupervisor(cache, brokerClient, actuator, rules, journal, alerts,
		time.Duration(cfg.Supervisor.CycleIntervalSeconds)*time.Second, app.Location, logger)

	st, err := store.NewStore(cfg.Store.Path, logger)
	if err != nil {
		journal.Close()
		mirror.Close()
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	etl := store.NewETL(st, cfg.EventLog.Dir, []string{"supervisor"}, logger)

	var msrv *telemetry.MetricsServer
	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.MetricsPort > 0 {
		msrv = telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort, logger)
	}

	sp := &supervisorApp{
		cfg:     cfg,
		logger:  logger.WithField("process", "supervisor"),
		sup:     sup,
		journal: journal,
		etl:     etl,
		msrv:    msrv,
	}
	cleanup := func() {
		alerts.Flush()
		journal.Close()
		st.Close()
		mirror.Close()
	}
	return sp, cleanup, nil
}

// Run drives the watchdog until ctx is cancelled.
func (s *supervisorApp) Run(ctx context.Context) error {
	if err := s.sup.Start(ctx); err != nil {
		return err
	}
	if s.msrv != nil {
		s.msrv.Start()
	}

	etlTicker := time.NewTicker(time.Duration(s.cfg.Supervisor.EtlIntervalSeconds) * time.Second)
	defer etlTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sup.Stop()
			if s.msrv != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := s.msrv.Stop(stopCtx); err != nil {
					s.logger.Warn("Metrics server shutdown failed", "error", err)
				}
			}
			if err := s.journal.Sync(); err != nil {
				s.logger.Warn("Final journal sync failed", "error", err)
			}
			return ctx.Err()
		case <-etlTicker.C:
			if _, err := s.etl.Run(ctx); err != nil {
				s.logger.Error("ETL pass failed", "error", err)
			}
		}
	}
}

func parseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), name) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}
