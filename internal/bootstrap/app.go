// Package bootstrap assembles the scaffolding both processes share:
// configuration, logging, telemetry and the run lifecycle. The
// per-process component wiring lives in cmd/papertrade.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"papertrade/internal/config"
	"papertrade/internal/core"
	"papertrade/pkg/telemetry"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitConfig     = 2
	ExitHalted     = 3
	ExitTerminated = 4
	ExitInternal   = 5
)

// ErrHaltedOnStart is returned by a runner that refuses to start
// because the persistent halt flag is set.
var ErrHaltedOnStart = errors.New("halt flag set, refusing to start")

// App holds the dependencies shared by the trading and supervisor
// processes.
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Location  *time.Location
	Telemetry *telemetry.Telemetry
}

// NewApp loads configuration and initializes logging and telemetry.
func NewApp(configPath, serviceName string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	// Validated by config.LoadConfig.
	loc, _ := time.LoadLocation(cfg.App.Timezone)

	tel, err := telemetry.Setup(serviceName)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Location:  loc,
		Telemetry: tel,
	}, nil
}

// Runner is a component with a blocking run loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Run drives the runners until the first error or a termination
// signal, then shuts telemetry down.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := a.Telemetry.Shutdown(shutdownCtx); terr != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", terr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Process stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Process shut down")
	return nil
}
