package marketdata

import (
	"context"
	"sync"
	"time"

	"papertrade/internal/core"
	"papertrade/internal/eventlog"
	"papertrade/internal/portfolio"
	"papertrade/internal/state"
	"papertrade/pkg/concurrency"
)

// universeCadence spaces out universe-tier fetches: those symbols are
// only watched for rotation, one bar every few cycles is enough.
const universeCadence = 5

// barChannelDepth buffers the decision-loop feed. The loop is serial;
// if it falls this far behind, dropping bars beats blocking ingestion.
const barChannelDepth = 256

// Tiers groups the watched symbols by attention level. Focus symbols
// are traded, active symbols are monitored at full cadence, universe
// symbols are sampled.
type Tiers struct {
	Focus    []string
	Active   []string
	Universe []string
}

// Ingestor drives a Source on a fixed cadence. Every fetched bar is
// journaled and marked on the book; focus-tier bars additionally feed
// the regime detector and the decision loop.
type Ingestor struct {
	source   Source
	pool     *concurrency.WorkerPool
	journal  core.IEventLog
	cache    *state.Cache
	book     *portfolio.Book
	detector core.IRegimeDetector
	tiers    Tiers
	interval time.Duration
	logger   core.ILogger

	bars  chan core.Bar
	onBar func(core.Bar)

	mu       sync.Mutex
	lastSeen map[string]time.Time
	cycle    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngestor wires the ingestion loop. The worker pool is shared
// infrastructure owned by the caller.
func NewIngestor(
	source Source,
	pool *concurrency.WorkerPool,
	journal core.IEventLog,
	cache *state.Cache,
	book *portfolio.Book,
	detector core.IRegimeDetector,
	tiers Tiers,
	interval time.Duration,
	logger core.ILogger,
) *Ingestor {
	return &Ingestor{
		source:   source,
		pool:     pool,
		journal:  journal,
		cache:    cache,
		book:     book,
		detector: detector,
		tiers:    tiers,
		interval: interval,
		logger:   logger.WithField("component", "marketdata"),
		bars:     make(chan core.Bar, barChannelDepth),
		lastSeen: make(map[string]time.Time),
	}
}

// Bars is the focus-tier feed the decision loop consumes.
func (in *Ingestor) Bars() <-chan core.Bar { return in.bars }

// SetOnBar installs a per-bar callback, used for the market broadcast
// channels. Must be set before Start.
func (in *Ingestor) SetOnBar(fn func(core.Bar)) { in.onBar = fn }

// Start launches the ingestion loop.
func (in *Ingestor) Start(ctx context.Context) error {
	in.ctx, in.cancel = context.WithCancel(ctx)

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.logger.Info("Market data ingestion started",
			"source", in.source.Name(), "interval", in.interval,
			"focus", len(in.tiers.Focus), "active", len(in.tiers.Active), "universe", len(in.tiers.Universe))

		ticker := time.NewTicker(in.interval)
		defer ticker.Stop()

		in.runCycle(in.ctx)
		for {
			select {
			case <-in.ctx.Done():
				return
			case <-ticker.C:
				in.runCycle(in.ctx)
			}
		}
	}()
	return nil
}

// Stop halts the loop. In-flight fetches finish on the shared pool.
func (in *Ingestor) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()
	in.logger.Info("Market data ingestion stopped")
}

// runCycle fans one fetch per symbol out on the pool and waits for the
// cycle to drain, so cycles never overlap each other.
func (in *Ingestor) runCycle(ctx context.Context) {
	in.mu.Lock()
	in.cycle++
	sampleUniverse := in.cycle%universeCadence == 1
	in.mu.Unlock()

	var cycleWG sync.WaitGroup
	submit := func(symbol string, tier core.BarTier) {
		cycleWG.Add(1)
		err := in.pool.Submit(func() {
			defer cycleWG.Done()
			in.fetch(ctx, symbol, tier)
		})
		if err != nil {
			cycleWG.Done()
			in.logger.Warn("Fetch skipped, pool saturated", "symbol", symbol, "error", err)
		}
	}

	for _, s := range in.tiers.Focus {
		submit(s, core.TierFocus)
	}
	for _, s := range in.tiers.Active {
		submit(s, core.TierActive)
	}
	if sampleUniverse {
		for _, s := range in.tiers.Universe {
			submit(s, core.TierUniverse)
		}
	}
	cycleWG.Wait()
}

func (in *Ingestor) fetch(ctx context.Context, symbol string, tier core.BarTier) {
	fetchCtx, cancel := context.WithTimeout(ctx, in.interval)
	defer cancel()

	bars, err := in.source.GetBars(fetchCtx, symbol, 1)
	if err != nil {
		in.logger.Warn("Bar fetch failed", "symbol", symbol, "error", err)
		return
	}

	for _, bar := range bars {
		bar.Tier = tier
		in.ingest(bar)
	}
}

// ingest applies one bar: dedupe, journal, mark, fan out.
func (in *Ingestor) ingest(bar core.Bar) {
	in.mu.Lock()
	if seen, ok := in.lastSeen[bar.Symbol]; ok && !bar.TS.After(seen) {
		in.mu.Unlock()
		return
	}
	in.lastSeen[bar.Symbol] = bar.TS
	in.mu.Unlock()

	in.journal.Append(eventlog.KindBar, bar)
	in.book.Mark(bar.Symbol, bar.Close)
	in.cache.Put(state.KeyMarket(bar.Symbol), bar.TS, bar)

	if in.onBar != nil {
		in.onBar(bar)
	}

	if bar.Tier != core.TierFocus {
		return
	}
	in.detector.Update(bar)
	select {
	case in.bars <- bar:
	default:
		in.logger.Warn("Decision feed full, bar dropped", "symbol", bar.Symbol, "ts", bar.TS)
	}
}
