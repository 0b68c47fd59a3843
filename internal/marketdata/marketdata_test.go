package marketdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/core"
	"papertrade/internal/eventlog"
	"papertrade/internal/portfolio"
	"papertrade/internal/state"
	"papertrade/pkg/concurrency"
	"papertrade/pkg/logging"
)

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestSyntheticIsDeterministicPerSeed(t *testing.T) {
	a := NewSynthetic(42, time.Minute)
	b := NewSynthetic(42, time.Minute)
	a.SetClock(fixedClock())
	b.SetClock(fixedClock())

	barsA, err := a.GetBars(context.Background(), "AAPL", 30)
	require.NoError(t, err)
	barsB, err := b.GetBars(context.Background(), "AAPL", 30)
	require.NoError(t, err)

	require.Len(t, barsA, 30)
	for i := range barsA {
		assert.True(t, barsA[i].Close.Equal(barsB[i].Close), "bar %d: %s vs %s", i, barsA[i].Close, barsB[i].Close)
		assert.Equal(t, barsA[i].TS, barsB[i].TS)
	}
}

func TestSyntheticSeedsDiverge(t *testing.T) {
	a := NewSynthetic(1, time.Minute)
	b := NewSynthetic(2, time.Minute)
	a.SetClock(fixedClock())
	b.SetClock(fixedClock())

	barsA, err := a.GetBars(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	barsB, err := b.GetBars(context.Background(), "AAPL", 10)
	require.NoError(t, err)

	same := true
	for i := range barsA {
		if !barsA[i].Close.Equal(barsB[i].Close) {
			same = false
		}
	}
	assert.False(t, same)
}

func TestSyntheticWalkContinues(t *testing.T) {
	s := NewSynthetic(42, time.Minute)
	s.SetClock(fixedClock())

	first, err := s.GetBars(context.Background(), "AAPL", 1)
	require.NoError(t, err)
	second, err := s.GetBars(context.Background(), "AAPL", 1)
	require.NoError(t, err)

	// The walk advances across calls: the next open is the last close.
	assert.True(t, second[0].Open.Equal(first[0].Close),
		"open %s close %s", second[0].Open, first[0].Close)
}

func TestSyntheticBarShape(t *testing.T) {
	s := NewSynthetic(7, time.Minute)
	s.SetClock(fixedClock())

	bars, err := s.GetBars(context.Background(), "MSFT", 50)
	require.NoError(t, err)
	for _, b := range bars {
		assert.True(t, b.High.GreaterThanOrEqual(b.Open), "high below open")
		assert.True(t, b.High.GreaterThanOrEqual(b.Close), "high below close")
		assert.True(t, b.Low.LessThanOrEqual(b.Open), "low above open")
		assert.True(t, b.Low.LessThanOrEqual(b.Close), "low above close")
		assert.True(t, b.Volume.GreaterThan(decimal.Zero))
	}
}

// scriptedSource serves pre-canned bars and records fetches.
type scriptedSource struct {
	mu      sync.Mutex
	bars    map[string][]core.Bar
	fetches map[string]int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{bars: make(map[string][]core.Bar), fetches: make(map[string]int)}
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) set(symbol string, bar core.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[symbol] = []core.Bar{bar}
}

func (s *scriptedSource) GetBars(ctx context.Context, symbol string, n int) ([]core.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[symbol]++
	return s.bars[symbol], nil
}

func (s *scriptedSource) fetchCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[symbol]
}

type recordingJournal struct {
	mu      sync.Mutex
	entries []core.Bar
}

func (j *recordingJournal) Append(kind string, data any) {
	if kind != eventlog.KindBar {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, data.(core.Bar))
}

func (j *recordingJournal) Sync() error  { return nil }
func (j *recordingJournal) Close() error { return nil }

func (j *recordingJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

type recordingDetector struct {
	mu   sync.Mutex
	seen []core.Bar
}

func (d *recordingDetector) Update(bar core.Bar) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, bar)
}

func (d *recordingDetector) Current() core.Regime {
	return core.Regime{Label: core.RegimeChoppy, Scale: decimal.RequireFromString("0.5")}
}

func (d *recordingDetector) symbols() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, b := range d.seen {
		out = append(out, b.Symbol)
	}
	return out
}

type ingestFixture struct {
	ingestor *Ingestor
	source   *scriptedSource
	journal  *recordingJournal
	detector *recordingDetector
	book     *portfolio.Book
	cache    *state.Cache
	pool     *concurrency.WorkerPool
}

func newIngestFixture(t *testing.T, tiers Tiers) *ingestFixture {
	t.Helper()
	logger := testLogger(t)

	source := newScriptedSource()
	journal := &recordingJournal{}
	detector := &recordingDetector{}
	book := portfolio.NewBook(decimal.NewFromInt(100000), logger)
	cache := state.NewCache(nil, logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test-ingest", MaxWorkers: 4}, logger)
	t.Cleanup(pool.Stop)

	ing := NewIngestor(source, pool, journal, cache, book, detector, tiers, time.Minute, logger)
	return &ingestFixture{ingestor: ing, source: source, journal: journal,
		detector: detector, book: book, cache: cache, pool: pool}
}

func barAt(symbol string, ts time.Time, close int64) core.Bar {
	c := decimal.NewFromInt(close)
	return core.Bar{Symbol: symbol, TS: ts, Open: c, High: c, Low: c, Close: c,
		Volume: decimal.NewFromInt(1000)}
}

func TestIngestJournalsMarksAndFeedsFocus(t *testing.T) {
	fix := newIngestFixture(t, Tiers{Focus: []string{"AAPL"}, Active: []string{"MSFT"}})
	ts := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	fix.source.set("AAPL", barAt("AAPL", ts, 200))
	fix.source.set("MSFT", barAt("MSFT", ts, 300))

	fix.ingestor.runCycle(context.Background())

	// Both tiers journaled and marked.
	assert.Equal(t, 2, fix.journal.count())
	mark, ok := fix.book.MarkPrice("AAPL")
	require.True(t, ok)
	assert.True(t, mark.Equal(decimal.NewFromInt(200)))

	var cached core.Bar
	_, ok = fix.cache.Get(state.KeyMarket("MSFT"), &cached)
	require.True(t, ok)
	assert.Equal(t, core.TierActive, cached.Tier)

	// Only the focus bar reaches the detector and the decision feed.
	assert.Equal(t, []string{"AAPL"}, fix.detector.symbols())
	select {
	case bar := <-fix.ingestor.Bars():
		assert.Equal(t, "AAPL", bar.Symbol)
		assert.Equal(t, core.TierFocus, bar.Tier)
	default:
		t.Fatal("expected a focus bar on the decision feed")
	}
	select {
	case bar := <-fix.ingestor.Bars():
		t.Fatalf("unexpected extra bar %s", bar.Symbol)
	default:
	}
}

func TestIngestDedupesRepeatedBars(t *testing.T) {
	fix := newIngestFixture(t, Tiers{Focus: []string{"AAPL"}})
	ts := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	fix.source.set("AAPL", barAt("AAPL", ts, 200))

	fix.ingestor.runCycle(context.Background())
	fix.ingestor.runCycle(context.Background())
	assert.Equal(t, 1, fix.journal.count())

	// A newer bar passes.
	fix.source.set("AAPL", barAt("AAPL", ts.Add(time.Minute), 201))
	fix.ingestor.runCycle(context.Background())
	assert.Equal(t, 2, fix.journal.count())
}

func TestIngestSamplesUniverse(t *testing.T) {
	fix := newIngestFixture(t, Tiers{Focus: []string{"AAPL"}, Universe: []string{"XYZ"}})
	ts := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	fix.source.set("AAPL", barAt("AAPL", ts, 200))
	fix.source.set("XYZ", barAt("XYZ", ts, 10))

	// Universe symbols are fetched on the first cycle, then skipped
	// until the cadence comes round again.
	for i := 0; i < universeCadence; i++ {
		fix.ingestor.runCycle(context.Background())
	}
	assert.Equal(t, universeCadence, fix.source.fetchCount("AAPL"))
	assert.Equal(t, 1, fix.source.fetchCount("XYZ"))
}
