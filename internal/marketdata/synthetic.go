package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/core"
)

const syntheticVol = 0.002 // per-bar return stddev

// Synthetic is a seeded random-walk source for simulation and
// development. The walk is deterministic per (seed, symbol): two
// sources built with the same seed produce the same tape, which is
// what makes paper sessions replayable.
type Synthetic struct {
	seed     int64
	interval time.Duration

	mu    sync.Mutex
	walks map[string]*walk
	clock func() time.Time
}

type walk struct {
	rng   *rand.Rand
	price float64
}

// NewSynthetic builds a synthetic source emitting bars at the given
// interval.
func NewSynthetic(seed int64, interval time.Duration) *Synthetic {
	return &Synthetic{
		seed:     seed,
		interval: interval,
		walks:    make(map[string]*walk),
		clock:    time.Now,
	}
}

func (s *Synthetic) Name() string { return "synthetic" }

// SetClock injects a time source for tests.
func (s *Synthetic) SetClock(clock func() time.Time) { s.clock = clock }

// GetBars advances the symbol's walk by n steps and returns the bars,
// oldest first, ending at the current interval boundary.
func (s *Synthetic) GetBars(ctx context.Context, symbol string, n int) ([]core.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.walkFor(symbol)
	end := s.clock().UTC().Truncate(s.interval)

	bars := make([]core.Bar, 0, n)
	for i := n - 1; i >= 0; i-- {
		open := w.price
		ret := w.rng.NormFloat64() * syntheticVol
		w.price = open * math.Exp(ret)

		high := math.Max(open, w.price) * (1 + w.rng.Float64()*syntheticVol)
		low := math.Min(open, w.price) * (1 - w.rng.Float64()*syntheticVol)

		openD := decimal.NewFromFloat(open).Round(4)
		closeD := decimal.NewFromFloat(w.price).Round(4)
		bars = append(bars, core.Bar{
			Symbol: symbol,
			TS:     end.Add(-time.Duration(i) * s.interval),
			Open:   openD,
			High:   decimal.Max(decimal.NewFromFloat(high).Round(4), openD, closeD),
			Low:    decimal.Min(decimal.NewFromFloat(low).Round(4), openD, closeD),
			Close:  closeD,
			Volume: decimal.NewFromInt(1000 + int64(w.rng.Intn(9000))),
		})
	}
	return bars, nil
}

// walkFor lazily creates the symbol's walk. The symbol hash folds into
// both the rng seed and the starting price so symbols diverge even
// under one master seed.
func (s *Synthetic) walkFor(symbol string) *walk {
	if w, ok := s.walks[symbol]; ok {
		return w
	}
	h := fnv.New64a()
	h.Write([]byte(symbol))
	sym := int64(h.Sum64() & 0x7fffffffffffffff)

	w := &walk{
		rng:   rand.New(rand.NewSource(s.seed ^ sym)),
		price: 20 + float64(sym%480),
	}
	s.walks[symbol] = w
	return w
}
