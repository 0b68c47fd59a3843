// Package strategy holds the signal generators. Strategies never touch
// the broker or the portfolio: they watch bars and emit intents, the
// decision loop sizes and routes them. Intents leave here with Qty
// zero; quantity is the sizer's job.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"papertrade/internal/core"
)

// Strategy extends the core contract with a regime capability check.
// The decision loop skips strategies whose ShouldRun declines the
// current regime.
type Strategy interface {
	core.IStrategy
	ShouldRun(regime core.Regime) bool
}

// Registry is a static name-to-strategy table built at startup.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy. Duplicate names are a wiring bug.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Name()]; exists {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get returns a strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Active returns the strategies willing to run in the given regime,
// sorted by name so the decision loop is deterministic.
func (r *Registry) Active(regime core.Regime) []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		if s.ShouldRun(regime) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names lists all registered strategies, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
