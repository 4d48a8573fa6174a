// Package strategy defines the Strategy interface for trading strategies,
// provides a Registry for managing multiple strategy implementations, and
// replays historical bars through a strategy in the Backtester.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"quantrisk/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data. A backtest calls it once per run.
	Init(ctx context.Context) error

	// GenerateSignals is called once per time step with the bars available at
	// that step, keyed by symbol, and a read-only view of the portfolio. It
	// returns zero or more trading signals.
	GenerateSignals(ctx context.Context, bars map[string]domain.Bar, view domain.PortfolioView) ([]domain.Signal, error)
}

// Factory builds a fresh strategy instance. Each backtest run gets its own
// instance so that runs share no state.
type Factory func(params map[string]float64) (Strategy, error)

// Registry holds a named collection of strategy factories for lookup and
// enumeration. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a new instance of the named strategy.
func (r *Registry) New(name string, params map[string]float64) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrInvalidConfig, name)
	}
	return f(params)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
