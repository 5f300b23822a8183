// Package signalfactory runs registered strategy plug-ins against a
// symbol's bar set, applies the Trifecta multi-timeframe post-filter,
// normalizes the resulting symbol, deduplicates against recent and
// pending signals, and persists survivors as PENDING.
package signalfactory

import (
	"sync"

	"github.com/aethelgard/core/internal/domain"
)

// Strategy is a pluggable signal generator. Generate is called fresh on
// every cycle with the bars the Scanner just fetched, so a strategy
// carries no bar-buffer state of its own between calls.
type Strategy interface {
	Name() string
	// ApplicableRegimes restricts when this strategy runs. An empty
	// slice means the strategy is evaluated in every regime.
	ApplicableRegimes() []domain.Regime
	Generate(symbol string, bars []domain.OHLCV, regime domain.RegimeSample, params domain.DynamicParams) ([]domain.Signal, error)
}

// Registry holds the active set of strategy plug-ins.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces a strategy by name.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// List returns every registered strategy, order unspecified.
func (r *Registry) List() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	return out
}

func appliesToRegime(s Strategy, regime domain.Regime) bool {
	applicable := s.ApplicableRegimes()
	if len(applicable) == 0 {
		return true
	}
	for _, r := range applicable {
		if r == regime {
			return true
		}
	}
	return false
}
