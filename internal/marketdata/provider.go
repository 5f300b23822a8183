// Package marketdata defines the Go-level contract the Scanner uses to
// fetch OHLCV bars. The provider is intentionally separate from the
// broker connector: market data is never sourced from the same live
// feed a strategy trades against, so a slow or degraded data vendor
// never couples to order placement.
package marketdata

import (
	"context"
	"fmt"
	"sync"

	"github.com/aethelgard/core/internal/domain"
)

// Provider fetches recent OHLCV bars for one (symbol, timeframe) pair.
// Implementations may wrap a paid vendor, a free API, or a file-based
// fixture; the Scanner never cares which.
type Provider interface {
	// GetBars returns the most recent `count` closed bars for symbol at
	// timeframe, oldest first. Implementations must respect ctx's
	// deadline — the Scanner's per-task timeout is the only bound a
	// slow call gets.
	GetBars(ctx context.Context, symbol string, tf domain.Timeframe, count int) ([]domain.OHLCV, error)
}

// StaticProvider serves bars from an in-memory table, keyed by
// "symbol|timeframe". It exists for tests and for wiring the core up
// before a real vendor integration lands; it never mutates its table,
// so every call with the same key returns the same series.
type StaticProvider struct {
	mu    sync.RWMutex
	table map[string][]domain.OHLCV
}

// NewStaticProvider returns a StaticProvider with an empty table.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{table: make(map[string][]domain.OHLCV)}
}

// Seed installs (or replaces) the bar series for one (symbol, timeframe).
func (p *StaticProvider) Seed(symbol string, tf domain.Timeframe, bars []domain.OHLCV) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table[key(symbol, tf)] = bars
}

// GetBars returns the last `count` bars of the seeded series.
func (p *StaticProvider) GetBars(ctx context.Context, symbol string, tf domain.Timeframe, count int) ([]domain.OHLCV, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bars, ok := p.table[key(symbol, tf)]
	if !ok {
		return nil, fmt.Errorf("marketdata: no bars seeded for %s/%s", symbol, tf)
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]domain.OHLCV, len(bars))
	copy(out, bars)
	return out, nil
}

func key(symbol string, tf domain.Timeframe) string {
	return symbol + "|" + string(tf)
}
