package signalfactory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

// store is the subset of persistence.Store the Signal Factory needs for
// deduplication and persistence.
type store interface {
	RecentSignals(ctx context.Context, symbol string, since time.Time) ([]domain.Signal, error)
	PendingSignals(ctx context.Context, symbol string) ([]domain.Signal, error)
	SaveSignal(ctx context.Context, sig domain.Signal) error
}

// coherenceSink receives coherence faults the factory itself detects.
type coherenceSink interface {
	Record(ctx context.Context, ev domain.CoherenceEvent) error
}

// jury decides whether a (strategy, symbol) pairing trades for real or
// on paper. The Shadow Jury's decision is tagged onto the signal here,
// at generation time, and never revisited for that signal afterward —
// an in-flight VIRTUAL signal keeps its mode even if the pairing is
// promoted before the signal executes.
type jury interface {
	ModeFor(ctx context.Context, strategy, symbol string) (domain.ExecutionMode, error)
}

// RecencyWindow maps a regime to how far back a matching
// (symbol, direction, strategy, timeframe) signal still counts as a
// duplicate. Regimes that move fast (VOLATILE, SHOCK, CRASH) get a
// shorter window than slow ones (RANGE).
type RecencyWindow map[domain.Regime]time.Duration

// DefaultRecencyWindow mirrors the spec's "regime-dependent recency
// window" with conservative defaults.
func DefaultRecencyWindow() RecencyWindow {
	return RecencyWindow{
		domain.RegimeTrend:    30 * time.Minute,
		domain.RegimeRange:    45 * time.Minute,
		domain.RegimeVolatile: 10 * time.Minute,
		domain.RegimeShock:    5 * time.Minute,
		domain.RegimeCrash:    5 * time.Minute,
		domain.RegimeNormal:   20 * time.Minute,
	}
}

// Factory runs registered strategies, the Trifecta post-filter, symbol
// normalization, and deduplication, then persists survivors as PENDING.
type Factory struct {
	logger    *zap.Logger
	registry  *Registry
	store     store
	coherence coherenceSink
	jury      jury
	trifecta  *Trifecta
	recency   RecencyWindow
}

// New constructs a Factory. coherence may be nil.
func New(logger *zap.Logger, registry *Registry, st store, coherence coherenceSink, j jury, trifecta *Trifecta, recency RecencyWindow) *Factory {
	if recency == nil {
		recency = DefaultRecencyWindow()
	}
	return &Factory{
		logger:    logger.Named("signal-factory"),
		registry:  registry,
		store:     st,
		coherence: coherence,
		jury:      j,
		trifecta:  trifecta,
		recency:   recency,
	}
}

// Generate runs every applicable strategy for symbol against bars,
// filters through Trifecta, normalizes, deduplicates, and persists
// survivors. traceID is minted per scanner cycle by the caller and
// carried onto every resulting signal.
func (f *Factory) Generate(ctx context.Context, traceID, symbol string, bars []domain.OHLCV, htfBars []domain.OHLCV, regime domain.RegimeSample, params domain.DynamicParams) ([]domain.Signal, error) {
	var out []domain.Signal

	for _, strat := range f.registry.List() {
		if !appliesToRegime(strat, regime.Label) {
			continue
		}

		candidates, err := strat.Generate(symbol, bars, regime, params)
		if err != nil {
			f.logger.Warn("strategy generation failed",
				zap.String("strategy", strat.Name()), zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		for _, cand := range candidates {
			sig, err := f.finalize(ctx, traceID, cand, htfBars, regime, params)
			if err != nil {
				f.logger.Info("signal dropped",
					zap.String("strategy", strat.Name()), zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			if sig != nil {
				out = append(out, *sig)
			}
		}
	}

	return out, nil
}

// finalize normalizes, scores, validates, deduplicates, and persists a
// single candidate. A dropped candidate (non-canonical symbol, trap
// zone, below minimum score, failed validation, duplicate) comes back
// as a non-nil error like any other failure; finalize does not return
// nil, nil.
func (f *Factory) finalize(ctx context.Context, traceID string, cand domain.Signal, htfBars []domain.OHLCV, regime domain.RegimeSample, params domain.DynamicParams) (*domain.Signal, error) {
	canonical := Normalize(cand.Symbol)
	if cand.Symbol != canonical {
		f.reportUnnormalized(ctx, traceID, cand.Symbol, cand.Strategy)
		return nil, fmt.Errorf("signalfactory: symbol %q is not canonical (want %q)", cand.Symbol, canonical)
	}

	cand.TraceID = traceID
	cand.Timeframe = regime.Timeframe
	cand.GeneratedAt = time.Now()
	cand.RegimeAtGen = regime.Label
	cand.Status = domain.SignalStatusPending

	score, degraded, rejected, reason := f.trifecta.Evaluate(cand, htfBars, cand.GeneratedAt)
	if rejected {
		return nil, fmt.Errorf("signalfactory: trifecta rejected: %s", reason)
	}
	cand.Score = score
	if degraded {
		f.logger.Debug("trifecta running in degraded mode (missing higher-timeframe data)",
			zap.String("symbol", cand.Symbol), zap.String("strategy", cand.Strategy))
	}

	// Apply the Edge Tuner's per-regime score weight, if it has seeded
	// one for the regime this signal was generated in.
	if weight, ok := params.RegimeWeights[regime.Label]; ok && weight.IsPositive() {
		cand.Score = cand.Score.Mul(weight)
	}

	if cand.Score.LessThan(params.MinScore) {
		return nil, fmt.Errorf("signalfactory: score %s below minimum %s", cand.Score, params.MinScore)
	}

	if err := cand.Validate(); err != nil {
		return nil, fmt.Errorf("signalfactory: %w", err)
	}

	mode, err := f.jury.ModeFor(ctx, cand.Strategy, cand.Symbol)
	if err != nil {
		return nil, fmt.Errorf("signalfactory: shadow jury: %w", err)
	}
	cand.Mode = mode

	dup, err := f.isDuplicate(ctx, cand, regime.Label)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, fmt.Errorf("signalfactory: duplicate (symbol=%s direction=%s strategy=%s timeframe=%s)",
			cand.Symbol, cand.Direction, cand.Strategy, cand.Timeframe)
	}

	if cand.TraceID == "" {
		cand.TraceID = uuid.NewString()
	}
	if err := f.store.SaveSignal(ctx, cand); err != nil {
		return nil, fmt.Errorf("signalfactory: persist: %w", err)
	}
	return &cand, nil
}

// isDuplicate rejects a candidate if an identical (symbol, direction,
// strategy, timeframe) signal exists PENDING or within the
// regime-dependent recency window.
func (f *Factory) isDuplicate(ctx context.Context, cand domain.Signal, regime domain.Regime) (bool, error) {
	pending, err := f.store.PendingSignals(ctx, cand.Symbol)
	if err != nil {
		return false, fmt.Errorf("signalfactory: check pending: %w", err)
	}
	for _, p := range pending {
		if matches(p, cand) {
			return true, nil
		}
	}

	window, ok := f.recency[regime]
	if !ok {
		window = 20 * time.Minute
	}
	recent, err := f.store.RecentSignals(ctx, cand.Symbol, time.Now().Add(-window))
	if err != nil {
		return false, fmt.Errorf("signalfactory: check recency window: %w", err)
	}
	for _, r := range recent {
		if matches(r, cand) {
			return true, nil
		}
	}
	return false, nil
}

func matches(a, b domain.Signal) bool {
	return a.Symbol == b.Symbol && a.Direction == b.Direction &&
		a.Strategy == b.Strategy && a.Timeframe == b.Timeframe
}

func (f *Factory) reportUnnormalized(ctx context.Context, traceID, symbol, strategy string) {
	if f.coherence == nil {
		return
	}
	ev := domain.CoherenceEvent{
		TraceID:   traceID,
		Symbol:    symbol,
		Strategy:  strategy,
		Kind:      domain.CoherenceUnnormalizedSymbol,
		Detail:    fmt.Sprintf("candidate symbol %q is not canonical", symbol),
		Timestamp: time.Now(),
	}
	if err := f.coherence.Record(ctx, ev); err != nil {
		f.logger.Error("failed to record coherence fault", zap.Error(err))
	}
}
