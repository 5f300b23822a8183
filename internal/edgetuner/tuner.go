// Package edgetuner implements the Edge Tuner: the process that
// reads back recent closed-trade performance and nudges the dynamic,
// hot-reloadable parameters every strategy and the Risk Manager read
// from (entry threshold, stop distance, and per-trade risk). It never
// rewrites history — every run appends a new DynamicParams version
// and logs the run for audit, exactly mirroring the teacher's
// append-only scoring idiom in its feedback-driven strategy optimizer.
package edgetuner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

// store is the subset of persistence.Store the tuner needs.
type store interface {
	RecentTrades(ctx context.Context, n int) ([]domain.ClosedTradeEvent, error)
	LatestDynamicParams(ctx context.Context) (*domain.DynamicParams, error)
	SaveDynamicParams(ctx context.Context, p domain.DynamicParams) error
	RecordTuningRun(ctx context.Context, triggeredBy string, tradeCount int, oldVersion, newVersion int64) error
}

// Bounds are the hard limits no tuning run may push a parameter past,
// regardless of how strongly recent performance argues for it.
type Bounds struct {
	MinADXThreshold, MaxADXThreshold           decimal.Decimal
	MinATRMultiplier, MaxATRMultiplier         decimal.Decimal
	MinScoreFloor, MaxScoreFloor               decimal.Decimal
	MinRiskFraction, MaxRiskFraction           decimal.Decimal
}

// DefaultBounds matches spec.md's stated tuning envelope.
func DefaultBounds() Bounds {
	return Bounds{
		MinADXThreshold:  decimal.NewFromInt(15),
		MaxADXThreshold:  decimal.NewFromInt(40),
		MinATRMultiplier: decimal.NewFromFloat(1.0),
		MaxATRMultiplier: decimal.NewFromFloat(4.0),
		MinScoreFloor:    decimal.NewFromInt(40),
		MaxScoreFloor:    decimal.NewFromInt(85),
		MinRiskFraction:  decimal.NewFromFloat(0.0025),
		MaxRiskFraction:  decimal.NewFromFloat(0.02),
	}
}

// Config tunes the tuner itself.
type Config struct {
	WindowSize int
	// MinSampleSize is the fewest closed trades the tuner will act on;
	// below this it logs and declines to adjust anything.
	MinSampleSize int
	// LowWinRate/HighWinRate bracket the "tighten vs loosen" decision.
	LowWinRate, HighWinRate decimal.Decimal
	// ADXStep, ATRStep, ScoreStep, RiskStep are the per-run nudge sizes.
	ADXStep, ATRStep, ScoreStep, RiskStep decimal.Decimal
	Bounds                                Bounds
}

// DefaultConfig matches spec.md's 30-trade window, 20-trade minimum
// sample, and conservative single-step nudges per run.
func DefaultConfig() Config {
	return Config{
		WindowSize:    30,
		MinSampleSize: 20,
		LowWinRate:    decimal.NewFromFloat(0.45),
		HighWinRate:   decimal.NewFromFloat(0.60),
		ADXStep:       decimal.NewFromInt(1),
		ATRStep:       decimal.NewFromFloat(0.1),
		ScoreStep:     decimal.NewFromInt(2),
		RiskStep:      decimal.NewFromFloat(0.0005),
		Bounds:        DefaultBounds(),
	}
}

// Tuner is the Edge Tuner.
type Tuner struct {
	logger *zap.Logger
	store  store
	cfg    Config
}

// New constructs a Tuner.
func New(logger *zap.Logger, st store, cfg Config) *Tuner {
	return &Tuner{logger: logger.Named("edge-tuner"), store: st, cfg: cfg}
}

// Tune runs one tuning pass. trigger is an audit label ("N_TRADES" or
// "LOCKDOWN") recorded alongside the run, not behavior that branches
// the math below — a lockdown-triggered run reads the same window and
// applies the same rules, it simply runs off-cadence.
func (t *Tuner) Tune(ctx context.Context, trigger string) error {
	current, err := t.store.LatestDynamicParams(ctx)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("edgetuner: load current params: %w", err)
		}
		d := defaultDynamicParams()
		current = &d
	}

	trades, err := t.store.RecentTrades(ctx, t.cfg.WindowSize)
	if err != nil {
		return fmt.Errorf("edgetuner: load recent trades: %w", err)
	}
	if len(trades) < t.cfg.MinSampleSize {
		t.logger.Info("insufficient sample, skipping tuning run",
			zap.Int("trades", len(trades)), zap.Int("min_sample", t.cfg.MinSampleSize))
		return nil
	}

	overallWinRate := winRate(trades)
	regimeWinRates := winRateByRegime(trades)
	strategyProfitFactors := profitFactorByStrategy(trades)

	next := *current
	next.Version = current.Version + 1
	next.RegimeWeights = cloneRegimeMap(current.RegimeWeights)
	next.TrailingATRMultiplier = cloneRegimeMap(current.TrailingATRMultiplier)

	t.adjustEntryBar(&next, overallWinRate)
	t.adjustStopDistance(&next, trades)
	t.adjustRiskFraction(&next, overallWinRate)
	t.adjustRegimeWeights(&next, regimeWinRates)

	t.logger.Info("edge tuner run complete",
		zap.String("trigger", trigger),
		zap.Int("sample_size", len(trades)),
		zap.String("overall_win_rate", overallWinRate.String()),
		zap.Any("strategy_profit_factors", decimalMapStrings(strategyProfitFactors)),
		zap.Int64("old_version", current.Version),
		zap.Int64("new_version", next.Version))

	if err := t.store.SaveDynamicParams(ctx, next); err != nil {
		return fmt.Errorf("edgetuner: save new params: %w", err)
	}
	if err := t.store.RecordTuningRun(ctx, trigger, len(trades), current.Version, next.Version); err != nil {
		return fmt.Errorf("edgetuner: record tuning run: %w", err)
	}
	return nil
}

// adjustEntryBar tightens ADXThreshold and MinScore when recent win
// rate is weak, and loosens them one step at a time when it is
// healthy, clamped to Bounds either way.
func (t *Tuner) adjustEntryBar(p *domain.DynamicParams, wr decimal.Decimal) {
	switch {
	case wr.LessThan(t.cfg.LowWinRate):
		p.ADXThreshold = clamp(p.ADXThreshold.Add(t.cfg.ADXStep), t.cfg.Bounds.MinADXThreshold, t.cfg.Bounds.MaxADXThreshold)
		p.MinScore = clamp(p.MinScore.Add(t.cfg.ScoreStep), t.cfg.Bounds.MinScoreFloor, t.cfg.Bounds.MaxScoreFloor)
	case wr.GreaterThan(t.cfg.HighWinRate):
		p.ADXThreshold = clamp(p.ADXThreshold.Sub(t.cfg.ADXStep), t.cfg.Bounds.MinADXThreshold, t.cfg.Bounds.MaxADXThreshold)
		p.MinScore = clamp(p.MinScore.Sub(t.cfg.ScoreStep), t.cfg.Bounds.MinScoreFloor, t.cfg.Bounds.MaxScoreFloor)
	}
}

// adjustStopDistance widens ATRMultiplier when a majority of recent
// losses are stop-outs (the stop is too tight for current volatility)
// and narrows it when losses are rare, clamped to Bounds.
func (t *Tuner) adjustStopDistance(p *domain.DynamicParams, trades []domain.ClosedTradeEvent) {
	losses, stopOuts := 0, 0
	for _, tr := range trades {
		if tr.Result == domain.TradeResultLoss {
			losses++
			if tr.ExitReason == "STOP_LOSS" || tr.ExitReason == "EMERGENCY_LOSS" {
				stopOuts++
			}
		}
	}
	if losses == 0 {
		return
	}
	stopOutFraction := decimal.NewFromInt(int64(stopOuts)).Div(decimal.NewFromInt(int64(losses)))
	switch {
	case stopOutFraction.GreaterThan(decimal.NewFromFloat(0.6)):
		p.ATRMultiplier = clamp(p.ATRMultiplier.Add(t.cfg.ATRStep), t.cfg.Bounds.MinATRMultiplier, t.cfg.Bounds.MaxATRMultiplier)
	case stopOutFraction.LessThan(decimal.NewFromFloat(0.2)):
		p.ATRMultiplier = clamp(p.ATRMultiplier.Sub(t.cfg.ATRStep), t.cfg.Bounds.MinATRMultiplier, t.cfg.Bounds.MaxATRMultiplier)
	}
}

// adjustRiskFraction shrinks per-trade risk when the overall win rate
// is weak and grows it cautiously, one step per run, when it is
// healthy — never past Bounds, and never in response to a single
// trade, only the rolling window.
func (t *Tuner) adjustRiskFraction(p *domain.DynamicParams, wr decimal.Decimal) {
	switch {
	case wr.LessThan(t.cfg.LowWinRate):
		p.PerTradeRiskFraction = clamp(p.PerTradeRiskFraction.Sub(t.cfg.RiskStep), t.cfg.Bounds.MinRiskFraction, t.cfg.Bounds.MaxRiskFraction)
	case wr.GreaterThan(t.cfg.HighWinRate):
		p.PerTradeRiskFraction = clamp(p.PerTradeRiskFraction.Add(t.cfg.RiskStep), t.cfg.Bounds.MinRiskFraction, t.cfg.Bounds.MaxRiskFraction)
	}
}

// adjustRegimeWeights nudges each regime's weight down when its own
// win rate is weak, leaving regimes with no trades in the window
// untouched.
func (t *Tuner) adjustRegimeWeights(p *domain.DynamicParams, regimeWinRates map[domain.Regime]decimal.Decimal) {
	if p.RegimeWeights == nil {
		p.RegimeWeights = make(map[domain.Regime]decimal.Decimal)
	}
	for regime, wr := range regimeWinRates {
		weight, ok := p.RegimeWeights[regime]
		if !ok {
			weight = decimal.NewFromInt(1)
		}
		if wr.LessThan(t.cfg.LowWinRate) {
			weight = clamp(weight.Sub(decimal.NewFromFloat(0.1)), decimal.NewFromFloat(0.1), decimal.NewFromInt(1))
		} else if wr.GreaterThan(t.cfg.HighWinRate) {
			weight = clamp(weight.Add(decimal.NewFromFloat(0.1)), decimal.NewFromFloat(0.1), decimal.NewFromInt(1))
		}
		p.RegimeWeights[regime] = weight
	}
}

func winRate(trades []domain.ClosedTradeEvent) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, tr := range trades {
		if tr.Result == domain.TradeResultWin {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(trades))))
}

func winRateByRegime(trades []domain.ClosedTradeEvent) map[domain.Regime]decimal.Decimal {
	byRegime := make(map[domain.Regime][]domain.ClosedTradeEvent)
	for _, tr := range trades {
		if tr.Regime == "" {
			continue
		}
		byRegime[tr.Regime] = append(byRegime[tr.Regime], tr)
	}
	out := make(map[domain.Regime]decimal.Decimal, len(byRegime))
	for regime, rTrades := range byRegime {
		out[regime] = winRate(rTrades)
	}
	return out
}

func profitFactorByStrategy(trades []domain.ClosedTradeEvent) map[string]decimal.Decimal {
	grossProfit := make(map[string]decimal.Decimal)
	grossLoss := make(map[string]decimal.Decimal)
	for _, tr := range trades {
		if tr.Strategy == "" {
			continue
		}
		if tr.PnL.IsPositive() {
			grossProfit[tr.Strategy] = grossProfit[tr.Strategy].Add(tr.PnL)
		} else if tr.PnL.IsNegative() {
			grossLoss[tr.Strategy] = grossLoss[tr.Strategy].Add(tr.PnL.Abs())
		}
	}
	out := make(map[string]decimal.Decimal, len(grossProfit))
	for strategy, profit := range grossProfit {
		loss := grossLoss[strategy]
		if loss.IsZero() {
			out[strategy] = decimal.NewFromInt(1000)
			continue
		}
		out[strategy] = profit.Div(loss)
	}
	return out
}

func clamp(v, min, max decimal.Decimal) decimal.Decimal {
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}

func cloneRegimeMap(m map[domain.Regime]decimal.Decimal) map[domain.Regime]decimal.Decimal {
	out := make(map[domain.Regime]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func decimalMapStrings(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

// defaultDynamicParams seeds the first tuning run when no prior
// version exists yet, matching the Risk Manager's own conservative
// process-start defaults.
func defaultDynamicParams() domain.DynamicParams {
	return domain.DynamicParams{
		ADXThreshold:          decimal.NewFromInt(25),
		ATRMultiplier:         decimal.NewFromFloat(2.0),
		MinScore:              decimal.NewFromInt(60),
		PerTradeRiskFraction:  decimal.NewFromFloat(0.01),
		RegimeWeights:         make(map[domain.Regime]decimal.Decimal),
		TrailingATRMultiplier: make(map[domain.Regime]decimal.Decimal),
		BreakevenDistanceMult: decimal.NewFromFloat(1.0),
		Version:               0,
	}
}
