package signalfactory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

type stubStrategy struct {
	name      string
	regimes   []domain.Regime
	candidate domain.Signal
}

func (s stubStrategy) Name() string                         { return s.name }
func (s stubStrategy) ApplicableRegimes() []domain.Regime    { return s.regimes }
func (s stubStrategy) Generate(symbol string, _ []domain.OHLCV, _ domain.RegimeSample, _ domain.DynamicParams) ([]domain.Signal, error) {
	c := s.candidate
	c.Symbol = symbol
	return []domain.Signal{c}, nil
}

type fakeStore struct {
	pending []domain.Signal
	recent  []domain.Signal
	saved   []domain.Signal
}

func (f *fakeStore) RecentSignals(_ context.Context, _ string, _ time.Time) ([]domain.Signal, error) {
	return f.recent, nil
}
func (f *fakeStore) PendingSignals(_ context.Context, _ string) ([]domain.Signal, error) {
	return f.pending, nil
}
func (f *fakeStore) SaveSignal(_ context.Context, sig domain.Signal) error {
	f.saved = append(f.saved, sig)
	return nil
}

type fakeJury struct {
	mode domain.ExecutionMode
}

func (f *fakeJury) ModeFor(_ context.Context, _, _ string) (domain.ExecutionMode, error) {
	return f.mode, nil
}

type fakeCoherence struct {
	events []domain.CoherenceEvent
}

func (f *fakeCoherence) Record(_ context.Context, ev domain.CoherenceEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func buyCandidate(symbol string) domain.Signal {
	return domain.Signal{
		Symbol:     symbol,
		Direction:  domain.DirectionBuy,
		Entry:      decimal.NewFromInt(100),
		StopLoss:   decimal.NewFromInt(95),
		TakeProfit: decimal.NewFromInt(110),
		Strategy:   "ema-crossover",
		Score:      decimal.NewFromFloat(0.8),
	}
}

func htfBarsUptrend(n int) []domain.OHLCV {
	bars := make([]domain.OHLCV, n)
	price := decimal.NewFromInt(50)
	for i := range bars {
		price = price.Add(decimal.NewFromInt(1))
		bars[i] = domain.OHLCV{
			Open: price, High: price.Add(decimal.NewFromInt(1)),
			Low: price.Sub(decimal.NewFromInt(1)), Close: price,
			Timestamp: time.Now().Add(-time.Duration(n-i) * time.Hour),
		}
	}
	return bars
}

func TestGeneratePersistsSurvivingCandidate(t *testing.T) {
	strat := stubStrategy{name: "ema-crossover", candidate: buyCandidate("EURUSD")}
	reg := NewRegistry()
	reg.Register(strat)

	fs := &fakeStore{}
	fj := &fakeJury{mode: domain.ExecutionModeVirtual}
	factory := New(zap.NewNop(), reg, fs, nil, fj, NewTrifecta(DefaultTrifectaConfig()), nil)

	regime := domain.RegimeSample{Label: domain.RegimeTrend, Timeframe: domain.Timeframe1h}
	params := domain.DynamicParams{MinScore: decimal.NewFromInt(10)}

	out, err := factory.Generate(context.Background(), "trace-1", "EURUSD", nil, htfBarsUptrend(60), regime, params)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, domain.ExecutionModeVirtual, out[0].Mode)
	require.Equal(t, domain.SignalStatusPending, out[0].Status)
	require.Len(t, fs.saved, 1)
}

func TestGenerateSkipsStrategyNotApplicableToRegime(t *testing.T) {
	strat := stubStrategy{name: "bollinger", regimes: []domain.Regime{domain.RegimeRange}, candidate: buyCandidate("EURUSD")}
	reg := NewRegistry()
	reg.Register(strat)

	fs := &fakeStore{}
	fj := &fakeJury{mode: domain.ExecutionModeVirtual}
	factory := New(zap.NewNop(), reg, fs, nil, fj, NewTrifecta(DefaultTrifectaConfig()), nil)

	regime := domain.RegimeSample{Label: domain.RegimeTrend, Timeframe: domain.Timeframe1h}
	params := domain.DynamicParams{MinScore: decimal.NewFromInt(10)}

	out, err := factory.Generate(context.Background(), "trace-1", "EURUSD", nil, htfBarsUptrend(60), regime, params)
	require.NoError(t, err)
	require.Empty(t, out)
	require.Empty(t, fs.saved)
}

func TestGenerateDropsDuplicatePendingSignal(t *testing.T) {
	strat := stubStrategy{name: "ema-crossover", candidate: buyCandidate("EURUSD")}
	reg := NewRegistry()
	reg.Register(strat)

	fs := &fakeStore{pending: []domain.Signal{
		{Symbol: "EURUSD", Direction: domain.DirectionBuy, Strategy: "ema-crossover", Timeframe: domain.Timeframe1h},
	}}
	fj := &fakeJury{mode: domain.ExecutionModeVirtual}
	factory := New(zap.NewNop(), reg, fs, nil, fj, NewTrifecta(DefaultTrifectaConfig()), nil)

	regime := domain.RegimeSample{Label: domain.RegimeTrend, Timeframe: domain.Timeframe1h}
	params := domain.DynamicParams{MinScore: decimal.NewFromInt(10)}

	out, err := factory.Generate(context.Background(), "trace-1", "EURUSD", nil, htfBarsUptrend(60), regime, params)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestGenerateAppliesRegimeWeightToScore(t *testing.T) {
	strat := stubStrategy{name: "ema-crossover", candidate: buyCandidate("EURUSD")}
	reg := NewRegistry()
	reg.Register(strat)

	fs := &fakeStore{}
	fj := &fakeJury{mode: domain.ExecutionModeVirtual}
	factory := New(zap.NewNop(), reg, fs, nil, fj, NewTrifecta(DefaultTrifectaConfig()), nil)

	regime := domain.RegimeSample{Label: domain.RegimeTrend, Timeframe: domain.Timeframe1h}
	// Trifecta scores an aligned, non-narrow signal around 70-80; a 0.1
	// regime weight drags it under the 10 minimum so it is dropped.
	params := domain.DynamicParams{
		MinScore:      decimal.NewFromInt(10),
		RegimeWeights: map[domain.Regime]decimal.Decimal{domain.RegimeTrend: decimal.NewFromFloat(0.1)},
	}

	out, err := factory.Generate(context.Background(), "trace-1", "EURUSD", nil, htfBarsUptrend(60), regime, params)
	require.NoError(t, err)
	require.Empty(t, out)
	require.Empty(t, fs.saved)
}

func TestGenerateIgnoresRegimeWeightForDifferentRegime(t *testing.T) {
	strat := stubStrategy{name: "ema-crossover", candidate: buyCandidate("EURUSD")}
	reg := NewRegistry()
	reg.Register(strat)

	fs := &fakeStore{}
	fj := &fakeJury{mode: domain.ExecutionModeVirtual}
	factory := New(zap.NewNop(), reg, fs, nil, fj, NewTrifecta(DefaultTrifectaConfig()), nil)

	regime := domain.RegimeSample{Label: domain.RegimeTrend, Timeframe: domain.Timeframe1h}
	params := domain.DynamicParams{
		MinScore:      decimal.NewFromInt(10),
		RegimeWeights: map[domain.Regime]decimal.Decimal{domain.RegimeRange: decimal.NewFromFloat(0.1)},
	}

	out, err := factory.Generate(context.Background(), "trace-1", "EURUSD", nil, htfBarsUptrend(60), regime, params)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestGenerateReportsUnnormalizedSymbol(t *testing.T) {
	cand := buyCandidate("EUR/USD")
	strat := stubStrategy{name: "ema-crossover", candidate: cand}
	reg := NewRegistry()
	reg.Register(strat)

	fs := &fakeStore{}
	fj := &fakeJury{mode: domain.ExecutionModeVirtual}
	fc := &fakeCoherence{}
	factory := New(zap.NewNop(), reg, fs, fc, fj, NewTrifecta(DefaultTrifectaConfig()), nil)

	regime := domain.RegimeSample{Label: domain.RegimeTrend, Timeframe: domain.Timeframe1h}
	params := domain.DynamicParams{MinScore: decimal.NewFromInt(10)}

	out, err := factory.Generate(context.Background(), "trace-1", "EUR/USD", nil, htfBarsUptrend(60), regime, params)
	require.NoError(t, err)
	require.Empty(t, out)
	require.Len(t, fc.events, 1)
	require.Equal(t, domain.CoherenceUnnormalizedSymbol, fc.events[0].Kind)
}
