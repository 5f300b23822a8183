package closure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

type fakeStore struct {
	failuresBeforeSuccess int
	calls                 int
	saved                 []domain.ClosedTradeEvent
	insertedResult        bool
}

func (f *fakeStore) SaveClosedTrade(_ context.Context, ev domain.ClosedTradeEvent, _ string) (bool, error) {
	f.calls++
	if f.calls <= f.failuresBeforeSuccess {
		return false, errors.New("transient db error")
	}
	f.saved = append(f.saved, ev)
	if f.insertedResult {
		return true, nil
	}
	return f.calls == f.failuresBeforeSuccess+1, nil
}

type fakeRisk struct {
	lockdown   bool
	lockdownErr error
	recorded   []domain.TradeResult
	recordErr  error
}

func (f *fakeRisk) RecordTradeResult(_ context.Context, outcome domain.TradeResult, _ decimal.Decimal) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, outcome)
	return nil
}

func (f *fakeRisk) IsLockdown(context.Context) (bool, error) {
	return f.lockdown, f.lockdownErr
}

type fakeTuner struct {
	calls    int
	triggers []string
}

func (f *fakeTuner) Tune(_ context.Context, trigger string) error {
	f.calls++
	f.triggers = append(f.triggers, trigger)
	return nil
}

func fastConfig() Config {
	return Config{RetryDelays: []time.Duration{time.Millisecond, time.Millisecond}, TuneEveryN: 3}
}

func TestHandleClosedPersistsAndRecordsResult(t *testing.T) {
	fs := &fakeStore{insertedResult: true}
	fr := &fakeRisk{}
	l := New(zap.NewNop(), fs, fr, nil, fastConfig())

	ev := domain.ClosedTradeEvent{Ticket: "T1", PnL: decimal.NewFromInt(10)}
	err := l.HandleClosed(context.Background(), ev, "ema-crossover")
	require.NoError(t, err)
	require.Len(t, fs.saved, 1)
	require.Equal(t, []domain.TradeResult{domain.TradeResultWin}, fr.recorded)
}

func TestHandleClosedSkipsDuplicateDelivery(t *testing.T) {
	fs := &fakeStore{insertedResult: false}
	fr := &fakeRisk{}
	l := New(zap.NewNop(), fs, fr, nil, fastConfig())

	ev := domain.ClosedTradeEvent{Ticket: "T1", PnL: decimal.NewFromInt(10)}
	err := l.HandleClosed(context.Background(), ev, "ema-crossover")
	require.NoError(t, err)
	fr.recorded = nil

	err = l.HandleClosed(context.Background(), ev, "ema-crossover")
	require.NoError(t, err)
	require.Empty(t, fr.recorded)
}

func TestHandleClosedRetriesPersistenceFailures(t *testing.T) {
	fs := &fakeStore{failuresBeforeSuccess: 2}
	fr := &fakeRisk{}
	l := New(zap.NewNop(), fs, fr, nil, fastConfig())

	ev := domain.ClosedTradeEvent{Ticket: "T1", PnL: decimal.NewFromInt(-5)}
	err := l.HandleClosed(context.Background(), ev, "ema-crossover")
	require.NoError(t, err)
	require.Equal(t, 3, fs.calls)
	require.Equal(t, []domain.TradeResult{domain.TradeResultLoss}, fr.recorded)
}

func TestHandleClosedGivesUpAfterExhaustingRetries(t *testing.T) {
	fs := &fakeStore{failuresBeforeSuccess: 100}
	fr := &fakeRisk{}
	l := New(zap.NewNop(), fs, fr, nil, fastConfig())

	ev := domain.ClosedTradeEvent{Ticket: "T1"}
	err := l.HandleClosed(context.Background(), ev, "ema-crossover")
	require.Error(t, err)
	require.Equal(t, 3, fs.calls) // initial + 2 configured retries
}

func TestHandleClosedTriggersTunerEveryNTrades(t *testing.T) {
	fs := &fakeStore{insertedResult: true}
	fr := &fakeRisk{}
	ft := &fakeTuner{}
	l := New(zap.NewNop(), fs, fr, ft, fastConfig())

	for i := 0; i < 3; i++ {
		ev := domain.ClosedTradeEvent{Ticket: string(rune('A' + i)), PnL: decimal.NewFromInt(1)}
		require.NoError(t, l.HandleClosed(context.Background(), ev, "ema-crossover"))
	}
	require.Equal(t, 1, ft.calls)
	require.Equal(t, []string{"N_TRADES"}, ft.triggers)
}

func TestHandleClosedTriggersTunerImmediatelyOnLockdown(t *testing.T) {
	fs := &fakeStore{insertedResult: true}
	fr := &fakeRisk{lockdown: true}
	ft := &fakeTuner{}
	l := New(zap.NewNop(), fs, fr, ft, fastConfig())

	ev := domain.ClosedTradeEvent{Ticket: "T1", PnL: decimal.NewFromInt(-1)}
	require.NoError(t, l.HandleClosed(context.Background(), ev, "ema-crossover"))
	require.Equal(t, 1, ft.calls)
	require.Equal(t, []string{"LOCKDOWN"}, ft.triggers)
}

func TestHandleClosedSkipsTuningWithNilTuner(t *testing.T) {
	fs := &fakeStore{insertedResult: true}
	fr := &fakeRisk{lockdown: true}
	l := New(zap.NewNop(), fs, fr, nil, fastConfig())

	ev := domain.ClosedTradeEvent{Ticket: "T1"}
	require.NoError(t, l.HandleClosed(context.Background(), ev, "ema-crossover"))
}
