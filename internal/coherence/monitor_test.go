package coherence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

type fakeStore struct {
	saved   []domain.CoherenceEvent
	pending []domain.Signal
	recent  []domain.CoherenceEvent
	saveErr error
	listErr error
}

func (f *fakeStore) SaveCoherenceEvent(_ context.Context, ev domain.CoherenceEvent) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, ev)
	return nil
}

func (f *fakeStore) RecentCoherenceEvents(_ context.Context, n int) ([]domain.CoherenceEvent, error) {
	if n < len(f.recent) {
		return f.recent[:n], nil
	}
	return f.recent, nil
}

func (f *fakeStore) ListPendingSignals(_ context.Context) ([]domain.Signal, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.pending, nil
}

func newTestMonitor(st store) *Monitor {
	return New(zap.NewNop(), st, nil)
}

func TestRecordPersistsAndNotifiesSubscribers(t *testing.T) {
	fs := &fakeStore{}
	m := newTestMonitor(fs)

	var got domain.CoherenceEvent
	m.Subscribe(func(ev domain.CoherenceEvent) { got = ev })

	err := m.Record(context.Background(), domain.CoherenceEvent{
		Symbol: "EURUSD",
		Kind:   domain.CoherenceExecutedWithoutTicket,
		Detail: "no ticket",
	})
	require.NoError(t, err)
	require.Len(t, fs.saved, 1)
	require.Equal(t, domain.CoherenceExecutedWithoutTicket, got.Kind)
	require.False(t, fs.saved[0].Timestamp.IsZero())
}

func TestSweepPendingTimeoutsFlagsStaleSignals(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		pending: []domain.Signal{
			{TraceID: "stale-1m", Symbol: "EURUSD", Timeframe: domain.Timeframe1m, GeneratedAt: now.Add(-5 * time.Minute)},
			{TraceID: "fresh-1h", Symbol: "EURUSD", Timeframe: domain.Timeframe1h, GeneratedAt: now.Add(-5 * time.Minute)},
		},
	}
	m := newTestMonitor(fs)

	flagged, err := m.SweepPendingTimeouts(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, flagged)
	require.Len(t, fs.saved, 1)
	require.Equal(t, "stale-1m", fs.saved[0].TraceID)
	require.Equal(t, domain.CoherencePendingTimeout, fs.saved[0].Kind)
}

func TestCheckModuleMismatchFlagsDisagreement(t *testing.T) {
	fs := &fakeStore{}
	m := newTestMonitor(fs)

	authoritative := map[string]bool{"scanner": false}
	observed := []ModuleState{{Module: "scanner", Enabled: true}}

	flagged, err := m.CheckModuleMismatch(context.Background(), "EURUSD", authoritative, observed)
	require.NoError(t, err)
	require.Equal(t, 1, flagged)
	require.Equal(t, domain.CoherenceModuleMismatch, fs.saved[0].Kind)
}

func TestCheckModuleMismatchSkipsAgreement(t *testing.T) {
	fs := &fakeStore{}
	m := newTestMonitor(fs)

	authoritative := map[string]bool{"scanner": true}
	observed := []ModuleState{{Module: "scanner", Enabled: true}}

	flagged, err := m.CheckModuleMismatch(context.Background(), "EURUSD", authoritative, observed)
	require.NoError(t, err)
	require.Equal(t, 0, flagged)
	require.Empty(t, fs.saved)
}

func TestRecentReturnsStoreEvents(t *testing.T) {
	fs := &fakeStore{recent: []domain.CoherenceEvent{{Symbol: "EURUSD"}, {Symbol: "GBPUSD"}}}
	m := newTestMonitor(fs)

	events, err := m.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
