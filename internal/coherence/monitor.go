// Package coherence watches for cross-subsystem disagreements that no
// single module can see on its own: a symbol reaching Persistence in
// non-canonical form, an order the broker acknowledged without a
// ticket, a signal left PENDING past its timeframe's patience, or a
// module toggle one subsystem still honors after another has disabled
// it. It replaces the teacher's general-purpose event bus with a
// narrow, typed sink: there is exactly one kind of thing flowing
// through it, a CoherenceEvent, and exactly one place it settles,
// Persistence.
package coherence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

// store is the subset of persistence.Store the Monitor depends on.
type store interface {
	SaveCoherenceEvent(ctx context.Context, ev domain.CoherenceEvent) error
	RecentCoherenceEvents(ctx context.Context, n int) ([]domain.CoherenceEvent, error)
	ListPendingSignals(ctx context.Context) ([]domain.Signal, error)
}

// PendingTimeout maps a timeframe to how long a signal may sit PENDING
// before the Monitor considers it stuck and emits a PENDING_TIMEOUT
// fault. Shorter timeframes run out of patience sooner.
type PendingTimeout map[domain.Timeframe]time.Duration

// DefaultPendingTimeout scales patience with bar interval: a pending
// signal on the 1m chart is stale far sooner than one on the 1d chart.
func DefaultPendingTimeout() PendingTimeout {
	return PendingTimeout{
		domain.Timeframe1m:  2 * time.Minute,
		domain.Timeframe5m:  10 * time.Minute,
		domain.Timeframe15m: 30 * time.Minute,
		domain.Timeframe1h:  2 * time.Hour,
		domain.Timeframe4h:  8 * time.Hour,
		domain.Timeframe1d:  48 * time.Hour,
	}
}

// Subscriber receives every CoherenceEvent as it is recorded, for
// callers that want to react in-process (the Notifier forwards
// COHERENCE_FAULT notifications this way) rather than poll Persistence.
type Subscriber func(ev domain.CoherenceEvent)

// Monitor is the single recording point for coherence faults detected
// anywhere in the system, plus its own periodic sweeps for faults only
// visible by looking across the whole signal/position set.
type Monitor struct {
	logger      *zap.Logger
	store       store
	timeout     PendingTimeout
	subscribers []Subscriber
}

// New constructs a Monitor. A nil timeout map uses DefaultPendingTimeout.
func New(logger *zap.Logger, st store, timeout PendingTimeout) *Monitor {
	if timeout == nil {
		timeout = DefaultPendingTimeout()
	}
	return &Monitor{
		logger:  logger.Named("coherence-monitor"),
		store:   st,
		timeout: timeout,
	}
}

// Subscribe registers a callback invoked synchronously after every
// successful Record. Intended for lightweight in-process fan-out
// (metrics, notifier); subscribers must not block.
func (m *Monitor) Subscribe(sub Subscriber) {
	m.subscribers = append(m.subscribers, sub)
}

// Record persists a CoherenceEvent and notifies subscribers. This is
// the method executor.Executor and signalfactory.Factory call directly
// when they detect a fault themselves.
func (m *Monitor) Record(ctx context.Context, ev domain.CoherenceEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := m.store.SaveCoherenceEvent(ctx, ev); err != nil {
		return fmt.Errorf("coherence: record: %w", err)
	}
	m.logger.Warn("coherence fault",
		zap.String("kind", string(ev.Kind)),
		zap.String("symbol", ev.Symbol),
		zap.String("strategy", ev.Strategy),
		zap.String("trace_id", ev.TraceID),
		zap.String("detail", ev.Detail))
	for _, sub := range m.subscribers {
		sub(ev)
	}
	return nil
}

// SweepPendingTimeouts scans every PENDING signal and reports one
// PENDING_TIMEOUT fault per signal that has outlived its timeframe's
// patience window. Intended to run once per Scanner cycle alongside the
// rest of the per-cycle supervision passes.
func (m *Monitor) SweepPendingTimeouts(ctx context.Context, now time.Time) (int, error) {
	pending, err := m.store.ListPendingSignals(ctx)
	if err != nil {
		return 0, fmt.Errorf("coherence: sweep pending timeouts: %w", err)
	}

	var flagged int
	for _, sig := range pending {
		limit, ok := m.timeout[sig.Timeframe]
		if !ok {
			limit = 30 * time.Minute
		}
		if now.Sub(sig.GeneratedAt) < limit {
			continue
		}
		ev := domain.CoherenceEvent{
			TraceID:   sig.TraceID,
			Symbol:    sig.Symbol,
			Strategy:  sig.Strategy,
			Kind:      domain.CoherencePendingTimeout,
			Detail:    fmt.Sprintf("signal pending %s against a %s limit of %s", now.Sub(sig.GeneratedAt), sig.Timeframe, limit),
			Timestamp: now,
		}
		if err := m.Record(ctx, ev); err != nil {
			m.logger.Error("failed to record pending timeout fault", zap.Error(err), zap.String("trace_id", sig.TraceID))
			continue
		}
		flagged++
	}
	return flagged, nil
}

// ModuleState is the toggle view one subsystem reports for itself.
type ModuleState struct {
	Module  string
	Enabled bool
}

// CheckModuleMismatch compares the toggle every subsystem believes is
// in effect for a symbol against the authoritative set held by the
// control surface. Any disagreement emits a MODULE_MISMATCH fault: it
// means one subsystem is still acting on a module the operator disabled
// (or vice versa).
func (m *Monitor) CheckModuleMismatch(ctx context.Context, symbol string, authoritative map[string]bool, observed []ModuleState) (int, error) {
	var flagged int
	for _, obs := range observed {
		want, ok := authoritative[obs.Module]
		if !ok || want == obs.Enabled {
			continue
		}
		ev := domain.CoherenceEvent{
			Symbol: symbol,
			Kind:   domain.CoherenceModuleMismatch,
			Detail: fmt.Sprintf("module %q observed enabled=%t, authoritative enabled=%t", obs.Module, obs.Enabled, want),
		}
		if err := m.Record(ctx, ev); err != nil {
			return flagged, fmt.Errorf("coherence: check module mismatch: %w", err)
		}
		flagged++
	}
	return flagged, nil
}

// Recent returns the n most recently recorded faults, newest first,
// used by the control surface's read-side coherence event feed.
func (m *Monitor) Recent(ctx context.Context, n int) ([]domain.CoherenceEvent, error) {
	events, err := m.store.RecentCoherenceEvents(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("coherence: recent: %w", err)
	}
	return events, nil
}
