package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/aethelgard/core/internal/domain"
)

// SaveSignal persists a newly generated signal.
func (s *Store) SaveSignal(ctx context.Context, sig domain.Signal) error {
	const q = `
		INSERT INTO signals
			(trace_id, symbol, direction, entry, stop_loss, take_profit, strategy, timeframe,
			 generated_at, score, regime_at_gen, execution_mode, status, rejection_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := s.pool.Exec(ctx, q, sig.TraceID, sig.Symbol, sig.Direction, sig.Entry, sig.StopLoss,
		sig.TakeProfit, sig.Strategy, sig.Timeframe, sig.GeneratedAt, sig.Score, sig.RegimeAtGen,
		sig.Mode, sig.Status, sig.RejectionReason)
	if err != nil {
		return fmt.Errorf("persistence: save signal %s: %w", sig.TraceID, err)
	}
	return nil
}

// AdvanceSignalStatus moves a persisted signal forward. It only
// succeeds from PENDING, matching Signal.Advance's in-memory invariant.
func (s *Store) AdvanceSignalStatus(ctx context.Context, traceID string, next domain.SignalStatus, reason string) error {
	const q = `
		UPDATE signals SET status = $2, rejection_reason = $3
		WHERE trace_id = $1 AND status = 'PENDING'`
	tag, err := s.pool.Exec(ctx, q, traceID, next, reason)
	if err != nil {
		return fmt.Errorf("persistence: advance signal %s: %w", traceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persistence: signal %s not found or already advanced", traceID)
	}
	return nil
}

// RecentSignals returns signals for a symbol generated at or after
// since, regardless of status, used by the Signal Factory's
// recency-window dedup check.
func (s *Store) RecentSignals(ctx context.Context, symbol string, since time.Time) ([]domain.Signal, error) {
	const q = `
		SELECT trace_id, symbol, direction, entry, stop_loss, take_profit, strategy, timeframe,
		       generated_at, score, regime_at_gen, execution_mode, status, rejection_reason
		FROM signals WHERE symbol = $1 AND generated_at >= $2`
	rows, err := s.pool.Query(ctx, q, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("persistence: recent signals %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		if err := rows.Scan(&sig.TraceID, &sig.Symbol, &sig.Direction, &sig.Entry, &sig.StopLoss,
			&sig.TakeProfit, &sig.Strategy, &sig.Timeframe, &sig.GeneratedAt, &sig.Score,
			&sig.RegimeAtGen, &sig.Mode, &sig.Status, &sig.RejectionReason); err != nil {
			return nil, fmt.Errorf("persistence: scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ListPendingSignals returns every signal still awaiting execution
// across all symbols, used by the Coherence Monitor's sweep for
// timeframe-dependent pending timeouts.
func (s *Store) ListPendingSignals(ctx context.Context) ([]domain.Signal, error) {
	const q = `
		SELECT trace_id, symbol, direction, entry, stop_loss, take_profit, strategy, timeframe,
		       generated_at, score, regime_at_gen, execution_mode, status, rejection_reason
		FROM signals WHERE status = 'PENDING'`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("persistence: list pending signals: %w", err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		if err := rows.Scan(&sig.TraceID, &sig.Symbol, &sig.Direction, &sig.Entry, &sig.StopLoss,
			&sig.TakeProfit, &sig.Strategy, &sig.Timeframe, &sig.GeneratedAt, &sig.Score,
			&sig.RegimeAtGen, &sig.Mode, &sig.Status, &sig.RejectionReason); err != nil {
			return nil, fmt.Errorf("persistence: scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// PendingSignals returns signals still awaiting execution for a symbol,
// used by the Signal Factory's duplicate check.
func (s *Store) PendingSignals(ctx context.Context, symbol string) ([]domain.Signal, error) {
	const q = `
		SELECT trace_id, symbol, direction, entry, stop_loss, take_profit, strategy, timeframe,
		       generated_at, score, regime_at_gen, execution_mode, status, rejection_reason
		FROM signals WHERE symbol = $1 AND status = 'PENDING'`
	rows, err := s.pool.Query(ctx, q, symbol)
	if err != nil {
		return nil, fmt.Errorf("persistence: pending signals %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		if err := rows.Scan(&sig.TraceID, &sig.Symbol, &sig.Direction, &sig.Entry, &sig.StopLoss,
			&sig.TakeProfit, &sig.Strategy, &sig.Timeframe, &sig.GeneratedAt, &sig.Score,
			&sig.RegimeAtGen, &sig.Mode, &sig.Status, &sig.RejectionReason); err != nil {
			return nil, fmt.Errorf("persistence: scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
