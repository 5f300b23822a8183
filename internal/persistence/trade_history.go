package persistence

import (
	"context"
	"fmt"

	"github.com/aethelgard/core/internal/domain"
)

// SaveClosedTrade records a closed trade idempotently: a duplicate
// delivery of the same ticket is a no-op, which is what lets the Trade
// Closure Listener treat handle_trade_closed as safe to call more than
// once for the same ticket.
func (s *Store) SaveClosedTrade(ctx context.Context, ev domain.ClosedTradeEvent, strategy string) (inserted bool, err error) {
	const q = `
		INSERT INTO trade_history
			(ticket, symbol, entry, exit, entry_time, exit_time, pips, pnl, result,
			 exit_reason, broker_id, signal_id, strategy, execution_mode, entry_regime)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (ticket) DO NOTHING`
	mode := ev.Mode
	if mode == "" {
		mode = domain.ExecutionModeReal
	}
	tag, err := s.pool.Exec(ctx, q, ev.Ticket, ev.Symbol, ev.Entry, ev.Exit, ev.EntryTime,
		ev.ExitTime, ev.Pips, ev.PnL, ev.Result, ev.ExitReason, ev.BrokerID, ev.SignalID, strategy, mode, ev.Regime)
	if err != nil {
		return false, fmt.Errorf("persistence: save closed trade %s: %w", ev.Ticket, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecentTradesByStrategySymbol returns the most recent n closed trades
// for a (strategy, symbol) pair, newest first — the Shadow Jury's
// rolling window input.
func (s *Store) RecentTradesByStrategySymbol(ctx context.Context, strategy, symbol string, n int) ([]domain.ClosedTradeEvent, error) {
	const q = `
		SELECT ticket, symbol, entry, exit, entry_time, exit_time, pips, pnl, result,
		       exit_reason, broker_id, signal_id, execution_mode, entry_regime
		FROM trade_history
		WHERE strategy = $1 AND symbol = $2
		ORDER BY exit_time DESC LIMIT $3`
	rows, err := s.pool.Query(ctx, q, strategy, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("persistence: recent trades %s/%s: %w", strategy, symbol, err)
	}
	defer rows.Close()

	var out []domain.ClosedTradeEvent
	for rows.Next() {
		var ev domain.ClosedTradeEvent
		if err := rows.Scan(&ev.Ticket, &ev.Symbol, &ev.Entry, &ev.Exit, &ev.EntryTime, &ev.ExitTime,
			&ev.Pips, &ev.PnL, &ev.Result, &ev.ExitReason, &ev.BrokerID, &ev.SignalID, &ev.Mode, &ev.Regime); err != nil {
			return nil, fmt.Errorf("persistence: scan closed trade: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentTrades returns the most recent n closed trades across every
// strategy and symbol, newest first — the Edge Tuner's rolling input
// window.
func (s *Store) RecentTrades(ctx context.Context, n int) ([]domain.ClosedTradeEvent, error) {
	const q = `
		SELECT ticket, symbol, entry, exit, entry_time, exit_time, pips, pnl, result,
		       exit_reason, broker_id, signal_id, execution_mode, entry_regime, strategy
		FROM trade_history
		ORDER BY exit_time DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("persistence: recent trades: %w", err)
	}
	defer rows.Close()

	var out []domain.ClosedTradeEvent
	for rows.Next() {
		var ev domain.ClosedTradeEvent
		if err := rows.Scan(&ev.Ticket, &ev.Symbol, &ev.Entry, &ev.Exit, &ev.EntryTime, &ev.ExitTime,
			&ev.Pips, &ev.PnL, &ev.Result, &ev.ExitReason, &ev.BrokerID, &ev.SignalID, &ev.Mode,
			&ev.Regime, &ev.Strategy); err != nil {
			return nil, fmt.Errorf("persistence: scan closed trade: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecordTuningRun logs an Edge Tuner invocation for audit.
func (s *Store) RecordTuningRun(ctx context.Context, triggeredBy string, tradeCount int, oldVersion, newVersion int64) error {
	const q = `
		INSERT INTO param_tuning_runs (triggered_by, trade_count, old_version, new_version)
		VALUES ($1,$2,$3,$4)`
	_, err := s.pool.Exec(ctx, q, triggeredBy, tradeCount, oldVersion, newVersion)
	if err != nil {
		return fmt.Errorf("persistence: record tuning run: %w", err)
	}
	return nil
}
