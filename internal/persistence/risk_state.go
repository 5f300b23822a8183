package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aethelgard/core/internal/domain"
)

// GetRiskState reads the singleton risk ledger row.
func (s *Store) GetRiskState(ctx context.Context) (*domain.RiskState, error) {
	const q = `
		SELECT equity_snapshot, consecutive_losses, lockdown, per_trade_risk_fraction,
		       max_account_risk_fraction, last_trade_outcome, updated_at
		FROM risk_state WHERE id = 1`
	var rs domain.RiskState
	err := s.pool.QueryRow(ctx, q).Scan(&rs.EquitySnapshot, &rs.ConsecutiveLosses, &rs.Lockdown,
		&rs.PerTradeRiskFrac, &rs.MaxAccountRiskFrac, &rs.LastTradeOutcome, &rs.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("persistence: get risk state: %w", err)
	}
	return &rs, nil
}

// InitRiskState seeds the singleton row if it does not already exist.
func (s *Store) InitRiskState(ctx context.Context, rs domain.RiskState) error {
	const q = `
		INSERT INTO risk_state (id, equity_snapshot, consecutive_losses, lockdown,
			per_trade_risk_fraction, max_account_risk_fraction, last_trade_outcome, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, rs.EquitySnapshot, rs.ConsecutiveLosses, rs.Lockdown,
		rs.PerTradeRiskFrac, rs.MaxAccountRiskFrac, rs.LastTradeOutcome, rs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persistence: init risk state: %w", err)
	}
	return nil
}

// UpdateRiskState writes the full risk ledger under the single-row
// serialized-write contract: callers must hold the Risk Manager's own
// mutex around the read-modify-write, since this is a plain UPDATE, not
// a compare-and-swap.
func (s *Store) UpdateRiskState(ctx context.Context, rs domain.RiskState) error {
	const q = `
		UPDATE risk_state SET
			equity_snapshot = $1, consecutive_losses = $2, lockdown = $3,
			per_trade_risk_fraction = $4, max_account_risk_fraction = $5,
			last_trade_outcome = $6, updated_at = $7
		WHERE id = 1`
	_, err := s.pool.Exec(ctx, q, rs.EquitySnapshot, rs.ConsecutiveLosses, rs.Lockdown,
		rs.PerTradeRiskFrac, rs.MaxAccountRiskFrac, rs.LastTradeOutcome, rs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persistence: update risk state: %w", err)
	}
	return nil
}
