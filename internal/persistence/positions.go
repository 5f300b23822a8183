package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aethelgard/core/internal/domain"
)

// UpsertPosition writes the full current state of a position. The
// Position Manager calls this after every modification so Persistence
// always reflects the broker's acknowledged state.
func (s *Store) UpsertPosition(ctx context.Context, p domain.Position) error {
	const q = `
		INSERT INTO positions
			(ticket_id, symbol, direction, volume, entry_price, current_stop, current_target,
			 open_time, last_modified_at, modification_count, modification_day, entry_regime,
			 initial_risk, strategy_origin, orphan_sync, contested, contested_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (ticket_id) DO UPDATE SET
			volume = EXCLUDED.volume,
			current_stop = EXCLUDED.current_stop,
			current_target = EXCLUDED.current_target,
			last_modified_at = EXCLUDED.last_modified_at,
			modification_count = EXCLUDED.modification_count,
			modification_day = EXCLUDED.modification_day,
			orphan_sync = EXCLUDED.orphan_sync,
			contested = EXCLUDED.contested,
			contested_until = EXCLUDED.contested_until`
	var contestedUntil any
	if !p.ContestedUntil.IsZero() {
		contestedUntil = p.ContestedUntil
	}
	_, err := s.pool.Exec(ctx, q, p.TicketID, p.Symbol, p.Direction, p.Volume, p.EntryPrice,
		p.CurrentStop, p.CurrentTarget, p.OpenTime, p.LastModifiedAt, p.ModificationCount,
		p.ModificationDay, p.EntryRegime, p.InitialRisk, p.StrategyOrigin, p.OrphanSync,
		p.Contested, contestedUntil)
	if err != nil {
		return fmt.Errorf("persistence: upsert position %s: %w", p.TicketID, err)
	}
	return nil
}

// DeletePosition removes a position once it has fully closed and its
// ClosedTradeEvent has been recorded.
func (s *Store) DeletePosition(ctx context.Context, ticketID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE ticket_id = $1`, ticketID)
	if err != nil {
		return fmt.Errorf("persistence: delete position %s: %w", ticketID, err)
	}
	return nil
}

// ListOpenPositions returns every position currently tracked, used by
// the Position Manager's per-cycle supervision pass and by orphan-sync
// reconciliation against the broker's own open-position list.
func (s *Store) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	const q = `
		SELECT ticket_id, symbol, direction, volume, entry_price, current_stop, current_target,
		       open_time, last_modified_at, modification_count, modification_day, entry_regime,
		       initial_risk, strategy_origin, orphan_sync, contested, contested_until
		FROM positions`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("persistence: list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var contestedUntil *time.Time
		if err := rows.Scan(&p.TicketID, &p.Symbol, &p.Direction, &p.Volume, &p.EntryPrice,
			&p.CurrentStop, &p.CurrentTarget, &p.OpenTime, &p.LastModifiedAt, &p.ModificationCount,
			&p.ModificationDay, &p.EntryRegime, &p.InitialRisk, &p.StrategyOrigin, &p.OrphanSync,
			&p.Contested, &contestedUntil); err != nil {
			return nil, fmt.Errorf("persistence: scan position: %w", err)
		}
		if contestedUntil != nil {
			p.ContestedUntil = *contestedUntil
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition fetches a single position by ticket.
func (s *Store) GetPosition(ctx context.Context, ticketID string) (*domain.Position, error) {
	const q = `
		SELECT ticket_id, symbol, direction, volume, entry_price, current_stop, current_target,
		       open_time, last_modified_at, modification_count, modification_day, entry_regime,
		       initial_risk, strategy_origin, orphan_sync, contested, contested_until
		FROM positions WHERE ticket_id = $1`
	var p domain.Position
	var contestedUntil *time.Time
	err := s.pool.QueryRow(ctx, q, ticketID).Scan(&p.TicketID, &p.Symbol, &p.Direction, &p.Volume,
		&p.EntryPrice, &p.CurrentStop, &p.CurrentTarget, &p.OpenTime, &p.LastModifiedAt,
		&p.ModificationCount, &p.ModificationDay, &p.EntryRegime, &p.InitialRisk,
		&p.StrategyOrigin, &p.OrphanSync, &p.Contested, &contestedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("persistence: get position %s: %w", ticketID, err)
	}
	if contestedUntil != nil {
		p.ContestedUntil = *contestedUntil
	}
	return &p, nil
}
