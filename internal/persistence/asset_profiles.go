package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aethelgard/core/internal/domain"
)

// UpsertAssetProfile inserts or replaces an AssetProfile by symbol.
func (s *Store) UpsertAssetProfile(ctx context.Context, p domain.AssetProfile) error {
	const q = `
		INSERT INTO asset_profiles
			(symbol, class, contract_size, tick_size, digits, pip_size, freeze_level_distance, broker_native_symbol)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol) DO UPDATE SET
			class = EXCLUDED.class,
			contract_size = EXCLUDED.contract_size,
			tick_size = EXCLUDED.tick_size,
			digits = EXCLUDED.digits,
			pip_size = EXCLUDED.pip_size,
			freeze_level_distance = EXCLUDED.freeze_level_distance,
			broker_native_symbol = EXCLUDED.broker_native_symbol`
	_, err := s.pool.Exec(ctx, q, p.Symbol, p.Class, p.ContractSize, p.TickSize, p.Digits,
		p.PipSize, p.FreezeLevelDistance, p.BrokerNativeSymbol)
	if err != nil {
		return fmt.Errorf("persistence: upsert asset profile %s: %w", p.Symbol, err)
	}
	return nil
}

// GetAssetProfile fetches a single AssetProfile. On a miss it returns
// the sentinel pgx.ErrNoRows unwrapped, for the caller to translate.
func (s *Store) GetAssetProfile(ctx context.Context, symbol string) (*domain.AssetProfile, error) {
	const q = `
		SELECT symbol, class, contract_size, tick_size, digits, pip_size, freeze_level_distance, broker_native_symbol
		FROM asset_profiles WHERE symbol = $1`
	var p domain.AssetProfile
	err := s.pool.QueryRow(ctx, q, symbol).Scan(
		&p.Symbol, &p.Class, &p.ContractSize, &p.TickSize, &p.Digits,
		&p.PipSize, &p.FreezeLevelDistance, &p.BrokerNativeSymbol)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("persistence: get asset profile %s: %w", symbol, err)
	}
	return &p, nil
}

// ListAssetProfiles returns every profiled symbol. cmd/server calls it
// once at startup to build its in-memory profile map.
func (s *Store) ListAssetProfiles(ctx context.Context) ([]domain.AssetProfile, error) {
	const q = `
		SELECT symbol, class, contract_size, tick_size, digits, pip_size, freeze_level_distance, broker_native_symbol
		FROM asset_profiles ORDER BY symbol`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("persistence: list asset profiles: %w", err)
	}
	defer rows.Close()

	var out []domain.AssetProfile
	for rows.Next() {
		var p domain.AssetProfile
		if err := rows.Scan(&p.Symbol, &p.Class, &p.ContractSize, &p.TickSize, &p.Digits,
			&p.PipSize, &p.FreezeLevelDistance, &p.BrokerNativeSymbol); err != nil {
			return nil, fmt.Errorf("persistence: scan asset profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
