package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/aethelgard/core/internal/domain"
)

// SaveDynamicParams persists a new tuning version. Versions are
// append-only; the Edge Tuner never rewrites a prior version, only
// writes a new one with a higher Version.
func (s *Store) SaveDynamicParams(ctx context.Context, p domain.DynamicParams) error {
	regimeKeys, regimeValues := splitRegimeMap(p.RegimeWeights)
	trailKeys, trailValues := splitRegimeMap(p.TrailingATRMultiplier)

	const q = `
		INSERT INTO dynamic_params
			(version, adx_threshold, atr_multiplier, min_score, per_trade_risk_fraction,
			 regime_weight_keys, regime_weight_values, trailing_regime_keys,
			 trailing_atr_multiplier_values, breakeven_distance_multiplier)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.pool.Exec(ctx, q, p.Version, p.ADXThreshold, p.ATRMultiplier, p.MinScore,
		p.PerTradeRiskFraction, pq.Array(regimeKeys), pq.Array(regimeValues),
		pq.Array(trailKeys), pq.Array(trailValues), p.BreakevenDistanceMult)
	if err != nil {
		return fmt.Errorf("persistence: save dynamic params v%d: %w", p.Version, err)
	}
	return nil
}

// LatestDynamicParams returns the highest-versioned tuning row, the
// authoritative runtime copy callers should read at process start and
// after every Edge Tuner run.
func (s *Store) LatestDynamicParams(ctx context.Context) (*domain.DynamicParams, error) {
	const q = `
		SELECT version, adx_threshold, atr_multiplier, min_score, per_trade_risk_fraction,
		       regime_weight_keys, regime_weight_values, trailing_regime_keys,
		       trailing_atr_multiplier_values, breakeven_distance_multiplier
		FROM dynamic_params ORDER BY version DESC LIMIT 1`
	var p domain.DynamicParams
	var regimeKeys, trailKeys []string
	var regimeValues, trailValues []decimal.Decimal

	err := s.pool.QueryRow(ctx, q).Scan(&p.Version, &p.ADXThreshold, &p.ATRMultiplier, &p.MinScore,
		&p.PerTradeRiskFraction, pq.Array(&regimeKeys), pq.Array(&regimeValues),
		pq.Array(&trailKeys), pq.Array(&trailValues), &p.BreakevenDistanceMult)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("persistence: latest dynamic params: %w", err)
	}
	p.RegimeWeights = joinRegimeMap(regimeKeys, regimeValues)
	p.TrailingATRMultiplier = joinRegimeMap(trailKeys, trailValues)
	return &p, nil
}

func splitRegimeMap(m map[domain.Regime]decimal.Decimal) ([]string, []decimal.Decimal) {
	keys := make([]string, 0, len(m))
	values := make([]decimal.Decimal, 0, len(m))
	for k, v := range m {
		keys = append(keys, string(k))
		values = append(values, v)
	}
	return keys, values
}

func joinRegimeMap(keys []string, values []decimal.Decimal) map[domain.Regime]decimal.Decimal {
	out := make(map[domain.Regime]decimal.Decimal, len(keys))
	for i, k := range keys {
		if i < len(values) {
			out[domain.Regime(k)] = values[i]
		}
	}
	return out
}
