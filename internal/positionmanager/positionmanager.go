// Package positionmanager runs the per-cycle supervision pass over
// every open position: reconciling orphans the broker reports that
// Persistence has no record of, closing positions whose unrealized
// loss has run away, adjusting brackets for the current regime, time-
// based exits, moving stops to breakeven, and trailing. The six passes
// always run in that order, because each one assumes the position
// record it reads already reflects whatever the previous pass did.
package positionmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/broker"
	"github.com/aethelgard/core/internal/domain"
	"github.com/aethelgard/core/internal/risk"
)

// store is the subset of persistence.Store the Position Manager needs.
type store interface {
	ListOpenPositions(ctx context.Context) ([]domain.Position, error)
	UpsertPosition(ctx context.Context, p domain.Position) error
	DeletePosition(ctx context.Context, ticketID string) error
	GetAssetProfile(ctx context.Context, symbol string) (*domain.AssetProfile, error)
}

// regimeProvider returns the latest classified regime for a symbol.
// The Position Manager keys regime-dependent brackets off this rather
// than the position's own entry-time regime, so a position adjusts as
// the market regime actually changes.
type regimeProvider interface {
	Current(symbol string) (domain.RegimeSample, bool)
}

// closureSink receives a ClosedTradeEvent the Position Manager itself
// detects (emergency close, time-based exit), the same sink the Trade
// Closure Listener exposes for broker-reported closes.
type closureSink interface {
	HandleClosed(ctx context.Context, ev domain.ClosedTradeEvent, strategy string) error
}

// ConversionResolver picks the sizing conversion case and rate for a
// symbol, identical in shape to the Executor's resolver so both
// subsystems price risk through the same contract.
type ConversionResolver func(ctx context.Context, symbol string) (risk.ConversionCase, decimal.Decimal, error)

// DynamicParamsProvider returns the latest hot-reloaded tunables.
type DynamicParamsProvider func() domain.DynamicParams

// TimeBasedExit maps a regime to how long a position may stay open
// before it is closed regardless of P&L.
type TimeBasedExit map[domain.Regime]time.Duration

// DefaultTimeBasedExit matches the spec's regime-dependent patience:
// a trend is given days to develop, a crash gets an hour.
func DefaultTimeBasedExit() TimeBasedExit {
	return TimeBasedExit{
		domain.RegimeTrend:    72 * time.Hour,
		domain.RegimeRange:    4 * time.Hour,
		domain.RegimeVolatile: 2 * time.Hour,
		domain.RegimeCrash:    1 * time.Hour,
	}
}

// TrailingMultiplier maps a regime to its ATR trailing-stop multiple.
type TrailingMultiplier map[domain.Regime]decimal.Decimal

// DefaultTrailingMultiplier matches the spec's regime-dependent
// trailing distances: wide in a trend, tight in a crash.
func DefaultTrailingMultiplier() TrailingMultiplier {
	return TrailingMultiplier{
		domain.RegimeTrend:    decimal.NewFromFloat(3.0),
		domain.RegimeRange:    decimal.NewFromFloat(2.0),
		domain.RegimeVolatile: decimal.NewFromFloat(1.5),
		domain.RegimeCrash:    decimal.NewFromFloat(1.5),
	}
}

// Config tunes every threshold the six supervision passes use.
type Config struct {
	// EmergencyLossMultiple triggers an immediate close when unrealized
	// loss reaches this multiple of the position's initial risk.
	EmergencyLossMultiple decimal.Decimal
	TimeBasedExit         TimeBasedExit
	// BreakevenMinAge is how long a position must have been open
	// before a breakeven move is considered.
	BreakevenMinAge time.Duration
	// BreakevenCommissionSwapSpread is added to entry price (in the
	// profit direction) so a "breakeven" stop genuinely covers
	// round-trip cost rather than just matching the raw entry.
	BreakevenCommissionSwapSpread decimal.Decimal
	TrailingMultiplier            TrailingMultiplier
	// TrailingCooldown is the minimum time between trailing
	// adjustments to the same position.
	TrailingCooldown time.Duration
	// DailyModificationCap bounds how many times a position's brackets
	// may be adjusted (breakeven + trailing + regime bracket) in one
	// calendar day.
	DailyModificationCap int
}

// DefaultConfig matches spec.md §4.7's thresholds.
func DefaultConfig() Config {
	return Config{
		EmergencyLossMultiple:         decimal.NewFromFloat(2.0),
		TimeBasedExit:                 DefaultTimeBasedExit(),
		BreakevenMinAge:               15 * time.Minute,
		BreakevenCommissionSwapSpread: decimal.Zero,
		TrailingMultiplier:            DefaultTrailingMultiplier(),
		TrailingCooldown:              5 * time.Minute,
		DailyModificationCap:          10,
	}
}

// Manager runs the per-cycle supervision pass.
type Manager struct {
	logger    *zap.Logger
	connector broker.Connector
	store     store
	regime    regimeProvider
	closure   closureSink
	resolver  ConversionResolver
	params    DynamicParamsProvider
	cfg       Config
}

// New constructs a Manager.
func New(logger *zap.Logger, connector broker.Connector, st store, regime regimeProvider, closure closureSink, resolver ConversionResolver, params DynamicParamsProvider, cfg Config) *Manager {
	return &Manager{
		logger:    logger.Named("position-manager"),
		connector: connector,
		store:     st,
		regime:    regime,
		closure:   closure,
		resolver:  resolver,
		params:    params,
		cfg:       cfg,
	}
}

// Supervise runs all six passes, in order, over the current open
// position set. It is designed to be registered as a scanner.CycleHook.
func (m *Manager) Supervise(ctx context.Context) error {
	if err := m.syncOrphans(ctx); err != nil {
		m.logger.Error("orphan sync failed", zap.Error(err))
	}

	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("positionmanager: list open positions: %w", err)
	}

	for _, pos := range positions {
		closed, err := m.checkEmergencyClose(ctx, pos)
		if err != nil {
			m.logger.Error("emergency close check failed", zap.Error(err), zap.String("ticket", pos.TicketID))
			continue
		}
		if closed {
			continue
		}

		regime, haveRegime := m.regime.Current(pos.Symbol)

		if haveRegime {
			if err := m.adjustRegimeBracket(ctx, &pos, regime); err != nil {
				m.logger.Error("regime bracket adjustment failed", zap.Error(err), zap.String("ticket", pos.TicketID))
			}
		}

		closed, err = m.checkTimeBasedExit(ctx, pos, regime, haveRegime)
		if err != nil {
			m.logger.Error("time-based exit check failed", zap.Error(err), zap.String("ticket", pos.TicketID))
			continue
		}
		if closed {
			continue
		}

		if err := m.moveToBreakeven(ctx, &pos, regime, haveRegime); err != nil {
			m.logger.Error("breakeven move failed", zap.Error(err), zap.String("ticket", pos.TicketID))
		}

		if haveRegime {
			if err := m.trailStop(ctx, &pos, regime); err != nil {
				m.logger.Error("trailing stop failed", zap.Error(err), zap.String("ticket", pos.TicketID))
			}
		}
	}

	return nil
}

// syncOrphans reconstructs a Position record for any broker-reported
// open position Persistence has no row for — the case a crash-and-
// restart or a manually placed order can produce. The initial risk is
// estimated from the live stop distance since the original sizing
// inputs are gone.
func (m *Manager) syncOrphans(ctx context.Context) error {
	brokerPositions, err := m.connector.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("positionmanager: sync orphans: open positions: %w", err)
	}
	local, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("positionmanager: sync orphans: list open positions: %w", err)
	}
	known := make(map[string]bool, len(local))
	for _, p := range local {
		known[p.TicketID] = true
	}

	for _, bp := range brokerPositions {
		if known[bp.TicketID] {
			continue
		}

		profile, err := m.store.GetAssetProfile(ctx, bp.Symbol)
		if err != nil {
			m.logger.Error("orphan sync: no asset profile, skipping risk estimate",
				zap.String("symbol", bp.Symbol), zap.String("ticket", bp.TicketID), zap.Error(err))
			profile = &domain.AssetProfile{Symbol: bp.Symbol, ContractSize: decimal.NewFromInt(1)}
		}
		conv, rate, err := m.resolver(ctx, bp.Symbol)
		if err != nil {
			m.logger.Error("orphan sync: conversion resolve failed", zap.String("symbol", bp.Symbol), zap.Error(err))
			conv, rate = risk.ConversionNone, decimal.Zero
		}
		estimatedRisk, err := risk.RiskAccountCurrency(*profile, bp.EntryPrice, bp.CurrentStop, bp.Volume, conv, rate)
		if err != nil {
			m.logger.Error("orphan sync: risk estimate failed", zap.String("symbol", bp.Symbol), zap.Error(err))
			estimatedRisk = decimal.Zero
		}

		now := time.Now()
		orphan := bp
		orphan.OrphanSync = true
		orphan.InitialRisk = estimatedRisk
		if orphan.OpenTime.IsZero() {
			orphan.OpenTime = now
		}
		orphan.LastModifiedAt = now
		orphan.ModificationDay = now

		if err := m.store.UpsertPosition(ctx, orphan); err != nil {
			m.logger.Error("orphan sync: persist failed", zap.String("ticket", bp.TicketID), zap.Error(err))
			continue
		}
		m.logger.Warn("reconstructed orphan position",
			zap.String("ticket", bp.TicketID), zap.String("symbol", bp.Symbol),
			zap.String("estimated_initial_risk", estimatedRisk.String()))
	}
	return nil
}

// checkEmergencyClose closes a position the instant its unrealized
// loss reaches (inclusive) EmergencyLossMultiple times its initial
// risk, bypassing every other pass.
func (m *Manager) checkEmergencyClose(ctx context.Context, pos domain.Position) (bool, error) {
	if pos.InitialRisk.IsZero() {
		return false, nil
	}
	unrealizedLoss, err := m.unrealizedLoss(ctx, pos)
	if err != nil {
		return false, err
	}
	if unrealizedLoss.IsZero() {
		return false, nil
	}

	threshold := pos.InitialRisk.Mul(m.cfg.EmergencyLossMultiple)
	if unrealizedLoss.LessThan(threshold) {
		return false, nil
	}

	return true, m.closePosition(ctx, pos, "EMERGENCY_LOSS")
}

// checkTimeBasedExit closes a position once it has been open longer
// than its current regime's patience window allows.
func (m *Manager) checkTimeBasedExit(ctx context.Context, pos domain.Position, regime domain.RegimeSample, haveRegime bool) (bool, error) {
	label := pos.EntryRegime
	if haveRegime {
		label = regime.Label
	}
	limit, ok := m.cfg.TimeBasedExit[label]
	if !ok {
		return false, nil
	}
	if time.Since(pos.OpenTime) < limit {
		return false, nil
	}
	return true, m.closePosition(ctx, pos, "TIME_BASED_EXIT")
}

func (m *Manager) closePosition(ctx context.Context, pos domain.Position, reason string) error {
	ev, err := m.connector.ClosePosition(ctx, pos.TicketID)
	if err != nil {
		return fmt.Errorf("positionmanager: close position %s (%s): %w", pos.TicketID, reason, err)
	}
	if err := m.store.DeletePosition(ctx, pos.TicketID); err != nil {
		return fmt.Errorf("positionmanager: delete closed position %s: %w", pos.TicketID, err)
	}
	m.logger.Info("position closed",
		zap.String("ticket", pos.TicketID), zap.String("symbol", pos.Symbol), zap.String("reason", reason))
	if m.closure != nil {
		ev.Regime = pos.EntryRegime
		ev.Strategy = pos.StrategyOrigin
		if err := m.closure.HandleClosed(ctx, *ev, pos.StrategyOrigin); err != nil {
			m.logger.Error("closure handler failed", zap.Error(err), zap.String("ticket", pos.TicketID))
		}
	}
	return nil
}

// adjustRegimeBracket widens or tightens a position's stop distance to
// match the current regime's trailing multiplier, never past the
// symbol's freeze-level safety margin (1.10x), and refuses the change
// entirely if it would exceed the daily modification cap.
func (m *Manager) adjustRegimeBracket(ctx context.Context, pos *domain.Position, regime domain.RegimeSample) error {
	if regime.Label == pos.EntryRegime {
		return nil
	}
	mult := m.trailingMultiplier(regime.Label)
	if mult.IsZero() || regime.ATR.IsZero() {
		return nil
	}

	desiredDistance := regime.ATR.Mul(mult)
	profile, err := m.store.GetAssetProfile(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("positionmanager: adjust regime bracket: asset profile: %w", err)
	}
	minDistance := profile.FreezeLevelDistance.Mul(decimal.NewFromFloat(1.10))
	if desiredDistance.LessThan(minDistance) {
		desiredDistance = minDistance
	}

	newStop := stopAtDistance(*pos, desiredDistance)
	if newStop.Equal(pos.CurrentStop) {
		return nil
	}

	if !m.withinDailyCap(*pos) {
		m.logger.Info("regime bracket adjustment refused, daily modification cap reached",
			zap.String("ticket", pos.TicketID))
		return nil
	}

	return m.modify(ctx, pos, newStop, pos.CurrentTarget, "REGIME_BRACKET")
}

// trailingMultiplier returns the regime's ATR trailing multiple,
// preferring the hot-reloaded DynamicParams value the Edge Tuner adjusts
// per regime and falling back to the static config default when the
// tuner hasn't seeded that regime yet.
func (m *Manager) trailingMultiplier(label domain.Regime) decimal.Decimal {
	if tuned, ok := m.params().TrailingATRMultiplier[label]; ok && tuned.IsPositive() {
		return tuned
	}
	if mult, ok := m.cfg.TrailingMultiplier[label]; ok {
		return mult
	}
	return decimal.Zero
}

// breakevenDistanceMultiplier is the hot-reloaded ATR multiple a
// position must be in profit by (priced as a favorable price move, not
// account-currency P&L) before moveToBreakeven will act, per spec
// §4.7(5). Falls back to 1.0·ATR if the tuner hasn't set one.
func (m *Manager) breakevenDistanceMultiplier() decimal.Decimal {
	mult := m.params().BreakevenDistanceMult
	if !mult.IsPositive() {
		return decimal.NewFromFloat(1.0)
	}
	return mult
}

// moveToBreakeven moves the stop to cover entry plus round-trip cost
// once the position has been open long enough, is genuinely in profit,
// and has moved in its favor by at least the dynamic ATR threshold —
// and only if doing so actually improves the stop.
func (m *Manager) moveToBreakeven(ctx context.Context, pos *domain.Position, regime domain.RegimeSample, haveRegime bool) error {
	if time.Since(pos.OpenTime) < m.cfg.BreakevenMinAge {
		return nil
	}
	if !haveRegime || regime.ATR.IsZero() {
		return nil
	}
	profit, err := m.unrealizedProfit(ctx, *pos)
	if err != nil {
		return err
	}
	if !profit.IsPositive() {
		return nil
	}

	quote, err := m.connector.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("positionmanager: breakeven: quote: %w", err)
	}
	price := quote.Bid
	if pos.Direction == domain.DirectionSell {
		price = quote.Ask
	}
	favorableDistance := price.Sub(pos.EntryPrice)
	if pos.Direction == domain.DirectionSell {
		favorableDistance = pos.EntryPrice.Sub(price)
	}
	threshold := regime.ATR.Mul(m.breakevenDistanceMultiplier())
	if favorableDistance.LessThan(threshold) {
		return nil
	}

	breakeven := pos.EntryPrice
	if pos.Direction == domain.DirectionBuy {
		breakeven = breakeven.Add(m.cfg.BreakevenCommissionSwapSpread)
		if !breakeven.GreaterThan(pos.CurrentStop) {
			return nil
		}
	} else {
		breakeven = breakeven.Sub(m.cfg.BreakevenCommissionSwapSpread)
		if !breakeven.LessThan(pos.CurrentStop) {
			return nil
		}
	}

	if !m.withinDailyCap(*pos) {
		m.logger.Info("breakeven move refused, daily modification cap reached", zap.String("ticket", pos.TicketID))
		return nil
	}

	return m.modify(ctx, pos, breakeven, pos.CurrentTarget, "BREAKEVEN")
}

// trailStop ratchets the stop toward price by the regime's ATR
// multiple, never loosening it, subject to a cooldown and the daily
// modification cap.
func (m *Manager) trailStop(ctx context.Context, pos *domain.Position, regime domain.RegimeSample) error {
	if time.Since(pos.LastModifiedAt) < m.cfg.TrailingCooldown {
		return nil
	}
	mult := m.trailingMultiplier(regime.Label)
	if mult.IsZero() || regime.ATR.IsZero() {
		return nil
	}

	quote, err := m.connector.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("positionmanager: trail stop: quote: %w", err)
	}
	price := quote.Bid
	if pos.Direction == domain.DirectionSell {
		price = quote.Ask
	}

	distance := regime.ATR.Mul(mult)
	var candidate decimal.Decimal
	if pos.Direction == domain.DirectionBuy {
		candidate = price.Sub(distance)
		if !candidate.GreaterThan(pos.CurrentStop) {
			return nil
		}
	} else {
		candidate = price.Add(distance)
		if !candidate.LessThan(pos.CurrentStop) {
			return nil
		}
	}

	if !m.withinDailyCap(*pos) {
		m.logger.Info("trailing stop refused, daily modification cap reached", zap.String("ticket", pos.TicketID))
		return nil
	}

	return m.modify(ctx, pos, candidate, pos.CurrentTarget, "TRAILING_STOP")
}

func (m *Manager) modify(ctx context.Context, pos *domain.Position, newStop, newTarget decimal.Decimal, reason string) error {
	if err := m.connector.ModifyPosition(ctx, broker.ModifyRequest{
		TicketID:   pos.TicketID,
		StopLoss:   newStop,
		TakeProfit: newTarget,
	}); err != nil {
		return fmt.Errorf("positionmanager: modify %s (%s): %w", pos.TicketID, reason, err)
	}

	now := time.Now()
	pos.CurrentStop = newStop
	pos.CurrentTarget = newTarget
	pos.LastModifiedAt = now
	if !sameDay(pos.ModificationDay, now) {
		pos.ModificationCount = 0
		pos.ModificationDay = now
	}
	pos.ModificationCount++

	if err := m.store.UpsertPosition(ctx, *pos); err != nil {
		return fmt.Errorf("positionmanager: persist modification %s: %w", pos.TicketID, err)
	}
	m.logger.Info("position modified",
		zap.String("ticket", pos.TicketID), zap.String("reason", reason),
		zap.String("new_stop", newStop.String()))
	return nil
}

func (m *Manager) withinDailyCap(pos domain.Position) bool {
	if sameDay(pos.ModificationDay, time.Now()) {
		return pos.ModificationCount < m.cfg.DailyModificationCap
	}
	return true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// stopAtDistance returns a stop distance away from the position's
// entry price on the losing side, used by the regime bracket pass to
// re-derive a stop from a target distance rather than the live price.
func stopAtDistance(pos domain.Position, distance decimal.Decimal) decimal.Decimal {
	if pos.Direction == domain.DirectionBuy {
		return pos.EntryPrice.Sub(distance)
	}
	return pos.EntryPrice.Add(distance)
}

// unrealizedLoss returns the position's current loss in account
// currency, or zero if it is currently at breakeven or in profit.
func (m *Manager) unrealizedLoss(ctx context.Context, pos domain.Position) (decimal.Decimal, error) {
	diff, err := m.unrealizedAccountDiff(ctx, pos)
	if err != nil {
		return decimal.Zero, err
	}
	if diff.IsNegative() {
		return diff.Abs(), nil
	}
	return decimal.Zero, nil
}

// unrealizedProfit mirrors unrealizedLoss for the profit side.
func (m *Manager) unrealizedProfit(ctx context.Context, pos domain.Position) (decimal.Decimal, error) {
	diff, err := m.unrealizedAccountDiff(ctx, pos)
	if err != nil {
		return decimal.Zero, err
	}
	if diff.IsPositive() {
		return diff, nil
	}
	return decimal.Zero, nil
}

// unrealizedAccountDiff prices the distance between entry and the
// current quote through the same conversion path the sizer and
// Executor use, signed positive for profit and negative for loss.
func (m *Manager) unrealizedAccountDiff(ctx context.Context, pos domain.Position) (decimal.Decimal, error) {
	quote, err := m.connector.GetQuote(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("positionmanager: get quote %s: %w", pos.Symbol, err)
	}
	profile, err := m.store.GetAssetProfile(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("positionmanager: get asset profile %s: %w", pos.Symbol, err)
	}
	conv, rate, err := m.resolver(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("positionmanager: resolve conversion %s: %w", pos.Symbol, err)
	}

	// A BUY position closes by selling at the bid; a SELL position
	// closes by buying at the ask.
	current := quote.Bid
	if pos.Direction == domain.DirectionSell {
		current = quote.Ask
	}

	magnitude, err := risk.RiskAccountCurrency(*profile, pos.EntryPrice, current, pos.Volume, conv, rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("positionmanager: price diff %s: %w", pos.Symbol, err)
	}

	profitable := (pos.Direction == domain.DirectionBuy && current.GreaterThan(pos.EntryPrice)) ||
		(pos.Direction == domain.DirectionSell && current.LessThan(pos.EntryPrice))
	if profitable {
		return magnitude, nil
	}
	return magnitude.Neg(), nil
}
