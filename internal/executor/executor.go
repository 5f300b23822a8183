// Package executor converts a risk-approved Signal into a broker order
// and persists the resulting Position metadata, guarded by an ordered
// chain where the first failing guard wins.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/broker"
	"github.com/aethelgard/core/internal/domain"
	"github.com/aethelgard/core/internal/errs"
	"github.com/aethelgard/core/internal/metrics"
	"github.com/aethelgard/core/internal/risk"
)

// riskManager is the subset of risk.Manager the Executor depends on.
type riskManager interface {
	CanTakeNewTrade(ctx context.Context, sig domain.Signal, signalRiskAccount decimal.Decimal, openPositions []domain.Position) (approved bool, reason string, err error)
}

// store is the subset of persistence.Store the Executor depends on.
type store interface {
	AdvanceSignalStatus(ctx context.Context, traceID string, next domain.SignalStatus, reason string) error
	UpsertPosition(ctx context.Context, p domain.Position) error
	GetRiskState(ctx context.Context) (*domain.RiskState, error)
}

// coherenceSink receives coherence faults the Executor itself detects.
// Nil-safe: a nil sink simply drops the event, which only matters for
// tests that don't wire the Coherence Monitor.
type coherenceSink interface {
	Record(ctx context.Context, ev domain.CoherenceEvent) error
}

// ConversionResolver picks the sizing conversion case and rate for a
// symbol from its asset profile, the account currency and, where a
// conversion is needed, a broker quote (cmd/server builds it in
// newConversionResolver); it is injected rather than hardcoded so new quote currencies
// don't require an Executor code change.
type ConversionResolver func(ctx context.Context, symbol string) (risk.ConversionCase, decimal.Decimal, error)

// DynamicParamsProvider returns the latest hot-reloaded tunables. The
// Executor re-reads it on every call rather than caching, so a reload
// takes effect on the very next signal.
type DynamicParamsProvider func() domain.DynamicParams

// Config configures the Executor's guard chain. Multi-timeframe
// concentration is enforced inside risk.Manager, which holds the one
// copy of that limit.
type Config struct {
	SignalMaxAge time.Duration
}

// Executor is the single choke point between an approved Signal and a
// broker order.
type Executor struct {
	logger     *zap.Logger
	connector  broker.Connector
	riskMgr    riskManager
	store      store
	coherence  coherenceSink
	resolver   ConversionResolver
	params     DynamicParamsProvider
	cfg        Config
	metrics    *metrics.Registry
}

// New constructs an Executor. coherence may be nil, and so may reg
// (tests pass nil). The Executor keeps reg but Execute records nothing
// against it.
func New(logger *zap.Logger, connector broker.Connector, riskMgr riskManager, st store, coherence coherenceSink, resolver ConversionResolver, params DynamicParamsProvider, cfg Config, reg *metrics.Registry) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		connector: connector,
		riskMgr:   riskMgr,
		store:     st,
		coherence: coherence,
		resolver:  resolver,
		params:    params,
		cfg:       cfg,
		metrics:   reg,
	}
}

// Execute runs the seven-guard chain and, if every guard passes, places
// the order with the broker and persists the resulting Position. The
// first guard to fail wins; its reason is returned without attempting
// any later guard.
func (e *Executor) Execute(ctx context.Context, sig *domain.Signal) (*domain.Position, string, error) {
	// Guard 1: signal payload validity.
	if err := sig.Validate(); err != nil {
		return nil, "INVALID_SIGNAL", e.reject(ctx, sig, "INVALID_SIGNAL", err)
	}
	if e.cfg.SignalMaxAge > 0 && time.Since(sig.GeneratedAt) > e.cfg.SignalMaxAge {
		return nil, "STALE_SIGNAL", e.reject(ctx, sig, "STALE_SIGNAL", errs.ErrStaleSignal)
	}

	livePositions, err := e.connector.OpenPositions(ctx)
	if err != nil {
		return nil, "", errs.TransientSymbol("executor.open_positions", sig.Symbol, err)
	}

	// Guard 2: no existing open position on (symbol, direction) per the
	// broker's own live view, never the local database — this is what
	// prevents phantom-execution bugs after a crash-and-restart.
	for _, p := range livePositions {
		if p.Symbol == sig.Symbol && p.Direction == sig.Direction {
			return nil, "DUPLICATE_POSITION", e.reject(ctx, sig, "DUPLICATE_POSITION", nil)
		}
	}

	// Guards 3-4 (lockdown, concentration) and guard 5 (risk manager
	// approval) are evaluated together: the Risk Manager re-derives
	// lockdown and concentration from the same live position snapshot,
	// so there is exactly one place that logic lives.
	rs, err := e.store.GetRiskState(ctx)
	if err != nil {
		return nil, "", errs.TransientSymbol("executor.get_risk_state", sig.Symbol, err)
	}
	params := e.params()
	targetRisk := rs.EquitySnapshot.Mul(params.PerTradeRiskFraction)

	approved, reason, err := e.riskMgr.CanTakeNewTrade(ctx, *sig, targetRisk, livePositions)
	if err != nil {
		return nil, "", errs.TransientSymbol("executor.can_take_new_trade", sig.Symbol, err)
	}
	if !approved {
		return nil, reason, e.reject(ctx, sig, reason, nil)
	}

	// Guard 6: the authoritative sizer's result must clear the broker
	// minimum volume. CalculatePositionSize itself rejects undersized
	// results, so a sizing error here simply surfaces as the guard.
	info, err := e.connector.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil {
		return nil, "", errs.TransientSymbol("executor.get_symbol_info", sig.Symbol, err)
	}
	conv, rate, err := e.resolver(ctx, sig.Symbol)
	if err != nil {
		return nil, "", errs.TransientSymbol("executor.resolve_conversion", sig.Symbol, err)
	}

	volume, err := risk.CalculatePositionSize(risk.SizingInput{
		Signal:         *sig,
		Profile:        domain.AssetProfile{Symbol: sig.Symbol, ContractSize: info.ContractSize},
		AccountEquity:  rs.EquitySnapshot,
		RiskFraction:   params.PerTradeRiskFraction,
		Conversion:     conv,
		ConversionRate: rate,
		VolumeStep:     info.VolumeStep,
		MinVolume:      info.MinVolume,
	})
	if err != nil {
		return nil, "SIZE_BELOW_MINIMUM", e.reject(ctx, sig, "SIZE_BELOW_MINIMUM", err)
	}

	// Guard 7: symbol must be visible in the broker's tradable set,
	// enabling it first if it is not.
	tradable, err := e.connector.IsSymbolTradable(ctx, sig.Symbol)
	if err != nil {
		return nil, "", errs.TransientSymbol("executor.is_symbol_tradable", sig.Symbol, err)
	}
	if !tradable {
		if err := e.connector.EnableSymbol(ctx, sig.Symbol); err != nil {
			return nil, "SYMBOL_NOT_TRADABLE", e.reject(ctx, sig, "SYMBOL_NOT_TRADABLE", err)
		}
	}

	quote, err := e.connector.GetQuote(ctx, sig.Symbol)
	if err != nil {
		return nil, "", errs.TransientSymbol("executor.get_quote", sig.Symbol, err)
	}

	entryPrice := quote.Ask
	if sig.Direction == domain.DirectionSell {
		entryPrice = quote.Bid
	}
	initialRisk, err := risk.RiskAccountCurrency(
		domain.AssetProfile{Symbol: sig.Symbol, ContractSize: info.ContractSize},
		entryPrice, sig.StopLoss, volume, conv, rate)
	if err != nil {
		return nil, "", errs.TransientSymbol("executor.compute_initial_risk", sig.Symbol, err)
	}

	now := time.Now()
	pos := domain.Position{
		TicketID:        "", // back-filled below once the broker acknowledges
		Symbol:          sig.Symbol,
		Direction:       sig.Direction,
		Volume:          volume,
		EntryPrice:      entryPrice,
		CurrentStop:     sig.StopLoss,
		CurrentTarget:   sig.TakeProfit,
		OpenTime:        now,
		LastModifiedAt:  now,
		ModificationDay: now,
		EntryRegime:     sig.RegimeAtGen,
		InitialRisk:     initialRisk,
		StrategyOrigin:  sig.Strategy,
	}

	// Persist metadata keyed by the trace id before the order is
	// acknowledged-complete: a crash between here and the broker's ack
	// leaves a recoverable record rather than a silent phantom trade.
	pendingTicket := "PENDING-" + sig.TraceID
	pos.TicketID = pendingTicket
	if err := e.store.UpsertPosition(ctx, pos); err != nil {
		return nil, "", errs.TransientSymbol("executor.persist_pending_position", sig.Symbol, err)
	}

	result, err := e.connector.ExecuteOrder(ctx, broker.OrderRequest{
		TraceID:    sig.TraceID,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Volume:     volume,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
	})
	if err != nil {
		return nil, "", errs.TransientSymbol("executor.execute_order", sig.Symbol, err)
	}

	if result.TicketID == "" {
		e.reportFault(ctx, sig, domain.CoherenceExecutedWithoutTicket,
			"broker acknowledged order without a ticket id")
		return nil, "", errs.Coherence("executor.execute_order", fmt.Errorf("broker returned empty ticket id for trace %s", sig.TraceID))
	}

	// Back-write the real ticket id and fill price now that the broker
	// has acknowledged.
	pos.TicketID = result.TicketID
	pos.EntryPrice = result.FilledPrice
	if !result.FilledAt.IsZero() {
		pos.OpenTime = result.FilledAt
		pos.LastModifiedAt = result.FilledAt
	}
	if err := e.store.UpsertPosition(ctx, pos); err != nil {
		return nil, "", errs.TransientSymbol("executor.persist_final_position", sig.Symbol, err)
	}

	if err := sig.Advance(domain.SignalStatusExecuted, ""); err != nil {
		return nil, "", errs.RejectedByInvariantSymbol("executor.advance_signal", sig.Symbol, err)
	}
	if err := e.store.AdvanceSignalStatus(ctx, sig.TraceID, domain.SignalStatusExecuted, ""); err != nil {
		return nil, "", errs.TransientSymbol("executor.persist_signal_status", sig.Symbol, err)
	}

	e.logger.Info("order executed",
		zap.String("trace_id", sig.TraceID),
		zap.String("symbol", sig.Symbol),
		zap.String("ticket", pos.TicketID),
		zap.String("volume", volume.String()),
		zap.String("initial_risk", initialRisk.String()))

	return &pos, "", nil
}

func (e *Executor) reject(ctx context.Context, sig *domain.Signal, reason string, cause error) error {
	if err := risk.RejectSignal(sig, reason); err != nil {
		return err
	}
	if err := e.store.AdvanceSignalStatus(ctx, sig.TraceID, domain.SignalStatusRejected, reason); err != nil {
		return errs.TransientSymbol("executor.persist_rejection", sig.Symbol, err)
	}
	e.logger.Info("signal rejected",
		zap.String("trace_id", sig.TraceID),
		zap.String("symbol", sig.Symbol),
		zap.String("reason", reason),
		zap.Error(cause))
	return nil
}

func (e *Executor) reportFault(ctx context.Context, sig *domain.Signal, kind domain.CoherenceKind, detail string) {
	if e.coherence == nil {
		return
	}
	ev := domain.CoherenceEvent{
		TraceID:   sig.TraceID,
		Symbol:    sig.Symbol,
		Strategy:  sig.Strategy,
		Kind:      kind,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if err := e.coherence.Record(ctx, ev); err != nil {
		e.logger.Error("failed to record coherence fault", zap.Error(err), zap.String("kind", string(kind)))
	}
}
