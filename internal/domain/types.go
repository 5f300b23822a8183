// Package domain provides the shared type definitions for the trading core.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass categorizes a tradable symbol.
type AssetClass string

const (
	AssetClassForex  AssetClass = "forex"
	AssetClassMetal  AssetClass = "metal"
	AssetClassCrypto AssetClass = "crypto"
	AssetClassIndex  AssetClass = "index"
)

// Direction is the side of a signal or position.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// SignalStatus tracks a signal's lifecycle. Status only ever advances
// forward; it never returns to Pending.
type SignalStatus string

const (
	SignalStatusPending  SignalStatus = "PENDING"
	SignalStatusExecuted SignalStatus = "EXECUTED"
	SignalStatusRejected SignalStatus = "REJECTED"
	SignalStatusExpired  SignalStatus = "EXPIRED"
)

// ExecutionMode says whether a signal risks real capital.
type ExecutionMode string

const (
	ExecutionModeReal    ExecutionMode = "REAL"
	ExecutionModeVirtual ExecutionMode = "VIRTUAL"
)

// Regime is a categorical label for market behavior.
type Regime string

const (
	RegimeTrend    Regime = "TREND"
	RegimeRange    Regime = "RANGE"
	RegimeVolatile Regime = "VOLATILE"
	RegimeShock    Regime = "SHOCK"
	RegimeCrash    Regime = "CRASH"
	RegimeNormal   Regime = "NORMAL"
)

// Timeframe is a bar interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// HigherTimeframe returns the timeframe Trifecta checks a primary signal's
// multi-timeframe alignment against, or "" if tf has none above it (1d is
// the ceiling). The Scanner treats "" as a signal to skip the higher-
// timeframe fetch and let Trifecta fall back to its degraded-mode score.
func HigherTimeframe(tf Timeframe) Timeframe {
	switch tf {
	case Timeframe1m:
		return Timeframe15m
	case Timeframe5m:
		return Timeframe1h
	case Timeframe15m:
		return Timeframe1h
	case Timeframe1h:
		return Timeframe4h
	case Timeframe4h:
		return Timeframe1d
	default:
		return ""
	}
}

// AssetProfile is the canonical, persisted description of a tradable
// symbol. Every symbol traded must have one; a signal for an unprofiled
// symbol is rejected (see errs.ErrUnprofiledSymbol).
type AssetProfile struct {
	Symbol              string          `json:"symbol"`
	Class               AssetClass      `json:"class"`
	ContractSize        decimal.Decimal `json:"contract_size"`
	TickSize            decimal.Decimal `json:"tick_size"`
	Digits              int32           `json:"digits"`
	PipSize             decimal.Decimal `json:"pip_size"`
	FreezeLevelDistance decimal.Decimal `json:"freeze_level_distance"`
	BrokerNativeSymbol  string          `json:"broker_native_symbol"`
}

// OHLCV is a single candlestick.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Signal is a candidate trade produced by the Signal Factory.
type Signal struct {
	TraceID          string          `json:"trace_id"`
	Symbol           string          `json:"symbol"`
	Direction        Direction       `json:"direction"`
	Entry            decimal.Decimal `json:"entry"`
	StopLoss         decimal.Decimal `json:"stop_loss"`
	TakeProfit       decimal.Decimal `json:"take_profit"`
	Strategy         string          `json:"strategy"`
	Timeframe        Timeframe       `json:"timeframe"`
	GeneratedAt      time.Time       `json:"generated_at"`
	Score            decimal.Decimal `json:"score"`
	RegimeAtGen      Regime          `json:"regime_at_generation"`
	Mode             ExecutionMode   `json:"execution_mode"`
	Status           SignalStatus    `json:"status"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
}

// Validate enforces the Signal invariants from the data model: stop and
// target must sit on consistent sides of entry.
func (s *Signal) Validate() error {
	switch s.Direction {
	case DirectionBuy:
		if !(s.StopLoss.LessThan(s.Entry) && s.Entry.LessThan(s.TakeProfit)) {
			return fmt.Errorf("signal %s: BUY requires sl < entry < tp", s.TraceID)
		}
	case DirectionSell:
		if !(s.TakeProfit.LessThan(s.Entry) && s.Entry.LessThan(s.StopLoss)) {
			return fmt.Errorf("signal %s: SELL requires tp < entry < sl", s.TraceID)
		}
	default:
		return fmt.Errorf("signal %s: unknown direction %q", s.TraceID, s.Direction)
	}
	return nil
}

// Advance moves the signal to a new status. It refuses any transition
// back to Pending, since status only ever moves forward.
func (s *Signal) Advance(next SignalStatus, reason string) error {
	if next == SignalStatusPending {
		return fmt.Errorf("signal %s: cannot advance back to PENDING", s.TraceID)
	}
	if s.Status != SignalStatusPending {
		return fmt.Errorf("signal %s: already %s, cannot advance to %s", s.TraceID, s.Status, next)
	}
	s.Status = next
	s.RejectionReason = reason
	return nil
}

// RegimeSample is one regime-classifier observation for (symbol, timeframe).
type RegimeSample struct {
	Symbol      string          `json:"symbol"`
	Timeframe   Timeframe       `json:"timeframe"`
	Label       Regime          `json:"label"`
	ADX         decimal.Decimal `json:"adx"`
	ATR         decimal.Decimal `json:"atr"`
	SMAShort    decimal.Decimal `json:"sma_short"`
	SMALong     decimal.Decimal `json:"sma_long"`
	SMASlope    decimal.Decimal `json:"sma_slope"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Position is an open broker position actively supervised by the
// Position Manager.
type Position struct {
	TicketID          string          `json:"ticket_id"`
	Symbol            string          `json:"symbol"`
	Direction         Direction       `json:"direction"`
	Volume            decimal.Decimal `json:"volume"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	CurrentStop       decimal.Decimal `json:"current_stop"`
	CurrentTarget     decimal.Decimal `json:"current_target"`
	OpenTime          time.Time       `json:"open_time"`
	LastModifiedAt    time.Time       `json:"last_modified_at"`
	ModificationCount int             `json:"modification_count_today"`
	ModificationDay   time.Time       `json:"modification_day"`
	EntryRegime       Regime          `json:"entry_regime"`
	InitialRisk       decimal.Decimal `json:"initial_risk"`
	StrategyOrigin    string          `json:"strategy_origin"`
	OrphanSync        bool            `json:"orphan_sync"`
	Contested         bool            `json:"contested"`
	ContestedUntil    time.Time       `json:"contested_until,omitempty"`
}

// RiskState is the process-wide risk ledger, mutated only through
// Persistence under serialized writes.
type RiskState struct {
	EquitySnapshot     decimal.Decimal `json:"equity_snapshot"`
	ConsecutiveLosses  int             `json:"consecutive_losses"`
	Lockdown           bool            `json:"lockdown"`
	PerTradeRiskFrac   decimal.Decimal `json:"per_trade_risk_fraction"`
	MaxAccountRiskFrac decimal.Decimal `json:"max_account_risk_fraction"`
	LastTradeOutcome   string          `json:"last_trade_outcome"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// DynamicParams are tunable parameters read by strategies and risk, and
// written by the Edge Tuner. Hot-reloaded at cycle boundaries only.
type DynamicParams struct {
	ADXThreshold          decimal.Decimal            `json:"adx_threshold"`
	ATRMultiplier         decimal.Decimal            `json:"atr_multiplier"`
	MinScore              decimal.Decimal            `json:"min_score"`
	PerTradeRiskFraction  decimal.Decimal            `json:"per_trade_risk_fraction"`
	RegimeWeights         map[Regime]decimal.Decimal `json:"regime_weights"`
	TrailingATRMultiplier map[Regime]decimal.Decimal `json:"trailing_atr_multiplier"`
	BreakevenDistanceMult decimal.Decimal            `json:"breakeven_distance_multiplier"`
	Version               int64                      `json:"version"`
}

// CoherenceKind enumerates the disagreements the Coherence Monitor watches for.
type CoherenceKind string

const (
	CoherenceUnnormalizedSymbol    CoherenceKind = "UNNORMALIZED_SYMBOL"
	CoherenceExecutedWithoutTicket CoherenceKind = "EXECUTED_WITHOUT_TICKET"
	CoherencePendingTimeout        CoherenceKind = "PENDING_TIMEOUT"
	CoherenceModuleMismatch        CoherenceKind = "MODULE_MISMATCH"
)

// CoherenceEvent records a recorded disagreement between two subsystems'
// views of the world.
type CoherenceEvent struct {
	TraceID   string        `json:"trace_id"`
	Symbol    string        `json:"symbol"`
	Strategy  string        `json:"strategy"`
	Kind      CoherenceKind `json:"kind"`
	Detail    string        `json:"detail"`
	Timestamp time.Time     `json:"timestamp"`
}

// ClosedTradeEvent is the broker-agnostic record every connector adapter
// maps its native close event into.
type ClosedTradeEvent struct {
	Ticket     string          `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Entry      decimal.Decimal `json:"entry"`
	Exit       decimal.Decimal `json:"exit"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	Pips       decimal.Decimal `json:"pips"`
	PnL        decimal.Decimal `json:"pnl"`
	Result     TradeResult     `json:"result"`
	ExitReason string          `json:"exit_reason"`
	BrokerID   string          `json:"broker_id"`
	SignalID   string          `json:"signal_id"`
	Mode       ExecutionMode   `json:"execution_mode"`
	Regime     Regime          `json:"entry_regime"`
	Strategy   string          `json:"strategy"`
}

// TradeResult categorizes a closed trade's outcome.
type TradeResult string

const (
	TradeResultWin       TradeResult = "WIN"
	TradeResultLoss      TradeResult = "LOSS"
	TradeResultBreakeven TradeResult = "BREAKEVEN"
)
