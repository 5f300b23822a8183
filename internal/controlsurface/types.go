// Package controlsurface specifies the Go-level contract the UI layer
// consumes to read core state and issue a bounded set of writes. It is
// deliberately types-and-interfaces only: no HTTP routing, no
// websocket upgrader, no handler implementations. The HTTP/UI surface
// itself is out of scope (see spec's Non-goals); this package exists
// only so that boundary has a concrete Go shape to compile against.
package controlsurface

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aethelgard/core/internal/domain"
)

// RiskStatus is the read-side view of the Risk Manager's ledger.
type RiskStatus struct {
	EquitySnapshot     decimal.Decimal
	ConsecutiveLosses  int
	Lockdown           bool
	PerTradeRiskFrac   decimal.Decimal
	MaxAccountRiskFrac decimal.Decimal
	LastTradeOutcome   string
	UpdatedAt          time.Time
}

// SymbolRegime is the current regime classification for one symbol.
type SymbolRegime struct {
	Symbol     string
	Regime     domain.Regime
	Confidence decimal.Decimal
	AsOf       time.Time
}

// OpenPositionView is an open position enriched with its computed
// R-multiple (unrealized P&L divided by initial risk), a derived read
// value the UI needs but nothing in the core's write path does.
type OpenPositionView struct {
	domain.Position
	UnrealizedPnL decimal.Decimal
	RMultiple     decimal.Decimal
}

// TuningLogEntry is one row of the Edge Tuner's audit trail.
type TuningLogEntry struct {
	TriggeredBy string
	TradeCount  int
	OldVersion  int64
	NewVersion  int64
	RanAt       time.Time
}

// ReadSurface is everything the UI may read without mutating core
// state.
type ReadSurface interface {
	RiskStatus(ctx context.Context) (RiskStatus, error)
	RegimeBySymbol(ctx context.Context) ([]SymbolRegime, error)
	OpenPositions(ctx context.Context) ([]OpenPositionView, error)
	RecentSignals(ctx context.Context, symbol string, limit int) ([]domain.Signal, error)
	CoherenceEvents(ctx context.Context, limit int) ([]domain.CoherenceEvent, error)
	TuningLog(ctx context.Context, limit int) ([]TuningLogEntry, error)
}

// ModuleToggle is a write request to enable or disable a named module
// (e.g. "scanner", "executor", a specific strategy) globally or for
// one broker account.
type ModuleToggle struct {
	Module         string
	BrokerAccount  string // empty means global
	Enabled        bool
}

// DynamicParamsAdjustment is the bounded write-side subset of
// DynamicParams the UI may adjust directly; fields left nil are
// unchanged. The Edge Tuner remains the only writer of the full
// struct and of Version.
type DynamicParamsAdjustment struct {
	ADXThreshold         *decimal.Decimal
	ATRMultiplier        *decimal.Decimal
	MinScore             *decimal.Decimal
	PerTradeRiskFraction *decimal.Decimal
}

// WriteSurface is the bounded set of mutations the UI may issue. Every
// mutation still passes through the same components the automated
// pipeline uses (Persistence, Risk Manager, Signal Factory) — the
// control surface is a second caller of those components, not a
// parallel write path.
type WriteSurface interface {
	SetModuleEnabled(ctx context.Context, toggle ModuleToggle) error
	AdjustDynamicParams(ctx context.Context, adj DynamicParamsAdjustment) error
	ManualExecuteSignal(ctx context.Context, traceID string) error
	ManualCancelSignal(ctx context.Context, traceID, reason string) error
}
