// Package broker defines the BrokerConnector contract every execution
// venue adapter implements, plus a name-keyed registry for wiring one in
// from configuration. No concrete MT5/FIX client lives here — only the
// interface and a PaperConnector reference implementation for tests.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aethelgard/core/internal/domain"
)

// SymbolInfo mirrors the subset of broker-reported symbol metadata the
// core needs to validate and size an order: contract size, tick size,
// volume step, and freeze/stops level.
type SymbolInfo struct {
	Symbol              string
	ContractSize        decimal.Decimal
	TickSize            decimal.Decimal
	VolumeStep          decimal.Decimal
	MinVolume           decimal.Decimal
	MaxVolume           decimal.Decimal
	FreezeLevelDistance decimal.Decimal
	Digits              int32
}

// Quote is a current bid/ask snapshot.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// OrderRequest is what the Executor hands the connector after every
// guard has passed.
type OrderRequest struct {
	TraceID   string
	Symbol    string
	Direction domain.Direction
	Volume    decimal.Decimal
	StopLoss  decimal.Decimal
	TakeProfit decimal.Decimal
	Comment   string
}

// OrderResult is the connector's acknowledgement of a placed order.
type OrderResult struct {
	TicketID    string
	FilledPrice decimal.Decimal
	FilledAt    time.Time
}

// ModifyRequest changes an open position's stop and/or target.
type ModifyRequest struct {
	TicketID   string
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// Connector is the contract every execution venue adapter must satisfy.
// Method names follow the spec's broker-contract vocabulary
// (get_symbol_info / execute_order / modify_position / close_position /
// reconcile_closed_trades), cross-checked against MT5-style terminal
// API naming (SymbolInfoDouble, OrderSend, OrderModify, OrderClose,
// PositionsHistory) for an idiomatic Go surface.
type Connector interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)

	// IsSymbolTradable reports whether the symbol is currently visible
	// in the broker's tradable set (e.g. MT5's Market Watch). A false
	// result does not mean the symbol can never trade: EnableSymbol may
	// still succeed.
	IsSymbolTradable(ctx context.Context, symbol string) (bool, error)
	// EnableSymbol asks the broker to add the symbol to its tradable
	// set. The Executor calls this only after IsSymbolTradable reports
	// false, before fetching the live tick it uses to price initial risk.
	EnableSymbol(ctx context.Context, symbol string) error

	ExecuteOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ModifyPosition(ctx context.Context, req ModifyRequest) error
	ClosePosition(ctx context.Context, ticketID string) (*domain.ClosedTradeEvent, error)

	OpenPositions(ctx context.Context) ([]domain.Position, error)
	// ReconcileClosedTrades returns trades the broker shows closed since
	// the given cursor time, for the Trade Closure Listener and for
	// orphan-sync detection of positions the core still thinks are open.
	ReconcileClosedTrades(ctx context.Context, since time.Time) ([]domain.ClosedTradeEvent, error)
}

// Factory builds a Connector from a JSON configuration blob.
type Factory func(configJSON []byte) (Connector, error)

// Registry maps broker names to factories, mirroring the pack's
// name-keyed broker registry pattern.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named factory. Re-registering the same name replaces it.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a Connector for the named broker from configJSON.
func (r *Registry) New(name string, configJSON []byte) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("broker: no factory registered for %q", name)
	}
	return f(configJSON)
}
