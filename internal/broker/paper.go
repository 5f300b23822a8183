package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aethelgard/core/internal/domain"
)

// PaperConnector simulates a broker for tests and dry runs. Orders fill
// immediately at the midpoint of the request's stop-loss and take-profit
// (OrderRequest carries no price); no slippage model is applied
// since deterministic fills make position-manager and risk tests
// reproducible. It uses the same Connector interface as a live adapter
// so no core logic branches on paper vs real.
type PaperConnector struct {
	mu        sync.Mutex
	profiles  map[string]SymbolInfo
	tradable  map[string]bool
	positions map[string]*domain.Position
	closed    []domain.ClosedTradeEvent
	nextID    int
	now       func() time.Time
}

// PaperConfig configures a PaperConnector's known symbol profiles.
type PaperConfig struct {
	Symbols map[string]SymbolInfo `json:"symbols"`
}

// NewPaperConnector constructs a PaperConnector directly (bypassing the
// JSON factory), primarily for tests.
func NewPaperConnector(profiles map[string]SymbolInfo) *PaperConnector {
	tradable := make(map[string]bool, len(profiles))
	for symbol := range profiles {
		tradable[symbol] = true
	}
	return &PaperConnector{
		profiles:  profiles,
		tradable:  tradable,
		positions: make(map[string]*domain.Position),
		now:       time.Now,
	}
}

// PaperFactory is registered under the name "paper" and builds a
// PaperConnector from a PaperConfig JSON blob.
func PaperFactory(configJSON []byte) (Connector, error) {
	var cfg PaperConfig
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &cfg); err != nil {
			return nil, fmt.Errorf("broker: paper: decode config: %w", err)
		}
	}
	return NewPaperConnector(cfg.Symbols), nil
}

func (p *PaperConnector) Name() string { return "paper" }

func (p *PaperConnector) Connect(ctx context.Context) error    { return nil }
func (p *PaperConnector) Disconnect(ctx context.Context) error { return nil }

func (p *PaperConnector) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.profiles[symbol]
	if !ok {
		return nil, fmt.Errorf("broker: paper: unknown symbol %s", symbol)
	}
	return &info, nil
}

func (p *PaperConnector) IsSymbolTradable(ctx context.Context, symbol string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.profiles[symbol]; !ok {
		return false, fmt.Errorf("broker: paper: unknown symbol %s", symbol)
	}
	return p.tradable[symbol], nil
}

func (p *PaperConnector) EnableSymbol(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.profiles[symbol]; !ok {
		return fmt.Errorf("broker: paper: unknown symbol %s", symbol)
	}
	p.tradable[symbol] = true
	return nil
}

func (p *PaperConnector) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.profiles[symbol]
	if !ok {
		return nil, fmt.Errorf("broker: paper: unknown symbol %s", symbol)
	}
	spread := info.TickSize
	mid := decimal.NewFromInt(1)
	return &Quote{Symbol: symbol, Bid: mid, Ask: mid.Add(spread), Timestamp: p.now()}, nil
}

func (p *PaperConnector) ExecuteOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	ticket := fmt.Sprintf("PAPER-%d", p.nextID)
	now := p.now()

	pos := &domain.Position{
		TicketID:        ticket,
		Symbol:          req.Symbol,
		Direction:       req.Direction,
		Volume:          req.Volume,
		EntryPrice:      req.StopLoss.Add(req.TakeProfit).Div(decimal.NewFromInt(2)),
		CurrentStop:     req.StopLoss,
		CurrentTarget:   req.TakeProfit,
		OpenTime:        now,
		LastModifiedAt:  now,
		ModificationDay: now,
	}
	p.positions[ticket] = pos

	return &OrderResult{TicketID: ticket, FilledPrice: pos.EntryPrice, FilledAt: now}, nil
}

func (p *PaperConnector) ModifyPosition(ctx context.Context, req ModifyRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[req.TicketID]
	if !ok {
		return fmt.Errorf("broker: paper: unknown ticket %s", req.TicketID)
	}
	pos.CurrentStop = req.StopLoss
	pos.CurrentTarget = req.TakeProfit
	pos.LastModifiedAt = p.now()
	return nil
}

func (p *PaperConnector) ClosePosition(ctx context.Context, ticketID string) (*domain.ClosedTradeEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticketID]
	if !ok {
		return nil, fmt.Errorf("broker: paper: unknown ticket %s", ticketID)
	}
	delete(p.positions, ticketID)

	now := p.now()
	exit := pos.CurrentTarget
	pnl := exit.Sub(pos.EntryPrice).Mul(pos.Volume)
	result := domain.TradeResultWin
	if pnl.IsNegative() {
		result = domain.TradeResultLoss
	} else if pnl.IsZero() {
		result = domain.TradeResultBreakeven
	}

	ev := domain.ClosedTradeEvent{
		Ticket:     ticketID,
		Symbol:     pos.Symbol,
		Entry:      pos.EntryPrice,
		Exit:       exit,
		EntryTime:  pos.OpenTime,
		ExitTime:   now,
		PnL:        pnl,
		Result:     result,
		ExitReason: "manual_close",
		BrokerID:   "paper",
	}
	p.closed = append(p.closed, ev)
	return &ev, nil
}

func (p *PaperConnector) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperConnector) ReconcileClosedTrades(ctx context.Context, since time.Time) ([]domain.ClosedTradeEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ClosedTradeEvent
	for _, ev := range p.closed {
		if !ev.ExitTime.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}
