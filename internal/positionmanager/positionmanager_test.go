package positionmanager

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/broker"
	"github.com/aethelgard/core/internal/domain"
	"github.com/aethelgard/core/internal/risk"
)

type fakeConnector struct {
	openPositions []domain.Position
	quote         broker.Quote
	closed        []string
	modified      []broker.ModifyRequest
	closeResult   *domain.ClosedTradeEvent
}

func (f *fakeConnector) Name() string                                { return "fake" }
func (f *fakeConnector) Connect(context.Context) error               { return nil }
func (f *fakeConnector) Disconnect(context.Context) error            { return nil }
func (f *fakeConnector) GetSymbolInfo(context.Context, string) (*broker.SymbolInfo, error) {
	return &broker.SymbolInfo{}, nil
}
func (f *fakeConnector) GetQuote(context.Context, string) (*broker.Quote, error) {
	q := f.quote
	return &q, nil
}
func (f *fakeConnector) IsSymbolTradable(context.Context, string) (bool, error) { return true, nil }
func (f *fakeConnector) EnableSymbol(context.Context, string) error             { return nil }
func (f *fakeConnector) ExecuteOrder(context.Context, broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{}, nil
}
func (f *fakeConnector) ModifyPosition(_ context.Context, req broker.ModifyRequest) error {
	f.modified = append(f.modified, req)
	return nil
}
func (f *fakeConnector) ClosePosition(_ context.Context, ticketID string) (*domain.ClosedTradeEvent, error) {
	f.closed = append(f.closed, ticketID)
	if f.closeResult != nil {
		return f.closeResult, nil
	}
	return &domain.ClosedTradeEvent{Ticket: ticketID}, nil
}
func (f *fakeConnector) OpenPositions(context.Context) ([]domain.Position, error) {
	return f.openPositions, nil
}
func (f *fakeConnector) ReconcileClosedTrades(context.Context, time.Time) ([]domain.ClosedTradeEvent, error) {
	return nil, nil
}

type fakeStore struct {
	positions []domain.Position
	profile   domain.AssetProfile
	deleted   []string
	upserted  []domain.Position
}

func (f *fakeStore) ListOpenPositions(context.Context) ([]domain.Position, error) {
	return f.positions, nil
}
func (f *fakeStore) UpsertPosition(_ context.Context, p domain.Position) error {
	f.upserted = append(f.upserted, p)
	return nil
}
func (f *fakeStore) DeletePosition(_ context.Context, ticketID string) error {
	f.deleted = append(f.deleted, ticketID)
	return nil
}
func (f *fakeStore) GetAssetProfile(context.Context, string) (*domain.AssetProfile, error) {
	p := f.profile
	return &p, nil
}

type fakeRegime struct {
	sample domain.RegimeSample
	ok     bool
}

func (f fakeRegime) Current(string) (domain.RegimeSample, bool) { return f.sample, f.ok }

type fakeClosure struct {
	handled []domain.ClosedTradeEvent
}

func (f *fakeClosure) HandleClosed(_ context.Context, ev domain.ClosedTradeEvent, _ string) error {
	f.handled = append(f.handled, ev)
	return nil
}

func noneResolver(context.Context, string) (risk.ConversionCase, decimal.Decimal, error) {
	return risk.ConversionNone, decimal.Zero, nil
}

func staticParams() domain.DynamicParams { return domain.DynamicParams{} }

func basePosition() domain.Position {
	now := time.Now()
	return domain.Position{
		TicketID:        "T1",
		Symbol:          "EURUSD",
		Direction:       domain.DirectionBuy,
		Volume:          decimal.NewFromInt(1),
		EntryPrice:      decimal.NewFromInt(100),
		CurrentStop:     decimal.NewFromInt(95),
		CurrentTarget:   decimal.NewFromInt(110),
		OpenTime:        now.Add(-time.Hour),
		LastModifiedAt:  now.Add(-time.Hour),
		ModificationDay: now,
		EntryRegime:     domain.RegimeTrend,
		InitialRisk:     decimal.NewFromInt(5),
		StrategyOrigin:  "ema-crossover",
	}
}

func TestSuperviseEmergencyClosesOnRunawayLoss(t *testing.T) {
	pos := basePosition()
	fc := &fakeConnector{quote: broker.Quote{Bid: decimal.NewFromInt(89), Ask: decimal.NewFromInt(89)}}
	fs := &fakeStore{positions: []domain.Position{pos}, profile: domain.AssetProfile{ContractSize: decimal.NewFromInt(1)}}
	fclosure := &fakeClosure{}

	mgr := New(zap.NewNop(), fc, fs, fakeRegime{}, fclosure, noneResolver, staticParams, DefaultConfig())
	err := mgr.Supervise(context.Background())
	require.NoError(t, err)
	require.Contains(t, fc.closed, "T1")
	require.Contains(t, fs.deleted, "T1")
	require.Len(t, fclosure.handled, 1)
}

func TestSuperviseDoesNotCloseWithinLossTolerance(t *testing.T) {
	pos := basePosition()
	// entry 100, stop 95, initial risk 5; price 96 -> loss 4, below 2x5=10
	fc := &fakeConnector{quote: broker.Quote{Bid: decimal.NewFromInt(96), Ask: decimal.NewFromInt(96)}}
	fs := &fakeStore{positions: []domain.Position{pos}, profile: domain.AssetProfile{ContractSize: decimal.NewFromInt(1)}}

	mgr := New(zap.NewNop(), fc, fs, fakeRegime{}, nil, noneResolver, staticParams, DefaultConfig())
	err := mgr.Supervise(context.Background())
	require.NoError(t, err)
	require.Empty(t, fc.closed)
}

func TestSuperviseMovesToBreakevenWhenProfitableAndAged(t *testing.T) {
	pos := basePosition()
	pos.OpenTime = time.Now().Add(-30 * time.Minute)
	fc := &fakeConnector{quote: broker.Quote{Bid: decimal.NewFromInt(105), Ask: decimal.NewFromInt(105)}}
	fs := &fakeStore{positions: []domain.Position{pos}, profile: domain.AssetProfile{ContractSize: decimal.NewFromInt(1)}}
	fr := fakeRegime{ok: true, sample: domain.RegimeSample{Label: domain.RegimeTrend, ATR: decimal.NewFromFloat(0.5)}}

	mgr := New(zap.NewNop(), fc, fs, fr, nil, noneResolver, staticParams, DefaultConfig())
	err := mgr.Supervise(context.Background())
	require.NoError(t, err)
	require.Len(t, fc.modified, 1)
	require.True(t, fc.modified[0].StopLoss.Equal(pos.EntryPrice))
}

func TestSuperviseSkipsBreakevenWhenFavorableMoveBelowATRThreshold(t *testing.T) {
	pos := basePosition()
	pos.OpenTime = time.Now().Add(-30 * time.Minute)
	// Price moved only 1 in favor, but the ATR threshold demands 5 (ATR 5 * mult 1.0).
	fc := &fakeConnector{quote: broker.Quote{Bid: decimal.NewFromInt(101), Ask: decimal.NewFromInt(101)}}
	fs := &fakeStore{positions: []domain.Position{pos}, profile: domain.AssetProfile{ContractSize: decimal.NewFromInt(1)}}
	fr := fakeRegime{ok: true, sample: domain.RegimeSample{Label: domain.RegimeTrend, ATR: decimal.NewFromInt(5)}}

	mgr := New(zap.NewNop(), fc, fs, fr, nil, noneResolver, staticParams, DefaultConfig())
	err := mgr.Supervise(context.Background())
	require.NoError(t, err)
	require.Empty(t, fc.modified)
}

func TestSuperviseSkipsBreakevenBeforeMinAge(t *testing.T) {
	pos := basePosition()
	pos.OpenTime = time.Now().Add(-5 * time.Minute)
	fc := &fakeConnector{quote: broker.Quote{Bid: decimal.NewFromInt(105), Ask: decimal.NewFromInt(105)}}
	fs := &fakeStore{positions: []domain.Position{pos}, profile: domain.AssetProfile{ContractSize: decimal.NewFromInt(1)}}

	mgr := New(zap.NewNop(), fc, fs, fakeRegime{}, nil, noneResolver, staticParams, DefaultConfig())
	err := mgr.Supervise(context.Background())
	require.NoError(t, err)
	require.Empty(t, fc.modified)
}

func TestSuperviseRefusesModificationAtDailyCap(t *testing.T) {
	pos := basePosition()
	pos.OpenTime = time.Now().Add(-30 * time.Minute)
	pos.ModificationCount = 10
	pos.ModificationDay = time.Now()
	fc := &fakeConnector{quote: broker.Quote{Bid: decimal.NewFromInt(105), Ask: decimal.NewFromInt(105)}}
	fs := &fakeStore{positions: []domain.Position{pos}, profile: domain.AssetProfile{ContractSize: decimal.NewFromInt(1)}}
	fr := fakeRegime{ok: true, sample: domain.RegimeSample{Label: domain.RegimeTrend, ATR: decimal.NewFromFloat(0.5)}}

	mgr := New(zap.NewNop(), fc, fs, fr, nil, noneResolver, staticParams, DefaultConfig())
	err := mgr.Supervise(context.Background())
	require.NoError(t, err)
	require.Empty(t, fc.modified)
}

func TestSuperviseSyncsOrphanPosition(t *testing.T) {
	orphan := domain.Position{TicketID: "ORPHAN-1", Symbol: "EURUSD", EntryPrice: decimal.NewFromInt(100), CurrentStop: decimal.NewFromInt(95), Volume: decimal.NewFromInt(1)}
	fc := &fakeConnector{openPositions: []domain.Position{orphan}, quote: broker.Quote{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)}}
	fs := &fakeStore{profile: domain.AssetProfile{ContractSize: decimal.NewFromInt(1)}}

	mgr := New(zap.NewNop(), fc, fs, fakeRegime{}, nil, noneResolver, staticParams, DefaultConfig())
	err := mgr.Supervise(context.Background())
	require.NoError(t, err)
	require.Len(t, fs.upserted, 1)
	require.True(t, fs.upserted[0].OrphanSync)
}

func TestSuperviseTimeBasedExitClosesExpiredPosition(t *testing.T) {
	pos := basePosition()
	pos.EntryRegime = domain.RegimeCrash
	pos.OpenTime = time.Now().Add(-2 * time.Hour)
	fc := &fakeConnector{quote: broker.Quote{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)}}
	fs := &fakeStore{positions: []domain.Position{pos}, profile: domain.AssetProfile{ContractSize: decimal.NewFromInt(1)}}

	mgr := New(zap.NewNop(), fc, fs, fakeRegime{}, nil, noneResolver, staticParams, DefaultConfig())
	err := mgr.Supervise(context.Background())
	require.NoError(t, err)
	require.Contains(t, fc.closed, pos.TicketID)
}
