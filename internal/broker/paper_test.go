package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aethelgard/core/internal/domain"
)

func testProfiles() map[string]SymbolInfo {
	return map[string]SymbolInfo{
		"EURUSD": {
			Symbol:       "EURUSD",
			ContractSize: decimal.NewFromInt(100000),
			TickSize:     decimal.NewFromFloat(0.00001),
			VolumeStep:   decimal.NewFromFloat(0.01),
			MinVolume:    decimal.NewFromFloat(0.01),
			MaxVolume:    decimal.NewFromInt(100),
			Digits:       5,
		},
	}
}

func TestPaperConnectorExecuteThenCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn := NewPaperConnector(testProfiles())

	res, err := conn.ExecuteOrder(ctx, OrderRequest{
		TraceID:    "t1",
		Symbol:     "EURUSD",
		Direction:  domain.DirectionBuy,
		Volume:     decimal.NewFromFloat(0.1),
		StopLoss:   decimal.NewFromFloat(1.0900),
		TakeProfit: decimal.NewFromFloat(1.1100),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.TicketID)

	open, err := conn.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, res.TicketID, open[0].TicketID)

	closedEv, err := conn.ClosePosition(ctx, res.TicketID)
	require.NoError(t, err)
	require.Equal(t, res.TicketID, closedEv.Ticket)

	open, err = conn.OpenPositions(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestPaperConnectorSymbolStartsTradableAndEnableSymbolIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := NewPaperConnector(testProfiles())

	tradable, err := conn.IsSymbolTradable(ctx, "EURUSD")
	require.NoError(t, err)
	require.True(t, tradable)

	require.NoError(t, conn.EnableSymbol(ctx, "EURUSD"))
	tradable, err = conn.IsSymbolTradable(ctx, "EURUSD")
	require.NoError(t, err)
	require.True(t, tradable)
}

func TestPaperConnectorIsSymbolTradableRejectsUnprofiledSymbol(t *testing.T) {
	conn := NewPaperConnector(testProfiles())
	_, err := conn.IsSymbolTradable(context.Background(), "GBPJPY")
	require.Error(t, err)
}

func TestPaperConnectorClosePositionUnknownTicket(t *testing.T) {
	conn := NewPaperConnector(testProfiles())
	_, err := conn.ClosePosition(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestPaperConnectorModifyPositionUpdatesStopAndTarget(t *testing.T) {
	ctx := context.Background()
	conn := NewPaperConnector(testProfiles())
	res, err := conn.ExecuteOrder(ctx, OrderRequest{
		Symbol:     "EURUSD",
		Direction:  domain.DirectionBuy,
		Volume:     decimal.NewFromFloat(0.1),
		StopLoss:   decimal.NewFromFloat(1.0900),
		TakeProfit: decimal.NewFromFloat(1.1100),
	})
	require.NoError(t, err)

	newStop := decimal.NewFromFloat(1.0950)
	err = conn.ModifyPosition(ctx, ModifyRequest{TicketID: res.TicketID, StopLoss: newStop, TakeProfit: decimal.NewFromFloat(1.1100)})
	require.NoError(t, err)

	open, err := conn.OpenPositions(ctx)
	require.NoError(t, err)
	require.True(t, open[0].CurrentStop.Equal(newStop))
}

func TestPaperConnectorReconcileClosedTradesFiltersBySince(t *testing.T) {
	ctx := context.Background()
	conn := NewPaperConnector(testProfiles())
	cutoff := time.Now()
	conn.now = func() time.Time { return cutoff.Add(-time.Hour) }

	res, err := conn.ExecuteOrder(ctx, OrderRequest{
		Symbol: "EURUSD", Direction: domain.DirectionBuy, Volume: decimal.NewFromFloat(0.1),
		StopLoss: decimal.NewFromFloat(1.09), TakeProfit: decimal.NewFromFloat(1.11),
	})
	require.NoError(t, err)
	_, err = conn.ClosePosition(ctx, res.TicketID)
	require.NoError(t, err)

	events, err := conn.ReconcileClosedTrades(ctx, cutoff)
	require.NoError(t, err)
	require.Empty(t, events, "closed trade was before the cutoff")

	events, err = conn.ReconcileClosedTrades(ctx, cutoff.Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
}
