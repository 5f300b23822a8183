package regime

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aethelgard/core/internal/domain"
)

func syntheticBars(n int, start, drift, noise float64) []domain.OHLCV {
	bars := make([]domain.OHLCV, n)
	price := start
	for i := 0; i < n; i++ {
		price += drift
		high := price + noise
		low := price - noise
		bars[i] = domain.OHLCV{
			Timestamp: time.Now().Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(price),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(100),
		}
	}
	return bars
}

func TestComputeFeaturesErrorsOnTooFewBars(t *testing.T) {
	_, err := ComputeFeatures(syntheticBars(10, 100, 0.1, 0.2))
	require.Error(t, err)
}

func TestComputeFeaturesTrendingSeriesHasPositiveSlope(t *testing.T) {
	bars := syntheticBars(250, 100, 0.5, 0.3)
	f, err := ComputeFeatures(bars)
	require.NoError(t, err)
	require.True(t, f.SMASlope.GreaterThan(decimal.Zero), "expected positive slope on a steadily rising series, got %s", f.SMASlope)
	require.True(t, f.SMAShort.GreaterThan(f.SMALong), "short SMA should lead a rising long SMA")
}

func TestComputeFeaturesFlatSeriesHasNearZeroSlope(t *testing.T) {
	bars := syntheticBars(250, 100, 0, 0.05)
	f, err := ComputeFeatures(bars)
	require.NoError(t, err)
	require.True(t, f.SMASlope.Abs().LessThan(decimal.NewFromFloat(0.001)))
}

func TestComputeFeaturesADXNonNegative(t *testing.T) {
	bars := syntheticBars(250, 100, 0.5, 0.3)
	f, err := ComputeFeatures(bars)
	require.NoError(t, err)
	require.True(t, f.ADX.GreaterThanOrEqual(decimal.Zero))
}
