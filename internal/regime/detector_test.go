package regime

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

func newTestDetector() *Detector {
	return NewDetector(zap.NewNop(), DefaultConfig())
}

// defaultParams is a zero-value DynamicParams, forcing classifyLadder onto
// its fallback ADX threshold (25) and high-vol cutoff (2.0).
func defaultParams() domain.DynamicParams {
	return domain.DynamicParams{}
}

func TestClassifyLadderCrashTakesPriorityOverTrend(t *testing.T) {
	d := newTestDetector()
	f := Features{
		ADX:      decimal.NewFromInt(40), // would be TREND on its own
		ATR:      decimal.NewFromInt(10),
		ATRMean:  decimal.NewFromInt(1), // ratio 10 >= crash multiplier
		SMASlope: decimal.NewFromFloat(0.01),
	}
	sample, _ := d.Classify("EURUSD", domain.Timeframe1h, f, defaultParams(), time.Now())
	assert.Equal(t, domain.RegimeCrash, sample.Label)
}

func TestClassifyLadderShockBelowCrashThreshold(t *testing.T) {
	d := newTestDetector()
	f := Features{
		ADX:     decimal.NewFromInt(10),
		ATR:     decimal.NewFromInt(4),
		ATRMean: decimal.NewFromInt(1), // ratio 4, between shock(3) and crash(5)
	}
	sample, _ := d.Classify("EURUSD", domain.Timeframe1h, f, defaultParams(), time.Now())
	assert.Equal(t, domain.RegimeShock, sample.Label)
}

func TestClassifyLadderVolatileWhenChoppyAndLowADX(t *testing.T) {
	d := newTestDetector()
	f := Features{
		ADX:     decimal.NewFromInt(10), // below threshold
		ATR:     decimal.NewFromFloat(2.5),
		ATRMean: decimal.NewFromInt(1), // ratio 2.5, between the high-vol cutoff (2.0) and shock (3.0)
	}
	sample, _ := d.Classify("EURUSD", domain.Timeframe1h, f, defaultParams(), time.Now())
	assert.Equal(t, domain.RegimeVolatile, sample.Label)
}

func TestClassifyLadderNotVolatileWhenADXHighDespiteVolatilityBump(t *testing.T) {
	d := newTestDetector()
	f := Features{
		ADX:      decimal.NewFromInt(30), // at/above threshold, so VOLATILE's ADX guard excludes it
		ATR:      decimal.NewFromFloat(2.5),
		ATRMean:  decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
		SMAShort: decimal.NewFromInt(180), // separation 0.8 clears 0.3*ATR = 0.75
		SMALong:  decimal.NewFromInt(100),
		SMASlope: decimal.NewFromFloat(0.01),
	}
	sample, _ := d.Classify("EURUSD", domain.Timeframe1h, f, defaultParams(), time.Now())
	assert.Equal(t, domain.RegimeTrend, sample.Label)
}

func TestClassifyLadderTrendWhenADXHighSlopeClearsAndSeparationClears(t *testing.T) {
	d := newTestDetector()
	f := Features{
		ADX:      decimal.NewFromInt(30),
		ATR:      decimal.NewFromInt(1),
		ATRMean:  decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
		SMAShort: decimal.NewFromInt(140), // separation 0.4 clears 0.3*ATR
		SMALong:  decimal.NewFromInt(100),
		SMASlope: decimal.NewFromFloat(0.01),
	}
	sample, _ := d.Classify("EURUSD", domain.Timeframe1h, f, defaultParams(), time.Now())
	assert.Equal(t, domain.RegimeTrend, sample.Label)
}

func TestClassifyLadderNotTrendWhenSeparationTooNarrow(t *testing.T) {
	d := newTestDetector()
	f := Features{
		ADX:      decimal.NewFromInt(30),
		ATR:      decimal.NewFromInt(1),
		ATRMean:  decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
		SMAShort: decimal.NewFromInt(101), // separation 0.01, well under 0.3*ATR
		SMALong:  decimal.NewFromInt(100),
		SMASlope: decimal.NewFromFloat(0.01),
	}
	sample, _ := d.Classify("EURUSD", domain.Timeframe1h, f, defaultParams(), time.Now())
	assert.NotEqual(t, domain.RegimeTrend, sample.Label)
}

func TestClassifyLadderRangeWhenFlatAndLowADX(t *testing.T) {
	d := newTestDetector()
	f := Features{
		ADX:      decimal.NewFromInt(10),
		ATR:      decimal.NewFromInt(1),
		ATRMean:  decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
		SMAShort: decimal.NewFromInt(101), // separation 0.01, under 0.3*ATR
		SMALong:  decimal.NewFromInt(100),
		SMASlope: decimal.NewFromFloat(0.0001),
	}
	sample, _ := d.Classify("EURUSD", domain.Timeframe1h, f, defaultParams(), time.Now())
	assert.Equal(t, domain.RegimeRange, sample.Label)
}

func TestClassifyLadderNormalFallback(t *testing.T) {
	d := newTestDetector()
	f := Features{
		ADX:      decimal.NewFromInt(10), // below threshold, so not TREND
		ATR:      decimal.NewFromInt(1),
		ATRMean:  decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
		SMAShort: decimal.NewFromInt(140), // separation 0.4 clears 0.3*ATR, so not RANGE either
		SMALong:  decimal.NewFromInt(100),
		SMASlope: decimal.NewFromFloat(0.01),
	}
	sample, _ := d.Classify("EURUSD", domain.Timeframe1h, f, defaultParams(), time.Now())
	assert.Equal(t, domain.RegimeNormal, sample.Label)
}

func TestClassifyLadderHonorsHotReloadedThresholds(t *testing.T) {
	d := newTestDetector()
	f := Features{
		ADX:      decimal.NewFromInt(18),
		ATR:      decimal.NewFromInt(1),
		ATRMean:  decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
		SMAShort: decimal.NewFromInt(140),
		SMALong:  decimal.NewFromInt(100),
		SMASlope: decimal.NewFromFloat(0.01),
	}
	// ADX 18 is below the fallback threshold of 25, so the default params
	// would not classify this as TREND...
	base, _ := d.Classify("EURUSD", domain.Timeframe1h, f, defaultParams(), time.Now())
	assert.NotEqual(t, domain.RegimeTrend, base.Label)

	// ...but a hot-reloaded ADXThreshold of 15 should flip it to TREND on
	// the very next call, with no process restart.
	tuned := domain.DynamicParams{ADXThreshold: decimal.NewFromInt(15)}
	reclassified, _ := d.Classify("EURUSD", domain.Timeframe1h, f, tuned, time.Now())
	assert.Equal(t, domain.RegimeTrend, reclassified.Label)
}

func TestCurrentReturnsMostRecentSamplePerKey(t *testing.T) {
	d := newTestDetector()
	_, ok := d.Current("EURUSD", domain.Timeframe1h)
	assert.False(t, ok)

	d.Classify("EURUSD", domain.Timeframe1h, Features{ATR: decimal.Zero, ATRMean: decimal.Zero}, defaultParams(), time.Now())
	sample, ok := d.Current("EURUSD", domain.Timeframe1h)
	assert.True(t, ok)
	assert.Equal(t, "EURUSD", sample.Symbol)
}

func TestConfidenceFromHMMBoundedBetweenZeroAndOne(t *testing.T) {
	h := newHMMState(4)
	conf := confidenceFromHMM(h, []float64{0.001, -0.002, 0.0005, 0.0008})
	assert.GreaterOrEqual(t, conf, 0.0)
	assert.LessOrEqual(t, conf, 1.0)
}
