package signalfactory

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aethelgard/core/internal/domain"
)

// TrifectaConfig tunes the post-filter's thresholds.
type TrifectaConfig struct {
	// HTFTrendSMAPeriod is the SMA period used to read the
	// higher-timeframe trend direction for trap-zone rejection.
	HTFTrendSMAPeriod int
	// NarrowRangeLookback is how many recent higher-timeframe bars are
	// inspected for the narrow-state consolidation bonus.
	NarrowRangeLookback int
	// NarrowRangeRatio is the high/low range (as a fraction of price)
	// below which the lookback window counts as "narrow."
	NarrowRangeRatio decimal.Decimal
	// NarrowStateBonus is added to score when the narrow-state
	// condition holds, rewarding breakout-style entries out of
	// consolidation.
	NarrowStateBonus decimal.Decimal
	// TimeOfDayPenalty is subtracted from score during configured
	// low-liquidity hours (UTC).
	TimeOfDayPenalty   decimal.Decimal
	LowLiquidityHours  []int
	// TrapZoneEnabled gates whether misaligned-with-HTF-trend signals
	// are rejected outright rather than merely penalized.
	TrapZoneEnabled bool
}

// DefaultTrifectaConfig mirrors the teacher's multi-source consensus
// scoring defaults, rescaled onto the spec's HTF-alignment semantics.
func DefaultTrifectaConfig() TrifectaConfig {
	return TrifectaConfig{
		HTFTrendSMAPeriod:   50,
		NarrowRangeLookback: 10,
		NarrowRangeRatio:    decimal.NewFromFloat(0.003),
		NarrowStateBonus:    decimal.NewFromFloat(5),
		TimeOfDayPenalty:    decimal.NewFromFloat(10),
		LowLiquidityHours:   []int{22, 23, 0, 1, 2},
		TrapZoneEnabled:     true,
	}
}

// Trifecta is the Signal Factory's post-filter: it validates
// multi-timeframe alignment, rejects trap-zone entries (price against
// the higher-timeframe trend), grants a narrow-state consolidation
// bonus, and applies time-of-day penalties. When higher-timeframe data
// is unavailable it runs in degraded mode: it passes the signal through
// with a neutral score rather than blocking it.
type Trifecta struct {
	cfg TrifectaConfig
}

// NewTrifecta constructs a Trifecta analyzer.
func NewTrifecta(cfg TrifectaConfig) *Trifecta {
	return &Trifecta{cfg: cfg}
}

// Evaluate returns an adjusted score (0-100) for sig given its own
// candidate score (interpreted as a 0-1 strength before scaling) and
// the higher-timeframe bar set. degraded reports whether HTF data was
// missing. rejected, if true, means the candidate fails trap-zone and
// must be dropped; reason explains why.
func (t *Trifecta) Evaluate(sig domain.Signal, htfBars []domain.OHLCV, now time.Time) (score decimal.Decimal, degraded bool, rejected bool, reason string) {
	base := sig.Score
	if base.IsZero() {
		base = decimal.NewFromFloat(0.5)
	}
	// Normalize a 0-1 strategy strength onto the spec's 0-100 scale; a
	// strategy already emitting on that scale passes through untouched.
	if base.LessThanOrEqual(decimal.NewFromInt(1)) {
		base = base.Mul(decimal.NewFromInt(100))
	}

	if len(htfBars) < t.cfg.HTFTrendSMAPeriod {
		// Degraded mode: missing higher-timeframe data. Pass through
		// with a neutral score rather than blocking the signal.
		return decimal.NewFromFloat(50), true, false, ""
	}

	htfTrendUp := higherTimeframeTrendUp(htfBars, t.cfg.HTFTrendSMAPeriod)
	aligned := (sig.Direction == domain.DirectionBuy && htfTrendUp) ||
		(sig.Direction == domain.DirectionSell && !htfTrendUp)

	if !aligned && t.cfg.TrapZoneEnabled {
		return decimal.Zero, false, true, "TRAP_ZONE"
	}

	adjusted := base
	if isNarrowRange(htfBars, t.cfg.NarrowRangeLookback, t.cfg.NarrowRangeRatio) {
		adjusted = adjusted.Add(t.cfg.NarrowStateBonus)
	}
	if isLowLiquidityHour(now, t.cfg.LowLiquidityHours) {
		adjusted = adjusted.Sub(t.cfg.TimeOfDayPenalty)
	}

	if adjusted.GreaterThan(decimal.NewFromInt(100)) {
		adjusted = decimal.NewFromInt(100)
	}
	if adjusted.IsNegative() {
		adjusted = decimal.Zero
	}
	return adjusted, false, false, ""
}

// higherTimeframeTrendUp reports whether the HTF close is above its own
// SMA over period, a simple trend-direction read used only for
// trap-zone alignment, not for regime classification.
func higherTimeframeTrendUp(bars []domain.OHLCV, period int) bool {
	window := bars[len(bars)-period:]
	sum := decimal.Zero
	for _, b := range window {
		sum = sum.Add(b.Close)
	}
	sma := sum.Div(decimal.NewFromInt(int64(period)))
	latest := bars[len(bars)-1].Close
	return latest.GreaterThan(sma)
}

// isNarrowRange reports whether the most recent lookback bars traded in
// a range tighter than ratio of the latest close, a consolidation
// signature that rewards a breakout-style entry.
func isNarrowRange(bars []domain.OHLCV, lookback int, ratio decimal.Decimal) bool {
	if len(bars) < lookback {
		return false
	}
	window := bars[len(bars)-lookback:]
	high, low := window[0].High, window[0].Low
	for _, b := range window {
		if b.High.GreaterThan(high) {
			high = b.High
		}
		if b.Low.LessThan(low) {
			low = b.Low
		}
	}
	latest := window[len(window)-1].Close
	if latest.IsZero() {
		return false
	}
	return high.Sub(low).Div(latest).LessThanOrEqual(ratio)
}

func isLowLiquidityHour(now time.Time, hours []int) bool {
	h := now.UTC().Hour()
	for _, lh := range hours {
		if h == lh {
			return true
		}
	}
	return false
}
