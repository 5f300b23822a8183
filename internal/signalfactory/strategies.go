package signalfactory

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aethelgard/core/internal/domain"
)

// EMACrossoverStrategy emits a signal on a fast/slow EMA crossover. It
// only runs in TREND regimes, where a crossover is a meaningful entry
// rather than range-bound noise.
type EMACrossoverStrategy struct {
	FastPeriod int
	SlowPeriod int
}

// NewEMACrossoverStrategy returns an EMACrossoverStrategy with the
// teacher's default 12/26 periods.
func NewEMACrossoverStrategy() *EMACrossoverStrategy {
	return &EMACrossoverStrategy{FastPeriod: 12, SlowPeriod: 26}
}

func (s *EMACrossoverStrategy) Name() string { return "ema_crossover" }

func (s *EMACrossoverStrategy) ApplicableRegimes() []domain.Regime {
	return []domain.Regime{domain.RegimeTrend}
}

func (s *EMACrossoverStrategy) Generate(symbol string, bars []domain.OHLCV, regime domain.RegimeSample, params domain.DynamicParams) ([]domain.Signal, error) {
	if len(bars) < s.SlowPeriod+2 {
		return nil, nil
	}

	fastEMA, prevFastEMA := ema(bars, s.FastPeriod)
	slowEMA, prevSlowEMA := ema(bars, s.SlowPeriod)

	wasBullish := prevFastEMA.GreaterThan(prevSlowEMA)
	isBullish := fastEMA.GreaterThan(slowEMA)

	price := bars[len(bars)-1].Close
	atrMult := params.ATRMultiplier
	if atrMult.IsZero() {
		atrMult = decimal.NewFromFloat(2.0)
	}
	stopDistance := slowEMA.Sub(price).Abs().Add(price.Mul(decimal.NewFromFloat(0.002))).Mul(atrMult).Div(decimal.NewFromFloat(2.0))

	switch {
	case !wasBullish && isBullish:
		return []domain.Signal{{
			Symbol:      symbol,
			Direction:   domain.DirectionBuy,
			Entry:       price,
			StopLoss:    price.Sub(stopDistance),
			TakeProfit:  price.Add(stopDistance.Mul(decimal.NewFromInt(2))),
			Strategy:    s.Name(),
			GeneratedAt: time.Now(),
			Score:       decimal.NewFromFloat(0.7),
			RegimeAtGen: regime.Label,
			Status:      domain.SignalStatusPending,
		}}, nil
	case wasBullish && !isBullish:
		return []domain.Signal{{
			Symbol:      symbol,
			Direction:   domain.DirectionSell,
			Entry:       price,
			StopLoss:    price.Add(stopDistance),
			TakeProfit:  price.Sub(stopDistance.Mul(decimal.NewFromInt(2))),
			Strategy:    s.Name(),
			GeneratedAt: time.Now(),
			Score:       decimal.NewFromFloat(0.7),
			RegimeAtGen: regime.Label,
			Status:      domain.SignalStatusPending,
		}}, nil
	default:
		return nil, nil
	}
}

// ema computes the EMA over the full bar series and returns (current,
// previous) so callers can detect a crossover on the latest bar.
func ema(bars []domain.OHLCV, period int) (current, previous decimal.Decimal) {
	mult := decimal.NewFromFloat(2.0).Div(decimal.NewFromInt(int64(period + 1)))
	value := bars[0].Close
	for i := 1; i < len(bars); i++ {
		if i == len(bars)-1 {
			previous = value
		}
		value = bars[i].Close.Mul(mult).Add(value.Mul(decimal.NewFromInt(1).Sub(mult)))
	}
	return value, previous
}

// BollingerReversionStrategy emits a mean-reversion signal at Bollinger
// Band extremes. It only runs in RANGE regimes, where reversion is the
// dominant behavior.
type BollingerReversionStrategy struct {
	Period     int
	StdDevMult decimal.Decimal
}

// NewBollingerReversionStrategy returns the teacher's 20-period, 2.0
// standard-deviation default.
func NewBollingerReversionStrategy() *BollingerReversionStrategy {
	return &BollingerReversionStrategy{Period: 20, StdDevMult: decimal.NewFromFloat(2.0)}
}

func (s *BollingerReversionStrategy) Name() string { return "bollinger_reversion" }

func (s *BollingerReversionStrategy) ApplicableRegimes() []domain.Regime {
	return []domain.Regime{domain.RegimeRange}
}

func (s *BollingerReversionStrategy) Generate(symbol string, bars []domain.OHLCV, regime domain.RegimeSample, params domain.DynamicParams) ([]domain.Signal, error) {
	if len(bars) < s.Period {
		return nil, nil
	}

	window := bars[len(bars)-s.Period:]
	sum := decimal.Zero
	for _, b := range window {
		sum = sum.Add(b.Close)
	}
	sma := sum.Div(decimal.NewFromInt(int64(s.Period)))

	variance := decimal.Zero
	for _, b := range window {
		diff := b.Close.Sub(sma)
		variance = variance.Add(diff.Mul(diff))
	}
	variance = variance.Div(decimal.NewFromInt(int64(s.Period)))
	stdDev := sqrtDecimal(variance)
	if stdDev.IsZero() {
		return nil, nil
	}

	current := bars[len(bars)-1].Close
	upper := sma.Add(stdDev.Mul(s.StdDevMult))
	lower := sma.Sub(stdDev.Mul(s.StdDevMult))

	switch {
	case current.LessThan(lower):
		return []domain.Signal{{
			Symbol:      symbol,
			Direction:   domain.DirectionBuy,
			Entry:       current,
			StopLoss:    current.Sub(stdDev),
			TakeProfit:  sma,
			Strategy:    s.Name(),
			GeneratedAt: time.Now(),
			Score:       lower.Sub(current).Div(stdDev).Div(s.StdDevMult),
			RegimeAtGen: regime.Label,
			Status:      domain.SignalStatusPending,
		}}, nil
	case current.GreaterThan(upper):
		return []domain.Signal{{
			Symbol:      symbol,
			Direction:   domain.DirectionSell,
			Entry:       current,
			StopLoss:    current.Add(stdDev),
			TakeProfit:  sma,
			Strategy:    s.Name(),
			GeneratedAt: time.Now(),
			Score:       current.Sub(upper).Div(stdDev).Div(s.StdDevMult),
			RegimeAtGen: regime.Label,
			Status:      domain.SignalStatusPending,
		}}, nil
	default:
		return nil, nil
	}
}

// sqrtDecimal approximates a square root with Newton's method, the
// same fixed-iteration approach the teacher uses for decimal math that
// has no native Sqrt.
func sqrtDecimal(v decimal.Decimal) decimal.Decimal {
	if v.IsZero() || v.IsNegative() {
		return decimal.Zero
	}
	x := v
	two := decimal.NewFromInt(2)
	for i := 0; i < 20; i++ {
		x = x.Add(v.Div(x)).Div(two)
	}
	return x
}
