// Package regime classifies each (symbol, timeframe) pair into a
// deterministic regime label using a priority ladder over ADX, ATR, and
// SMA features, with an HMM-derived confidence score attached as
// secondary context for the Signal Factory and Position Manager — never
// as a substitute for the deterministic ladder.
package regime

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

// Config tunes the classification thresholds that are not hot-reloaded
// from DynamicParams (the shock/crash ATR-ratio multipliers, the
// minimum SMA(20) slope, and the adaptive separation factor — none of
// these appear in DynamicParams, so they stay process-configured) and
// the HMM confidence machinery's rolling windows. The ADX threshold and
// the high-volatility ATR-ratio cutoff DO live in DynamicParams
// (ADXThreshold, ATRMultiplier) and are threaded into Classify per call
// instead of cached here; FallbackADXThreshold and
// FallbackHighVolCutoff are used only if the caller passes an
// unseeded (zero) DynamicParams.
type Config struct {
	WindowSize            int
	VolatilityWindow      int
	NumStates             int
	ATRShockMultiplier    decimal.Decimal
	ATRCrashMultiplier    decimal.Decimal
	SlopeMin              decimal.Decimal
	SeparationFactor      decimal.Decimal
	FallbackADXThreshold  decimal.Decimal
	FallbackHighVolCutoff decimal.Decimal
}

// DefaultConfig mirrors the teacher's DefaultRegimeConfig magnitudes,
// rescaled onto the spec's ADX/ATR/SMA feature set. SlopeMin matches
// the spec's stated default of 0.005%, expressed as the same fractional
// units ComputeFeatures emits for SMASlope.
func DefaultConfig() Config {
	return Config{
		WindowSize:            100,
		VolatilityWindow:      20,
		NumStates:             4,
		ATRShockMultiplier:    decimal.NewFromFloat(3.0),
		ATRCrashMultiplier:    decimal.NewFromFloat(5.0),
		SlopeMin:              decimal.NewFromFloat(0.00005),
		SeparationFactor:      decimal.NewFromFloat(0.3),
		FallbackADXThreshold:  decimal.NewFromInt(25),
		FallbackHighVolCutoff: decimal.NewFromFloat(2.0),
	}
}

type key struct {
	symbol    string
	timeframe domain.Timeframe
}

// hmmState is the per-key HMM confidence machinery, kept in the
// teacher's shape (transition matrix, Gaussian emissions, rolling
// return buffer) but used only to annotate confidence, never to
// override the deterministic classification.
type hmmState struct {
	transitionMatrix [][]float64
	emissionMeans    []float64
	emissionVars     []float64
	returns          []float64
}

// Detector classifies regimes per (symbol, timeframe).
type Detector struct {
	logger *zap.Logger
	config Config

	mu   sync.RWMutex
	hmm  map[key]*hmmState
	last map[key]domain.RegimeSample
}

// NewDetector constructs a Detector.
func NewDetector(logger *zap.Logger, cfg Config) *Detector {
	return &Detector{
		logger: logger.Named("regime"),
		config: cfg,
		hmm:    make(map[key]*hmmState),
		last:   make(map[key]domain.RegimeSample),
	}
}

func newHMMState(numStates int) *hmmState {
	h := &hmmState{
		transitionMatrix: make([][]float64, numStates),
		emissionMeans:    make([]float64, numStates),
		emissionVars:     make([]float64, numStates),
	}
	for i := 0; i < numStates; i++ {
		h.transitionMatrix[i] = make([]float64, numStates)
		for j := 0; j < numStates; j++ {
			if i == j {
				h.transitionMatrix[i][j] = 0.9
			} else {
				h.transitionMatrix[i][j] = 0.1 / float64(numStates-1)
			}
		}
	}
	// Low-vol, trend-up, trend-down, high-vol emission priors.
	h.emissionMeans = []float64{0.0, 0.0008, -0.0008, 0.0}
	h.emissionVars = []float64{0.00005, 0.0001, 0.0001, 0.0006}
	return h
}

// Features is one bar's worth of indicator inputs the Scanner computes
// before calling Classify.
type Features struct {
	ADX      decimal.Decimal
	ATR      decimal.Decimal // ATR expressed as a fraction of price ("ATR%")
	ATRMean  decimal.Decimal // rolling mean ATR%, for shock/crash/high-vol comparison
	SMAShort decimal.Decimal
	SMALong  decimal.Decimal
	SMASlope decimal.Decimal
	Price    decimal.Decimal // latest close, needed to express the SMA20/SMA200 gap as a fraction of price
	Return   float64         // latest bar return, feeds the HMM confidence score only
}

// Classify applies the deterministic priority ladder — SHOCK/CRASH,
// then VOLATILE, then TREND, then RANGE, falling back to NORMAL — and
// attaches an HMM-derived confidence. The ladder never yields to the
// HMM; the HMM only ever adds a confidence annotation alongside the
// label it agrees or disagrees with. params carries the hot-reloaded
// ADXThreshold and ATRMultiplier the ladder reads every cycle, per the
// spec's "hot-reloaded without process restart" requirement; no running
// cycle caches a stale copy because the caller re-reads DynamicParams
// and passes it in fresh each call.
func (d *Detector) Classify(symbol string, tf domain.Timeframe, f Features, params domain.DynamicParams, at time.Time) (domain.RegimeSample, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key{symbol: symbol, timeframe: tf}
	h, ok := d.hmm[k]
	if !ok {
		h = newHMMState(d.config.NumStates)
		d.hmm[k] = h
	}
	h.returns = append(h.returns, f.Return)
	if len(h.returns) > d.config.WindowSize*2 {
		h.returns = h.returns[len(h.returns)-d.config.WindowSize:]
	}

	label := d.classifyLadder(f, params)
	confidence := confidenceFromHMM(h, window(h.returns, d.config.WindowSize))

	sample := domain.RegimeSample{
		Symbol:    symbol,
		Timeframe: tf,
		Label:     label,
		ADX:       f.ADX,
		ATR:       f.ATR,
		SMAShort:  f.SMAShort,
		SMALong:   f.SMALong,
		SMASlope:  f.SMASlope,
		Timestamp: at,
	}
	d.last[k] = sample
	return sample, confidence
}

// classifyLadder is the spec's deterministic priority ladder:
//
//  1. SHOCK/CRASH when the ATR-ratio blows out past the crash/shock
//     multiples of its rolling-30 mean.
//  2. VOLATILE when ADX is below threshold AND the ATR ratio still
//     clears the (lower) high-vol cutoff — a choppy, non-trending
//     market, not a trending one with a volatility bump.
//  3. TREND when ADX is at or above threshold AND the SMA(20) slope
//     clears the minimum AND the SMA20/SMA200 gap clears the
//     ATR-adaptive separation bar.
//  4. RANGE when ADX is below threshold AND that same SMA20/SMA200 gap
//     stays inside the separation bar.
//  5. NORMAL otherwise.
//
// Ties are broken by the earlier rule winning, per spec.
func (d *Detector) classifyLadder(f Features, params domain.DynamicParams) domain.Regime {
	adxThreshold := params.ADXThreshold
	if !adxThreshold.IsPositive() {
		adxThreshold = d.config.FallbackADXThreshold
	}
	highVolCutoff := params.ATRMultiplier
	if !highVolCutoff.IsPositive() {
		highVolCutoff = d.config.FallbackHighVolCutoff
	}

	if f.ATRMean.IsPositive() {
		ratio := f.ATR.Div(f.ATRMean)
		if ratio.GreaterThanOrEqual(d.config.ATRCrashMultiplier) {
			return domain.RegimeCrash
		}
		if ratio.GreaterThanOrEqual(d.config.ATRShockMultiplier) {
			return domain.RegimeShock
		}
		if f.ADX.LessThan(adxThreshold) && ratio.GreaterThan(highVolCutoff) {
			return domain.RegimeVolatile
		}
	}

	separation := decimal.Zero
	if f.Price.IsPositive() {
		separation = f.SMAShort.Sub(f.SMALong).Abs().Div(f.Price)
	}
	requiredSeparation := f.ATR.Mul(d.config.SeparationFactor)

	if f.ADX.GreaterThanOrEqual(adxThreshold) &&
		f.SMASlope.Abs().GreaterThanOrEqual(d.config.SlopeMin) &&
		separation.GreaterThanOrEqual(requiredSeparation) {
		return domain.RegimeTrend
	}

	if f.ADX.LessThan(adxThreshold) && separation.LessThan(requiredSeparation) {
		return domain.RegimeRange
	}

	return domain.RegimeNormal
}

// Current returns the last sample classified for (symbol, timeframe),
// or false if none has been produced yet.
func (d *Detector) Current(symbol string, tf domain.Timeframe) (domain.RegimeSample, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.last[key{symbol: symbol, timeframe: tf}]
	return s, ok
}

func window(returns []float64, size int) []float64 {
	if len(returns) <= size {
		return returns
	}
	return returns[len(returns)-size:]
}

// confidenceFromHMM runs the forward algorithm over the rolling return
// window and returns the probability mass on the single most likely
// hidden state — a scalar confidence, not a replacement label.
func confidenceFromHMM(h *hmmState, returns []float64) float64 {
	n := len(h.transitionMatrix)
	if n == 0 || len(returns) == 0 {
		return 0
	}

	alpha := make([]float64, n)
	for i := range alpha {
		alpha[i] = 1.0 / float64(n)
	}

	for _, ret := range returns {
		next := make([]float64, n)
		for j := 0; j < n; j++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += alpha[i] * h.transitionMatrix[i][j]
			}
			next[j] = sum * gaussianPDF(ret, h.emissionMeans[j], h.emissionVars[j])
		}
		total := 0.0
		for _, v := range next {
			total += v
		}
		if total > 0 {
			for j := range next {
				next[j] /= total
			}
		}
		alpha = next
	}

	max := 0.0
	for _, v := range alpha {
		if v > max {
			max = v
		}
	}
	return max
}

func gaussianPDF(x, mean, variance float64) float64 {
	if variance <= 0 {
		variance = 0.0001
	}
	diff := x - mean
	exponent := -0.5 * diff * diff / variance
	coefficient := 1.0 / math.Sqrt(2*math.Pi*variance)
	return coefficient * math.Exp(exponent)
}

// ErrNoSample is returned by callers that require a Current sample to
// already exist (e.g. the Position Manager's regime-based adjustment
// step) but found none.
var ErrNoSample = fmt.Errorf("regime: no sample classified yet for this symbol/timeframe")
