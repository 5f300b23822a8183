package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aethelgard/core/internal/domain"
)

// ConversionCase selects how risk priced in quote currency is converted
// into account currency, per the four cases the authoritative sizer
// must handle.
type ConversionCase int

const (
	// ConversionNone applies when the quote currency already equals the
	// account currency, or for indices already denominated in it.
	ConversionNone ConversionCase = iota
	// ConversionDivideByPrice applies when the base currency equals the
	// account currency: risk is divided by the current price.
	ConversionDivideByPrice
	// ConversionTriangulateMultiply applies for a QUOTE+ACCT pair quoted
	// by the broker: risk is multiplied by that pair's rate.
	ConversionTriangulateMultiply
	// ConversionTriangulateDivide applies for an ACCT+QUOTE pair quoted
	// by the broker: risk is divided by that pair's rate.
	ConversionTriangulateDivide
)

// SizingInput carries everything CalculatePositionSize needs. It takes
// no broker or global state beyond what is passed in, so the function
// is a pure function of its inputs — the one authoritative
// implementation every call site shares.
type SizingInput struct {
	Signal         domain.Signal
	Profile        domain.AssetProfile
	AccountEquity  decimal.Decimal
	RiskFraction   decimal.Decimal
	Conversion     ConversionCase
	ConversionRate decimal.Decimal // unused when Conversion == ConversionNone
	VolumeStep     decimal.Decimal
	MinVolume      decimal.Decimal
}

// maxRealizedRiskMultiple is the post-check bound: realized risk must
// never exceed 1.10x the target risk.
var maxRealizedRiskMultiple = decimal.NewFromFloat(1.10)

// CalculatePositionSize is the authoritative sizing function. It uses
// the broker-reported contract size (never a hardcoded per-asset-class
// constant), converts risk to account currency via one of four cases,
// floor-rounds to the broker's volume step so realized risk never
// exceeds target, and rejects rather than silently over-sizing if the
// 1.10x post-check fails.
func CalculatePositionSize(in SizingInput) (decimal.Decimal, error) {
	if err := in.Signal.Validate(); err != nil {
		return decimal.Zero, fmt.Errorf("risk: sizing: %w", err)
	}

	slDistance := in.Signal.Entry.Sub(in.Signal.StopLoss).Abs()
	if slDistance.IsZero() {
		return decimal.Zero, fmt.Errorf("risk: sizing: zero stop distance")
	}

	targetRiskAccount := in.AccountEquity.Mul(in.RiskFraction)
	riskPerUnitQuote := slDistance.Mul(in.Profile.ContractSize)

	riskPerUnitAccount, err := convertToAccountCurrency(riskPerUnitQuote, in.Conversion, in.ConversionRate)
	if err != nil {
		return decimal.Zero, err
	}
	if !riskPerUnitAccount.IsPositive() {
		return decimal.Zero, fmt.Errorf("risk: sizing: non-positive risk per unit")
	}

	rawVolume := targetRiskAccount.Div(riskPerUnitAccount)
	volume := floorToStep(rawVolume, in.VolumeStep)

	if volume.LessThan(in.MinVolume) {
		return decimal.Zero, fmt.Errorf("risk: sizing: floored volume %s below broker minimum %s", volume, in.MinVolume)
	}

	realizedRisk := volume.Mul(riskPerUnitAccount)
	if realizedRisk.GreaterThan(targetRiskAccount.Mul(maxRealizedRiskMultiple)) {
		return decimal.Zero, fmt.Errorf("risk: sizing: realized risk %s exceeds 1.10x target risk %s", realizedRisk, targetRiskAccount)
	}

	return volume, nil
}

// RiskAccountCurrency computes initial risk in account currency for a
// given volume, using the same conversion path as CalculatePositionSize.
// The Executor calls this with the sizer's own output volume so the
// persisted initial_risk is computed by the identical code path that
// sized the order, per spec.
func RiskAccountCurrency(profile domain.AssetProfile, entry, stop, volume decimal.Decimal, conv ConversionCase, rate decimal.Decimal) (decimal.Decimal, error) {
	slDistance := entry.Sub(stop).Abs()
	riskPerUnitQuote := slDistance.Mul(profile.ContractSize)
	riskPerUnitAccount, err := convertToAccountCurrency(riskPerUnitQuote, conv, rate)
	if err != nil {
		return decimal.Zero, err
	}
	return volume.Mul(riskPerUnitAccount), nil
}

func convertToAccountCurrency(riskPerUnitQuote decimal.Decimal, conv ConversionCase, rate decimal.Decimal) (decimal.Decimal, error) {
	switch conv {
	case ConversionNone:
		return riskPerUnitQuote, nil
	case ConversionDivideByPrice:
		if !rate.IsPositive() {
			return decimal.Zero, fmt.Errorf("risk: sizing: non-positive price for base-currency conversion")
		}
		return riskPerUnitQuote.Div(rate), nil
	case ConversionTriangulateMultiply:
		return riskPerUnitQuote.Mul(rate), nil
	case ConversionTriangulateDivide:
		if !rate.IsPositive() {
			return decimal.Zero, fmt.Errorf("risk: sizing: non-positive triangulation rate")
		}
		return riskPerUnitQuote.Div(rate), nil
	default:
		return decimal.Zero, fmt.Errorf("risk: sizing: unknown conversion case %d", conv)
	}
}

// floorToStep rounds down to the nearest multiple of step, never up, so
// actual risk never exceeds the target.
func floorToStep(raw, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return raw
	}
	steps := raw.Div(step).Floor()
	return steps.Mul(step)
}
