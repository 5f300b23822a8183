package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethelgard/core/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// S1. Forex major, normal flow.
func TestCalculatePositionSizeForexMajor(t *testing.T) {
	sig := domain.Signal{
		TraceID: "s1", Symbol: "EURUSD", Direction: domain.DirectionBuy,
		Entry: d("1.08000"), StopLoss: d("1.07500"), TakeProfit: d("1.09000"),
		Status: domain.SignalStatusPending,
	}
	profile := domain.AssetProfile{Symbol: "EURUSD", ContractSize: d("100000")}

	volume, err := CalculatePositionSize(SizingInput{
		Signal:        sig,
		Profile:       profile,
		AccountEquity: d("10000"),
		RiskFraction:  d("0.015"),
		Conversion:    ConversionNone,
		VolumeStep:    d("0.01"),
		MinVolume:     d("0.01"),
	})
	require.NoError(t, err)
	assert.True(t, volume.Equal(d("0.30")), "expected 0.30 lots, got %s", volume)

	realizedRisk, err := RiskAccountCurrency(profile, sig.Entry, sig.StopLoss, volume, ConversionNone, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, realizedRisk.LessThanOrEqual(d("165")), "realized risk %s exceeds 165", realizedRisk)
}

// S2. Gold, correct contract size — the bug this sizer exists to prevent.
func TestRiskAccountCurrencyGoldContractSize(t *testing.T) {
	profile := domain.AssetProfile{Symbol: "XAUUSD", ContractSize: d("100")}
	risk, err := RiskAccountCurrency(profile, d("2050.00"), d("2040.00"), d("0.10"), ConversionNone, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, risk.Equal(d("100.00")), "expected 100.00 USD, got %s", risk)
}

// S3. Crypto, contract_size=1.
func TestRiskAccountCurrencyCryptoContractSizeOne(t *testing.T) {
	profile := domain.AssetProfile{Symbol: "BTCUSD", ContractSize: d("1")}
	risk, err := RiskAccountCurrency(profile, d("52000"), d("51000"), d("0.10"), ConversionNone, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, risk.Equal(d("100.00")), "expected 100.00 USD, got %s", risk)
}

func TestCalculatePositionSizeRejectsWhenBelowBrokerMinimum(t *testing.T) {
	sig := domain.Signal{
		TraceID: "tiny", Symbol: "EURUSD", Direction: domain.DirectionBuy,
		Entry: d("1.08000"), StopLoss: d("1.07990"), TakeProfit: d("1.09000"),
	}
	profile := domain.AssetProfile{Symbol: "EURUSD", ContractSize: d("100000")}

	_, err := CalculatePositionSize(SizingInput{
		Signal:        sig,
		Profile:       profile,
		AccountEquity: d("50"),
		RiskFraction:  d("0.001"),
		Conversion:    ConversionNone,
		VolumeStep:    d("0.01"),
		MinVolume:     d("0.01"),
	})
	assert.Error(t, err)
}

func TestCalculatePositionSizeSameInputsYieldSameOutput(t *testing.T) {
	sig := domain.Signal{
		TraceID: "dup", Symbol: "EURUSD", Direction: domain.DirectionBuy,
		Entry: d("1.08000"), StopLoss: d("1.07500"), TakeProfit: d("1.09000"),
	}
	profile := domain.AssetProfile{Symbol: "EURUSD", ContractSize: d("100000")}
	in := SizingInput{
		Signal: sig, Profile: profile, AccountEquity: d("10000"), RiskFraction: d("0.015"),
		Conversion: ConversionNone, VolumeStep: d("0.01"), MinVolume: d("0.01"),
	}

	v1, err1 := CalculatePositionSize(in)
	v2, err2 := CalculatePositionSize(in)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.True(t, v1.Equal(v2), "sizing is not a pure function: %s != %s", v1, v2)
}

func TestCalculatePositionSizeConversionDivideByPrice(t *testing.T) {
	sig := domain.Signal{
		TraceID: "base-acct", Symbol: "USDJPY", Direction: domain.DirectionBuy,
		Entry: d("150.00"), StopLoss: d("149.50"), TakeProfit: d("151.00"),
	}
	profile := domain.AssetProfile{Symbol: "USDJPY", ContractSize: d("100000")}

	_, err := CalculatePositionSize(SizingInput{
		Signal: sig, Profile: profile, AccountEquity: d("10000"), RiskFraction: d("0.01"),
		Conversion: ConversionDivideByPrice, ConversionRate: d("150.00"),
		VolumeStep: d("0.01"), MinVolume: d("0.01"),
	})
	require.NoError(t, err)
}

func TestCalculatePositionSizeRejectsZeroStopDistance(t *testing.T) {
	sig := domain.Signal{
		TraceID: "zero", Symbol: "EURUSD", Direction: domain.DirectionBuy,
		Entry: d("1.08000"), StopLoss: d("1.08000"), TakeProfit: d("1.09000"),
	}
	profile := domain.AssetProfile{Symbol: "EURUSD", ContractSize: d("100000")}

	_, err := CalculatePositionSize(SizingInput{
		Signal: sig, Profile: profile, AccountEquity: d("10000"), RiskFraction: d("0.01"),
		Conversion: ConversionNone, VolumeStep: d("0.01"), MinVolume: d("0.01"),
	})
	assert.Error(t, err)
}

func TestFloorToStepNeverRoundsUp(t *testing.T) {
	assert.True(t, floorToStep(d("0.239"), d("0.01")).Equal(d("0.23")))
	assert.True(t, floorToStep(d("0.230"), d("0.01")).Equal(d("0.23")))
}
