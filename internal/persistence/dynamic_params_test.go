package persistence

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/aethelgard/core/internal/domain"
)

func TestSplitJoinRegimeMapRoundTrip(t *testing.T) {
	original := map[domain.Regime]decimal.Decimal{
		domain.RegimeTrend: decimal.NewFromFloat(1.5),
		domain.RegimeRange: decimal.NewFromFloat(0.75),
	}

	keys, values := splitRegimeMap(original)
	rejoined := joinRegimeMap(keys, values)

	assert.Len(t, rejoined, len(original))
	for k, v := range original {
		got, ok := rejoined[k]
		assert.True(t, ok, "missing regime %s after round trip", k)
		assert.True(t, v.Equal(got))
	}
}

func TestJoinRegimeMapEmpty(t *testing.T) {
	out := joinRegimeMap(nil, nil)
	assert.Empty(t, out)
}

func TestJoinRegimeMapMismatchedLengthIgnoresExtraKeys(t *testing.T) {
	keys := []string{"TREND", "RANGE"}
	values := []decimal.Decimal{decimal.NewFromInt(1)}

	out := joinRegimeMap(keys, values)

	assert.Len(t, out, 1)
	_, ok := out[domain.RegimeTrend]
	assert.True(t, ok)
}
