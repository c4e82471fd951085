package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRoundToMinorUnit(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     string
	}{
		{"10.005", "USD", "10"}, // half-even rounds to the even cent
		{"10.015", "USD", "10.02"},
		{"10.004", "USD", "10"},
		{"1234.5", "JPY", "1234"},   // zero minor units
		{"1234.5", "XYZ", "1234.5"}, // unknown code falls back to two places
	}
	for _, c := range cases {
		got := RoundToMinorUnit(decimal.RequireFromString(c.amount), c.currency)
		assert.True(t, got.Equal(decimal.RequireFromString(c.want)),
			"%s %s: got %s, want %s", c.amount, c.currency, got, c.want)
	}
}

func TestWeightedAveragePrice(t *testing.T) {
	avg := WeightedAveragePrice(
		decimal.NewFromInt(10), decimal.NewFromInt(50),
		decimal.NewFromInt(10), decimal.NewFromInt(100))
	assert.True(t, avg.Equal(decimal.NewFromInt(75)), "avg %s", avg)

	assert.True(t, WeightedAveragePrice(decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero).IsZero())
}

// The average price after a buy always lands between the old average and
// the fill price.
func TestWeightedAveragePriceBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		oldShares := decimal.New(rapid.Int64Range(1, 1_000_000).Draw(t, "oldShares"), -2)
		oldAvg := decimal.New(rapid.Int64Range(1, 1_000_000).Draw(t, "oldAvg"), -2)
		bought := decimal.New(rapid.Int64Range(1, 1_000_000).Draw(t, "bought"), -2)
		fill := decimal.New(rapid.Int64Range(1, 1_000_000).Draw(t, "fill"), -2)

		avg := WeightedAveragePrice(oldShares, oldAvg, bought, fill)

		lo, hi := oldAvg, fill
		if hi.LessThan(lo) {
			lo, hi = hi, lo
		}
		// Allow for half-even rounding at the share precision.
		eps := decimal.New(1, -sharePrecision)
		if avg.LessThan(lo.Sub(eps)) || avg.GreaterThan(hi.Add(eps)) {
			t.Fatalf("avg %s outside [%s, %s]", avg, lo, hi)
		}
	})
}
