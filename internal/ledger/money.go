package ledger

import (
	money "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// sharePrecision is the scale used for share counts and average prices.
const sharePrecision = 8

// RoundToMinorUnit rounds a cash amount half-even to the currency's minor
// unit (two places for USD, zero for JPY, and so on). Unknown currency
// codes fall back to two places.
func RoundToMinorUnit(amount decimal.Decimal, currency string) decimal.Decimal {
	fraction := 2
	if c := money.GetCurrency(currency); c != nil {
		fraction = c.Fraction
	}
	return amount.RoundBank(int32(fraction))
}

// RoundShares rounds a share quantity or per-share price half-even to the
// ledger's share precision.
func RoundShares(qty decimal.Decimal) decimal.Decimal {
	return qty.RoundBank(sharePrecision)
}

// WeightedAveragePrice recomputes a holding's cost basis after a buy:
// (oldShares*oldAvg + boughtShares*fillPrice) / (oldShares + boughtShares).
// Sells never change the average price.
func WeightedAveragePrice(oldShares, oldAvg, boughtShares, fillPrice decimal.Decimal) decimal.Decimal {
	totalShares := oldShares.Add(boughtShares)
	if totalShares.IsZero() {
		return decimal.Zero
	}
	weighted := oldShares.Mul(oldAvg).Add(boughtShares.Mul(fillPrice))
	return RoundShares(weighted.Div(totalShares))
}
