package kalshi

import "github.com/shopspring/decimal"

// FeeCents is the venue's per-contract taker fee at price p cents:
// ceil(7 * p * (100-p) / 10000) cents. Zero at p=0 and p=100, maximal two
// cents at midpoint prices.
func FeeCents(priceCents int64) int64 {
	if priceCents <= 0 || priceCents >= 100 {
		return 0
	}
	return (7*priceCents*(100-priceCents) + 9999) / 10000
}

// FeeUSD is the total fee in dollars for qty contracts at a [0,1] price.
func FeeUSD(price decimal.Decimal, qty int64) decimal.Decimal {
	cents := price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	return decimal.New(FeeCents(cents)*qty, -2)
}

// NetTakeProfitUSD estimates the realized P&L of entering one contract at
// entry and exiting at exit (both [0,1] YES prices), after the entry and
// exit fees. The SignalProcessor rejects venue-K signals whose projected
// take-profit nets at or below zero.
func NetTakeProfitUSD(entry, exit decimal.Decimal, qty int64) decimal.Decimal {
	gross := exit.Sub(entry).Mul(decimal.NewFromInt(qty))
	return gross.Sub(FeeUSD(entry, qty)).Sub(FeeUSD(exit, qty))
}
