// Package pricing converts oracle price tuples into signed ledger costs.
//
// The ledger's unit is the micro-quote-unit (10^-6). An oracle reports a price
// as price * 10^exponent; the per-unit price in micro-units is therefore
// price * 10^(exponent+6). That figure is rounded half away from zero and
// saturated to the int64 range: losing precision on an absurd price is
// acceptable, wrapping its sign is not.
//
// Arithmetic is exact (shopspring/decimal for the scaling step, math/big for
// the 128-bit product), so no float64 ever touches a balance.
package pricing

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/traderings/arena-ledger/internal/model"
)

// Any |price| fits in 19 digits, so beyond these exponents the scaled price
// is known without computing it.
const (
	maxScaleExp = 19
	minScaleExp = -20
)

var (
	maxInt64   = decimal.NewFromInt(math.MaxInt64)
	minInt64   = decimal.NewFromInt(math.MinInt64)
	microScale = big.NewInt(model.MicroScale)
)

// ScaledPrice returns round(price * 10^(exponent+6)) clamped to int64.
func ScaledPrice(price int64, exponent int32) int64 {
	if price == 0 {
		return 0
	}

	exp := int64(exponent) + 6
	switch {
	case exp > maxScaleExp:
		if price > 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	case exp < minScaleExp:
		return 0
	}

	v := decimal.New(price, int32(exp)).Round(0)
	if v.GreaterThan(maxInt64) {
		return math.MaxInt64
	}
	if v.LessThan(minInt64) {
		return math.MinInt64
	}
	return v.IntPart()
}

// TotalCost returns the signed cost in micro-units of quantityMicro units of an
// asset priced at price * 10^exponent. Positive quantities yield a debit,
// negative quantities a credit. The division truncates toward zero.
func TotalCost(price int64, exponent int32, quantityMicro int64) *big.Int {
	if quantityMicro == 0 {
		return new(big.Int)
	}
	scaled := ScaledPrice(price, exponent)
	cost := new(big.Int).Mul(big.NewInt(scaled), big.NewInt(quantityMicro))
	return cost.Quo(cost, microScale)
}

// QuoteCost is TotalCost for an oracle quote.
func QuoteCost(q model.PriceQuote, quantityMicro int64) *big.Int {
	return TotalCost(q.Price, q.Exponent, quantityMicro)
}
