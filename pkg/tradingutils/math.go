package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int32) decimal.Decimal {
	return price.Round(priceDecimals)
}

// RoundQuantity rounds a quantity to the specified decimals
func RoundQuantity(qty decimal.Decimal, qtyDecimals int32) decimal.Decimal {
	return qty.Round(qtyDecimals)
}

// TruncateQuantity drops digits beyond qtyDecimals toward zero, so the result never exceeds qty in magnitude
func TruncateQuantity(qty decimal.Decimal, qtyDecimals int32) decimal.Decimal {
	return qty.Truncate(qtyDecimals)
}

// WeightedAverage blends an existing average with an added amount at price
func WeightedAverage(avg, qty, price, addQty decimal.Decimal) decimal.Decimal {
	total := qty.Add(addQty)
	if total.IsZero() {
		return decimal.Zero
	}
	return avg.Mul(qty).Add(price.Mul(addQty)).Div(total)
}

// MinDecimal returns the smaller of a and b
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
