package domain

import "github.com/shopspring/decimal"

const (
	MoneyPlaces    int32 = 2
	QuantityPlaces int32 = 3
)

func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

func RoundQty(d decimal.Decimal) decimal.Decimal {
	return d.Round(QuantityPlaces)
}

// FitsMoney reports whether d carries no more than two decimal places.
func FitsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyPlaces))
}

// FitsQty reports whether d carries no more than three decimal places.
func FitsQty(d decimal.Decimal) bool {
	return d.Equal(d.Round(QuantityPlaces))
}

// CountedCash is Σ(value × count), rounded to money precision.
func CountedCash(denominations []DenominationCount) decimal.Decimal {
	total := decimal.Zero
	for _, d := range denominations {
		total = total.Add(d.Value.Mul(decimal.NewFromInt(int64(d.Count))))
	}
	return RoundMoney(total)
}
