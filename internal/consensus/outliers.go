package consensus

import (
	"sort"

	"github.com/shopspring/decimal"
)

var iqrFactor = decimal.NewFromFloat(1.5)

// Quartiles returns Q1 and Q3 using linear interpolation between closest ranks.
func Quartiles(prices []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	sorted := sortedCopy(prices)
	return quantile(sorted, decimal.NewFromFloat(0.25)), quantile(sorted, decimal.NewFromFloat(0.75))
}

// DetectOutliers returns the indices of prices outside [Q1 - 1.5·IQR, Q3 + 1.5·IQR].
// Fewer than three prices never produce outliers.
func DetectOutliers(prices []decimal.Decimal) []int {
	if len(prices) < 3 {
		return nil
	}
	q1, q3 := Quartiles(prices)
	spread := q3.Sub(q1).Mul(iqrFactor)
	lower := q1.Sub(spread)
	upper := q3.Add(spread)

	var out []int
	for i, p := range prices {
		if p.LessThan(lower) || p.GreaterThan(upper) {
			out = append(out, i)
		}
	}
	return out
}

// Median of prices; zero for an empty slice.
func Median(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	sorted := sortedCopy(prices)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

func quantile(sorted []decimal.Decimal, p decimal.Decimal) decimal.Decimal {
	if len(sorted) == 0 {
		return decimal.Zero
	}
	h := p.Mul(decimal.NewFromInt(int64(len(sorted) - 1)))
	lo := int(h.IntPart())
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := h.Sub(decimal.NewFromInt(int64(lo)))
	return sorted[lo].Add(frac.Mul(sorted[lo+1].Sub(sorted[lo])))
}

func sortedCopy(prices []decimal.Decimal) []decimal.Decimal {
	out := append([]decimal.Decimal(nil), prices...)
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}
