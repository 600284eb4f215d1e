package risk

import (
	"math"
	"sort"
)

const (
	minVaRSamples       = 20
	fallbackVaRFraction = 0.02
	tradingDaysPerYear  = 252
)

// percentile returns the p-quantile (0..1) of values using linear
// interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// sharpe = mean(excess) / std(excess) * sqrt(252), sample std.
// Returns 0 with fewer than two samples or zero deviation.
func sharpe(returns []float64, annualRiskFree float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	dailyRf := annualRiskFree / tradingDaysPerYear

	var mean float64
	for _, r := range returns {
		mean += r - dailyRf
	}
	mean /= float64(n)

	var variance float64
	for _, r := range returns {
		d := r - dailyRf - mean
		variance += d * d
	}
	variance /= float64(n - 1)
	std := math.Sqrt(variance)
	if std < 1e-12 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}
