package domain

import "github.com/shopspring/decimal"

// Fixed decimal scales applied at the persistence boundary. Calculations run
// in float64; repositories round through these before writing so persisted
// artifacts are stable across re-runs.
const (
	MoneyScale       = 2 // monetary values
	GreekScale       = 4 // greeks and betas
	CorrelationScale = 6 // correlations and ratios
)

// RoundMoney rounds a monetary value to MoneyScale decimal places.
func RoundMoney(v float64) float64 {
	return roundTo(v, MoneyScale)
}

// RoundGreek rounds a greek or beta to GreekScale decimal places.
func RoundGreek(v float64) float64 {
	return roundTo(v, GreekScale)
}

// RoundCorrelation rounds a correlation or ratio to CorrelationScale
// decimal places.
func RoundCorrelation(v float64) float64 {
	return roundTo(v, CorrelationScale)
}

func roundTo(v float64, scale int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(scale).Float64()
	return f
}
