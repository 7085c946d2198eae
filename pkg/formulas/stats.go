// Package formulas provides the statistical building blocks shared by the
// risk engines: moments and correlation measures.
package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// Variance calculates the variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Variance(data, nil)
}

// Correlation calculates the Pearson correlation coefficient between two datasets
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(y) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// EWMAWeights builds exponential decay weights for a series of n observations
// ordered oldest-first. The newest observation receives weight (1-lambda),
// each older one is discounted by lambda. Weights are normalized to sum to 1.
func EWMAWeights(n int, lambda float64) []float64 {
	if n <= 0 {
		return nil
	}

	weights := make([]float64, n)
	sum := 0.0
	for i := 0; i < n; i++ {
		// i = n-1 is the newest observation
		w := (1 - lambda) * math.Pow(lambda, float64(n-1-i))
		weights[i] = w
		sum += w
	}
	for i := range weights {
		weights[i] /= sum
	}

	return weights
}

// EWMACorrelation computes the exponentially weighted Pearson correlation of
// two return series (oldest-first) using RiskMetrics-style decay.
func EWMACorrelation(x, y []float64, lambda float64) float64 {
	if len(x) < 2 || len(x) != len(y) {
		return 0
	}

	weights := EWMAWeights(len(x), lambda)
	corr := stat.Correlation(x, y, weights)
	if math.IsNaN(corr) {
		return 0
	}

	return corr
}

// Clip bounds a value to [-limit, +limit].
func Clip(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
