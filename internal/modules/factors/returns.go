// Package factors estimates position and portfolio betas against a catalog
// of tradeable factor proxies via rolling-window return regressions.
package factors

import (
	"sort"
	"time"

	"github.com/aristath/vigil/internal/marketdata"
	"github.com/aristath/vigil/pkg/formulas"
)

// PriceSource provides historical close series. Satisfied by
// marketdata.PriceRepository.
type PriceSource interface {
	CloseSeries(symbol string, from, to time.Time) ([]marketdata.ClosePoint, error)
}

// alignAll intersects one position series with every factor series on their
// common dates. Regressions always use per-share price returns, never
// position-value returns: regressing dollar-value changes inflates beta by
// position size.
//
// Returns the position returns and a per-factor return matrix in the given
// factor order; both are empty when no dates overlap.
func alignAll(position *marketdata.ReturnSeries, factorOrder []string, factorSeries map[string]*marketdata.ReturnSeries) ([]float64, [][]float64) {
	counts := make(map[string]int)
	for _, date := range position.Dates {
		counts[date]++
	}
	for _, factor := range factorOrder {
		for _, date := range factorSeries[factor].Dates {
			counts[date]++
		}
	}

	var common []string
	for date, n := range counts {
		if n == len(factorOrder)+1 {
			common = append(common, date)
		}
	}
	sort.Strings(common)

	posIdx := position.Index()
	factorIdx := make([]map[string]float64, len(factorOrder))
	for i, factor := range factorOrder {
		factorIdx[i] = factorSeries[factor].Index()
	}

	y := make([]float64, 0, len(common))
	X := make([][]float64, 0, len(common))
	for _, date := range common {
		row := make([]float64, len(factorOrder))
		for i := range factorOrder {
			row[i] = factorIdx[i][date]
		}
		y = append(y, posIdx[date])
		X = append(X, row)
	}

	return y, X
}

// hasVariance guards univariate regressions against degenerate factor series.
func hasVariance(values []float64) bool {
	return formulas.Variance(values) > 1e-12
}
