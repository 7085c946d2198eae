// Package correlation computes filtered pairwise position-return
// correlations, clusters correlated positions and derives concentration
// metrics for a portfolio.
package correlation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketdata"
	"github.com/aristath/vigil/pkg/formulas"
)

// FilterMode controls how position filters combine.
type FilterMode string

const (
	FilterValueOnly  FilterMode = "value_only"
	FilterWeightOnly FilterMode = "weight_only"
	FilterBoth       FilterMode = "both"   // AND semantics
	FilterEither     FilterMode = "either" // OR semantics
)

// Filters selects which positions enter the correlation run.
type Filters struct {
	Mode               FilterMode
	MinPositionValue   float64
	MinPortfolioWeight float64
}

// Validate rejects unusable filter parameters before calculation starts.
func (f Filters) Validate() error {
	switch f.Mode {
	case FilterValueOnly, FilterWeightOnly, FilterBoth, FilterEither:
	default:
		return fmt.Errorf("%w: unknown filter mode %q", domain.ErrConfiguration, f.Mode)
	}
	if f.MinPositionValue < 0 {
		return fmt.Errorf("%w: min position value must be non-negative", domain.ErrConfiguration)
	}
	if f.MinPortfolioWeight < 0 || f.MinPortfolioWeight > 1 {
		return fmt.Errorf("%w: min portfolio weight %.4f outside [0,1]", domain.ErrConfiguration, f.MinPortfolioWeight)
	}
	return nil
}

// PriceSource provides historical close series.
type PriceSource interface {
	CloseSeries(symbol string, from, to time.Time) ([]marketdata.ClosePoint, error)
}

// Pair is one off-diagonal matrix entry (stored once per unordered pair).
type Pair struct {
	SymbolA     string
	SymbolB     string
	Correlation float64
}

// Cluster is a group of mutually correlated positions. Membership is
// exclusive: a position belongs to at most one cluster.
type Cluster struct {
	Symbols        []string
	Values         []float64 // market value per symbol, same order
	AvgCorrelation float64
	TotalValue     float64
}

// Result is the structured output of one correlation run.
type Result struct {
	Symbols            []string // filter-passing symbols, matrix order
	Matrix             map[string]map[string]float64
	Pairs              []Pair
	Clusters           []Cluster
	OverallCorrelation float64
	ConcentrationScore float64
	EffectivePositions float64
	PositionsIncluded  int
	PositionsExcluded  int
	Observations       int
	DataQuality        domain.DataQuality
	Warnings           []string
}

// Engine computes correlation matrices and clusters.
type Engine struct {
	prices    PriceSource
	threshold float64 // cluster membership threshold
	log       zerolog.Logger
}

// NewEngine creates a correlation engine. The threshold must lie in [0,1].
func NewEngine(prices PriceSource, threshold float64, log zerolog.Logger) (*Engine, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: correlation threshold %.4f outside [0,1]", domain.ErrConfiguration, threshold)
	}
	return &Engine{
		prices:    prices,
		threshold: threshold,
		log:       log.With().Str("component", "correlation_engine").Logger(),
	}, nil
}

// Compute builds the pairwise correlation matrix for the filter-passing
// positions over durationDays ending at asOf, then clusters and scores.
// Fewer than two qualifying positions degrades to an insufficient result
// with a warning, never an error.
func (e *Engine) Compute(ctx context.Context, positions []domain.Position, asOf time.Time, durationDays int, filters Filters) (*Result, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	if durationDays <= 0 {
		return nil, fmt.Errorf("%w: duration days must be positive, got %d", domain.ErrConfiguration, durationDays)
	}

	included, excluded := applyFilters(positions, filters)

	result := &Result{
		Matrix:            make(map[string]map[string]float64),
		PositionsIncluded: len(included),
		PositionsExcluded: excluded,
		DataQuality:       domain.DataQualityInsufficient,
	}

	if len(included) < 2 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("only %d qualifying positions, need at least 2", len(included)))
		return result, nil
	}

	// Value per symbol; same-symbol positions merge.
	valueBySymbol := make(map[string]float64)
	var symbols []string
	for _, pos := range included {
		key := pos.GroupKey()
		if _, seen := valueBySymbol[key]; !seen {
			symbols = append(symbols, key)
		}
		valueBySymbol[key] += pos.MarketValue
	}
	sort.Strings(symbols)
	result.Symbols = symbols

	// Daily return series per symbol, aligned to the common trading days.
	series := make(map[string]*marketdata.ReturnSeries, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rs, err := marketdata.BuildReturnSeries(e.prices, symbol, asOf, durationDays)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrUpstreamData, symbol, err)
		}
		series[symbol] = rs
	}

	aligned, observations := marketdata.AlignReturnSeries(symbols, series)
	result.Observations = observations

	if observations < 2 {
		result.Warnings = append(result.Warnings, "no overlapping trading days across positions")
		return result, nil
	}

	// Symmetric matrix with unit diagonal.
	for _, a := range symbols {
		result.Matrix[a] = make(map[string]float64, len(symbols))
		result.Matrix[a][a] = 1
	}
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, b := symbols[i], symbols[j]
			corr := formulas.Correlation(aligned[a], aligned[b])
			result.Matrix[a][b] = corr
			result.Matrix[b][a] = corr
			result.Pairs = append(result.Pairs, Pair{SymbolA: a, SymbolB: b, Correlation: corr})
		}
	}

	result.OverallCorrelation = overallCorrelation(result.Pairs, valueBySymbol)
	result.Clusters = buildClusters(symbols, result.Matrix, valueBySymbol, e.threshold)
	result.EffectivePositions = effectivePositions(valueBySymbol)
	result.ConcentrationScore = concentrationScore(result.Clusters, valueBySymbol)
	result.DataQuality = gradeQuality(observations, durationDays)

	return result, nil
}

// applyFilters returns the filter-passing positions and the excluded count.
func applyFilters(positions []domain.Position, filters Filters) ([]domain.Position, int) {
	total := 0.0
	for _, pos := range positions {
		total += pos.MarketValue
	}

	var included []domain.Position
	excluded := 0
	for _, pos := range positions {
		weight := 0.0
		if total > 0 {
			weight = pos.MarketValue / total
		}

		passValue := pos.MarketValue >= filters.MinPositionValue
		passWeight := weight >= filters.MinPortfolioWeight

		pass := false
		switch filters.Mode {
		case FilterValueOnly:
			pass = passValue
		case FilterWeightOnly:
			pass = passWeight
		case FilterBoth:
			pass = passValue && passWeight
		case FilterEither:
			pass = passValue || passWeight
		}

		if pass {
			included = append(included, pos)
		} else {
			excluded++
		}
	}

	return included, excluded
}

// overallCorrelation is the value-weighted average of the off-diagonal
// pairwise correlations, weighting each pair by the product of the two
// position values.
func overallCorrelation(pairs []Pair, valueBySymbol map[string]float64) float64 {
	weightedSum, weightTotal := 0.0, 0.0
	for _, pair := range pairs {
		w := valueBySymbol[pair.SymbolA] * valueBySymbol[pair.SymbolB]
		weightedSum += w * pair.Correlation
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

// buildClusters assigns each symbol to at most one cluster. Pairs above the
// threshold seed clusters in descending correlation order; remaining symbols
// join the cluster with the highest average correlation when that average
// clears the threshold. Unmatched symbols stay unclustered.
func buildClusters(symbols []string, matrix map[string]map[string]float64, valueBySymbol map[string]float64, threshold float64) []Cluster {
	type pairRef struct {
		a, b string
		corr float64
	}
	var candidates []pairRef
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			corr := matrix[symbols[i]][symbols[j]]
			if corr >= threshold {
				candidates = append(candidates, pairRef{symbols[i], symbols[j], corr})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].corr != candidates[j].corr {
			return candidates[i].corr > candidates[j].corr
		}
		if candidates[i].a != candidates[j].a {
			return candidates[i].a < candidates[j].a
		}
		return candidates[i].b < candidates[j].b
	})

	clustered := make(map[string]int) // symbol -> cluster index
	var members [][]string

	for _, cand := range candidates {
		_, aIn := clustered[cand.a]
		_, bIn := clustered[cand.b]
		if !aIn && !bIn {
			members = append(members, []string{cand.a, cand.b})
			clustered[cand.a] = len(members) - 1
			clustered[cand.b] = len(members) - 1
		}
	}

	// Attach leftovers to the best-fitting existing cluster.
	for _, symbol := range symbols {
		if _, in := clustered[symbol]; in {
			continue
		}
		bestIdx, bestAvg := -1, 0.0
		for idx, group := range members {
			sum := 0.0
			for _, member := range group {
				sum += matrix[symbol][member]
			}
			avg := sum / float64(len(group))
			if avg >= threshold && avg > bestAvg {
				bestIdx, bestAvg = idx, avg
			}
		}
		if bestIdx >= 0 {
			members[bestIdx] = append(members[bestIdx], symbol)
			clustered[symbol] = bestIdx
		}
	}

	clusters := make([]Cluster, 0, len(members))
	for _, group := range members {
		sort.Strings(group)
		sum, count := 0.0, 0
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				sum += matrix[group[i]][group[j]]
				count++
			}
		}
		total := 0.0
		values := make([]float64, len(group))
		for i, member := range group {
			values[i] = valueBySymbol[member]
			total += valueBySymbol[member]
		}
		clusters = append(clusters, Cluster{
			Symbols:        group,
			Values:         values,
			AvgCorrelation: sum / float64(count),
			TotalValue:     total,
		})
	}

	return clusters
}

// effectivePositions estimates diversification as (sum v)^2 / sum(v^2).
// A portfolio of n equal positions scores n; concentration drags it down.
func effectivePositions(valueBySymbol map[string]float64) float64 {
	sum, sumSq := 0.0, 0.0
	for _, v := range valueBySymbol {
		sum += v
		sumSq += v * v
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / sumSq
}

// concentrationScore summarizes the portfolio weight concentrated in
// high-correlation clusters, scaling each cluster's weight share by its
// average internal correlation. Range [0,1].
func concentrationScore(clusters []Cluster, valueBySymbol map[string]float64) float64 {
	total := 0.0
	for _, v := range valueBySymbol {
		total += v
	}
	if total == 0 {
		return 0
	}

	score := 0.0
	for _, cluster := range clusters {
		score += (cluster.TotalValue / total) * cluster.AvgCorrelation
	}
	return score
}

func gradeQuality(observations, requestedDays int) domain.DataQuality {
	switch {
	case float64(observations) >= 0.6*float64(requestedDays):
		return domain.DataQualitySufficient
	case float64(observations) >= 0.25*float64(requestedDays):
		return domain.DataQualityLimited
	default:
		return domain.DataQualityInsufficient
	}
}
