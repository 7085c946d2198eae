package stress

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketdata"
	"github.com/aristath/vigil/pkg/formulas"
)

// ExposureSource provides the latest persisted factor dollar exposures.
// Satisfied by factors.Repository.
type ExposureSource interface {
	LatestPortfolioExposures(portfolioID int64, asOf time.Time) (map[string]float64, time.Time, error)
}

// FactorImpact is one factor's contribution to scenario P&L. Implied marks
// impacts propagated through correlations rather than shocked directly.
type FactorImpact struct {
	Factor  string
	Shock   float64
	Implied bool
	PnL     float64
}

// ScenarioResult is the outcome of one scenario applied to one portfolio.
type ScenarioResult struct {
	ScenarioID        int64
	ScenarioName      string
	DirectPnL         float64
	CorrelatedPnL     float64
	CorrelationEffect float64 // correlated - direct; negative means contagion
	FactorImpacts     []FactorImpact
	Warnings          []string
}

// Summary aggregates a comprehensive run across scenarios.
type Summary struct {
	Scenarios             int
	WorstScenario         string
	WorstPnL              float64
	BestScenario          string
	BestPnL               float64
	MeanCorrelationEffect float64
	NegativeCount         int
	PositiveCount         int
}

// ComprehensiveResult is the full-library run output.
type ComprehensiveResult struct {
	Results  []ScenarioResult
	Summary  Summary
	Warnings []string
}

// Engine runs stress scenarios against persisted factor exposures.
type Engine struct {
	prices       marketdata.CloseSource
	exposures    ExposureSource
	decay        float64
	lookbackDays int
	log          zerolog.Logger
}

// NewEngine creates a stress engine. The EWMA decay must lie in (0,1).
func NewEngine(prices marketdata.CloseSource, exposures ExposureSource, decay float64, lookbackDays int, log zerolog.Logger) (*Engine, error) {
	if decay <= 0 || decay >= 1 {
		return nil, fmt.Errorf("%w: ewma decay %.4f outside (0,1)", domain.ErrConfiguration, decay)
	}
	if lookbackDays < 2 {
		return nil, fmt.Errorf("%w: ewma lookback must be at least 2 days, got %d", domain.ErrConfiguration, lookbackDays)
	}
	return &Engine{
		prices:       prices,
		exposures:    exposures,
		decay:        decay,
		lookbackDays: lookbackDays,
		log:          log.With().Str("component", "stress_engine").Logger(),
	}, nil
}

// FactorCorrelationMatrix builds the exponentially weighted factor
// correlation matrix from proxy return series over the lookback window.
// This is a factor-level matrix, distinct from the position correlation run.
// Pairs with too little overlapping history get correlation 0.
func (e *Engine) FactorCorrelationMatrix(ctx context.Context, proxies []domain.FactorProxy, asOf time.Time) (map[string]map[string]float64, error) {
	series := make(map[string]*marketdata.ReturnSeries, len(proxies))
	factors := make([]string, 0, len(proxies))
	for _, proxy := range proxies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rs, err := marketdata.BuildReturnSeries(e.prices, proxy.Symbol, asOf, e.lookbackDays)
		if err != nil {
			return nil, fmt.Errorf("%w: factor %s (%s): %v", domain.ErrUpstreamData, proxy.Factor, proxy.Symbol, err)
		}
		factors = append(factors, proxy.Factor)
		series[proxy.Factor] = rs
	}

	matrix := make(map[string]map[string]float64, len(factors))
	for _, factor := range factors {
		matrix[factor] = make(map[string]float64, len(factors))
		matrix[factor][factor] = 1
	}
	for i := 0; i < len(factors); i++ {
		for j := i + 1; j < len(factors); j++ {
			a, b := factors[i], factors[j]
			x, y := marketdata.AlignPair(series[a], series[b])
			corr := formulas.EWMACorrelation(x, y, e.decay)
			matrix[a][b] = corr
			matrix[b][a] = corr
		}
	}

	return matrix, nil
}

// RunScenario applies one scenario to a portfolio's latest factor exposures
// as of the given date.
func (e *Engine) RunScenario(ctx context.Context, portfolioID int64, scenario Scenario, proxies []domain.FactorProxy, asOf time.Time) (*ScenarioResult, error) {
	matrix, err := e.FactorCorrelationMatrix(ctx, proxies, asOf)
	if err != nil {
		return nil, err
	}
	exposures, _, err := e.exposures.LatestPortfolioExposures(portfolioID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load factor exposures: %w", err)
	}
	if len(exposures) == 0 {
		return nil, fmt.Errorf("%w: no factor exposures for portfolio %d as of %s",
			domain.ErrUpstreamData, portfolioID, asOf.Format("2006-01-02"))
	}
	return e.run(scenario, proxies, exposures, matrix)
}

// run is the pure scenario math, shared by single and comprehensive runs.
//
// Direct P&L shocks only the named factors. Correlated P&L additionally
// moves every unshocked factor by its correlation-implied shock, so
// correlation_effect = correlated - direct reads as diversification when
// positive and contagion when negative.
func (e *Engine) run(scenario Scenario, proxies []domain.FactorProxy, exposures map[string]float64, matrix map[string]map[string]float64) (*ScenarioResult, error) {
	knownFactors := make(map[string]bool, len(proxies))
	for _, proxy := range proxies {
		knownFactors[proxy.Factor] = true
	}

	warnings, err := ValidateShocks(scenario.Shocks, knownFactors)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", scenario.Name, err)
	}

	result := &ScenarioResult{
		ScenarioID:   scenario.ID,
		ScenarioName: scenario.Name,
		Warnings:     warnings,
	}
	if len(scenario.Shocks) == 0 {
		return result, nil
	}

	for _, proxy := range proxies {
		factor := proxy.Factor
		exposure := exposures[factor]

		if shock, shocked := scenario.Shocks[factor]; shocked {
			pnl := exposure * shock
			result.DirectPnL += pnl
			result.FactorImpacts = append(result.FactorImpacts, FactorImpact{
				Factor: factor, Shock: shock, PnL: pnl,
			})
			continue
		}

		// Implied shock on an unshocked factor: each shocked factor drags
		// it by shock x correlation.
		implied := 0.0
		for shockedFactor, shock := range scenario.Shocks {
			implied += shock * matrix[shockedFactor][factor]
		}
		pnl := exposure * implied
		result.FactorImpacts = append(result.FactorImpacts, FactorImpact{
			Factor: factor, Shock: implied, Implied: true, PnL: pnl,
		})
		result.CorrelatedPnL += pnl
	}

	result.CorrelatedPnL += result.DirectPnL
	result.CorrelationEffect = result.CorrelatedPnL - result.DirectPnL

	return result, nil
}

// RunComprehensive applies every active scenario (optionally filtered by
// category) to the portfolio. A scenario that fails validation is skipped
// with a warning so one bad entry cannot sink the whole run. A portfolio
// with no stored factor exposures (every position excluded upstream) gets
// an empty result with a warning rather than an error: the nightly stress
// stage should degrade, not fail, on a portfolio the estimator could not
// cover.
func (e *Engine) RunComprehensive(ctx context.Context, portfolioID int64, scenarios []Scenario, proxies []domain.FactorProxy, asOf time.Time, category string) (*ComprehensiveResult, error) {
	exposures, _, err := e.exposures.LatestPortfolioExposures(portfolioID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load factor exposures: %w", err)
	}
	if len(exposures) == 0 {
		warning := fmt.Sprintf("no factor exposures for portfolio %d as of %s, skipping all scenarios",
			portfolioID, asOf.Format("2006-01-02"))
		e.log.Warn().Int64("portfolio", portfolioID).
			Str("as_of", asOf.Format("2006-01-02")).
			Msg("No factor exposures, stress run degraded to empty result")
		return &ComprehensiveResult{Warnings: []string{warning}}, nil
	}

	matrix, err := e.FactorCorrelationMatrix(ctx, proxies, asOf)
	if err != nil {
		return nil, err
	}

	out := &ComprehensiveResult{}
	var effects []float64

	for _, scenario := range scenarios {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !scenario.Active {
			continue
		}
		if category != "" && scenario.Category != category {
			continue
		}

		result, err := e.run(scenario, proxies, exposures, matrix)
		if err != nil {
			e.log.Warn().Err(err).Str("scenario", scenario.Name).Msg("Skipping invalid scenario")
			out.Warnings = append(out.Warnings, err.Error())
			continue
		}
		out.Results = append(out.Results, *result)

		effects = append(effects, result.CorrelationEffect)
		if result.CorrelatedPnL < 0 {
			out.Summary.NegativeCount++
		} else {
			out.Summary.PositiveCount++
		}
		if out.Summary.Scenarios == 0 || result.CorrelatedPnL < out.Summary.WorstPnL {
			out.Summary.WorstPnL = result.CorrelatedPnL
			out.Summary.WorstScenario = result.ScenarioName
		}
		if out.Summary.Scenarios == 0 || result.CorrelatedPnL > out.Summary.BestPnL {
			out.Summary.BestPnL = result.CorrelatedPnL
			out.Summary.BestScenario = result.ScenarioName
		}
		out.Summary.Scenarios++
	}

	if out.Summary.Scenarios > 0 {
		out.Summary.MeanCorrelationEffect = formulas.Mean(effects)
	}

	return out, nil
}
