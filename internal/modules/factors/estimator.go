package factors

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketdata"
	"github.com/aristath/vigil/pkg/formulas"
)

// Regression method tags carried on results.
const (
	MethodMultivariate = "multivariate"
	MethodUnivariate   = "univariate"
)

// minUnivariateObs is the floor below which even a univariate pair is
// excluded rather than estimated.
const minUnivariateObs = 20

// Config holds regression parameters.
type Config struct {
	WindowDays         int     // rolling regression window in trading days
	MinObs             int     // minimum aligned observations for multivariate
	FullHistoryObs     int     // sample size at or above which quality = full_history
	BetaCap            float64 // betas are clipped to +/- this value
	ConditionNumberMax float64 // multicollinearity gate for the design matrix
}

// DefaultConfig returns the standard regression configuration.
func DefaultConfig() Config {
	return Config{
		WindowDays:         252,
		MinObs:             60,
		FullHistoryObs:     200,
		BetaCap:            3.0,
		ConditionNumberMax: 1e4,
	}
}

// PositionBetas holds estimated betas for one position.
type PositionBetas struct {
	PositionID   int64
	Symbol       string
	Betas        map[string]float64 // factor -> beta
	Method       string
	Quality      domain.QualityFlag
	Observations int
}

// Exclusion records a (position, factor) pair dropped from estimation,
// with the reason. Pairs are never silently zero-filled.
type Exclusion struct {
	PositionID int64
	Symbol     string
	Factor     string
	Reason     string
}

// Result is the structured output of one estimation run.
type Result struct {
	PositionBetas      []PositionBetas
	PortfolioExposures map[string]float64 // factor -> dollar exposure
	DataQuality        domain.DataQuality
	Exclusions         []Exclusion
	Warnings           []string
}

// Estimator runs factor beta regressions.
type Estimator struct {
	prices PriceSource
	cfg    Config
	log    zerolog.Logger
}

// NewEstimator creates a new factor exposure estimator.
func NewEstimator(prices PriceSource, cfg Config, log zerolog.Logger) *Estimator {
	return &Estimator{
		prices: prices,
		cfg:    cfg,
		log:    log.With().Str("component", "factor_estimator").Logger(),
	}
}

// EstimateBetas regresses each position's per-share returns against the
// factor proxy returns over the rolling window ending at asOf.
//
// Strategy: multivariate OLS across all factors first; if the design matrix
// is ill-conditioned or the aligned sample is below the minimum, fall back
// to per-factor univariate regressions (the "hybrid" path). Betas are
// clipped to the configured cap.
//
// When useDeltaAdjusted is set, option positions contribute delta-weighted
// exposure to the portfolio factor dollar exposures.
func (e *Estimator) EstimateBetas(ctx context.Context, positions []domain.Position, proxies []domain.FactorProxy, asOf time.Time, useDeltaAdjusted bool) (*Result, error) {
	if len(proxies) == 0 {
		return nil, fmt.Errorf("%w: no active factor proxies", domain.ErrConfiguration)
	}

	result := &Result{
		PortfolioExposures: make(map[string]float64),
		DataQuality:        domain.DataQualitySufficient,
	}

	if len(positions) == 0 {
		result.DataQuality = domain.DataQualityInsufficient
		result.Warnings = append(result.Warnings, "no positions to estimate")
		return result, nil
	}

	// Load factor proxy return series once.
	factorOrder := make([]string, 0, len(proxies))
	factorSeries := make(map[string]*marketdata.ReturnSeries, len(proxies))
	for _, proxy := range proxies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		series, err := marketdata.BuildReturnSeries(e.prices, proxy.Symbol, asOf, e.cfg.WindowDays)
		if err != nil {
			return nil, fmt.Errorf("%w: factor %s: %v", domain.ErrUpstreamData, proxy.Factor, err)
		}
		if len(series.Returns) == 0 {
			return nil, fmt.Errorf("%w: factor %s (%s) has no price history", domain.ErrUpstreamData, proxy.Factor, proxy.Symbol)
		}
		factorOrder = append(factorOrder, proxy.Factor)
		factorSeries[proxy.Factor] = series
	}

	anyLimited := false
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		posSeries, err := marketdata.BuildReturnSeries(e.prices, pos.GroupKey(), asOf, e.cfg.WindowDays)
		if err != nil || len(posSeries.Returns) == 0 {
			for _, factor := range factorOrder {
				result.Exclusions = append(result.Exclusions, Exclusion{
					PositionID: pos.ID, Symbol: pos.Symbol, Factor: factor,
					Reason: "no price history for position",
				})
			}
			continue
		}

		betas := e.estimatePosition(pos, posSeries, factorOrder, factorSeries, result)
		if betas == nil {
			continue
		}

		if betas.Quality == domain.QualityLimitedHistory {
			anyLimited = true
		}
		result.PositionBetas = append(result.PositionBetas, *betas)

		// Portfolio factor dollar exposure = signed exposure x beta, never
		// beta x gross exposure (that double-counts direction).
		exposure := pos.Exposure
		if useDeltaAdjusted && pos.IsOption() {
			if pos.Greeks == nil {
				// The betas stand, but without a delta there is no defensible
				// dollar exposure for this option. Record the exclusion per
				// factor instead of dropping the position silently.
				for _, factor := range factorOrder {
					result.Exclusions = append(result.Exclusions, Exclusion{
						PositionID: pos.ID, Symbol: pos.Symbol, Factor: factor,
						Reason: "option has no greeks for delta adjustment",
					})
				}
				continue
			}
			exposure = pos.Exposure * pos.Greeks.Delta
		}
		for factor, beta := range betas.Betas {
			result.PortfolioExposures[factor] += exposure * beta
		}
	}

	switch {
	case len(result.PositionBetas) == 0:
		result.DataQuality = domain.DataQualityInsufficient
		result.Warnings = append(result.Warnings, "no position produced usable betas")
	case anyLimited || len(result.Exclusions) > 0:
		result.DataQuality = domain.DataQualityLimited
	}

	return result, nil
}

// estimatePosition runs the hybrid multivariate/univariate dispatch for one
// position. Returns nil when every factor pair was excluded.
func (e *Estimator) estimatePosition(pos domain.Position, posSeries *marketdata.ReturnSeries, factorOrder []string, factorSeries map[string]*marketdata.ReturnSeries, result *Result) *PositionBetas {
	y, X := alignAll(posSeries, factorOrder, factorSeries)

	if len(y) >= e.cfg.MinObs {
		betas, cond, ok := e.multivariateOLS(y, X)
		if ok && cond <= e.cfg.ConditionNumberMax {
			out := &PositionBetas{
				PositionID:   pos.ID,
				Symbol:       pos.Symbol,
				Betas:        make(map[string]float64, len(factorOrder)),
				Method:       MethodMultivariate,
				Quality:      qualityFor(len(y), e.cfg.FullHistoryObs),
				Observations: len(y),
			}
			for i, factor := range factorOrder {
				out.Betas[factor] = formulas.Clip(betas[i], e.cfg.BetaCap)
			}
			return out
		}
		if ok {
			e.log.Debug().
				Str("symbol", pos.Symbol).
				Float64("condition_number", cond).
				Msg("Design matrix ill-conditioned, falling back to univariate")
		}
	}

	// Hybrid fallback: per-factor univariate regression on pairwise-aligned
	// samples. Recovers from multicollinearity and short common windows.
	out := &PositionBetas{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Betas:      make(map[string]float64, len(factorOrder)),
		Method:     MethodUnivariate,
	}

	maxObs := 0
	for _, factor := range factorOrder {
		fx, py := marketdata.AlignPair(factorSeries[factor], posSeries)
		if len(fx) == 0 {
			result.Exclusions = append(result.Exclusions, Exclusion{
				PositionID: pos.ID, Symbol: pos.Symbol, Factor: factor,
				Reason: "zero aligned trading days",
			})
			continue
		}
		if len(fx) < minUnivariateObs {
			result.Exclusions = append(result.Exclusions, Exclusion{
				PositionID: pos.ID, Symbol: pos.Symbol, Factor: factor,
				Reason: fmt.Sprintf("only %d aligned trading days", len(fx)),
			})
			continue
		}
		if !hasVariance(fx) {
			result.Exclusions = append(result.Exclusions, Exclusion{
				PositionID: pos.ID, Symbol: pos.Symbol, Factor: factor,
				Reason: "factor returns have no variance",
			})
			continue
		}

		_, beta := stat.LinearRegression(fx, py, nil, false)
		out.Betas[factor] = formulas.Clip(beta, e.cfg.BetaCap)
		if len(fx) > maxObs {
			maxObs = len(fx)
		}
	}

	if len(out.Betas) == 0 {
		return nil
	}

	out.Observations = maxObs
	out.Quality = qualityFor(maxObs, e.cfg.FullHistoryObs)
	return out
}

// multivariateOLS solves y = alpha + X*beta via least squares and reports the
// design matrix condition number. Returns ok=false when the solve fails
// (singular matrix, degenerate columns).
func (e *Estimator) multivariateOLS(y []float64, X [][]float64) ([]float64, float64, bool) {
	n := len(y)
	if n == 0 || len(X) != n {
		return nil, 0, false
	}
	k := len(X[0])

	// Design matrix with intercept column.
	design := mat.NewDense(n, k+1, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
		for j := 0; j < k; j++ {
			design.Set(i, j+1, X[i][j])
		}
	}

	cond := mat.Cond(design, 2)

	var qr mat.QR
	qr.Factorize(design)

	yVec := mat.NewVecDense(n, y)
	var coef mat.VecDense
	if err := qr.SolveVecTo(&coef, false, yVec); err != nil {
		return nil, cond, false
	}

	betas := make([]float64, k)
	for j := 0; j < k; j++ {
		betas[j] = coef.AtVec(j + 1) // skip intercept
	}

	return betas, cond, true
}

func qualityFor(observations, fullThreshold int) domain.QualityFlag {
	if observations >= fullThreshold {
		return domain.QualityFullHistory
	}
	return domain.QualityLimitedHistory
}
