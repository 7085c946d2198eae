package factors

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketdata"
)

// fakePrices serves close series from memory.
type fakePrices struct {
	series map[string][]marketdata.ClosePoint
}

func (f *fakePrices) CloseSeries(symbol string, from, to time.Time) ([]marketdata.ClosePoint, error) {
	var out []marketdata.ClosePoint
	for _, p := range f.series[symbol] {
		if !p.Date.Before(from) && !p.Date.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

var testAsOf = time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)

// seriesFromReturns builds a close series ending at testAsOf whose daily
// returns are exactly the given values.
func seriesFromReturns(returns []float64) []marketdata.ClosePoint {
	points := make([]marketdata.ClosePoint, len(returns)+1)
	start := testAsOf.AddDate(0, 0, -len(returns))
	close := 100.0
	points[0] = marketdata.ClosePoint{Date: start, Close: close}
	for i, r := range returns {
		close *= 1 + r
		points[i+1] = marketdata.ClosePoint{Date: start.AddDate(0, 0, i+1), Close: close}
	}
	return points
}

// syntheticFactorReturns produces two deterministic, non-collinear factor
// return series of length n.
func syntheticFactorReturns(n int) ([]float64, []float64) {
	f1 := make([]float64, n)
	f2 := make([]float64, n)
	for i := 0; i < n; i++ {
		f1[i] = 0.01 * math.Sin(float64(i)*0.7)
		f2[i] = 0.008 * math.Cos(float64(i)*1.3)
	}
	return f1, f2
}

func combine(a, b []float64, wa, wb float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = wa*a[i] + wb*b[i]
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WindowDays = 120
	cfg.MinObs = 30
	cfg.FullHistoryObs = 100
	return cfg
}

func twoFactorProxies() []domain.FactorProxy {
	return []domain.FactorProxy{
		{Factor: "market", Symbol: "SPY", Active: true},
		{Factor: "rates", Symbol: "TLT", Active: true},
	}
}

func TestEstimateBetas_MultivariateRecoversKnownBetas(t *testing.T) {
	f1, f2 := syntheticFactorReturns(120)
	prices := &fakePrices{series: map[string][]marketdata.ClosePoint{
		"SPY":  seriesFromReturns(f1),
		"TLT":  seriesFromReturns(f2),
		"AAPL": seriesFromReturns(combine(f1, f2, 2.0, 1.0)),
	}}

	positions := []domain.Position{{
		ID: 1, Symbol: "AAPL", SecurityType: domain.SecurityTypeStock,
		Exposure: 1000, MarketValue: 1000,
	}}

	est := NewEstimator(prices, testConfig(), zerolog.Nop())
	result, err := est.EstimateBetas(context.Background(), positions, twoFactorProxies(), testAsOf, false)

	require.NoError(t, err)
	require.Len(t, result.PositionBetas, 1)

	pb := result.PositionBetas[0]
	assert.Equal(t, MethodMultivariate, pb.Method)
	assert.InDelta(t, 2.0, pb.Betas["market"], 0.05)
	assert.InDelta(t, 1.0, pb.Betas["rates"], 0.05)
	assert.Equal(t, domain.QualityFullHistory, pb.Quality)
}

func TestEstimateBetas_PortfolioDollarExposure(t *testing.T) {
	// Synthetic 2-position / 2-factor fixture with hand-computed expectation:
	// A: exposure 1000, betas (2, 1); B: exposure -500, betas (1, -0.5)
	// market exposure = 1000*2 + (-500)*1  = 1500
	// rates exposure  = 1000*1 + (-500)*-0.5 = 1250
	f1, f2 := syntheticFactorReturns(120)
	prices := &fakePrices{series: map[string][]marketdata.ClosePoint{
		"SPY": seriesFromReturns(f1),
		"TLT": seriesFromReturns(f2),
		"AAA": seriesFromReturns(combine(f1, f2, 2.0, 1.0)),
		"BBB": seriesFromReturns(combine(f1, f2, 1.0, -0.5)),
	}}

	positions := []domain.Position{
		{ID: 1, Symbol: "AAA", SecurityType: domain.SecurityTypeStock, Exposure: 1000, MarketValue: 1000},
		{ID: 2, Symbol: "BBB", SecurityType: domain.SecurityTypeStock, Exposure: -500, MarketValue: 500},
	}

	est := NewEstimator(prices, testConfig(), zerolog.Nop())
	result, err := est.EstimateBetas(context.Background(), positions, twoFactorProxies(), testAsOf, false)

	require.NoError(t, err)
	require.Len(t, result.PositionBetas, 2)
	assert.InDelta(t, 1500.0, result.PortfolioExposures["market"], 10)
	assert.InDelta(t, 1250.0, result.PortfolioExposures["rates"], 10)
}

func TestEstimateBetas_ClipsExtremeBeta(t *testing.T) {
	f1, f2 := syntheticFactorReturns(120)
	prices := &fakePrices{series: map[string][]marketdata.ClosePoint{
		"SPY": seriesFromReturns(f1),
		"TLT": seriesFromReturns(f2),
		// 5.7x leverage to the market factor
		"LEVG": seriesFromReturns(combine(f1, f2, 5.7, 0)),
	}}

	positions := []domain.Position{{
		ID: 1, Symbol: "LEVG", SecurityType: domain.SecurityTypeStock,
		Exposure: 1000, MarketValue: 1000,
	}}

	est := NewEstimator(prices, testConfig(), zerolog.Nop())
	result, err := est.EstimateBetas(context.Background(), positions, twoFactorProxies(), testAsOf, false)

	require.NoError(t, err)
	require.Len(t, result.PositionBetas, 1)
	assert.Equal(t, 3.0, result.PositionBetas[0].Betas["market"], "beta 5.7 must be clipped to the cap")
}

func TestEstimateBetas_UnivariateFallbackOnShortSample(t *testing.T) {
	// Only 25 aligned observations: below MinObs (30) for multivariate but
	// above the univariate floor, so the hybrid path engages.
	f1, f2 := syntheticFactorReturns(120)
	short := combine(f1, f2, 1.5, 0)[len(f1)-25:]
	prices := &fakePrices{series: map[string][]marketdata.ClosePoint{
		"SPY":   seriesFromReturns(f1),
		"TLT":   seriesFromReturns(f2),
		"SHORT": seriesFromReturns(short),
	}}

	positions := []domain.Position{{
		ID: 1, Symbol: "SHORT", SecurityType: domain.SecurityTypeStock,
		Exposure: 1000, MarketValue: 1000,
	}}

	est := NewEstimator(prices, testConfig(), zerolog.Nop())
	result, err := est.EstimateBetas(context.Background(), positions, twoFactorProxies(), testAsOf, false)

	require.NoError(t, err)
	require.Len(t, result.PositionBetas, 1)

	pb := result.PositionBetas[0]
	assert.Equal(t, MethodUnivariate, pb.Method)
	assert.Equal(t, domain.QualityLimitedHistory, pb.Quality)
	assert.InDelta(t, 1.5, pb.Betas["market"], 0.1)
	assert.Equal(t, domain.DataQualityLimited, result.DataQuality)
}

func TestEstimateBetas_OptionWithoutGreeksExcludedFromExposure(t *testing.T) {
	f1, f2 := syntheticFactorReturns(120)
	prices := &fakePrices{series: map[string][]marketdata.ClosePoint{
		"SPY": seriesFromReturns(f1),
		"TLT": seriesFromReturns(f2),
		"AAA": seriesFromReturns(combine(f1, f2, 2.0, 1.0)),
		"BBB": seriesFromReturns(combine(f1, f2, 1.0, -0.5)),
	}}

	positions := []domain.Position{
		{ID: 1, Symbol: "AAA", SecurityType: domain.SecurityTypeStock, Exposure: 1000, MarketValue: 1000},
		{ID: 2, Symbol: "BBB 260918C00100000", SecurityType: domain.SecurityTypeOption,
			UnderlyingSymbol: "BBB", Exposure: 9500, MarketValue: 1200},
	}

	est := NewEstimator(prices, testConfig(), zerolog.Nop())
	result, err := est.EstimateBetas(context.Background(), positions, twoFactorProxies(), testAsOf, true)

	require.NoError(t, err)
	require.Len(t, result.PositionBetas, 2, "betas are still estimable from the underlying's history")

	// Without a delta there is no delta-adjusted dollar exposure for the
	// option: its contribution is excluded with a recorded reason rather
	// than dropped silently.
	require.Len(t, result.Exclusions, 2)
	for _, excl := range result.Exclusions {
		assert.Equal(t, int64(2), excl.PositionID)
		assert.Contains(t, excl.Reason, "greeks")
	}
	assert.InDelta(t, 2000.0, result.PortfolioExposures["market"], 10, "only the stock contributes")
	assert.InDelta(t, 1000.0, result.PortfolioExposures["rates"], 10)
	assert.Equal(t, domain.DataQualityLimited, result.DataQuality)
}

func TestEstimateBetas_ZeroAlignedDaysExcluded(t *testing.T) {
	f1, f2 := syntheticFactorReturns(120)

	// Position prices live entirely outside the factor calendar.
	var stale []marketdata.ClosePoint
	start := testAsOf.AddDate(-2, 0, 0)
	for i := 0; i < 40; i++ {
		stale = append(stale, marketdata.ClosePoint{Date: start.AddDate(0, 0, i), Close: 50 + float64(i)})
	}

	prices := &fakePrices{series: map[string][]marketdata.ClosePoint{
		"SPY":   seriesFromReturns(f1),
		"TLT":   seriesFromReturns(f2),
		"STALE": stale,
	}}

	positions := []domain.Position{{
		ID: 1, Symbol: "STALE", SecurityType: domain.SecurityTypeStock,
		Exposure: 1000, MarketValue: 1000,
	}}

	est := NewEstimator(prices, testConfig(), zerolog.Nop())
	result, err := est.EstimateBetas(context.Background(), positions, twoFactorProxies(), testAsOf, false)

	require.NoError(t, err)
	assert.Empty(t, result.PositionBetas)
	assert.NotEmpty(t, result.Exclusions, "pair must be excluded with a recorded reason, never zero-filled")
	assert.Equal(t, domain.DataQualityInsufficient, result.DataQuality)
}

func TestEstimateBetas_NoPositions(t *testing.T) {
	prices := &fakePrices{series: map[string][]marketdata.ClosePoint{}}
	est := NewEstimator(prices, testConfig(), zerolog.Nop())

	result, err := est.EstimateBetas(context.Background(), nil, twoFactorProxies(), testAsOf, false)

	require.NoError(t, err)
	assert.Equal(t, domain.DataQualityInsufficient, result.DataQuality)
	assert.NotEmpty(t, result.Warnings)
}
