package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/marketdata"
	"github.com/aristath/vigil/internal/modules/aggregation"
	"github.com/aristath/vigil/internal/modules/correlation"
	"github.com/aristath/vigil/internal/modules/factors"
	"github.com/aristath/vigil/internal/modules/stress"
	"github.com/aristath/vigil/internal/portfolio"
)

// Stage names, stable keys in batch_jobs.
const (
	StageMarketSync     = "market_sync"
	StageAggregation    = "aggregation"
	StageFactorExposure = "factor_exposure"
	StageCorrelation    = "correlation"
	StageStressTest     = "stress_test"
	StageSnapshot       = "snapshot"
)

// RollupCache is the cached read path over positions. The pipeline drops it
// after the snapshot stage rewrites the day's summaries so reads never serve
// pre-run rollups. Satisfied by aggregation.RollupService.
type RollupCache interface {
	Invalidate()
}

// Pipeline wires the analytics services into the registered batch stages.
type Pipeline struct {
	sync       *marketdata.SyncService
	portfolios *portfolio.Repository
	aggregator *aggregation.Service
	estimator  *factors.Estimator
	factorRepo *factors.Repository
	corrEngine *correlation.Engine
	corrRepo   *correlation.Repository
	stress     *stress.Engine
	stressRepo *stress.Repository
	rollups    RollupCache

	correlationDays int
	corrFilters     correlation.Filters

	log zerolog.Logger
}

// NewPipeline creates the daily pipeline over the given services.
func NewPipeline(
	sync *marketdata.SyncService,
	portfolios *portfolio.Repository,
	aggregator *aggregation.Service,
	estimator *factors.Estimator,
	factorRepo *factors.Repository,
	corrEngine *correlation.Engine,
	corrRepo *correlation.Repository,
	stressEngine *stress.Engine,
	stressRepo *stress.Repository,
	rollups RollupCache,
	correlationDays int,
	corrFilters correlation.Filters,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		sync:            sync,
		portfolios:      portfolios,
		aggregator:      aggregator,
		estimator:       estimator,
		factorRepo:      factorRepo,
		corrEngine:      corrEngine,
		corrRepo:        corrRepo,
		stress:          stressEngine,
		stressRepo:      stressRepo,
		rollups:         rollups,
		correlationDays: correlationDays,
		corrFilters:     corrFilters,
		log:             log.With().Str("component", "batch_pipeline").Logger(),
	}
}

// Register adds all pipeline stages to the registry in dependency order.
func (p *Pipeline) Register(registry *Registry) {
	registry.Register(&Stage{
		Name:   StageMarketSync,
		Global: true,
		Run:    p.runMarketSync,
	})
	registry.Register(&Stage{
		Name:      StageAggregation,
		DependsOn: []string{StageMarketSync},
		Run:       p.runAggregation,
	})
	registry.Register(&Stage{
		Name:      StageFactorExposure,
		DependsOn: []string{StageMarketSync, StageAggregation},
		HasResult: p.factorRepo.HasResultFor,
		Run:       p.runFactorExposure,
	})
	registry.Register(&Stage{
		Name:      StageCorrelation,
		DependsOn: []string{StageMarketSync},
		HasResult: p.corrRepo.HasResultFor,
		Run:       p.runCorrelation,
	})
	registry.Register(&Stage{
		Name:      StageStressTest,
		DependsOn: []string{StageFactorExposure},
		HasResult: p.stressRepo.HasResultFor,
		Run:       p.runStressTest,
	})
	registry.Register(&Stage{
		Name:      StageSnapshot,
		DependsOn: []string{StageAggregation},
		HasResult: p.portfolios.HasSnapshotFor,
		Run:       p.runSnapshot,
	})
}

func (p *Pipeline) runMarketSync(ctx context.Context, _ int64, date time.Time) ([]string, error) {
	result, err := p.sync.SyncAll(ctx, date)
	if err != nil {
		return nil, err
	}
	p.log.Info().
		Int("synced", result.SymbolsSynced).
		Int("failed", result.SymbolsFailed).
		Int("bars", result.BarsWritten).
		Msg("Market data sync finished")
	return result.Warnings, nil
}

// runAggregation validates that the portfolio's positions aggregate cleanly.
// The exposure snapshot itself is persisted by the snapshot stage at the end
// of the pipeline.
func (p *Pipeline) runAggregation(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
	positions, err := p.portfolios.GetOpenPositions(portfolioID)
	if err != nil {
		return nil, err
	}

	summary := p.aggregator.ComputeExposures(positions)
	greeks := p.aggregator.AggregateGreeks(positions)

	warnings := append([]string{}, summary.Warnings...)
	if greeks.ExcludedCount > 0 {
		warnings = append(warnings,
			fmt.Sprintf("%d option positions lack Greeks", greeks.ExcludedCount))
	}
	return warnings, nil
}

func (p *Pipeline) runFactorExposure(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
	positions, err := p.portfolios.GetOpenPositions(portfolioID)
	if err != nil {
		return nil, err
	}
	proxies, err := p.portfolios.GetFactorProxies()
	if err != nil {
		return nil, err
	}

	result, err := p.estimator.EstimateBetas(ctx, positions, proxies, date, true)
	if err != nil {
		return nil, err
	}
	if err := p.factorRepo.SaveResult(portfolioID, date, result); err != nil {
		return nil, err
	}

	warnings := append([]string{}, result.Warnings...)
	if len(result.Exclusions) > 0 {
		warnings = append(warnings,
			fmt.Sprintf("%d position/factor pairs excluded", len(result.Exclusions)))
	}
	return warnings, nil
}

func (p *Pipeline) runCorrelation(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
	positions, err := p.portfolios.GetOpenPositions(portfolioID)
	if err != nil {
		return nil, err
	}

	result, err := p.corrEngine.Compute(ctx, positions, date, p.correlationDays, p.corrFilters)
	if err != nil {
		return nil, err
	}
	if err := p.corrRepo.SaveResult(portfolioID, date, p.correlationDays, p.corrFilters, result); err != nil {
		return nil, err
	}
	return result.Warnings, nil
}

func (p *Pipeline) runStressTest(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
	scenarios, err := p.stressRepo.ActiveScenarios("")
	if err != nil {
		return nil, err
	}
	proxies, err := p.portfolios.GetFactorProxies()
	if err != nil {
		return nil, err
	}

	result, err := p.stress.RunComprehensive(ctx, portfolioID, scenarios, proxies, date, "")
	if err != nil {
		return nil, err
	}
	for i := range result.Results {
		if err := p.stressRepo.SaveResult(portfolioID, date, &result.Results[i]); err != nil {
			return nil, err
		}
	}
	return result.Warnings, nil
}

func (p *Pipeline) runSnapshot(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
	positions, err := p.portfolios.GetOpenPositions(portfolioID)
	if err != nil {
		return nil, err
	}

	summary := p.aggregator.ComputeExposures(positions)
	if err := p.portfolios.SaveExposureSnapshot(portfolioID, date, summary); err != nil {
		return nil, err
	}
	if p.rollups != nil {
		p.rollups.Invalidate()
	}
	return summary.Warnings, nil
}
