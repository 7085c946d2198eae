package batch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

// PortfolioSource lists the portfolios a daily run covers.
type PortfolioSource interface {
	GetActivePortfolios() ([]domain.Portfolio, error)
	GetPortfolio(id int64) (*domain.Portfolio, error)
}

// JobStore persists job lifecycle records.
type JobStore interface {
	StartJob(jobName string, portfolioID int64, date time.Time) (string, error)
	FinishJob(id string, status Status, retryCount int, warnings []string, errText string) error
}

// Options bounds the orchestrator's execution.
type Options struct {
	WorkerPoolSize  int           // concurrent portfolios
	StageTimeout    time.Duration // per stage execution, per attempt
	MaxStageRetries int           // retries after the first attempt
}

// Orchestrator executes the registered pipeline across portfolios. Global
// stages run once per date; per-portfolio stages run sequentially within a
// portfolio and concurrently across portfolios, bounded by the worker pool.
// A portfolio's failure never blocks the others.
type Orchestrator struct {
	registry   *Registry
	tracker    *CompletionTracker
	jobs       JobStore
	portfolios PortfolioSource
	opts       Options
	log        zerolog.Logger

	inFlight map[string]bool
	mu       sync.Mutex
}

// NewOrchestrator creates a new batch orchestrator.
func NewOrchestrator(registry *Registry, tracker *CompletionTracker, jobs JobStore, portfolios PortfolioSource, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.WorkerPoolSize < 1 {
		opts.WorkerPoolSize = 1
	}
	return &Orchestrator{
		registry:   registry,
		tracker:    tracker,
		jobs:       jobs,
		portfolios: portfolios,
		opts:       opts,
		log:        log.With().Str("component", "batch_orchestrator").Logger(),
		inFlight:   make(map[string]bool),
	}
}

// RunDailySequence runs the full pipeline for the given date. A nil
// portfolioID covers all active portfolios; a concrete one restricts the run
// to that portfolio. When runCorrelations is false the correlation stage is
// skipped (it still satisfies dependents).
//
// At most one run per overlapping scope is in flight: an all-portfolio run
// conflicts with every other run (it covers every portfolio's jobs), and a
// single-portfolio run conflicts with the all-portfolio scope and with its
// own. Requests into a busy scope coalesce into ErrRunInFlight instead of
// executing the same (stage, portfolio, date) job twice. Runs for distinct
// portfolios share no jobs and may overlap.
func (o *Orchestrator) RunDailySequence(ctx context.Context, portfolioID *int64, runCorrelations bool, date time.Time) ([]StageResult, error) {
	if err := o.registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stage registry: %w", err)
	}

	scope, err := o.acquireRun(portfolioID)
	if err != nil {
		return nil, err
	}
	defer o.releaseRun(scope)

	targets, err := o.resolvePortfolios(portfolioID)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool)
	if !runCorrelations {
		skip[StageCorrelation] = true
	}

	o.log.Info().
		Str("date", date.Format(dateLayout)).
		Int("portfolios", len(targets)).
		Bool("correlations", runCorrelations).
		Msg("Starting daily batch run")

	var results []StageResult

	// Global stages first, sequentially. A failed global stage is recorded
	// and the dependency checks cancel everything downstream of it.
	var perPortfolio []*Stage
	for _, stage := range o.registry.Ordered() {
		if stage.Global {
			results = append(results, o.executeStage(ctx, stage, GlobalPortfolioID, date, skip))
		} else {
			perPortfolio = append(perPortfolio, stage)
		}
	}

	sem := make(chan struct{}, o.opts.WorkerPoolSize)
	var wg sync.WaitGroup
	var resMu sync.Mutex

	for _, p := range targets {
		wg.Add(1)
		go func(pid int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for _, stage := range perPortfolio {
				res := o.executeStage(ctx, stage, pid, date, skip)
				resMu.Lock()
				results = append(results, res)
				resMu.Unlock()
			}
		}(p.ID)
	}
	wg.Wait()

	o.log.Info().
		Str("date", date.Format(dateLayout)).
		Int("stages", len(results)).
		Msg("Daily batch run finished")

	return results, nil
}

// scopeAll marks an all-portfolio run in the in-flight set.
const scopeAll = "daily"

// acquireRun reserves the run scope or returns ErrRunInFlight. The global
// scope conflicts with any in-flight run; a portfolio scope conflicts with
// the global scope and with itself.
func (o *Orchestrator) acquireRun(portfolioID *int64) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if portfolioID == nil {
		if len(o.inFlight) > 0 {
			return "", ErrRunInFlight
		}
		o.inFlight[scopeAll] = true
		return scopeAll, nil
	}

	scope := scopeAll + ":" + strconv.FormatInt(*portfolioID, 10)
	if o.inFlight[scopeAll] || o.inFlight[scope] {
		return "", ErrRunInFlight
	}
	o.inFlight[scope] = true
	return scope, nil
}

func (o *Orchestrator) releaseRun(scope string) {
	o.mu.Lock()
	delete(o.inFlight, scope)
	o.mu.Unlock()
}

func (o *Orchestrator) resolvePortfolios(portfolioID *int64) ([]domain.Portfolio, error) {
	if portfolioID == nil {
		return o.portfolios.GetActivePortfolios()
	}
	p, err := o.portfolios.GetPortfolio(*portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve portfolio %d: %w", *portfolioID, err)
	}
	return []domain.Portfolio{*p}, nil
}

// executeStage runs one stage for one scope: dependency check, idempotency
// check, then the retry loop with per-attempt timeout.
func (o *Orchestrator) executeStage(ctx context.Context, stage *Stage, portfolioID int64, date time.Time, skip map[string]bool) StageResult {
	result := StageResult{JobName: stage.Name, PortfolioID: portfolioID}

	if skip[stage.Name] {
		result.Status = StatusSkipped
		o.tracker.MarkSkipped(stage.Name, portfolioID, date)
		return result
	}

	if err := ctx.Err(); err != nil {
		result.Status = StatusCancelled
		result.Error = err.Error()
		return result
	}

	for _, dep := range stage.DependsOn {
		depScope := portfolioID
		if depStage := o.registry.Get(dep); depStage != nil && depStage.Global {
			depScope = GlobalPortfolioID
		}
		if !o.tracker.IsSatisfied(dep, depScope, date) {
			result.Status = StatusCancelled
			result.Error = fmt.Sprintf("dependency %s not satisfied", dep)
			return result
		}
	}

	if stage.HasResult != nil {
		done, err := stage.HasResult(portfolioID, date)
		if err != nil {
			o.log.Warn().Err(err).Str("stage", stage.Name).
				Int64("portfolio", portfolioID).Msg("Idempotency check failed, running stage")
		} else if done {
			result.Status = StatusSkipped
			result.Warnings = append(result.Warnings, "result already exists for date")
			o.tracker.MarkSkipped(stage.Name, portfolioID, date)
			return result
		}
	}

	jobID, err := o.jobs.StartJob(stage.Name, portfolioID, date)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result
	}
	result.JobID = jobID

	start := time.Now()
	var warnings []string
	var runErr error

	for attempt := 0; attempt <= o.opts.MaxStageRetries; attempt++ {
		result.Attempts = attempt + 1

		stageCtx := ctx
		var cancel context.CancelFunc
		if o.opts.StageTimeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, o.opts.StageTimeout)
		}
		warnings, runErr = stage.Run(stageCtx, portfolioID, date)
		if cancel != nil {
			cancel()
		}

		if runErr == nil {
			break
		}
		if ctx.Err() != nil {
			// Parent cancelled; stop retrying cooperatively.
			break
		}
		o.log.Warn().Err(runErr).
			Str("stage", stage.Name).
			Int64("portfolio", portfolioID).
			Int("attempt", attempt+1).
			Msg("Stage failed")
	}
	result.Duration = time.Since(start)
	result.Warnings = append(result.Warnings, warnings...)

	retries := result.Attempts - 1
	switch {
	case runErr != nil && ctx.Err() != nil:
		result.Status = StatusCancelled
		result.Error = runErr.Error()
	case runErr != nil:
		result.Status = StatusFailed
		result.Error = fmt.Errorf("%w: %s: %v", domain.ErrJobExecution, stage.Name, runErr).Error()
	case len(result.Warnings) > 0:
		result.Status = StatusCompletedWithWarnings
	default:
		result.Status = StatusCompleted
	}

	if err := o.jobs.FinishJob(jobID, result.Status, retries, result.Warnings, result.Error); err != nil {
		o.log.Error().Err(err).Str("job", jobID).Msg("Failed to persist job outcome")
	}
	if result.Status.Succeeded() {
		o.tracker.MarkCompleted(stage.Name, portfolioID, date)
	}

	return result
}
