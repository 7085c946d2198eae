package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/domain"
)

type fakePortfolios struct {
	portfolios []domain.Portfolio
}

func (f *fakePortfolios) GetActivePortfolios() ([]domain.Portfolio, error) {
	return f.portfolios, nil
}

func (f *fakePortfolios) GetPortfolio(id int64) (*domain.Portfolio, error) {
	for _, p := range f.portfolios {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, errors.New("portfolio not found")
}

type fakeJobs struct {
	mu       sync.Mutex
	started  []string
	finished map[string]Status
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{finished: make(map[string]Status)}
}

func (f *fakeJobs) StartJob(jobName string, portfolioID int64, date time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := jobName + "#" + date.Format(dateLayout)
	f.started = append(f.started, id)
	return id, nil
}

func (f *fakeJobs) FinishJob(id string, status Status, retryCount int, warnings []string, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[id] = status
	return nil
}

var testDate = time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)

func testOrchestrator(registry *Registry, portfolios []domain.Portfolio) (*Orchestrator, *fakeJobs) {
	jobs := newFakeJobs()
	o := NewOrchestrator(registry, NewCompletionTracker(), jobs,
		&fakePortfolios{portfolios: portfolios},
		Options{WorkerPoolSize: 2, StageTimeout: time.Second, MaxStageRetries: 1},
		zerolog.Nop())
	return o, jobs
}

func okStage(name string, global bool, deps ...string) *Stage {
	return &Stage{
		Name:      name,
		Global:    global,
		DependsOn: deps,
		Run: func(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
			return nil, nil
		},
	}
}

func resultsByName(results []StageResult, portfolioID int64) map[string]StageResult {
	out := make(map[string]StageResult)
	for _, r := range results {
		if r.PortfolioID == portfolioID {
			out[r.JobName] = r
		}
	}
	return out
}

func TestRunDailySequence_AllStagesComplete(t *testing.T) {
	registry := NewRegistry()
	registry.Register(okStage("sync", true))
	registry.Register(okStage("first", false, "sync"))
	registry.Register(okStage("second", false, "first"))

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}, {ID: 2}})

	results, err := o.RunDailySequence(context.Background(), nil, true, testDate)
	require.NoError(t, err)

	// One global run plus two stages per portfolio.
	assert.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, StatusCompleted, r.Status, r.JobName)
	}
}

func TestRunDailySequence_RetrySucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	registry := NewRegistry()
	registry.Register(&Stage{
		Name: "flaky",
		Run: func(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, errors.New("transient")
			}
			return nil, nil
		},
	})

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}})

	results, err := o.RunDailySequence(context.Background(), nil, true, testDate)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, StatusCompleted, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestRunDailySequence_FailureCancelsDependents(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&Stage{
		Name: "broken",
		Run: func(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
			return nil, errors.New("boom")
		},
	})
	registry.Register(okStage("dependent", false, "broken"))
	registry.Register(okStage("independent", false))

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}})

	results, err := o.RunDailySequence(context.Background(), nil, true, testDate)
	require.NoError(t, err)

	byName := resultsByName(results, 1)
	assert.Equal(t, StatusFailed, byName["broken"].Status)
	assert.Equal(t, StatusCancelled, byName["dependent"].Status)
	assert.Contains(t, byName["dependent"].Error, "broken")
	// A stage with no dependency on the failure still runs.
	assert.Equal(t, StatusCompleted, byName["independent"].Status)
}

func TestRunDailySequence_PortfolioFailureIsolated(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&Stage{
		Name: "compute",
		Run: func(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
			if portfolioID == 1 {
				return nil, errors.New("bad data")
			}
			return nil, nil
		},
	})

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}, {ID: 2}})

	results, err := o.RunDailySequence(context.Background(), nil, true, testDate)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, resultsByName(results, 1)["compute"].Status)
	assert.Equal(t, StatusCompleted, resultsByName(results, 2)["compute"].Status)
}

func TestRunDailySequence_IdempotentSkip(t *testing.T) {
	ran := false
	registry := NewRegistry()
	registry.Register(&Stage{
		Name:      "computed",
		HasResult: func(portfolioID int64, date time.Time) (bool, error) { return true, nil },
		Run: func(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
			ran = true
			return nil, nil
		},
	})
	registry.Register(okStage("dependent", false, "computed"))

	o, jobs := testOrchestrator(registry, []domain.Portfolio{{ID: 1}})

	results, err := o.RunDailySequence(context.Background(), nil, true, testDate)
	require.NoError(t, err)

	byName := resultsByName(results, 1)
	assert.False(t, ran, "stage with existing result must not re-run")
	assert.Equal(t, StatusSkipped, byName["computed"].Status)
	// Skipped stages satisfy dependents.
	assert.Equal(t, StatusCompleted, byName["dependent"].Status)
	// No job row is written for a skip.
	assert.NotContains(t, jobs.started, "computed#"+testDate.Format(dateLayout))
}

func TestRunDailySequence_CorrelationsToggle(t *testing.T) {
	registry := NewRegistry()
	registry.Register(okStage(StageCorrelation, false))

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}})

	results, err := o.RunDailySequence(context.Background(), nil, false, testDate)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, StatusSkipped, results[0].Status)
}

func TestRunDailySequence_SinglePortfolioScope(t *testing.T) {
	registry := NewRegistry()
	registry.Register(okStage("compute", false))

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}, {ID: 2}})

	target := int64(2)
	results, err := o.RunDailySequence(context.Background(), &target, true, testDate)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].PortfolioID)
}

func TestRunDailySequence_CoalescesConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once

	registry := NewRegistry()
	registry.Register(&Stage{
		Name: "slow",
		Run: func(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
			startedOnce.Do(func() { close(started) })
			<-release
			return nil, nil
		},
	})

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}})

	var firstErr error
	done := make(chan struct{})
	go func() {
		_, firstErr = o.RunDailySequence(context.Background(), nil, true, testDate)
		close(done)
	}()

	<-started
	_, err := o.RunDailySequence(context.Background(), nil, true, testDate)
	assert.ErrorIs(t, err, ErrRunInFlight)

	close(release)
	<-done
	require.NoError(t, firstErr)

	// Once the first run finishes the slot frees up again.
	_, err = o.RunDailySequence(context.Background(), nil, true, testDate)
	assert.NoError(t, err)
}

func TestRunDailySequence_ScopedRunCoalescesWithGlobal(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once

	registry := NewRegistry()
	registry.Register(&Stage{
		Name: "slow",
		Run: func(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
			startedOnce.Do(func() { close(started) })
			<-release
			return nil, nil
		},
	})

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}, {ID: 2}})

	done := make(chan struct{})
	go func() {
		_, _ = o.RunDailySequence(context.Background(), nil, true, testDate)
		close(done)
	}()
	<-started

	// The all-portfolio run already covers portfolio 1; a scoped trigger now
	// would execute the same (stage, portfolio, date) job a second time.
	target := int64(1)
	_, err := o.RunDailySequence(context.Background(), &target, true, testDate)
	assert.ErrorIs(t, err, ErrRunInFlight)

	close(release)
	<-done

	_, err = o.RunDailySequence(context.Background(), &target, true, testDate)
	assert.NoError(t, err)
}

func TestRunDailySequence_GlobalRunCoalescesWithScoped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once

	registry := NewRegistry()
	registry.Register(&Stage{
		Name: "slow",
		Run: func(ctx context.Context, portfolioID int64, date time.Time) ([]string, error) {
			if portfolioID == 1 {
				startedOnce.Do(func() { close(started) })
				<-release
			}
			return nil, nil
		},
	})

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}, {ID: 2}})

	target := int64(1)
	done := make(chan struct{})
	go func() {
		_, _ = o.RunDailySequence(context.Background(), &target, true, testDate)
		close(done)
	}()
	<-started

	_, err := o.RunDailySequence(context.Background(), nil, true, testDate)
	assert.ErrorIs(t, err, ErrRunInFlight)

	// A different portfolio shares no jobs with the in-flight run.
	other := int64(2)
	results, err := o.RunDailySequence(context.Background(), &other, true, testDate)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].PortfolioID)

	close(release)
	<-done
}

func TestRunDailySequence_CancelledContext(t *testing.T) {
	registry := NewRegistry()
	registry.Register(okStage("compute", false))

	o, _ := testOrchestrator(registry, []domain.Portfolio{{ID: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := o.RunDailySequence(ctx, nil, true, testDate)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusCancelled, results[0].Status)
}

func TestRegistry_ValidateOrdering(t *testing.T) {
	registry := NewRegistry()
	registry.Register(okStage("second", false, "first"))
	registry.Register(okStage("first", false))
	assert.Error(t, registry.Validate(), "dependency registered later must fail")

	registry = NewRegistry()
	registry.Register(okStage("first", false))
	registry.Register(okStage("second", false, "first"))
	assert.NoError(t, registry.Validate())

	registry = NewRegistry()
	registry.Register(okStage("per_portfolio", false))
	registry.Register(okStage("global_late", true))
	assert.Error(t, registry.Validate(), "global stage after per-portfolio must fail")

	registry = NewRegistry()
	registry.Register(okStage("orphan", false, "missing"))
	assert.Error(t, registry.Validate())
}

func TestCompletionTracker(t *testing.T) {
	tracker := NewCompletionTracker()

	assert.False(t, tracker.IsSatisfied("sync", 1, testDate))

	tracker.MarkCompleted("sync", 1, testDate)
	assert.True(t, tracker.IsSatisfied("sync", 1, testDate))
	assert.False(t, tracker.IsSatisfied("sync", 2, testDate), "scoped per portfolio")
	assert.False(t, tracker.IsSatisfied("sync", 1, testDate.AddDate(0, 0, 1)), "scoped per date")

	tracker.MarkSkipped("corr", 1, testDate)
	assert.True(t, tracker.IsSatisfied("corr", 1, testDate), "skip satisfies dependents")

	tracker.Clear("sync", 1, testDate)
	assert.False(t, tracker.IsSatisfied("sync", 1, testDate))
}
