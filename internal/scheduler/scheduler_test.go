package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/batch"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int

	lastPortfolio    *int64
	lastCorrelations bool
	lastDate         time.Time
	err              error
}

func (f *fakeRunner) RunDailySequence(ctx context.Context, portfolioID *int64, runCorrelations bool, date time.Time) ([]batch.StageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPortfolio = portfolioID
	f.lastCorrelations = runCorrelations
	f.lastDate = date
	return []batch.StageResult{{JobName: "sync", Status: batch.StatusCompleted}}, f.err
}

type fakeRunChecker struct {
	job   *batch.Job
	err   error
	calls int
}

func (f *fakeRunChecker) GetJob(jobName string, portfolioID int64, date time.Time) (*batch.Job, error) {
	f.calls++
	return f.job, f.err
}

func TestTriggerDaily_ForwardsScope(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, nil, "30 2 * * *", 0, zerolog.Nop())

	target := int64(7)
	s.TriggerDaily(&target, false)

	require.Equal(t, 1, runner.calls)
	require.NotNil(t, runner.lastPortfolio)
	assert.Equal(t, int64(7), *runner.lastPortfolio)
	assert.False(t, runner.lastCorrelations)
	assert.Equal(t, time.UTC, runner.lastDate.Location())
	assert.Equal(t, runner.lastDate, runner.lastDate.Truncate(24*time.Hour))
}

func TestTriggerDaily_CoalescedRunIsNotAnError(t *testing.T) {
	runner := &fakeRunner{err: batch.ErrRunInFlight}
	s := New(runner, nil, "30 2 * * *", 0, zerolog.Nop())

	// Must not panic or retry; the trigger simply coalesces.
	s.TriggerDaily(nil, true)
	assert.Equal(t, 1, runner.calls)
}

func TestCatchUp_FiresWhenScheduledRunMissed(t *testing.T) {
	runner := &fakeRunner{}
	jobs := &fakeRunChecker{} // no job row: the fire never happened
	s := New(runner, jobs, "30 2 * * *", 6*time.Hour, zerolog.Nop())

	// Process comes up at 05:00, 2.5h after the 02:30 fire it slept through.
	now := time.Date(2026, 8, 21, 5, 0, 0, 0, time.UTC)
	assert.True(t, s.catchUpMissedRun(now))

	require.Equal(t, 1, runner.calls)
	assert.Equal(t, time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC), runner.lastDate,
		"catch-up runs for the missed fire's date")
	assert.Nil(t, runner.lastPortfolio)
	assert.True(t, runner.lastCorrelations)
}

func TestCatchUp_SkipsWhenRunAlreadyRecorded(t *testing.T) {
	runner := &fakeRunner{}
	jobs := &fakeRunChecker{job: &batch.Job{Status: batch.StatusCompleted}}
	s := New(runner, jobs, "30 2 * * *", 6*time.Hour, zerolog.Nop())

	now := time.Date(2026, 8, 21, 5, 0, 0, 0, time.UTC)
	assert.False(t, s.catchUpMissedRun(now))
	assert.Equal(t, 0, runner.calls)
}

func TestCatchUp_ReRunsAfterFailedRun(t *testing.T) {
	runner := &fakeRunner{}
	jobs := &fakeRunChecker{job: &batch.Job{Status: batch.StatusFailed}}
	s := New(runner, jobs, "30 2 * * *", 6*time.Hour, zerolog.Nop())

	now := time.Date(2026, 8, 21, 5, 0, 0, 0, time.UTC)
	assert.True(t, s.catchUpMissedRun(now))
	assert.Equal(t, 1, runner.calls)
}

func TestCatchUp_NoFireInsideGraceWindow(t *testing.T) {
	runner := &fakeRunner{}
	jobs := &fakeRunChecker{}
	s := New(runner, jobs, "30 2 * * *", 2*time.Hour, zerolog.Nop())

	// 23:00: the 02:30 fire is far outside the 2h grace window.
	now := time.Date(2026, 8, 21, 23, 0, 0, 0, time.UTC)
	assert.False(t, s.catchUpMissedRun(now))
	assert.Equal(t, 0, runner.calls)
	assert.Equal(t, 0, jobs.calls)
}

func TestCatchUp_DisabledWithoutGrace(t *testing.T) {
	runner := &fakeRunner{}
	jobs := &fakeRunChecker{}
	s := New(runner, jobs, "30 2 * * *", 0, zerolog.Nop())

	now := time.Date(2026, 8, 21, 5, 0, 0, 0, time.UTC)
	assert.False(t, s.catchUpMissedRun(now))
	assert.Equal(t, 0, runner.calls)
}

func TestStart_InvalidCronSpec(t *testing.T) {
	s := New(&fakeRunner{}, nil, "not a cron spec", 0, zerolog.Nop())
	assert.Error(t, s.Start())
}

func TestStartStop_Lifecycle(t *testing.T) {
	s := New(&fakeRunner{}, nil, "30 2 * * *", 0, zerolog.Nop())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")

	s.Stop()
	s.Stop() // idempotent
}
