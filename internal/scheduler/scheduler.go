// Package scheduler triggers the nightly batch run on a cron schedule.
// Manual triggers go through the same path, so the orchestrator's one
// in-flight slot per scope applies to both.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/batch"
)

// BatchRunner executes the daily pipeline. Satisfied by batch.Orchestrator.
type BatchRunner interface {
	RunDailySequence(ctx context.Context, portfolioID *int64, runCorrelations bool, date time.Time) ([]batch.StageResult, error)
}

// RunChecker reads back persisted job state so a restart can tell whether a
// scheduled run already happened. Satisfied by batch.JobRepository.
type RunChecker interface {
	GetJob(jobName string, portfolioID int64, date time.Time) (*batch.Job, error)
}

// Scheduler owns the process's single cron instance. It is constructed and
// started by the entry point; there are no package-level globals.
type Scheduler struct {
	runner   BatchRunner
	jobs     RunChecker
	cronSpec string
	grace    time.Duration
	log      zerolog.Logger

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

// New creates a scheduler that fires the daily run per the cron spec. On
// startup it also checks whether a scheduled fire inside the grace window was
// missed while the process was down, and catches up if so. A zero grace or
// nil checker disables the catch-up.
func New(runner BatchRunner, jobs RunChecker, cronSpec string, grace time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		jobs:     jobs,
		cronSpec: cronSpec,
		grace:    grace,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the nightly job, starts the cron loop and kicks off the
// missed-run check in the background.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	c := cron.New()
	if _, err := c.AddFunc(s.cronSpec, func() {
		s.TriggerDaily(nil, true)
	}); err != nil {
		s.cancel()
		return fmt.Errorf("invalid cron spec %q: %w", s.cronSpec, err)
	}
	c.Start()

	s.cron = c
	s.started = true
	s.log.Info().Str("cron", s.cronSpec).Msg("Scheduler started")

	go s.catchUpMissedRun(time.Now().UTC())

	return nil
}

// TriggerDaily runs the daily sequence for today's date. A trigger that
// arrives while the same scope is already running coalesces into the running
// instance instead of starting a second one.
func (s *Scheduler) TriggerDaily(portfolioID *int64, runCorrelations bool) {
	s.runFor(time.Now().UTC().Truncate(24*time.Hour), portfolioID, runCorrelations)
}

// catchUpMissedRun fires the daily run for the most recent scheduled time
// inside the grace window when no successful run is recorded for that date,
// typically because the process was down across the fire time. Multiple
// missed fires coalesce into one catch-up for the latest. Reports whether a
// run was triggered.
func (s *Scheduler) catchUpMissedRun(now time.Time) bool {
	if s.grace <= 0 || s.jobs == nil {
		return false
	}

	schedule, err := cron.ParseStandard(s.cronSpec)
	if err != nil {
		// Start already rejected invalid specs.
		return false
	}

	var missed time.Time
	for t := schedule.Next(now.Add(-s.grace)); !t.After(now); t = schedule.Next(t) {
		missed = t
	}
	if missed.IsZero() {
		return false
	}

	date := missed.UTC().Truncate(24 * time.Hour)
	job, err := s.jobs.GetJob(batch.StageMarketSync, batch.GlobalPortfolioID, date)
	if err != nil {
		s.log.Warn().Err(err).Msg("Missed-run check failed")
		return false
	}
	if job != nil && job.Status.Succeeded() {
		return false
	}

	s.log.Info().
		Str("scheduled", missed.Format(time.RFC3339)).
		Str("date", date.Format("2006-01-02")).
		Msg("Catching up missed nightly run")
	s.runFor(date, nil, true)
	return true
}

// runFor executes the daily sequence for a specific date.
func (s *Scheduler) runFor(date time.Time, portfolioID *int64, runCorrelations bool) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	results, err := s.runner.RunDailySequence(ctx, portfolioID, runCorrelations, date)
	if errors.Is(err, batch.ErrRunInFlight) {
		s.log.Info().Msg("Daily run already in flight, trigger coalesced")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Daily run failed to start")
		return
	}

	completed, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case batch.StatusFailed:
			failed++
		case batch.StatusCompleted, batch.StatusCompletedWithWarnings:
			completed++
		}
	}
	s.log.Info().
		Str("date", date.Format("2006-01-02")).
		Int("completed", completed).
		Int("failed", failed).
		Int("stages", len(results)).
		Msg("Daily run finished")
}

// Stop halts the cron loop, cancels any in-flight run and waits for
// scheduled jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	c := s.cron
	cancel := s.cancel
	s.started = false
	s.cron = nil
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}
