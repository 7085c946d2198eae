// Package batch runs the daily analytics pipeline: a registry of dependency
// ordered stages executed per portfolio with retries, per-stage timeouts and
// failure isolation between portfolios.
package batch

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of one batch job.
type Status string

const (
	StatusQueued                Status = "queued"
	StatusRunning               Status = "running"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
	StatusSkipped               Status = "skipped"
)

// Succeeded reports whether a status satisfies downstream dependencies.
// A skipped stage counts: the pipeline explicitly decided not to run it.
func (s Status) Succeeded() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusSkipped:
		return true
	}
	return false
}

// ErrRunInFlight is returned when a daily run is requested while one is
// already executing for the same scope. The request coalesces into the
// running one instead of starting a duplicate.
var ErrRunInFlight = errors.New("batch run already in flight")

// GlobalPortfolioID marks jobs that run once per date rather than per
// portfolio (e.g. the market data sync).
const GlobalPortfolioID int64 = 0

// Stage is one step of the daily pipeline.
type Stage struct {
	// Name is the stable job name persisted in batch_jobs.
	Name string

	// Global stages run once per date before any per-portfolio stage.
	Global bool

	// DependsOn lists stage names that must have succeeded (or been
	// skipped) first. Per-portfolio dependencies are scoped to the same
	// portfolio; global dependencies to the global scope.
	DependsOn []string

	// HasResult reports whether the stage's artifact already exists for
	// (portfolio, date). Optional; when it returns true the stage is
	// skipped so re-running a day never recomputes finished work.
	HasResult func(portfolioID int64, date time.Time) (bool, error)

	// Run executes the stage. Returned warnings degrade the job status to
	// completed_with_warnings.
	Run func(ctx context.Context, portfolioID int64, date time.Time) ([]string, error)
}

// StageResult is the outcome of one stage execution for one scope.
type StageResult struct {
	JobID       string
	JobName     string
	PortfolioID int64 // GlobalPortfolioID for global stages
	Status      Status
	Error       string
	Warnings    []string
	Attempts    int
	Duration    time.Duration
}
