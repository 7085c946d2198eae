package batch

import (
	"strconv"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// CompletionTracker records which (stage, portfolio, date) combinations have
// succeeded or been explicitly skipped, so dependency checks and re-triggered
// runs within a process never repeat finished work.
type CompletionTracker struct {
	completions map[string]Status
	mu          sync.RWMutex
}

// NewCompletionTracker creates a new completion tracker.
func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{
		completions: make(map[string]Status),
	}
}

func completionKey(stage string, portfolioID int64, date time.Time) string {
	return stage + "|" + date.Format(dateLayout) + "|" + strconv.FormatInt(portfolioID, 10)
}

// MarkCompleted records a successful stage execution.
func (t *CompletionTracker) MarkCompleted(stage string, portfolioID int64, date time.Time) {
	t.mark(stage, portfolioID, date, StatusCompleted)
}

// MarkSkipped records an explicit skip. Skipped stages satisfy dependents.
func (t *CompletionTracker) MarkSkipped(stage string, portfolioID int64, date time.Time) {
	t.mark(stage, portfolioID, date, StatusSkipped)
}

func (t *CompletionTracker) mark(stage string, portfolioID int64, date time.Time, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completions[completionKey(stage, portfolioID, date)] = status
}

// IsSatisfied reports whether a stage has succeeded or been skipped for the
// given scope and date.
func (t *CompletionTracker) IsSatisfied(stage string, portfolioID int64, date time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status, ok := t.completions[completionKey(stage, portfolioID, date)]
	return ok && status.Succeeded()
}

// Clear removes one completion record. Used to force a recompute.
func (t *CompletionTracker) Clear(stage string, portfolioID int64, date time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.completions, completionKey(stage, portfolioID, date))
}
