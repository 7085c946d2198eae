package batch

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Job is one persisted batch_jobs row.
type Job struct {
	ID          string
	JobName     string
	PortfolioID int64
	Date        time.Time
	Status      Status
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryCount  int
	ResultJSON  string
	ErrorText   string
}

// JobRepository persists batch job records. One row exists per
// (job_name, portfolio, date); re-running a day updates the row in place.
type JobRepository struct {
	analyticsDB *sql.DB
	log         zerolog.Logger
}

// NewJobRepository creates a new batch job repository
func NewJobRepository(analyticsDB *sql.DB, log zerolog.Logger) *JobRepository {
	return &JobRepository{
		analyticsDB: analyticsDB,
		log:         log.With().Str("repo", "batch_jobs").Logger(),
	}
}

// StartJob marks a job as running for (jobName, portfolioID, date),
// creating the row on first run and resetting it on re-runs. Returns the
// job id.
func (r *JobRepository) StartJob(jobName string, portfolioID int64, date time.Time) (string, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	dateStr := date.Format(dateLayout)

	_, err := r.analyticsDB.Exec(
		`INSERT INTO batch_jobs
			(id, job_name, portfolio_id, calculation_date, status, started_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(job_name, portfolio_id, calculation_date) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = NULL,
			retry_count = 0,
			result_json = NULL,
			error_text = NULL`,
		uuid.NewString(), jobName, portfolioID, dateStr, string(StatusRunning), now)
	if err != nil {
		return "", fmt.Errorf("failed to start job %s: %w", jobName, err)
	}

	var id string
	err = r.analyticsDB.QueryRow(
		`SELECT id FROM batch_jobs
		 WHERE job_name = ? AND portfolio_id = ? AND calculation_date = ?`,
		jobName, portfolioID, dateStr).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to read back job id for %s: %w", jobName, err)
	}

	return id, nil
}

// FinishJob records a job's terminal status, retry count and structured
// result or error.
func (r *JobRepository) FinishJob(id string, status Status, retryCount int, warnings []string, errText string) error {
	var resultJSON sql.NullString
	if len(warnings) > 0 {
		data, err := json.Marshal(map[string][]string{"warnings": warnings})
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	var errField sql.NullString
	if errText != "" {
		errField = sql.NullString{String: errText, Valid: true}
	}

	_, err := r.analyticsDB.Exec(
		`UPDATE batch_jobs SET status = ?, completed_at = ?, retry_count = ?,
			result_json = ?, error_text = ?
		 WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), retryCount,
		resultJSON, errField, id)
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", id, err)
	}

	return nil
}

// GetJob loads the job record for (jobName, portfolioID, date), or nil when
// none exists.
func (r *JobRepository) GetJob(jobName string, portfolioID int64, date time.Time) (*Job, error) {
	row := r.analyticsDB.QueryRow(
		`SELECT id, job_name, portfolio_id, calculation_date, status,
			started_at, completed_at, retry_count, result_json, error_text
		 FROM batch_jobs
		 WHERE job_name = ? AND portfolio_id = ? AND calculation_date = ?`,
		jobName, portfolioID, date.Format(dateLayout))

	var job Job
	var dateStr string
	var status string
	var startedAt, completedAt, resultJSON, errText sql.NullString
	err := row.Scan(&job.ID, &job.JobName, &job.PortfolioID, &dateStr, &status,
		&startedAt, &completedAt, &job.RetryCount, &resultJSON, &errText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobName, err)
	}

	job.Status = Status(status)
	job.Date, err = time.Parse(dateLayout, dateStr)
	if err != nil {
		return nil, fmt.Errorf("bad job date %q: %w", dateStr, err)
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			job.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	job.ResultJSON = resultJSON.String
	job.ErrorText = errText.String

	return &job, nil
}

// JobsForDate returns all job records for one calculation date, ordered by
// portfolio then job name.
func (r *JobRepository) JobsForDate(date time.Time) ([]Job, error) {
	rows, err := r.analyticsDB.Query(
		`SELECT id, job_name, portfolio_id, calculation_date, status,
			started_at, completed_at, retry_count, result_json, error_text
		 FROM batch_jobs WHERE calculation_date = ?
		 ORDER BY portfolio_id, job_name`,
		date.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		var dateStr, status string
		var startedAt, completedAt, resultJSON, errText sql.NullString
		if err := rows.Scan(&job.ID, &job.JobName, &job.PortfolioID, &dateStr, &status,
			&startedAt, &completedAt, &job.RetryCount, &resultJSON, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Status = Status(status)
		if t, err := time.Parse(dateLayout, dateStr); err == nil {
			job.Date = t
		}
		if startedAt.Valid {
			if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
				job.StartedAt = &t
			}
		}
		if completedAt.Valid {
			if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
				job.CompletedAt = &t
			}
		}
		job.ResultJSON = resultJSON.String
		job.ErrorText = errText.String
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}
