package factors

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

const dateLayout = "2006-01-02"

// Repository persists estimated factor exposures. Betas are rounded to the
// greek scale and dollar exposures to the money scale at this boundary.
type Repository struct {
	analyticsDB *sql.DB
	log         zerolog.Logger
}

// NewRepository creates a new factor exposure repository
func NewRepository(analyticsDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		analyticsDB: analyticsDB,
		log:         log.With().Str("repo", "factors").Logger(),
	}
}

// SaveResult upserts position betas and portfolio dollar exposures for
// (portfolio, date). Re-running a date replaces rows instead of duplicating.
func (r *Repository) SaveResult(portfolioID int64, date time.Time, result *Result) error {
	tx, err := r.analyticsDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin factor save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	posStmt, err := tx.Prepare(`INSERT INTO position_factor_exposures
			(position_id, factor, calculation_date, beta, quality_flag)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(position_id, factor, calculation_date) DO UPDATE SET
			beta = excluded.beta, quality_flag = excluded.quality_flag`)
	if err != nil {
		return fmt.Errorf("failed to prepare position beta upsert: %w", err)
	}
	defer posStmt.Close()

	dateStr := date.Format(dateLayout)
	for _, pb := range result.PositionBetas {
		for factor, beta := range pb.Betas {
			if _, err := posStmt.Exec(pb.PositionID, factor, dateStr,
				domain.RoundGreek(beta), string(pb.Quality)); err != nil {
				return fmt.Errorf("failed to upsert beta for position %d factor %s: %w", pb.PositionID, factor, err)
			}
		}
	}

	portStmt, err := tx.Prepare(`INSERT INTO portfolio_factor_exposures
			(portfolio_id, factor, calculation_date, dollar_exposure, quality_flag)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(portfolio_id, factor, calculation_date) DO UPDATE SET
			dollar_exposure = excluded.dollar_exposure, quality_flag = excluded.quality_flag`)
	if err != nil {
		return fmt.Errorf("failed to prepare portfolio exposure upsert: %w", err)
	}
	defer portStmt.Close()

	quality := domain.QualityFullHistory
	if result.DataQuality != domain.DataQualitySufficient {
		quality = domain.QualityLimitedHistory
	}
	for factor, exposure := range result.PortfolioExposures {
		if _, err := portStmt.Exec(portfolioID, factor, dateStr,
			domain.RoundMoney(exposure), string(quality)); err != nil {
			return fmt.Errorf("failed to upsert portfolio exposure for factor %s: %w", factor, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit factor save: %w", err)
	}

	return nil
}

// LatestPortfolioExposures returns the most recent factor dollar exposures
// with calculation_date <= asOf, as a factor -> dollar exposure map.
func (r *Repository) LatestPortfolioExposures(portfolioID int64, asOf time.Time) (map[string]float64, time.Time, error) {
	var dateStr sql.NullString
	err := r.analyticsDB.QueryRow(
		`SELECT MAX(calculation_date) FROM portfolio_factor_exposures
		 WHERE portfolio_id = ? AND calculation_date <= ?`,
		portfolioID, asOf.Format(dateLayout)).Scan(&dateStr)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to find latest exposure date: %w", err)
	}
	if !dateStr.Valid || dateStr.String == "" {
		return nil, time.Time{}, nil
	}

	rows, err := r.analyticsDB.Query(
		`SELECT factor, dollar_exposure FROM portfolio_factor_exposures
		 WHERE portfolio_id = ? AND calculation_date = ?`,
		portfolioID, dateStr.String)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query portfolio exposures: %w", err)
	}
	defer rows.Close()

	exposures := make(map[string]float64)
	for rows.Next() {
		var factor string
		var exposure float64
		if err := rows.Scan(&factor, &exposure); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan portfolio exposure: %w", err)
		}
		exposures[factor] = exposure
	}

	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("error iterating portfolio exposures: %w", err)
	}

	date, err := time.Parse(dateLayout, dateStr.String)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("bad exposure date %q: %w", dateStr.String, err)
	}

	return exposures, date, nil
}

// HasResultFor reports whether portfolio exposures already exist for the
// exact calculation date. Used by the orchestrator's idempotency check.
func (r *Repository) HasResultFor(portfolioID int64, date time.Time) (bool, error) {
	var count int
	err := r.analyticsDB.QueryRow(
		`SELECT COUNT(*) FROM portfolio_factor_exposures
		 WHERE portfolio_id = ? AND calculation_date = ?`,
		portfolioID, date.Format(dateLayout)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count portfolio exposures: %w", err)
	}
	return count > 0, nil
}
