package correlation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
)

const dateLayout = "2006-01-02"

// Repository persists correlation runs: the calculation row plus its
// pairwise entries, clusters and memberships. Correlations are rounded to
// the correlation scale at this boundary.
type Repository struct {
	analyticsDB *sql.DB
	log         zerolog.Logger
}

// NewRepository creates a new correlation repository
func NewRepository(analyticsDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		analyticsDB: analyticsDB,
		log:         log.With().Str("repo", "correlation").Logger(),
	}
}

// SaveResult replaces the persisted calculation for (portfolio, date).
// Child rows cascade on delete so re-runs never duplicate.
func (r *Repository) SaveResult(portfolioID int64, date time.Time, durationDays int, filters Filters, result *Result) error {
	dateStr := date.Format(dateLayout)

	return database.WithTransaction(r.analyticsDB, func(tx *sql.Tx) error {
		// Drop any previous run for this key; cascades to pairs and clusters.
		if _, err := tx.Exec(
			`DELETE FROM correlation_calculations WHERE portfolio_id = ? AND calculation_date = ?`,
			portfolioID, dateStr); err != nil {
			return fmt.Errorf("failed to clear previous calculation: %w", err)
		}

		res, err := tx.Exec(
			`INSERT INTO correlation_calculations
				(portfolio_id, calculation_date, duration_days, filter_mode,
				 min_position_value, min_portfolio_weight, overall_correlation,
				 concentration_score, effective_positions, positions_included,
				 positions_excluded, data_quality, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			portfolioID, dateStr, durationDays, string(filters.Mode),
			domain.RoundMoney(filters.MinPositionValue), domain.RoundCorrelation(filters.MinPortfolioWeight),
			domain.RoundCorrelation(result.OverallCorrelation),
			domain.RoundCorrelation(result.ConcentrationScore),
			domain.RoundCorrelation(result.EffectivePositions),
			result.PositionsIncluded, result.PositionsExcluded,
			string(result.DataQuality), time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert calculation: %w", err)
		}

		calcID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get calculation id: %w", err)
		}

		pairStmt, err := tx.Prepare(
			`INSERT INTO pairwise_correlations (calculation_id, symbol_a, symbol_b, correlation)
			 VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare pair insert: %w", err)
		}
		defer pairStmt.Close()

		for _, pair := range result.Pairs {
			if _, err := pairStmt.Exec(calcID, pair.SymbolA, pair.SymbolB,
				domain.RoundCorrelation(pair.Correlation)); err != nil {
				return fmt.Errorf("failed to insert pair %s/%s: %w", pair.SymbolA, pair.SymbolB, err)
			}
		}

		for _, cluster := range result.Clusters {
			res, err := tx.Exec(
				`INSERT INTO correlation_clusters (calculation_id, avg_correlation, total_value)
				 VALUES (?, ?, ?)`,
				calcID, domain.RoundCorrelation(cluster.AvgCorrelation),
				domain.RoundMoney(cluster.TotalValue))
			if err != nil {
				return fmt.Errorf("failed to insert cluster: %w", err)
			}
			clusterID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get cluster id: %w", err)
			}
			for i, symbol := range cluster.Symbols {
				if _, err := tx.Exec(
					`INSERT INTO correlation_cluster_positions (cluster_id, symbol, value)
					 VALUES (?, ?, ?)`,
					clusterID, symbol, domain.RoundMoney(cluster.Values[i])); err != nil {
					return fmt.Errorf("failed to insert cluster member %s: %w", symbol, err)
				}
			}
		}

		return nil
	})
}

// HasResultFor reports whether a calculation exists for the exact date.
func (r *Repository) HasResultFor(portfolioID int64, date time.Time) (bool, error) {
	var count int
	err := r.analyticsDB.QueryRow(
		`SELECT COUNT(*) FROM correlation_calculations
		 WHERE portfolio_id = ? AND calculation_date = ?`,
		portfolioID, date.Format(dateLayout)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count calculations: %w", err)
	}
	return count > 0, nil
}

// LatestOverallCorrelation returns the most recent overall correlation with
// calculation_date <= asOf, or false when none exists.
func (r *Repository) LatestOverallCorrelation(portfolioID int64, asOf time.Time) (float64, bool, error) {
	var overall float64
	err := r.analyticsDB.QueryRow(
		`SELECT overall_correlation FROM correlation_calculations
		 WHERE portfolio_id = ? AND calculation_date <= ?
		 ORDER BY calculation_date DESC LIMIT 1`,
		portfolioID, asOf.Format(dateLayout)).Scan(&overall)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query latest calculation: %w", err)
	}
	return overall, true, nil
}
