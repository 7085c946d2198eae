package stress

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
)

const dateLayout = "2006-01-02"

// Repository persists the scenario library and stress results. P&L values
// are rounded to the money scale at this boundary; the correlation effect is
// recomputed from the rounded legs so the stored identity holds exactly.
type Repository struct {
	analyticsDB *sql.DB
	log         zerolog.Logger
}

// NewRepository creates a new stress repository
func NewRepository(analyticsDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		analyticsDB: analyticsDB,
		log:         log.With().Str("repo", "stress").Logger(),
	}
}

// SeedScenarios inserts scenarios that do not exist yet, keyed by name.
// Existing rows are left untouched so operator edits survive restarts.
func (r *Repository) SeedScenarios(scenarios []Scenario) error {
	return database.WithTransaction(r.analyticsDB, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO stress_scenarios (name, category, severity, shocks_json, active)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare scenario seed: %w", err)
		}
		defer stmt.Close()

		for _, scenario := range scenarios {
			shocks, err := json.Marshal(scenario.Shocks)
			if err != nil {
				return fmt.Errorf("failed to marshal shocks for %q: %w", scenario.Name, err)
			}
			active := 0
			if scenario.Active {
				active = 1
			}
			if _, err := stmt.Exec(scenario.Name, scenario.Category, scenario.Severity,
				string(shocks), active); err != nil {
				return fmt.Errorf("failed to seed scenario %q: %w", scenario.Name, err)
			}
		}
		return nil
	})
}

// ActiveScenarios returns the active scenario library, optionally filtered
// by category. Ordered by name for stable iteration.
func (r *Repository) ActiveScenarios(category string) ([]Scenario, error) {
	query := `SELECT id, name, category, severity, shocks_json, active
	          FROM stress_scenarios WHERE active = 1`
	args := []interface{}{}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY name`

	rows, err := r.analyticsDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []Scenario
	for rows.Next() {
		scenario, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, scenario)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenarios: %w", err)
	}

	return scenarios, nil
}

// GetScenario loads one scenario by id, active or not.
func (r *Repository) GetScenario(id int64) (*Scenario, error) {
	rows, err := r.analyticsDB.Query(
		`SELECT id, name, category, severity, shocks_json, active
		 FROM stress_scenarios WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenario %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query scenario %d: %w", id, err)
		}
		return nil, fmt.Errorf("scenario %d not found", id)
	}
	scenario, err := scanScenario(rows)
	if err != nil {
		return nil, err
	}
	return &scenario, nil
}

func scanScenario(rows *sql.Rows) (Scenario, error) {
	var scenario Scenario
	var shocksJSON string
	var active int
	if err := rows.Scan(&scenario.ID, &scenario.Name, &scenario.Category,
		&scenario.Severity, &shocksJSON, &active); err != nil {
		return Scenario{}, fmt.Errorf("failed to scan scenario: %w", err)
	}
	if err := json.Unmarshal([]byte(shocksJSON), &scenario.Shocks); err != nil {
		return Scenario{}, fmt.Errorf("bad shocks json for scenario %q: %w", scenario.Name, err)
	}
	scenario.Active = active == 1
	return scenario, nil
}

// SaveResult upserts one scenario result for (scenario, portfolio, date).
func (r *Repository) SaveResult(portfolioID int64, date time.Time, result *ScenarioResult) error {
	impacts, err := json.Marshal(result.FactorImpacts)
	if err != nil {
		return fmt.Errorf("failed to marshal factor impacts: %w", err)
	}

	direct := domain.RoundMoney(result.DirectPnL)
	correlated := domain.RoundMoney(result.CorrelatedPnL)

	_, err = r.analyticsDB.Exec(
		`INSERT INTO stress_results
			(scenario_id, portfolio_id, calculation_date, direct_pnl,
			 correlated_pnl, correlation_effect, factor_impacts_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scenario_id, portfolio_id, calculation_date) DO UPDATE SET
			direct_pnl = excluded.direct_pnl,
			correlated_pnl = excluded.correlated_pnl,
			correlation_effect = excluded.correlation_effect,
			factor_impacts_json = excluded.factor_impacts_json`,
		result.ScenarioID, portfolioID, date.Format(dateLayout),
		direct, correlated, domain.RoundMoney(correlated-direct), string(impacts))
	if err != nil {
		return fmt.Errorf("failed to upsert stress result: %w", err)
	}

	return nil
}

// HasResultFor reports whether any stress results exist for the exact date.
func (r *Repository) HasResultFor(portfolioID int64, date time.Time) (bool, error) {
	var count int
	err := r.analyticsDB.QueryRow(
		`SELECT COUNT(*) FROM stress_results
		 WHERE portfolio_id = ? AND calculation_date = ?`,
		portfolioID, date.Format(dateLayout)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count stress results: %w", err)
	}
	return count > 0, nil
}
