package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

const dateLayout = "2006-01-02"

// PriceRepository handles price bar database operations against history.db.
type PriceRepository struct {
	historyDB *sql.DB
	log       zerolog.Logger
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(historyDB *sql.DB, log zerolog.Logger) *PriceRepository {
	return &PriceRepository{
		historyDB: historyDB,
		log:       log.With().Str("repo", "prices").Logger(),
	}
}

// UpsertBars writes daily bars, replacing any existing row for the same
// (symbol, date). Re-syncing a day is idempotent.
func (r *PriceRepository) UpsertBars(bars []domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := r.historyDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin bar upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO price_bars (symbol, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`)
	if err != nil {
		return fmt.Errorf("failed to prepare bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		if _, err := stmt.Exec(bar.Symbol, bar.Date.Format(dateLayout),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume); err != nil {
			return fmt.Errorf("failed to upsert bar %s/%s: %w", bar.Symbol, bar.Date.Format(dateLayout), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bar upsert: %w", err)
	}

	return nil
}

// ClosePoint is one (date, close) observation in a price series.
type ClosePoint struct {
	Date  time.Time
	Close float64
}

// CloseSeries returns the close series for a symbol in [from, to],
// ordered by date ascending.
func (r *PriceRepository) CloseSeries(symbol string, from, to time.Time) ([]ClosePoint, error) {
	rows, err := r.historyDB.Query(
		`SELECT date, close FROM price_bars
		 WHERE symbol = ? AND date >= ? AND date <= ?
		 ORDER BY date ASC`,
		symbol, from.Format(dateLayout), to.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query close series for %s: %w", symbol, err)
	}
	defer rows.Close()

	var series []ClosePoint
	for rows.Next() {
		var dateStr string
		var point ClosePoint
		if err := rows.Scan(&dateStr, &point.Close); err != nil {
			return nil, fmt.Errorf("failed to scan close point: %w", err)
		}
		date, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bar date %q: %w", dateStr, err)
		}
		point.Date = date
		series = append(series, point)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating close series: %w", err)
	}

	return series, nil
}

// LastBarDate returns the most recent bar date for a symbol, or zero time if
// no bars exist.
func (r *PriceRepository) LastBarDate(symbol string) (time.Time, error) {
	var dateStr sql.NullString
	err := r.historyDB.QueryRow(
		`SELECT MAX(date) FROM price_bars WHERE symbol = ?`, symbol).Scan(&dateStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last bar date for %s: %w", symbol, err)
	}
	if !dateStr.Valid || dateStr.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, dateStr.String)
}
