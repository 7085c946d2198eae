// Package portfolio provides access to portfolios, positions and persisted
// exposure snapshots in analytics.db.
package portfolio

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

const dateLayout = "2006-01-02"

// Repository handles portfolio and position database operations.
type Repository struct {
	analyticsDB *sql.DB
	log         zerolog.Logger
}

// NewRepository creates a new portfolio repository
func NewRepository(analyticsDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		analyticsDB: analyticsDB,
		log:         log.With().Str("repo", "portfolio").Logger(),
	}
}

// GetActivePortfolios returns all active portfolios ordered by id.
func (r *Repository) GetActivePortfolios() ([]domain.Portfolio, error) {
	rows, err := r.analyticsDB.Query(
		`SELECT id, name, active FROM portfolios WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}
	defer rows.Close()

	var portfolios []domain.Portfolio
	for rows.Next() {
		var p domain.Portfolio
		if err := rows.Scan(&p.ID, &p.Name, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		portfolios = append(portfolios, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolios: %w", err)
	}

	return portfolios, nil
}

// GetPortfolio returns a single portfolio by id.
func (r *Repository) GetPortfolio(id int64) (*domain.Portfolio, error) {
	var p domain.Portfolio
	err := r.analyticsDB.QueryRow(
		`SELECT id, name, active FROM portfolios WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("portfolio %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio %d: %w", id, err)
	}
	return &p, nil
}

// GetOpenPositions returns all non-deleted positions for a portfolio.
func (r *Repository) GetOpenPositions(portfolioID int64) ([]domain.Position, error) {
	rows, err := r.analyticsDB.Query(
		`SELECT id, portfolio_id, symbol, quantity, entry_price, entry_date,
			security_type, strike, expiry, underlying_symbol,
			exposure, market_value, delta, gamma, theta, vega, rho, tags
		 FROM positions
		 WHERE portfolio_id = ? AND deleted_at IS NULL
		 ORDER BY id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

func scanPosition(rows *sql.Rows) (domain.Position, error) {
	var pos domain.Position
	var entryDate string
	var strike sql.NullFloat64
	var expiry sql.NullString
	var delta, gamma, theta, vega, rho sql.NullFloat64
	var tags string

	err := rows.Scan(&pos.ID, &pos.PortfolioID, &pos.Symbol, &pos.Quantity,
		&pos.EntryPrice, &entryDate, &pos.SecurityType, &strike, &expiry,
		&pos.UnderlyingSymbol, &pos.Exposure, &pos.MarketValue,
		&delta, &gamma, &theta, &vega, &rho, &tags)
	if err != nil {
		return pos, err
	}

	if pos.EntryDate, err = time.Parse(dateLayout, entryDate); err != nil {
		return pos, fmt.Errorf("bad entry_date %q: %w", entryDate, err)
	}
	if strike.Valid {
		pos.Strike = &strike.Float64
	}
	if expiry.Valid && expiry.String != "" {
		t, err := time.Parse(dateLayout, expiry.String)
		if err != nil {
			return pos, fmt.Errorf("bad expiry %q: %w", expiry.String, err)
		}
		pos.Expiry = &t
	}

	// Greeks are present only when every component was stored. A position
	// without greeks must be excluded from greek rollups, not zero-filled.
	if delta.Valid && gamma.Valid && theta.Valid && vega.Valid && rho.Valid {
		pos.Greeks = &domain.Greeks{
			Delta: delta.Float64,
			Gamma: gamma.Float64,
			Theta: theta.Float64,
			Vega:  vega.Float64,
			Rho:   rho.Float64,
		}
	}

	if tags != "" {
		pos.Tags = strings.Split(tags, ",")
	}

	return pos, nil
}

// ActiveSymbols returns the distinct symbols needed for price history:
// open position symbols, option underlyings and active factor proxies.
func (r *Repository) ActiveSymbols() ([]string, error) {
	rows, err := r.analyticsDB.Query(`
		SELECT DISTINCT symbol FROM (
			SELECT symbol FROM positions WHERE deleted_at IS NULL AND security_type = 'stock'
			UNION
			SELECT underlying_symbol AS symbol FROM positions
				WHERE deleted_at IS NULL AND security_type = 'option' AND underlying_symbol != ''
			UNION
			SELECT symbol FROM factor_proxies WHERE active = 1
		) WHERE symbol != ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}

	sort.Strings(symbols)
	return symbols, nil
}

// GetFactorProxies returns the active factor proxy catalog.
func (r *Repository) GetFactorProxies() ([]domain.FactorProxy, error) {
	rows, err := r.analyticsDB.Query(
		`SELECT factor, symbol, active FROM factor_proxies WHERE active = 1 ORDER BY factor`)
	if err != nil {
		return nil, fmt.Errorf("failed to query factor proxies: %w", err)
	}
	defer rows.Close()

	var proxies []domain.FactorProxy
	for rows.Next() {
		var proxy domain.FactorProxy
		if err := rows.Scan(&proxy.Factor, &proxy.Symbol, &proxy.Active); err != nil {
			return nil, fmt.Errorf("failed to scan factor proxy: %w", err)
		}
		proxies = append(proxies, proxy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating factor proxies: %w", err)
	}

	return proxies, nil
}

// SaveExposureSnapshot upserts the derived exposure snapshot for
// (portfolio, date). Monetary values are rounded at this boundary.
func (r *Repository) SaveExposureSnapshot(portfolioID int64, date time.Time, summary *domain.ExposureSummary) error {
	_, err := r.analyticsDB.Exec(
		`INSERT INTO exposure_snapshots
			(portfolio_id, calculation_date, gross, net, long, short, options, stock, notional)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(portfolio_id, calculation_date) DO UPDATE SET
			gross = excluded.gross, net = excluded.net, long = excluded.long,
			short = excluded.short, options = excluded.options,
			stock = excluded.stock, notional = excluded.notional`,
		portfolioID, date.Format(dateLayout),
		domain.RoundMoney(summary.Gross), domain.RoundMoney(summary.Net),
		domain.RoundMoney(summary.Long), domain.RoundMoney(summary.Short),
		domain.RoundMoney(summary.Options), domain.RoundMoney(summary.Stock),
		domain.RoundMoney(summary.Notional))
	if err != nil {
		return fmt.Errorf("failed to upsert exposure snapshot: %w", err)
	}
	return nil
}

// GetExposureSnapshot returns the most recent snapshot with
// calculation_date <= asOf, or nil if none exists.
func (r *Repository) GetExposureSnapshot(portfolioID int64, asOf time.Time) (*domain.ExposureSummary, time.Time, error) {
	var summary domain.ExposureSummary
	var dateStr string
	err := r.analyticsDB.QueryRow(
		`SELECT calculation_date, gross, net, long, short, options, stock, notional
		 FROM exposure_snapshots
		 WHERE portfolio_id = ? AND calculation_date <= ?
		 ORDER BY calculation_date DESC LIMIT 1`,
		portfolioID, asOf.Format(dateLayout)).
		Scan(&dateStr, &summary.Gross, &summary.Net, &summary.Long, &summary.Short,
			&summary.Options, &summary.Stock, &summary.Notional)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query exposure snapshot: %w", err)
	}

	date, err := time.Parse(dateLayout, dateStr)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("bad snapshot date %q: %w", dateStr, err)
	}

	return &summary, date, nil
}

// HasSnapshotFor reports whether a snapshot exists for the exact date.
// Used by the orchestrator's idempotency check.
func (r *Repository) HasSnapshotFor(portfolioID int64, date time.Time) (bool, error) {
	var count int
	err := r.analyticsDB.QueryRow(
		`SELECT COUNT(*) FROM exposure_snapshots
		 WHERE portfolio_id = ? AND calculation_date = ?`,
		portfolioID, date.Format(dateLayout)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count exposure snapshots: %w", err)
	}
	return count > 0, nil
}

// SeedFactorProxies inserts the default factor proxy catalog if missing.
func (r *Repository) SeedFactorProxies(proxies []domain.FactorProxy) error {
	for _, proxy := range proxies {
		_, err := r.analyticsDB.Exec(
			`INSERT INTO factor_proxies (factor, symbol, active) VALUES (?, ?, ?)
			 ON CONFLICT(factor) DO NOTHING`,
			proxy.Factor, proxy.Symbol, proxy.Active)
		if err != nil {
			return fmt.Errorf("failed to seed factor proxy %s: %w", proxy.Factor, err)
		}
	}
	return nil
}

// DefaultFactorProxies is the built-in factor -> proxy ETF catalog.
func DefaultFactorProxies() []domain.FactorProxy {
	return []domain.FactorProxy{
		{Factor: "market", Symbol: "SPY", Active: true},
		{Factor: "rates", Symbol: "TLT", Active: true},
		{Factor: "credit", Symbol: "LQD", Active: true},
		{Factor: "commodities", Symbol: "DBC", Active: true},
		{Factor: "dollar", Symbol: "UUP", Active: true},
	}
}
