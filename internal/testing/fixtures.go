package testing

import (
	"database/sql"
	"testing"
	"time"

	"github.com/aristath/vigil/internal/domain"
)

// NewPositionFixtures returns a small mixed stock/option book for tests.
func NewPositionFixtures() []domain.Position {
	return []domain.Position{
		{
			ID:           1,
			PortfolioID:  1,
			Symbol:       "AAPL",
			SecurityType: domain.SecurityTypeStock,
			Quantity:     100,
			Exposure:     17500,
			MarketValue:  17500,
			Tags:         []string{"tech", "core"},
		},
		{
			ID:           2,
			PortfolioID:  1,
			Symbol:       "TSLA",
			SecurityType: domain.SecurityTypeStock,
			Quantity:     -25,
			Exposure:     -6000,
			MarketValue:  6000,
			Tags:         []string{"tech"},
		},
		{
			ID:               3,
			PortfolioID:      1,
			Symbol:           "SPY260918C00500000",
			SecurityType:     domain.SecurityTypeOption,
			UnderlyingSymbol: "SPY",
			Quantity:         2,
			Exposure:         9500,
			MarketValue:      1200,
			Greeks:           &domain.Greeks{Delta: 0.55, Gamma: 0.02, Theta: -4.1, Vega: 12.3, Rho: 1.8},
			Tags:             []string{"hedge"},
		},
	}
}

// SeedPortfolio inserts a portfolio row with the given id and returns it.
func SeedPortfolio(t *testing.T, db *sql.DB, id int64, name string) {
	t.Helper()

	_, err := db.Exec(`INSERT INTO portfolios (id, name, active) VALUES (?, ?, 1)`, id, name)
	if err != nil {
		t.Fatalf("Failed to seed portfolio %s: %v", name, err)
	}
}

// SeedPosition inserts a stock position row for a portfolio.
func SeedPosition(t *testing.T, db *sql.DB, portfolioID int64, symbol string, quantity, exposure, marketValue float64) int64 {
	t.Helper()

	res, err := db.Exec(
		`INSERT INTO positions
			(portfolio_id, symbol, quantity, entry_price, entry_date,
			 security_type, exposure, market_value)
		 VALUES (?, ?, ?, 0, ?, 'stock', ?, ?)`,
		portfolioID, symbol, quantity, time.Now().UTC().Format("2006-01-02"),
		exposure, marketValue)
	if err != nil {
		t.Fatalf("Failed to seed position %s: %v", symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to get position id for %s: %v", symbol, err)
	}
	return id
}

// SeedPriceBars inserts flat-ish daily close bars for a symbol over the last
// n calendar days ending at asOf.
func SeedPriceBars(t *testing.T, db *sql.DB, symbol string, asOf time.Time, n int, startClose float64, dailyReturn float64) {
	t.Helper()

	close := startClose
	for i := n - 1; i >= 0; i-- {
		date := asOf.AddDate(0, 0, -i).Format("2006-01-02")
		_, err := db.Exec(
			`INSERT INTO price_bars (symbol, date, open, high, low, close, volume)
			 VALUES (?, ?, ?, ?, ?, ?, 1000)
			 ON CONFLICT(symbol, date) DO UPDATE SET close = excluded.close`,
			symbol, date, close, close*1.01, close*0.99, close)
		if err != nil {
			t.Fatalf("Failed to seed price bar %s %s: %v", symbol, date, err)
		}
		close *= 1 + dailyReturn
	}
}
