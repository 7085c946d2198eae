package portfolio_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/portfolio"
	vigiltest "github.com/aristath/vigil/internal/testing"
)

func TestRepository_GetActivePortfolios(t *testing.T) {
	db, cleanup := vigiltest.NewTestDB(t, "analytics")
	defer cleanup()

	repo := portfolio.NewRepository(db.Conn(), zerolog.Nop())

	vigiltest.SeedPortfolio(t, db.Conn(), 1, "main")
	vigiltest.SeedPortfolio(t, db.Conn(), 2, "hedges")
	_, err := db.Conn().Exec(`INSERT INTO portfolios (id, name, active) VALUES (3, 'closed', 0)`)
	require.NoError(t, err)

	portfolios, err := repo.GetActivePortfolios()
	require.NoError(t, err)
	require.Len(t, portfolios, 2)
	assert.Equal(t, int64(1), portfolios[0].ID)
	assert.Equal(t, int64(2), portfolios[1].ID)

	p, err := repo.GetPortfolio(2)
	require.NoError(t, err)
	assert.Equal(t, "hedges", p.Name)

	_, err = repo.GetPortfolio(99)
	assert.Error(t, err)
}

func TestRepository_GetOpenPositions(t *testing.T) {
	db, cleanup := vigiltest.NewTestDB(t, "analytics")
	defer cleanup()

	repo := portfolio.NewRepository(db.Conn(), zerolog.Nop())
	vigiltest.SeedPortfolio(t, db.Conn(), 1, "main")

	_, err := db.Conn().Exec(
		`INSERT INTO positions
			(portfolio_id, symbol, quantity, entry_price, entry_date, security_type,
			 exposure, market_value, tags)
		 VALUES (1, 'AAPL', 100, 175, '2026-01-15', 'stock', 17500, 17500, 'tech,core')`)
	require.NoError(t, err)

	// Option with a full greek set.
	_, err = db.Conn().Exec(
		`INSERT INTO positions
			(portfolio_id, symbol, quantity, entry_price, entry_date, security_type,
			 strike, expiry, underlying_symbol, exposure, market_value,
			 delta, gamma, theta, vega, rho)
		 VALUES (1, 'SPY260918C00500000', 2, 6.0, '2026-02-01', 'option',
			 500, '2026-09-18', 'SPY', 9500, 1200, 0.55, 0.02, -4.1, 12.3, 1.8)`)
	require.NoError(t, err)

	// Partial greeks never surface as a zero-filled set.
	_, err = db.Conn().Exec(
		`INSERT INTO positions
			(portfolio_id, symbol, quantity, entry_price, entry_date, security_type,
			 strike, expiry, underlying_symbol, exposure, market_value, delta)
		 VALUES (1, 'QQQ260918P00400000', 1, 3.5, '2026-02-01', 'option',
			 400, '2026-09-18', 'QQQ', -4000, 350, -0.45)`)
	require.NoError(t, err)

	// Soft-deleted positions stay out of the book.
	_, err = db.Conn().Exec(
		`INSERT INTO positions
			(portfolio_id, symbol, quantity, entry_price, entry_date, security_type,
			 exposure, market_value, deleted_at)
		 VALUES (1, 'TSLA', -25, 240, '2026-01-10', 'stock', -6000, 6000, '2026-03-01T00:00:00Z')`)
	require.NoError(t, err)

	positions, err := repo.GetOpenPositions(1)
	require.NoError(t, err)
	require.Len(t, positions, 3)

	aapl := positions[0]
	assert.Equal(t, "AAPL", aapl.Symbol)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), aapl.EntryDate)
	assert.Equal(t, []string{"tech", "core"}, aapl.Tags)
	assert.Nil(t, aapl.Greeks)

	call := positions[1]
	assert.Equal(t, domain.SecurityTypeOption, call.SecurityType)
	assert.Equal(t, "SPY", call.UnderlyingSymbol)
	require.NotNil(t, call.Strike)
	assert.Equal(t, 500.0, *call.Strike)
	require.NotNil(t, call.Expiry)
	assert.Equal(t, time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC), *call.Expiry)
	require.NotNil(t, call.Greeks)
	assert.Equal(t, 0.55, call.Greeks.Delta)

	put := positions[2]
	assert.Nil(t, put.Greeks, "partial greeks are treated as absent")
}

func TestRepository_ActiveSymbols(t *testing.T) {
	db, cleanup := vigiltest.NewTestDB(t, "analytics")
	defer cleanup()

	repo := portfolio.NewRepository(db.Conn(), zerolog.Nop())
	vigiltest.SeedPortfolio(t, db.Conn(), 1, "main")
	require.NoError(t, repo.SeedFactorProxies([]domain.FactorProxy{
		{Factor: "market", Symbol: "SPY", Active: true},
		{Factor: "rates", Symbol: "TLT", Active: true},
	}))

	vigiltest.SeedPosition(t, db.Conn(), 1, "AAPL", 100, 17500, 17500)
	vigiltest.SeedPosition(t, db.Conn(), 1, "SPY", 50, 27000, 27000)
	_, err := db.Conn().Exec(
		`INSERT INTO positions
			(portfolio_id, symbol, quantity, entry_price, entry_date, security_type,
			 underlying_symbol, exposure, market_value)
		 VALUES (1, 'QQQ260918P00400000', 1, 3.5, '2026-02-01', 'option', 'QQQ', -4000, 350)`)
	require.NoError(t, err)

	symbols, err := repo.ActiveSymbols()
	require.NoError(t, err)
	// Position symbols, option underlyings and proxies, distinct and sorted.
	assert.Equal(t, []string{"AAPL", "QQQ", "SPY", "TLT"}, symbols)
}

func TestRepository_ExposureSnapshots(t *testing.T) {
	db, cleanup := vigiltest.NewTestDB(t, "analytics")
	defer cleanup()

	repo := portfolio.NewRepository(db.Conn(), zerolog.Nop())
	vigiltest.SeedPortfolio(t, db.Conn(), 1, "main")

	date := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	summary := &domain.ExposureSummary{
		Gross:    23500.005,
		Net:      11500,
		Long:     17500,
		Short:    -6000,
		Options:  9500,
		Stock:    14000,
		Notional: 33000,
	}
	require.NoError(t, repo.SaveExposureSnapshot(1, date, summary))

	has, err := repo.HasSnapshotFor(1, date)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = repo.HasSnapshotFor(1, date.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.False(t, has)

	loaded, loadedDate, err := repo.GetExposureSnapshot(1, date.AddDate(0, 0, 5))
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, date, loadedDate)
	assert.Equal(t, 23500.01, loaded.Gross, "stored at money scale")
	assert.Equal(t, -6000.0, loaded.Short)

	// Re-saving the date replaces the snapshot in place.
	summary.Net = 12000
	require.NoError(t, repo.SaveExposureSnapshot(1, date, summary))

	loaded, _, err = repo.GetExposureSnapshot(1, date)
	require.NoError(t, err)
	assert.Equal(t, 12000.0, loaded.Net)

	missing, _, err := repo.GetExposureSnapshot(1, date.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepository_SeedFactorProxiesIdempotent(t *testing.T) {
	db, cleanup := vigiltest.NewTestDB(t, "analytics")
	defer cleanup()

	repo := portfolio.NewRepository(db.Conn(), zerolog.Nop())

	require.NoError(t, repo.SeedFactorProxies(portfolio.DefaultFactorProxies()))

	// An operator override survives re-seeding on startup.
	_, err := db.Conn().Exec(`UPDATE factor_proxies SET symbol = 'IEF' WHERE factor = 'rates'`)
	require.NoError(t, err)
	require.NoError(t, repo.SeedFactorProxies(portfolio.DefaultFactorProxies()))

	proxies, err := repo.GetFactorProxies()
	require.NoError(t, err)
	require.Len(t, proxies, len(portfolio.DefaultFactorProxies()))

	bySymbol := make(map[string]string, len(proxies))
	for _, proxy := range proxies {
		bySymbol[proxy.Factor] = proxy.Symbol
	}
	assert.Equal(t, "IEF", bySymbol["rates"])
	assert.Equal(t, "SPY", bySymbol["market"])
}
