package database

// schemas maps database names to their embedded DDL. All statements are
// idempotent so Migrate can run on every startup.
var schemas = map[string]string{
	"analytics": analyticsSchema,
	"history":   historySchema,
}

const analyticsSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    portfolio_id INTEGER NOT NULL REFERENCES portfolios(id),
    symbol TEXT NOT NULL,
    quantity REAL NOT NULL,
    entry_price REAL NOT NULL,
    entry_date TEXT NOT NULL,
    security_type TEXT NOT NULL DEFAULT 'stock',
    strike REAL,
    expiry TEXT,
    underlying_symbol TEXT NOT NULL DEFAULT '',
    exposure REAL NOT NULL DEFAULT 0,
    market_value REAL NOT NULL DEFAULT 0 CHECK (market_value >= 0),
    delta REAL,
    gamma REAL,
    theta REAL,
    vega REAL,
    rho REAL,
    tags TEXT NOT NULL DEFAULT '',
    deleted_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_positions_portfolio ON positions(portfolio_id, deleted_at);

CREATE TABLE IF NOT EXISTS factor_proxies (
    factor TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS position_factor_exposures (
    position_id INTEGER NOT NULL REFERENCES positions(id),
    factor TEXT NOT NULL,
    calculation_date TEXT NOT NULL,
    beta REAL NOT NULL,
    quality_flag TEXT NOT NULL,
    PRIMARY KEY (position_id, factor, calculation_date)
);

CREATE TABLE IF NOT EXISTS portfolio_factor_exposures (
    portfolio_id INTEGER NOT NULL REFERENCES portfolios(id),
    factor TEXT NOT NULL,
    calculation_date TEXT NOT NULL,
    dollar_exposure REAL NOT NULL,
    quality_flag TEXT NOT NULL,
    PRIMARY KEY (portfolio_id, factor, calculation_date)
);

CREATE TABLE IF NOT EXISTS exposure_snapshots (
    portfolio_id INTEGER NOT NULL REFERENCES portfolios(id),
    calculation_date TEXT NOT NULL,
    gross REAL NOT NULL,
    net REAL NOT NULL,
    long REAL NOT NULL,
    short REAL NOT NULL,
    options REAL NOT NULL,
    stock REAL NOT NULL,
    notional REAL NOT NULL,
    PRIMARY KEY (portfolio_id, calculation_date)
);

CREATE TABLE IF NOT EXISTS correlation_calculations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    portfolio_id INTEGER NOT NULL REFERENCES portfolios(id),
    calculation_date TEXT NOT NULL,
    duration_days INTEGER NOT NULL,
    filter_mode TEXT NOT NULL,
    min_position_value REAL NOT NULL,
    min_portfolio_weight REAL NOT NULL,
    overall_correlation REAL NOT NULL,
    concentration_score REAL NOT NULL,
    effective_positions REAL NOT NULL,
    positions_included INTEGER NOT NULL,
    positions_excluded INTEGER NOT NULL,
    data_quality TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (portfolio_id, calculation_date)
);

CREATE TABLE IF NOT EXISTS pairwise_correlations (
    calculation_id INTEGER NOT NULL REFERENCES correlation_calculations(id) ON DELETE CASCADE,
    symbol_a TEXT NOT NULL,
    symbol_b TEXT NOT NULL,
    correlation REAL NOT NULL,
    PRIMARY KEY (calculation_id, symbol_a, symbol_b)
);

CREATE TABLE IF NOT EXISTS correlation_clusters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    calculation_id INTEGER NOT NULL REFERENCES correlation_calculations(id) ON DELETE CASCADE,
    avg_correlation REAL NOT NULL,
    total_value REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS correlation_cluster_positions (
    cluster_id INTEGER NOT NULL REFERENCES correlation_clusters(id) ON DELETE CASCADE,
    symbol TEXT NOT NULL,
    value REAL NOT NULL,
    PRIMARY KEY (cluster_id, symbol)
);

CREATE TABLE IF NOT EXISTS stress_scenarios (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    category TEXT NOT NULL,
    severity TEXT NOT NULL,
    shocks_json TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS stress_results (
    scenario_id INTEGER NOT NULL REFERENCES stress_scenarios(id),
    portfolio_id INTEGER NOT NULL REFERENCES portfolios(id),
    calculation_date TEXT NOT NULL,
    direct_pnl REAL NOT NULL,
    correlated_pnl REAL NOT NULL,
    correlation_effect REAL NOT NULL,
    factor_impacts_json TEXT NOT NULL,
    PRIMARY KEY (scenario_id, portfolio_id, calculation_date)
);

CREATE TABLE IF NOT EXISTS batch_jobs (
    id TEXT PRIMARY KEY,
    job_name TEXT NOT NULL,
    portfolio_id INTEGER,
    calculation_date TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    result_json TEXT,
    error_text TEXT,
    UNIQUE (job_name, portfolio_id, calculation_date)
);
`

const historySchema = `
CREATE TABLE IF NOT EXISTS price_bars (
    symbol TEXT NOT NULL,
    date TEXT NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (symbol, date)
);
CREATE INDEX IF NOT EXISTS idx_price_bars_date ON price_bars(date);
`
