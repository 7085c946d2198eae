// Package domain contains the core data model shared across the risk engines.
// Types here are pure data with no infrastructure dependencies.
package domain

import (
	"errors"
	"time"
)

// Sentinel errors for the engine-wide failure taxonomy. Degradable conditions
// (insufficient history, ill-conditioned regression) are never returned as
// errors; they surface as quality flags on structured results.
var (
	// ErrConfiguration indicates invalid configuration or parameters,
	// detected at validation time before any calculation starts.
	ErrConfiguration = errors.New("configuration error")

	// ErrUpstreamData indicates missing upstream input (prices, exposures)
	// for a specific position. The position is excluded; the portfolio
	// still produces a result.
	ErrUpstreamData = errors.New("upstream data error")

	// ErrJobExecution indicates an unexpected failure inside a batch stage,
	// caught at the job boundary.
	ErrJobExecution = errors.New("job execution error")
)

// SecurityType distinguishes plain stock positions from option positions.
type SecurityType string

const (
	SecurityTypeStock  SecurityType = "stock"
	SecurityTypeOption SecurityType = "option"
)

// Greeks holds option sensitivity values for a position.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64
}

// Position is a pre-valued portfolio position. Exposure is direction-signed;
// MarketValue is always the non-negative magnitude. Positions are created at
// trade entry, revalued nightly and soft-deleted on exit.
type Position struct {
	ID           int64
	PortfolioID  int64
	Symbol       string
	Quantity     float64 // signed: negative = short
	EntryPrice   float64
	EntryDate    time.Time
	SecurityType SecurityType

	// Option fields (nil/empty for stocks)
	Strike           *float64
	Expiry           *time.Time
	UnderlyingSymbol string

	Exposure    float64 // signed dollar exposure
	MarketValue float64 // non-negative magnitude

	Greeks *Greeks // nil when greeks are unavailable
	Tags   []string

	DeletedAt *time.Time
}

// IsOption reports whether the position is an option contract.
func (p *Position) IsOption() bool {
	return p.SecurityType == SecurityTypeOption
}

// GroupKey returns the underlying grouping key: the underlying symbol for
// options, the symbol itself for stocks.
func (p *Position) GroupKey() string {
	if p.IsOption() && p.UnderlyingSymbol != "" {
		return p.UnderlyingSymbol
	}
	return p.Symbol
}

// Portfolio is a managed portfolio. The batch pipeline iterates active
// portfolios only.
type Portfolio struct {
	ID     int64
	Name   string
	Active bool
}

// ExposureSummary is the portfolio-level exposure rollup.
type ExposureSummary struct {
	Gross    float64
	Net      float64
	Long     float64
	Short    float64
	Options  float64
	Stock    float64
	Notional float64

	PositionCount int
	OptionCount   int
	StockCount    int

	Warnings []string
}

// GreeksSummary is the portfolio-level greeks rollup. Positions without
// greeks are excluded and counted, never treated as zero.
type GreeksSummary struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64

	IncludedCount int
	ExcludedCount int
}

// DeltaAdjustedSummary is the delta-adjusted exposure rollup. Options
// contribute exposure x delta, stocks contribute signed exposure at weight 1.
type DeltaAdjustedSummary struct {
	DeltaAdjustedExposure float64
	IncludedCount         int
	ExcludedCount         int
}

// PriceBar is one daily OHLCV bar for a symbol.
type PriceBar struct {
	Symbol string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// FactorProxy maps an abstract risk factor to the tradeable instrument that
// stands in for it in regressions and stress propagation.
type FactorProxy struct {
	Factor string
	Symbol string
	Active bool
}

// QualityFlag annotates whether a derived value came from a full or
// degraded sample.
type QualityFlag string

const (
	QualityFullHistory    QualityFlag = "full_history"
	QualityLimitedHistory QualityFlag = "limited_history"
)

// DataQuality grades an entire calculation run.
type DataQuality string

const (
	DataQualitySufficient   DataQuality = "sufficient"
	DataQualityLimited      DataQuality = "limited"
	DataQualityInsufficient DataQuality = "insufficient"
)
