// Package stress applies named factor shocks to portfolio factor exposures,
// directly and through EWMA factor-correlation propagation.
package stress

import (
	"fmt"
	"math"

	"github.com/aristath/vigil/internal/domain"
)

// FactorRates is the factor whose shock magnitudes get the strict unit gate.
const FactorRates = "rates"

// maxRateShock is the validation ceiling for rate shocks. Rate moves above
// 10% are almost always basis points entered without the /10000 conversion.
const maxRateShock = 0.10

// Scenario is a named shock map. Magnitudes are fractional: 0.01 = 1%;
// basis-point inputs must be pre-divided by 10,000.
type Scenario struct {
	ID       int64
	Name     string
	Category string
	Severity string
	Shocks   map[string]float64
	Active   bool
}

// ValidateShocks checks a shock map against the known factor set. An empty
// map is usable but flagged with a warning; an unknown factor or an
// out-of-bound rate shock is a hard error, never silently rescaled.
func ValidateShocks(shocks map[string]float64, knownFactors map[string]bool) ([]string, error) {
	if len(shocks) == 0 {
		return []string{"scenario has no shocked factors"}, nil
	}

	for factor, shock := range shocks {
		if !knownFactors[factor] {
			return nil, fmt.Errorf("%w: scenario shocks unknown factor %q", domain.ErrConfiguration, factor)
		}
		if factor == FactorRates && math.Abs(shock) > maxRateShock {
			return nil, fmt.Errorf("%w: rate shock %.4f exceeds %.0f%% and looks like a unit error (0.01 = 1%%)",
				domain.ErrConfiguration, shock, maxRateShock*100)
		}
	}

	return nil, nil
}

// DefaultScenarios is the seeded scenario library. Names are stable keys:
// seeding upserts by name and never duplicates.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{
			Name:     "equity_crash",
			Category: "market",
			Severity: "severe",
			Shocks:   map[string]float64{"market": -0.20},
			Active:   true,
		},
		{
			Name:     "equity_correction",
			Category: "market",
			Severity: "moderate",
			Shocks:   map[string]float64{"market": -0.10},
			Active:   true,
		},
		{
			Name:     "rates_up_100bp",
			Category: "rates",
			Severity: "moderate",
			Shocks:   map[string]float64{"rates": -0.01},
			Active:   true,
		},
		{
			Name:     "rates_down_100bp",
			Category: "rates",
			Severity: "moderate",
			Shocks:   map[string]float64{"rates": 0.01},
			Active:   true,
		},
		{
			Name:     "credit_widening",
			Category: "credit",
			Severity: "moderate",
			Shocks:   map[string]float64{"credit": -0.05},
			Active:   true,
		},
		{
			Name:     "commodity_spike",
			Category: "commodities",
			Severity: "moderate",
			Shocks:   map[string]float64{"commodities": 0.15},
			Active:   true,
		},
		{
			Name:     "dollar_surge",
			Category: "currency",
			Severity: "moderate",
			Shocks:   map[string]float64{"dollar": 0.08},
			Active:   true,
		},
		{
			Name:     "combined_crisis",
			Category: "combined",
			Severity: "severe",
			Shocks: map[string]float64{
				"market": -0.25,
				"credit": -0.10,
				"dollar": 0.10,
			},
			Active: true,
		},
	}
}
