// Package aggregation rolls pre-computed position exposures and greeks into
// portfolio-level summaries. It never recomputes market values; positions
// arrive already valued.
package aggregation

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

// TagMatchMode controls how a tag filter is applied.
type TagMatchMode string

const (
	// MatchAny includes positions carrying at least one filter tag.
	MatchAny TagMatchMode = "ANY"
	// MatchAll includes positions carrying every filter tag.
	MatchAll TagMatchMode = "ALL"
)

// Service computes portfolio rollups. All operations are pure functions of
// the input position list.
type Service struct {
	log zerolog.Logger
}

// NewService creates a new aggregation service
func NewService(log zerolog.Logger) *Service {
	return &Service{
		log: log.With().Str("component", "aggregation").Logger(),
	}
}

// ComputeExposures rolls signed exposures into the portfolio summary.
// An empty position list yields an all-zero summary with a warning,
// never an error.
func (s *Service) ComputeExposures(positions []domain.Position) *domain.ExposureSummary {
	summary := &domain.ExposureSummary{}

	if len(positions) == 0 {
		summary.Warnings = append(summary.Warnings, "no positions to aggregate")
		return summary
	}

	for _, pos := range positions {
		summary.Gross += math.Abs(pos.Exposure)
		summary.Net += pos.Exposure
		if pos.Exposure >= 0 {
			summary.Long += pos.Exposure
		} else {
			summary.Short += pos.Exposure
		}

		if pos.IsOption() {
			summary.Options += pos.Exposure
			summary.OptionCount++
		} else {
			summary.Stock += pos.Exposure
			summary.StockCount++
		}

		summary.Notional += pos.MarketValue
		summary.PositionCount++
	}

	return summary
}

// AggregateGreeks sums greeks over positions that have them. Positions
// lacking greeks are excluded and counted, never treated as zero.
func (s *Service) AggregateGreeks(positions []domain.Position) *domain.GreeksSummary {
	summary := &domain.GreeksSummary{}

	for _, pos := range positions {
		if pos.Greeks == nil {
			summary.ExcludedCount++
			continue
		}

		summary.Delta += pos.Greeks.Delta
		summary.Gamma += pos.Greeks.Gamma
		summary.Theta += pos.Greeks.Theta
		summary.Vega += pos.Greeks.Vega
		summary.Rho += pos.Greeks.Rho
		summary.IncludedCount++
	}

	return summary
}

// DeltaAdjustedExposure computes delta-weighted exposure. Options contribute
// exposure x delta; stocks contribute their signed exposure at weight 1.
// Options missing greeks are excluded and counted.
func (s *Service) DeltaAdjustedExposure(positions []domain.Position) *domain.DeltaAdjustedSummary {
	summary := &domain.DeltaAdjustedSummary{}

	for _, pos := range positions {
		if pos.IsOption() {
			if pos.Greeks == nil {
				summary.ExcludedCount++
				continue
			}
			summary.DeltaAdjustedExposure += pos.Exposure * pos.Greeks.Delta
		} else {
			summary.DeltaAdjustedExposure += pos.Exposure
		}
		summary.IncludedCount++
	}

	return summary
}

// TagGroup is the rollup for one tag.
type TagGroup struct {
	Tag     string
	Summary *domain.ExposureSummary
}

// AggregateByTag groups positions by tag. A position carrying multiple tags
// is counted once per tag. When filter is non-empty, MatchAny keeps positions
// with at least one filter tag and MatchAll requires the whole filter set to
// be a subset of the position's tags. Output order is stable (sorted by tag)
// regardless of input ordering.
func (s *Service) AggregateByTag(positions []domain.Position, filter []string, mode TagMatchMode) []TagGroup {
	filterSet := make(map[string]bool, len(filter))
	for _, tag := range filter {
		filterSet[tag] = true
	}

	byTag := make(map[string][]domain.Position)
	for _, pos := range positions {
		if len(filterSet) > 0 && !matchesFilter(pos.Tags, filterSet, mode) {
			continue
		}
		for _, tag := range pos.Tags {
			byTag[tag] = append(byTag[tag], pos)
		}
	}

	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	groups := make([]TagGroup, 0, len(tags))
	for _, tag := range tags {
		groups = append(groups, TagGroup{
			Tag:     tag,
			Summary: s.ComputeExposures(byTag[tag]),
		})
	}

	return groups
}

func matchesFilter(tags []string, filterSet map[string]bool, mode TagMatchMode) bool {
	tagSet := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tagSet[tag] = true
	}

	switch mode {
	case MatchAll:
		for tag := range filterSet {
			if !tagSet[tag] {
				return false
			}
		}
		return true
	default: // MatchAny
		for tag := range filterSet {
			if tagSet[tag] {
				return true
			}
		}
		return false
	}
}

// UnderlyingGroup is the combined rollup for one underlying: the stock
// position (if any) plus all options written on it.
type UnderlyingGroup struct {
	Underlying string
	Summary    *domain.ExposureSummary
	Greeks     *domain.GreeksSummary
}

// AggregateByUnderlying groups stocks by symbol and options by underlying
// symbol, combining both under one key with accumulated greeks.
func (s *Service) AggregateByUnderlying(positions []domain.Position) []UnderlyingGroup {
	byKey := make(map[string][]domain.Position)
	for _, pos := range positions {
		key := pos.GroupKey()
		byKey[key] = append(byKey[key], pos)
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	groups := make([]UnderlyingGroup, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, UnderlyingGroup{
			Underlying: key,
			Summary:    s.ComputeExposures(byKey[key]),
			Greeks:     s.AggregateGreeks(byKey[key]),
		})
	}

	return groups
}
