package aggregation

import (
	"time"

	"github.com/aristath/vigil/internal/domain"
)

// PositionSource loads a portfolio's open positions. Satisfied by
// portfolio.Repository.
type PositionSource interface {
	GetOpenPositions(portfolioID int64) ([]domain.Position, error)
}

// RollupService is the cached read path for portfolio rollups. Summaries are
// served from the short-TTL cache; a stale-by-seconds value is acceptable
// here, unlike the batch pipeline which always computes fresh.
type RollupService struct {
	positions PositionSource
	service   *Service
	cache     *Cache
}

// NewRollupService creates a rollup service with the given cache TTL.
func NewRollupService(positions PositionSource, service *Service, ttl time.Duration) *RollupService {
	return &RollupService{
		positions: positions,
		service:   service,
		cache:     NewCache(ttl),
	}
}

// Exposures returns the portfolio's exposure summary, cached.
func (r *RollupService) Exposures(portfolioID int64) (*domain.ExposureSummary, error) {
	key := CacheKey(portfolioID, "exposures")
	value, err := r.cache.GetOrCompute(key, func() (interface{}, error) {
		positions, err := r.positions.GetOpenPositions(portfolioID)
		if err != nil {
			return nil, err
		}
		return r.service.ComputeExposures(positions), nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*domain.ExposureSummary), nil
}

// Greeks returns the portfolio's Greeks summary, cached.
func (r *RollupService) Greeks(portfolioID int64) (*domain.GreeksSummary, error) {
	key := CacheKey(portfolioID, "greeks")
	value, err := r.cache.GetOrCompute(key, func() (interface{}, error) {
		positions, err := r.positions.GetOpenPositions(portfolioID)
		if err != nil {
			return nil, err
		}
		return r.service.AggregateGreeks(positions), nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*domain.GreeksSummary), nil
}

// TagGroups returns tag-level rollups for the filter, cached per filter
// signature.
func (r *RollupService) TagGroups(portfolioID int64, filter []string, mode TagMatchMode) ([]TagGroup, error) {
	parts := append([]string{"mode=" + string(mode)}, filter...)
	key := CacheKey(portfolioID, "tag_groups", parts...)
	value, err := r.cache.GetOrCompute(key, func() (interface{}, error) {
		positions, err := r.positions.GetOpenPositions(portfolioID)
		if err != nil {
			return nil, err
		}
		return r.service.AggregateByTag(positions, filter, mode), nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]TagGroup), nil
}

// Invalidate drops all cached rollups, typically after a batch run rewrites
// the underlying positions.
func (r *RollupService) Invalidate() {
	r.cache.Clear()
}
