// Package marketdata supplies historical price data to the risk engines.
// It owns the price_bars store and the sync path that pulls bars from an
// external provider before the nightly pipeline runs.
package marketdata

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aristath/vigil/internal/domain"
)

// PriceProvider fetches daily OHLCV bars from an external source.
// Implementations live at the edge (broker API, vendor feed); the engine
// only ever sees this interface.
type PriceProvider interface {
	GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]domain.PriceBar, error)
}

// BreakerProvider wraps a PriceProvider with a circuit breaker so a flapping
// upstream fails the sync stage fast instead of stalling the whole run.
type BreakerProvider struct {
	inner   PriceProvider
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewBreakerProvider wraps the given provider. The breaker opens after five
// consecutive failures and probes again after 60 seconds.
func NewBreakerProvider(inner PriceProvider, log zerolog.Logger) *BreakerProvider {
	settings := gobreaker.Settings{
		Name:    "price_provider",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	bp := &BreakerProvider{
		inner: inner,
		log:   log.With().Str("component", "price_provider").Logger(),
	}

	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		bp.log.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Price provider circuit breaker state changed")
	}

	bp.breaker = gobreaker.NewCircuitBreaker(settings)
	return bp
}

// GetDailyBars fetches bars through the breaker.
func (bp *BreakerProvider) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]domain.PriceBar, error) {
	result, err := bp.breaker.Execute(func() (interface{}, error) {
		return bp.inner.GetDailyBars(ctx, symbol, from, to)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.PriceBar), nil
}
