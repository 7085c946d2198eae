package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SymbolSource lists the symbols whose history the engine needs: open
// position symbols plus the factor proxy instruments.
type SymbolSource interface {
	ActiveSymbols() ([]string, error)
}

// SyncService pulls daily bars for every needed symbol into history.db.
// It runs as the market_sync stage at the head of the nightly pipeline.
type SyncService struct {
	provider PriceProvider
	prices   *PriceRepository
	symbols  SymbolSource
	lookback time.Duration
	log      zerolog.Logger
}

// NewSyncService creates a new market data sync service. windowDays is the
// regression window in trading days; the calendar lookback spans twice that
// so weekends and holidays never starve the window.
func NewSyncService(provider PriceProvider, prices *PriceRepository, symbols SymbolSource, windowDays int, log zerolog.Logger) *SyncService {
	if windowDays <= 0 {
		windowDays = 252
	}
	return &SyncService{
		provider: provider,
		prices:   prices,
		symbols:  symbols,
		lookback: time.Duration(windowDays*2) * 24 * time.Hour,
		log:      log.With().Str("component", "market_sync").Logger(),
	}
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	SymbolsSynced int
	SymbolsFailed int
	BarsWritten   int
	Warnings      []string
}

// SyncAll refreshes bars for all active symbols up to asOf. Individual symbol
// failures are recorded as warnings; the sync fails outright only when every
// symbol fails or the symbol list cannot be loaded.
func (s *SyncService) SyncAll(ctx context.Context, asOf time.Time) (*SyncResult, error) {
	symbols, err := s.symbols.ActiveSymbols()
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}

	result := &SyncResult{}
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		written, err := s.syncSymbol(ctx, symbol, asOf)
		if err != nil {
			result.SymbolsFailed++
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", symbol, err))
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Symbol sync failed")
			continue
		}

		result.SymbolsSynced++
		result.BarsWritten += written
	}

	if len(symbols) > 0 && result.SymbolsSynced == 0 {
		return result, fmt.Errorf("all %d symbols failed to sync", len(symbols))
	}

	s.log.Info().
		Int("synced", result.SymbolsSynced).
		Int("failed", result.SymbolsFailed).
		Int("bars", result.BarsWritten).
		Msg("Market sync complete")

	return result, nil
}

// syncSymbol fetches and stores bars for one symbol. Incremental: only days
// after the last stored bar are requested.
func (s *SyncService) syncSymbol(ctx context.Context, symbol string, asOf time.Time) (int, error) {
	from := asOf.Add(-s.lookback)

	last, err := s.prices.LastBarDate(symbol)
	if err != nil {
		return 0, err
	}
	if !last.IsZero() && last.After(from) {
		from = last.AddDate(0, 0, 1)
	}
	if from.After(asOf) {
		return 0, nil // already current
	}

	bars, err := s.provider.GetDailyBars(ctx, symbol, from, asOf)
	if err != nil {
		return 0, fmt.Errorf("provider fetch failed: %w", err)
	}

	if err := s.prices.UpsertBars(bars); err != nil {
		return 0, err
	}

	return len(bars), nil
}
