package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

// CSVProvider reads daily bars from a vendor feed drop directory, one file
// per symbol named <SYMBOL>.csv with a "date,open,high,low,close,volume"
// header. Rows outside the requested range are skipped.
type CSVProvider struct {
	dir string
	log zerolog.Logger
}

// NewCSVProvider creates a provider over the given drop directory.
func NewCSVProvider(dir string, log zerolog.Logger) *CSVProvider {
	return &CSVProvider{
		dir: dir,
		log: log.With().Str("component", "csv_provider").Logger(),
	}
}

// GetDailyBars loads the symbol's file and returns bars within [from, to].
func (p *CSVProvider) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]domain.PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(p.dir, symbol+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("no bar file for %s: %w", symbol, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 6

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse bar file for %s: %w", symbol, err)
	}

	var bars []domain.PriceBar
	for i, rec := range records {
		if i == 0 && strings.EqualFold(rec[0], "date") {
			continue
		}
		bar, err := parseBarRecord(symbol, rec)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", symbol, i+1, err)
		}
		if bar.Date.Before(from) || bar.Date.After(to) {
			continue
		}
		bars = append(bars, bar)
	}

	return bars, nil
}

func parseBarRecord(symbol string, rec []string) (domain.PriceBar, error) {
	date, err := time.Parse(dateLayout, rec[0])
	if err != nil {
		return domain.PriceBar{}, fmt.Errorf("bad date %q: %w", rec[0], err)
	}

	values := make([]float64, 4)
	for i, field := range rec[1:5] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return domain.PriceBar{}, fmt.Errorf("bad price %q: %w", field, err)
		}
		values[i] = v
	}

	volume, err := strconv.ParseInt(rec[5], 10, 64)
	if err != nil {
		return domain.PriceBar{}, fmt.Errorf("bad volume %q: %w", rec[5], err)
	}

	return domain.PriceBar{
		Symbol: symbol,
		Date:   date,
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: volume,
	}, nil
}
