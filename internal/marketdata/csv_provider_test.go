package marketdata_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/marketdata"
)

func writeBarFile(t *testing.T, dir, symbol, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, symbol+".csv"), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write bar file for %s: %v", symbol, err)
	}
}

func TestCSVProvider_GetDailyBars(t *testing.T) {
	dir := t.TempDir()
	writeBarFile(t, dir, "SPY",
		"date,open,high,low,close,volume\n"+
			"2026-08-18,500.0,505.0,498.0,503.25,1200000\n"+
			"2026-08-19,503.5,506.0,501.0,504.10,900000\n"+
			"2026-08-20,504.0,508.0,503.0,507.80,1100000\n")

	provider := marketdata.NewCSVProvider(dir, zerolog.Nop())

	bars, err := provider.GetDailyBars(context.Background(), "SPY",
		time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, bars, 2, "bars outside the range are skipped")

	assert.Equal(t, "SPY", bars[0].Symbol)
	assert.Equal(t, time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC), bars[0].Date)
	assert.Equal(t, 504.10, bars[0].Close)
	assert.Equal(t, int64(900000), bars[0].Volume)
	assert.Equal(t, 507.80, bars[1].Close)
}

func TestCSVProvider_MissingSymbol(t *testing.T) {
	provider := marketdata.NewCSVProvider(t.TempDir(), zerolog.Nop())

	_, err := provider.GetDailyBars(context.Background(), "XYZ",
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bar file for XYZ")
}

func TestCSVProvider_MalformedRow(t *testing.T) {
	dir := t.TempDir()
	writeBarFile(t, dir, "SPY",
		"date,open,high,low,close,volume\n"+
			"2026-08-19,503.5,506.0,501.0,not-a-price,900000\n")

	provider := marketdata.NewCSVProvider(dir, zerolog.Nop())

	_, err := provider.GetDailyBars(context.Background(), "SPY",
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad price")
}

func TestCSVProvider_CancelledContext(t *testing.T) {
	provider := marketdata.NewCSVProvider(t.TempDir(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := provider.GetDailyBars(ctx, "SPY",
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, context.Canceled)
}
