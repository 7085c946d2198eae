package marketdata

import (
	"fmt"
	"sort"
	"time"
)

// ReturnSeries is a dated daily return series for one symbol, oldest first.
// Each return is keyed by the later date of its price pair.
type ReturnSeries struct {
	Symbol  string
	Dates   []string
	Returns []float64
}

// Index returns a date -> return lookup for the series.
func (rs *ReturnSeries) Index() map[string]float64 {
	m := make(map[string]float64, len(rs.Dates))
	for i, date := range rs.Dates {
		m[date] = rs.Returns[i]
	}
	return m
}

// CloseSource provides historical close series (satisfied by PriceRepository).
type CloseSource interface {
	CloseSeries(symbol string, from, to time.Time) ([]ClosePoint, error)
}

// BuildReturnSeries loads closes for a symbol over a window of trading days
// ending at asOf and converts them to daily simple returns. The fetch spans
// twice the window in calendar days to cover weekends and holidays, then
// trims to the last windowDays+1 closes.
func BuildReturnSeries(prices CloseSource, symbol string, asOf time.Time, windowDays int) (*ReturnSeries, error) {
	from := asOf.AddDate(0, 0, -windowDays*2)

	points, err := prices.CloseSeries(symbol, from, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load close series for %s: %w", symbol, err)
	}
	if len(points) > windowDays+1 {
		points = points[len(points)-(windowDays+1):]
	}

	series := &ReturnSeries{Symbol: symbol}
	for i := 1; i < len(points); i++ {
		if points[i-1].Close == 0 {
			continue
		}
		series.Dates = append(series.Dates, points[i].Date.Format(dateLayout))
		series.Returns = append(series.Returns, (points[i].Close-points[i-1].Close)/points[i-1].Close)
	}

	return series, nil
}

// AlignReturnSeries intersects the given symbols' series on their common
// trading days. Returns per-symbol aligned return slices (oldest first) and
// the number of common observations.
func AlignReturnSeries(symbols []string, series map[string]*ReturnSeries) (map[string][]float64, int) {
	if len(symbols) == 0 {
		return nil, 0
	}

	counts := make(map[string]int)
	for _, symbol := range symbols {
		for _, date := range series[symbol].Dates {
			counts[date]++
		}
	}

	var common []string
	for date, n := range counts {
		if n == len(symbols) {
			common = append(common, date)
		}
	}
	sort.Strings(common)

	aligned := make(map[string][]float64, len(symbols))
	for _, symbol := range symbols {
		idx := series[symbol].Index()
		values := make([]float64, len(common))
		for i, date := range common {
			values[i] = idx[date]
		}
		aligned[symbol] = values
	}

	return aligned, len(common)
}

// AlignPair intersects two return series on date, oldest first.
func AlignPair(a, b *ReturnSeries) ([]float64, []float64) {
	idx := b.Index()

	var x, y []float64
	for i, date := range a.Dates {
		if rb, ok := idx[date]; ok {
			x = append(x, a.Returns[i])
			y = append(y, rb)
		}
	}

	return x, y
}
