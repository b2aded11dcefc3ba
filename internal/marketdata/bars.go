package marketdata

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"brokerlink/internal/domain"
)

// Spot fields.
const (
	FieldPrice  = "price"
	FieldOpen   = "open"
	FieldHigh   = "high"
	FieldLow    = "low"
	FieldClose  = "close"
	FieldVolume = "volume"
)

// Day is the daily bar frequency.
const Day = 24 * time.Hour

// ParseFrequency parses "1m"/"minute" and "1d"/"daily".
func ParseFrequency(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "minute":
		return time.Minute, nil
	case "1d", "daily", "day":
		return Day, nil
	default:
		return 0, fmt.Errorf("marketdata: unsupported frequency %q", s)
	}
}

// FrequencyName is the inverse of ParseFrequency.
func FrequencyName(freq time.Duration) string {
	if freq == Day {
		return "1d"
	}
	return "1m"
}

// BarArchive receives resampled bars.
type BarArchive interface {
	WriteBars(ctx context.Context, frequency string, bars []domain.Bar) error
}

// ArchiveBars writes the last window bars of every subscribed symbol ending
// at end. It returns the number of bars that held ticks.
func (a *Aggregator) ArchiveBars(ctx context.Context, dst BarArchive, window int, freq time.Duration, end time.Time) (int, error) {
	total := 0
	for _, symbol := range a.Subscribed() {
		bars, ok := a.Bars(symbol, window, freq, end)
		if !ok {
			continue
		}
		if err := dst.WriteBars(ctx, FrequencyName(freq), bars); err != nil {
			return total, fmt.Errorf("marketdata: archive %s bars: %w", symbol, err)
		}
		for _, b := range bars {
			if b.HasData() {
				total++
			}
		}
	}
	return total, nil
}

// Spot answers a point query over the minute ending at the symbol's last
// tick. It returns false when there is no data or the field is unknown.
func (a *Aggregator) Spot(symbol, field string) (float64, bool) {
	ticks := a.Ticks(symbol)
	if len(ticks) == 0 {
		return 0, false
	}
	last := ticks[len(ticks)-1]
	if field == FieldPrice {
		return last.Price, true
	}

	from := last.Time.Add(-time.Minute)
	bar := aggregate(ticks, func(t domain.Tick) bool { return t.Time.After(from) })
	switch field {
	case FieldOpen:
		return bar.Open, true
	case FieldHigh:
		return bar.High, true
	case FieldLow:
		return bar.Low, true
	case FieldClose:
		return bar.Close, true
	case FieldVolume:
		return float64(bar.Volume), true
	default:
		a.log.Warn("unknown spot field", "symbol", symbol, "field", field)
		return 0, false
	}
}

// LastTraded returns the time of the symbol's latest tick.
func (a *Aggregator) LastTraded(symbol string) (time.Time, bool) {
	ticks := a.Ticks(symbol)
	if len(ticks) == 0 {
		return time.Time{}, false
	}
	return ticks[len(ticks)-1].Time, true
}

// Bars returns window consecutive bars of width freq, the last one ending at
// end (exclusive). Bucket boundaries are aligned to freq. Bars with no ticks
// have NaN prices and zero volume. It returns false if the symbol has never
// been subscribed.
func (a *Aggregator) Bars(symbol string, window int, freq time.Duration, end time.Time) ([]domain.Bar, bool) {
	s, ok := a.series(symbol)
	if !ok || window <= 0 || freq <= 0 {
		return nil, false
	}
	return Resample(strings.ToUpper(symbol), s.snapshot(), window, freq, end), true
}

// RealtimeBars returns the latest completed bar per subscribed symbol among
// symbols.
func (a *Aggregator) RealtimeBars(symbols []string, freq time.Duration, end time.Time) map[string]domain.Bar {
	out := make(map[string]domain.Bar, len(symbols))
	for _, sym := range symbols {
		bars, ok := a.Bars(sym, 1, freq, end)
		if !ok {
			continue
		}
		out[strings.ToUpper(sym)] = bars[0]
	}
	return out
}

// Resample buckets time-ordered ticks into window bars of width freq. The
// last bucket is the aligned one that ends at or after end, clipped to end.
func Resample(symbol string, ticks []domain.Tick, window int, freq time.Duration, end time.Time) []domain.Bar {
	lastStart := end.Truncate(freq)
	if lastStart.Equal(end) {
		lastStart = lastStart.Add(-freq)
	}
	first := lastStart.Add(-time.Duration(window-1) * freq)

	bars := make([]domain.Bar, window)
	for i := range bars {
		start := first.Add(time.Duration(i) * freq)
		stop := start.Add(freq)
		if stop.After(end) {
			stop = end
		}
		b := aggregate(ticks, func(t domain.Tick) bool {
			return !t.Time.Before(start) && t.Time.Before(stop)
		})
		b.Symbol = symbol
		b.Timestamp = start
		bars[i] = b
	}
	return bars
}

// aggregate folds the ticks selected by in into one bar. Ticks must be in
// time order.
func aggregate(ticks []domain.Tick, in func(domain.Tick) bool) domain.Bar {
	b := domain.Bar{Open: math.NaN(), High: math.NaN(), Low: math.NaN(), Close: math.NaN()}
	for _, t := range ticks {
		if !in(t) {
			continue
		}
		if b.TradeCount == 0 {
			b.Open, b.High, b.Low = t.Price, t.Price, t.Price
		}
		b.High = math.Max(b.High, t.Price)
		b.Low = math.Min(b.Low, t.Price)
		b.Close = t.Price
		b.Volume += t.Size
		b.TradeCount++
	}
	return b
}
