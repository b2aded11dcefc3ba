package marketdata

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"brokerlink/internal/domain"
	"brokerlink/internal/gateway"
	"brokerlink/internal/gateway/sim"
)

var t0 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func newAggregator(t *testing.T) (*Aggregator, *sim.Gateway) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	gw := sim.New(log)
	t.Cleanup(gw.Close)
	require.NoError(t, gw.Connect("", 0, 1))

	next := 0
	a := New(gw, gateway.DefaultRouting(), func() int { next++; return next }, log,
		WithClock(func() time.Time { return t0 }))
	return a, gw
}

func TestSubscribeIdempotent(t *testing.T) {
	a, _ := newAggregator(t)
	require.NoError(t, a.Subscribe("aapl"))
	require.NoError(t, a.Subscribe("AAPL"))
	require.NoError(t, a.Subscribe("VIX"))
	require.Equal(t, []string{"AAPL", "VIX"}, a.Subscribed())
	require.Len(t, a.byTicker, 2)
}

func TestSubscribeFailure(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	gw := sim.New(log) // never connected
	t.Cleanup(gw.Close)
	a := New(gw, gateway.DefaultRouting(), func() int { return 1 }, log)

	require.Error(t, a.Subscribe("AAPL"))
	require.Empty(t, a.Subscribed())
}

func TestMinuteBar(t *testing.T) {
	a, _ := newAggregator(t)
	require.NoError(t, a.Subscribe("AAPL"))

	a.Append(domain.Tick{Symbol: "AAPL", Time: t0, Price: 100, Size: 10})
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(30 * time.Second), Price: 101, Size: 5})
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(time.Minute), Price: 99, Size: 20})

	bars, ok := a.Bars("AAPL", 1, time.Minute, t0.Add(time.Minute))
	require.True(t, ok)
	require.Len(t, bars, 1)
	b := bars[0]
	require.Equal(t, t0, b.Timestamp)
	require.Equal(t, 100.0, b.Open)
	require.Equal(t, 101.0, b.High)
	require.Equal(t, 100.0, b.Low)
	require.Equal(t, 101.0, b.Close)
	require.Equal(t, int64(15), b.Volume)
}

func TestEmptyBucketsAreNaN(t *testing.T) {
	a, _ := newAggregator(t)
	require.NoError(t, a.Subscribe("AAPL"))
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(2*time.Minute + time.Second), Price: 50, Size: 1})

	bars, ok := a.Bars("AAPL", 3, time.Minute, t0.Add(3*time.Minute))
	require.True(t, ok)
	require.Len(t, bars, 3)
	for _, b := range bars[:2] {
		require.False(t, b.HasData())
		require.True(t, math.IsNaN(b.Open))
		require.True(t, math.IsNaN(b.Close))
		require.Zero(t, b.Volume)
	}
	require.True(t, bars[2].HasData())
	require.Equal(t, t0.Add(2*time.Minute), bars[2].Timestamp)

	_, ok = a.Bars("MSFT", 1, time.Minute, t0)
	require.False(t, ok)
}

func TestOutOfOrderTicksAreSorted(t *testing.T) {
	a, _ := newAggregator(t)
	require.NoError(t, a.Subscribe("AAPL"))
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(30 * time.Second), Price: 101, Size: 5})
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0, Price: 100, Size: 10})

	bars, ok := a.Bars("AAPL", 1, time.Minute, t0.Add(time.Minute))
	require.True(t, ok)
	require.Equal(t, 100.0, bars[0].Open)
	require.Equal(t, 101.0, bars[0].Close)

	last, ok := a.LastTraded("AAPL")
	require.True(t, ok)
	require.Equal(t, t0.Add(30*time.Second), last)
}

func TestSpot(t *testing.T) {
	a, _ := newAggregator(t)
	require.NoError(t, a.Subscribe("AAPL"))

	_, ok := a.Spot("AAPL", FieldPrice)
	require.False(t, ok, "no data is not available, never zero")
	_, ok = a.LastTraded("AAPL")
	require.False(t, ok)

	a.Append(domain.Tick{Symbol: "AAPL", Time: t0, Price: 90, Size: 1})
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(90 * time.Second), Price: 100, Size: 10})
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(120 * time.Second), Price: 98, Size: 5})

	tests := map[string]float64{
		FieldPrice:  98,
		FieldOpen:   100,
		FieldHigh:   100,
		FieldLow:    98,
		FieldClose:  98,
		FieldVolume: 15,
	}
	for field, want := range tests {
		got, ok := a.Spot("AAPL", field)
		require.True(t, ok, field)
		require.Equal(t, want, got, field)
	}
	_, ok = a.Spot("AAPL", "vwap")
	require.False(t, ok)
}

func TestOnTick(t *testing.T) {
	a, _ := newAggregator(t)
	require.NoError(t, a.Subscribe("AAPL"))

	a.OnTick(gateway.Tick{TickerID: 1, Field: gateway.TickRTVolume, Value: "701.28;1;1348075471534;67854;701.46918464;true"})
	a.OnTick(gateway.Tick{TickerID: 1, Field: gateway.TickRTVolume, Value: ";0;1469805548873;240304;216.648653;true"})
	a.OnTick(gateway.Tick{TickerID: 1, Field: gateway.TickRTVolume, Value: "garbage"})
	a.OnTick(gateway.Tick{TickerID: 1, Field: gateway.TickLast, Price: 702})
	a.OnTick(gateway.Tick{TickerID: 99, Field: gateway.TickLast, Price: 1})

	ticks := a.Ticks("AAPL")
	require.Len(t, ticks, 2)
	require.Equal(t, 701.28, ticks[0].Price)
	require.Equal(t, int64(1), ticks[0].Size)
	require.Equal(t, time.UnixMilli(1348075471534).UTC(), ticks[0].Time)
	require.Equal(t, 702.0, ticks[1].Price)
	require.Equal(t, t0, ticks[1].Time)
}

func TestTicksFromGateway(t *testing.T) {
	a, gw := newAggregator(t)
	gw.SetHandler(gateway.HandlerFunc(func(ev gateway.Event) {
		if tk, ok := ev.(gateway.Tick); ok {
			a.OnTick(tk)
		}
	}))
	require.NoError(t, a.Subscribe("AAPL"))
	gw.PushTick("AAPL", 187.5, 300)

	require.Eventually(t, func() bool {
		px, ok := a.Spot("AAPL", FieldPrice)
		return ok && px == 187.5
	}, 2*time.Second, 5*time.Millisecond)
}

type memArchive struct{ ticks []domain.Tick }

func (m *memArchive) WriteTicks(_ context.Context, ticks []domain.Tick) error {
	m.ticks = append(m.ticks, ticks...)
	return nil
}

func TestArchiveKeepsTicks(t *testing.T) {
	a, _ := newAggregator(t)
	require.NoError(t, a.Subscribe("AAPL"))
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0, Price: 1, Size: 1})
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(time.Second), Price: 2, Size: 1})

	dst := &memArchive{}
	n, err := a.Archive(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(2 * time.Second), Price: 3, Size: 1})
	n, err = a.Archive(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, dst.ticks, 3)
	require.Len(t, a.Ticks("AAPL"), 3)
}

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency("1m")
	require.NoError(t, err)
	require.Equal(t, time.Minute, f)
	f, err = ParseFrequency("1d")
	require.NoError(t, err)
	require.Equal(t, Day, f)
	_, err = ParseFrequency("5s")
	require.Error(t, err)
}

func TestRealtimeBars(t *testing.T) {
	a, _ := newAggregator(t)
	require.NoError(t, a.Subscribe("AAPL"))
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(10 * time.Second), Price: 10, Size: 2})

	got := a.RealtimeBars([]string{"AAPL", "MSFT"}, time.Minute, t0.Add(time.Minute))
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got["AAPL"].Volume)
}

type memBars map[string][]domain.Bar

func (m memBars) WriteBars(_ context.Context, frequency string, bars []domain.Bar) error {
	m[frequency] = append(m[frequency], bars...)
	return nil
}

func TestArchiveBars(t *testing.T) {
	a, _ := newAggregator(t)
	require.NoError(t, a.Subscribe("AAPL"))
	require.NoError(t, a.Subscribe("MSFT"))
	a.Append(domain.Tick{Symbol: "AAPL", Time: t0.Add(5 * time.Second), Price: 10, Size: 1})

	dst := memBars{}
	n, err := a.ArchiveBars(context.Background(), dst, 2, time.Minute, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, dst["1m"], 4)
	require.Equal(t, "1d", FrequencyName(Day))
}
