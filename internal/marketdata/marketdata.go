// Package marketdata subscribes symbols on the gateway, buffers the trade
// prints it reports and derives spot values and OHLCV bars on demand.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/gateway"
)

// GenericTicks requests RTVolume prints.
const GenericTicks = "233"

// tickDelayedLast is the delayed-data counterpart of gateway.TickLast.
const tickDelayedLast = 68

// TickArchive persists tick snapshots.
type TickArchive interface {
	WriteTicks(ctx context.Context, ticks []domain.Tick) error
}

// series is the append-only tick buffer of one symbol. Reads sort a copy;
// the buffer itself keeps arrival order.
type series struct {
	mu       sync.Mutex
	ticks    []domain.Tick
	ordered  bool // no tick arrived earlier than its predecessor
	archived int  // ticks[:archived] were written to the archive
}

func newSeries() *series { return &series{ordered: true} }

func (s *series) add(t domain.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.ticks); n > 0 && t.Time.Before(s.ticks[n-1].Time) {
		s.ordered = false
	}
	s.ticks = append(s.ticks, t)
}

// snapshot returns a time-ordered copy of the buffer.
func (s *series) snapshot() []domain.Tick {
	s.mu.Lock()
	out := make([]domain.Tick, len(s.ticks))
	copy(out, s.ticks)
	ordered := s.ordered
	s.mu.Unlock()

	if !ordered {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	}
	return out
}

// Aggregator owns the per-symbol tick series.
type Aggregator struct {
	gw       gateway.Gateway
	routing  *gateway.Routing
	tickerID func() int
	log      *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	bySymbol map[string]*series
	byTicker map[int]string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the clock used to stamp ticks that carry no time.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator. tickerID allocates gateway ticker ids.
func New(gw gateway.Gateway, routing *gateway.Routing, tickerID func() int, log *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		gw:       gw,
		routing:  routing,
		tickerID: tickerID,
		log:      log.With("component", "marketdata"),
		now:      time.Now,
		bySymbol: make(map[string]*series),
		byTicker: make(map[int]string),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Subscribe requests market data for symbol. Repeated calls are no-ops.
func (a *Aggregator) Subscribe(symbol string) error {
	symbol = strings.ToUpper(symbol)

	a.mu.Lock()
	if _, ok := a.bySymbol[symbol]; ok {
		a.mu.Unlock()
		return nil
	}
	id := a.tickerID()
	a.bySymbol[symbol] = newSeries()
	a.byTicker[id] = symbol
	a.mu.Unlock()

	contract := a.routing.Contract(symbol)
	if err := a.gw.RequestMarketData(id, contract, GenericTicks); err != nil {
		a.mu.Lock()
		delete(a.bySymbol, symbol)
		delete(a.byTicker, id)
		a.mu.Unlock()
		return fmt.Errorf("marketdata: subscribe %s: %w", symbol, err)
	}
	a.log.Info("subscribed", "symbol", symbol, "tickerID", id, "exchange", contract.Exchange, "secType", contract.SecType)
	return nil
}

// Subscribed returns the subscribed symbols in sorted order.
func (a *Aggregator) Subscribed() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.bySymbol))
	for s := range a.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (a *Aggregator) series(symbol string) (*series, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.bySymbol[strings.ToUpper(symbol)]
	return s, ok
}

// OnTick appends the trade print carried by a tick event.
func (a *Aggregator) OnTick(ev gateway.Tick) {
	a.mu.RLock()
	symbol, ok := a.byTicker[ev.TickerID]
	s := a.bySymbol[symbol]
	a.mu.RUnlock()
	if !ok {
		a.log.Error("tick for unregistered ticker", "tickerID", ev.TickerID, "field", ev.Field)
		return
	}

	var t domain.Tick
	switch ev.Field {
	case gateway.TickRTVolume:
		var err error
		t, ok, err = ParseRTVolume(ev.Value, a.now)
		if err != nil {
			a.log.Warn("dropping malformed RTVolume", "symbol", symbol, "value", ev.Value, "error", err)
			return
		}
		if !ok {
			a.log.Debug("ignoring RTVolume without price", "symbol", symbol, "value", ev.Value)
			return
		}
	case gateway.TickLast, tickDelayedLast:
		if ev.Price <= 0 {
			a.log.Debug("ignoring empty last price", "symbol", symbol, "field", ev.Field)
			return
		}
		t = domain.Tick{Time: a.now(), Price: ev.Price, Size: ev.Size}
	default:
		a.log.Debug("ignoring tick field", "symbol", symbol, "field", ev.Field)
		return
	}
	t.Symbol = symbol
	s.add(t)
}

// ParseRTVolume parses "price;size;epoch_ms;total_volume;vwap;single_trade".
// It returns ok=false without error when the price is empty, which the
// gateway sends for volume-only updates.
func ParseRTVolume(v string, now func() time.Time) (domain.Tick, bool, error) {
	parts := strings.Split(v, ";")
	if len(parts) < 3 {
		return domain.Tick{}, false, fmt.Errorf("expected at least 3 fields, got %d", len(parts))
	}
	if parts[0] == "" {
		return domain.Tick{}, false, nil
	}
	price, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return domain.Tick{}, false, fmt.Errorf("price: %w", err)
	}
	var size int64
	if parts[1] != "" {
		f, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return domain.Tick{}, false, fmt.Errorf("size: %w", err)
		}
		size = int64(f)
	}
	at := now()
	if parts[2] != "" {
		ms, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return domain.Tick{}, false, fmt.Errorf("time: %w", err)
		}
		if ms > 0 {
			at = time.UnixMilli(ms).UTC()
		}
	}
	return domain.Tick{Time: at, Price: price, Size: size}, true, nil
}

// Append adds a tick directly, bypassing the gateway. The symbol must be
// subscribed.
func (a *Aggregator) Append(t domain.Tick) bool {
	s, ok := a.series(t.Symbol)
	if !ok {
		a.log.Warn("dropping tick for unsubscribed symbol", "symbol", t.Symbol)
		return false
	}
	t.Symbol = strings.ToUpper(t.Symbol)
	s.add(t)
	return true
}

// Ticks returns a time-ordered copy of the symbol's ticks.
func (a *Aggregator) Ticks(symbol string) []domain.Tick {
	s, ok := a.series(symbol)
	if !ok {
		return nil
	}
	return s.snapshot()
}

// Archive writes ticks not yet archived to dst. Ticks stay in memory.
func (a *Aggregator) Archive(ctx context.Context, dst TickArchive) (int, error) {
	total := 0
	for _, symbol := range a.Subscribed() {
		s, _ := a.series(symbol)

		s.mu.Lock()
		pending := make([]domain.Tick, len(s.ticks)-s.archived)
		copy(pending, s.ticks[s.archived:])
		s.mu.Unlock()

		if len(pending) == 0 {
			continue
		}
		if err := dst.WriteTicks(ctx, pending); err != nil {
			return total, fmt.Errorf("marketdata: archive %s: %w", symbol, err)
		}
		s.mu.Lock()
		s.archived += len(pending)
		s.mu.Unlock()
		total += len(pending)
	}
	return total, nil
}
