package alpacagw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"brokerlink/internal/gateway"
	mdata "brokerlink/internal/marketdata"
	"brokerlink/internal/orderstate"
	"brokerlink/internal/portfolio"
)

const waitFor = 2 * time.Second

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func dp(v float64) *decimal.Decimal {
	x := d(v)
	return &x
}

type fakeTrading struct {
	mu        sync.Mutex
	account   alpaca.Account
	positions []alpaca.Position
	orders    []alpaca.Order
	placed    []alpaca.PlaceOrderRequest
	cancelled []string
	placeErr  error
	updates   chan alpaca.TradeUpdate
}

func newFakeTrading() *fakeTrading {
	return &fakeTrading{
		account: alpaca.Account{
			AccountNumber:     "PA123",
			Status:            "ACTIVE",
			Currency:          "USD",
			Cash:              d(9000),
			Equity:            d(10000),
			BuyingPower:       d(20000),
			LongMarketValue:   d(1000),
			InitialMargin:     d(500),
			MaintenanceMargin: d(300),
			DaytradeCount:     1,
		},
		updates: make(chan alpaca.TradeUpdate, 16),
	}
}

func (f *fakeTrading) GetAccount() (*alpaca.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.account
	return &a, nil
}

func (f *fakeTrading) GetPositions() ([]alpaca.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alpaca.Position(nil), f.positions...), nil
}

func (f *fakeTrading) GetClock() (*alpaca.Clock, error) {
	return &alpaca.Clock{Timestamp: time.Date(2024, 6, 3, 14, 30, 0, 500, time.UTC)}, nil
}

func (f *fakeTrading) GetOrders(alpaca.GetOrdersRequest) ([]alpaca.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alpaca.Order(nil), f.orders...), nil
}

func (f *fakeTrading) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	return &alpaca.Order{
		ID:            fmt.Sprintf("alp-%d", len(f.placed)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Qty:           req.Qty,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		Status:        "accepted",
	}, nil
}

func (f *fakeTrading) CancelOrder(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeTrading) StreamTradeUpdates(ctx context.Context, handler func(alpaca.TradeUpdate), _ alpaca.StreamTradeUpdatesRequest) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-f.updates:
			handler(u)
		}
	}
}

type fakeQuotes struct{ now time.Time }

func (q fakeQuotes) GetLatestTrade(string, marketdata.GetLatestTradeRequest) (*marketdata.Trade, error) {
	return &marketdata.Trade{Price: 187.5, Size: 10, Timestamp: q.now.Add(-time.Minute)}, nil
}

type fakeStream struct {
	mu      sync.Mutex
	symbols []string
	handler func(stream.Trade)
}

func (s *fakeStream) Connect(context.Context) error { return nil }

func (s *fakeStream) SubscribeToTrades(h func(stream.Trade), symbols ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	s.symbols = append(s.symbols, symbols...)
	return nil
}

type recorder struct {
	mu  sync.Mutex
	evs []gateway.Event
}

func (r *recorder) Handle(ev gateway.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) find(match func(gateway.Event) bool) (gateway.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.evs {
		if match(ev) {
			return ev, true
		}
	}
	return nil, false
}

func (r *recorder) wait(t *testing.T, match func(gateway.Event) bool) gateway.Event {
	t.Helper()
	var got gateway.Event
	require.Eventually(t, func() bool {
		ev, ok := r.find(match)
		got = ev
		return ok
	}, waitFor, 5*time.Millisecond)
	return got
}

func newGateway(t *testing.T, tr *fakeTrading) (*Gateway, *recorder, *fakeStream) {
	t.Helper()
	now := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	fs := &fakeStream{}
	g := New(Config{RequestsPerMinute: 60000, PollInterval: time.Hour}, slog.New(slog.DiscardHandler),
		WithTrading(tr),
		WithQuotes(fakeQuotes{now: now}),
		WithTradeStream(func() TradeStream { return fs }),
		WithClock(func() time.Time { return now }),
	)
	rec := &recorder{}
	g.SetHandler(rec)
	t.Cleanup(g.Close)
	return g, rec, fs
}

func TestClientOrderID(t *testing.T) {
	ref := "A:BUY Q:100 T:LMT L:10 S:0 D:1717425000 !ZL"
	s := encodeClientOrderID(7, 42, ref)
	require.Equal(t, "bl-7-42|"+ref, s)

	c, id, gotRef, ok := decodeClientOrderID(s)
	require.True(t, ok)
	require.Equal(t, 7, c)
	require.Equal(t, int64(42), id)
	require.Equal(t, ref, gotRef)

	long := encodeClientOrderID(7, 42, strings.Repeat("x", maxClientOrderID))
	require.Equal(t, "bl-7-42", long)

	for _, bad := range []string{"", "e3b0c442-98fc", "bl-7", "bl-x-1", "bl-7-0", "bl-7-y|ref"} {
		_, _, _, ok := decodeClientOrderID(bad)
		require.False(t, ok, bad)
	}
}

func TestPlaceRequest(t *testing.T) {
	c := gateway.Contract{Symbol: "AAPL"}
	req, err := placeRequest(7, 3, c, gateway.Order{Action: "SELL", TotalQuantity: 5, OrderType: "STP LMT", LimitPrice: 9.5, AuxPrice: 10, TIF: "DAY", OrderRef: "r"})
	require.NoError(t, err)
	require.Equal(t, alpaca.Sell, req.Side)
	require.Equal(t, alpaca.StopLimit, req.Type)
	require.Equal(t, alpaca.Day, req.TimeInForce)
	require.True(t, req.Qty.Equal(decimal.NewFromInt(5)))
	require.True(t, req.LimitPrice.Equal(d(9.5)))
	require.True(t, req.StopPrice.Equal(d(10)))
	require.Equal(t, "bl-7-3|r", req.ClientOrderID)

	req, err = placeRequest(7, 4, c, gateway.Order{Action: "BUY", TotalQuantity: 1, OrderType: "MKT"})
	require.NoError(t, err)
	require.Equal(t, alpaca.Market, req.Type)
	require.Nil(t, req.LimitPrice)

	_, err = placeRequest(7, 5, c, gateway.Order{Action: "BUY", TotalQuantity: 1, OrderType: "TRAIL"})
	require.Error(t, err)
	_, err = placeRequest(7, 5, c, gateway.Order{Action: "HOLD", TotalQuantity: 1, OrderType: "MKT"})
	require.Error(t, err)
	_, err = placeRequest(7, 5, c, gateway.Order{Action: "BUY", OrderType: "MKT"})
	require.Error(t, err)
}

func TestVendorStatusIsKnown(t *testing.T) {
	for _, s := range []string{
		"new", "accepted", "partially_filled", "pending_new", "pending_cancel",
		"filled", "canceled", "expired", "rejected", "held", "done_for_day",
	} {
		_, ok := orderstate.MapStatus(vendorStatus(s))
		require.True(t, ok, s)
	}
}

func TestAccountEvents(t *testing.T) {
	vals := map[string]string{}
	for _, ev := range accountEvents(newFakeTrading().account) {
		av := ev.(gateway.AccountValue)
		require.Equal(t, "PA123", av.Account)
		vals[av.Key] = av.Value
	}
	require.Equal(t, "10000", vals[portfolio.KeyNetLiquidation])
	require.Equal(t, "9000", vals[portfolio.KeyTotalCash])
	require.Equal(t, "1000", vals[portfolio.KeyStockMarketValue])
	require.Equal(t, "2", vals[portfolio.KeyDayTradesRemaining])
	require.Equal(t, "0.1", vals[portfolio.KeyLeverage])
	require.Equal(t, "0.97", vals[portfolio.KeyCushion])
}

func TestPositionEventShort(t *testing.T) {
	p := positionEvent("PA123", alpaca.Position{Symbol: "tsla", Qty: d(5), Side: "short", AvgEntryPrice: d(200), CurrentPrice: dp(190)})
	require.Equal(t, int64(-5), p.Quantity)
	require.Equal(t, "TSLA", p.Contract.Symbol)
	require.Equal(t, 190.0, p.MarketPrice)
	require.Equal(t, 0.0, p.MarketValue)
}

func TestRTVolumeParses(t *testing.T) {
	var rv rtVolume
	at := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	rv.add(stream.Trade{Symbol: "AAPL", Price: 10, Size: 100, Timestamp: at})
	v := rv.add(stream.Trade{Symbol: "AAPL", Price: 20, Size: 100, Timestamp: at})

	tick, ok, err := mdata.ParseRTVolume(v, time.Now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 20.0, tick.Price)
	require.Equal(t, int64(100), tick.Size)
	require.True(t, at.Equal(tick.Time))
	require.Contains(t, v, ";200;15;true")
}

func TestConnectPlaceAndFill(t *testing.T) {
	tr := newFakeTrading()
	tr.orders = []alpaca.Order{
		{ID: "old", ClientOrderID: "bl-7-41", Symbol: "AAPL", Qty: dp(1), Side: alpaca.Buy, Type: alpaca.Market, Status: "filled", FilledQty: d(1)},
		{ID: "web", ClientOrderID: "e3b0c442", Symbol: "MSFT", Qty: dp(2), Side: alpaca.Sell, Type: alpaca.Market, Status: "new"},
	}
	g, rec, _ := newGateway(t, tr)

	require.NoError(t, g.Connect("", 0, 7))
	next := rec.wait(t, func(ev gateway.Event) bool { return ev.Kind() == gateway.KindNextValidID })
	require.Equal(t, int64(42), next.(gateway.NextValidID).OrderID)
	accts := rec.wait(t, func(ev gateway.Event) bool { return ev.Kind() == gateway.KindManagedAccounts })
	require.Equal(t, []string{"PA123"}, accts.(gateway.ManagedAccounts).Accounts)

	ticket := gateway.Order{Action: "BUY", TotalQuantity: 100, OrderType: "LMT", LimitPrice: 10, TIF: "DAY", OrderRef: "ref"}
	require.NoError(t, g.PlaceOrder(42, gateway.Contract{Symbol: "AAPL"}, ticket))
	require.Equal(t, "bl-7-42|ref", tr.placed[0].ClientOrderID)

	open := rec.wait(t, func(ev gateway.Event) bool {
		oo, ok := ev.(gateway.OpenOrder)
		return ok && oo.OrderID == 42
	}).(gateway.OpenOrder)
	require.Equal(t, "LMT", open.Order.OrderType)
	require.Equal(t, int64(100), open.Order.TotalQuantity)
	require.Equal(t, "Submitted", open.State.Status)
	require.Equal(t, "ref", open.Order.OrderRef)

	filledAt := time.Date(2024, 6, 3, 14, 31, 0, 0, time.UTC)
	tr.updates <- alpaca.TradeUpdate{
		Event:       "fill",
		ExecutionID: "x-1",
		Timestamp:   &filledAt,
		Qty:         dp(100),
		Price:       dp(9.99),
		Order: alpaca.Order{
			ID: "alp-1", ClientOrderID: "bl-7-42|ref", Symbol: "AAPL", Qty: dp(100),
			FilledQty: d(100), FilledAvgPrice: dp(9.99), Side: alpaca.Buy, Type: alpaca.Limit,
			LimitPrice: dp(10), Status: "filled",
		},
	}
	exec := rec.wait(t, func(ev gateway.Event) bool { return ev.Kind() == gateway.KindExecution }).(gateway.Execution)
	require.Equal(t, int64(42), exec.Detail.OrderID)
	require.Equal(t, "x-1", exec.Detail.ExecID)
	require.Equal(t, "BOT", exec.Detail.Side)
	require.Equal(t, int64(100), exec.Detail.Shares)
	require.Equal(t, 9.99, exec.Detail.Price)
	require.True(t, filledAt.Equal(exec.Detail.Time))
	rec.wait(t, func(ev gateway.Event) bool {
		st, ok := ev.(gateway.OrderStatus)
		return ok && st.OrderID == 42 && st.Status == "Filled" && st.Filled == 100
	})

	require.NoError(t, g.CancelOrder(42))
	require.Equal(t, []string{"alp-1"}, tr.cancelled)
	require.Error(t, g.CancelOrder(999))

	// Foreign orders get ids above the session's range.
	require.NoError(t, g.RequestExecutions(3, gateway.ExecutionFilter{}))
	rec.wait(t, func(ev gateway.Event) bool {
		oo, ok := ev.(gateway.OpenOrder)
		return ok && oo.OrderID >= foreignIDBase && oo.Contract.Symbol == "MSFT" && oo.Order.Action == "SELL"
	})
	replay := rec.wait(t, func(ev gateway.Event) bool {
		ex, ok := ev.(gateway.Execution)
		return ok && ex.ReqID == 3
	}).(gateway.Execution)
	require.Equal(t, int64(41), replay.Detail.OrderID)
}

func (r *recorder) executions(match func(gateway.Execution) bool) []gateway.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []gateway.Execution
	for _, ev := range r.evs {
		if ex, ok := ev.(gateway.Execution); ok && match(ex) {
			out = append(out, ex)
		}
	}
	return out
}

func TestFillsReportedOncePerCumulativeQuantity(t *testing.T) {
	tr := newFakeTrading()
	partial := alpaca.Order{
		ID: "alp-50", ClientOrderID: "bl-7-50", Symbol: "AAPL", Qty: dp(100),
		FilledQty: d(40), FilledAvgPrice: dp(10), Side: alpaca.Buy, Type: alpaca.Market, Status: "partially_filled",
	}
	tr.orders = []alpaca.Order{partial}
	g, rec, _ := newGateway(t, tr)
	require.NoError(t, g.Connect("", 0, 7))

	tr.updates <- alpaca.TradeUpdate{Event: "partial_fill", ExecutionID: "x-40", Qty: dp(40), Price: dp(10), Order: partial}
	rec.wait(t, func(ev gateway.Event) bool { return ev.Kind() == gateway.KindExecution })

	// The order list still shows 40 filled: the live fill is replayed as is.
	require.NoError(t, g.RequestExecutions(5, gateway.ExecutionFilter{}))
	rec.wait(t, func(ev gateway.Event) bool {
		ex, ok := ev.(gateway.Execution)
		return ok && ex.ReqID == 5
	})
	replay := rec.executions(func(ex gateway.Execution) bool { return ex.ReqID == 5 })
	require.Len(t, replay, 1)
	require.Equal(t, "x-40", replay[0].Detail.ExecID)

	// The rest filled while the stream was away: only the missing 60 is added.
	filled := partial
	filled.FilledQty = d(100)
	filled.Status = "filled"
	tr.mu.Lock()
	tr.orders = []alpaca.Order{filled}
	tr.mu.Unlock()
	require.NoError(t, g.RequestExecutions(6, gateway.ExecutionFilter{}))
	require.Eventually(t, func() bool {
		return len(rec.executions(func(ex gateway.Execution) bool { return ex.ReqID == 6 })) == 2
	}, waitFor, 5*time.Millisecond)
	replay = rec.executions(func(ex gateway.Execution) bool { return ex.ReqID == 6 })
	require.Equal(t, "x-40", replay[0].Detail.ExecID)
	require.Equal(t, "alp-50-100", replay[1].Detail.ExecID)
	require.Equal(t, int64(60), replay[1].Detail.Shares)
	require.Equal(t, int64(100), replay[1].Detail.CumQty)

	// The late live report of the same fill adds nothing.
	tr.updates <- alpaca.TradeUpdate{Event: "fill", ExecutionID: "x-100", Qty: dp(60), Price: dp(10), Order: filled}
	rec.wait(t, func(ev gateway.Event) bool {
		st, ok := ev.(gateway.OrderStatus)
		return ok && st.OrderID == 50 && st.Status == "Filled"
	})
	live := rec.executions(func(ex gateway.Execution) bool { return ex.ReqID == -1 })
	require.Len(t, live, 1)
	var shares int64
	for _, ex := range live {
		shares += ex.Detail.Shares
	}
	require.Equal(t, int64(40), shares)
}

func TestPlaceOrderFailure(t *testing.T) {
	tr := newFakeTrading()
	tr.placeErr = errors.New("insufficient buying power")
	g, rec, _ := newGateway(t, tr)
	require.NoError(t, g.Connect("", 0, 1))

	err := g.PlaceOrder(1, gateway.Contract{Symbol: "AAPL"}, gateway.Order{Action: "BUY", TotalQuantity: 1, OrderType: "MKT"})
	require.Error(t, err)
	e := rec.wait(t, func(ev gateway.Event) bool { return ev.Kind() == gateway.KindError }).(gateway.Error)
	require.Equal(t, int64(1), e.ID)
	require.Equal(t, CodeOrderRejected, e.Code)
}

func TestAccountUpdatesAndMarketData(t *testing.T) {
	tr := newFakeTrading()
	tr.positions = []alpaca.Position{{Symbol: "AAPL", Qty: d(10), Side: "long", AvgEntryPrice: d(100), CurrentPrice: dp(101), MarketValue: dp(1010)}}
	g, rec, fs := newGateway(t, tr)

	require.Error(t, g.RequestAccountUpdates(true, "PA123"), "not connected")
	require.NoError(t, g.Connect("", 0, 1))
	require.NoError(t, g.RequestAccountUpdates(true, "PA123"))

	pos := rec.wait(t, func(ev gateway.Event) bool { return ev.Kind() == gateway.KindPosition }).(gateway.Position)
	require.Equal(t, int64(10), pos.Quantity)
	rec.wait(t, func(ev gateway.Event) bool { return ev.Kind() == gateway.KindAccountDownloadEnd })

	require.NoError(t, g.RequestCurrentTime())
	ct := rec.wait(t, func(ev gateway.Event) bool { return ev.Kind() == gateway.KindCurrentTime }).(gateway.CurrentTime)
	require.Equal(t, time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC), ct.Time.UTC())

	require.NoError(t, g.RequestMarketData(5, gateway.Contract{Symbol: "aapl"}, "233"))
	last := rec.wait(t, func(ev gateway.Event) bool {
		tk, ok := ev.(gateway.Tick)
		return ok && tk.Field == gateway.TickLast
	}).(gateway.Tick)
	require.Equal(t, 5, last.TickerID)
	require.Equal(t, 187.5, last.Price)

	fs.mu.Lock()
	require.Equal(t, []string{"AAPL"}, fs.symbols)
	h := fs.handler
	fs.mu.Unlock()
	h(stream.Trade{Symbol: "AAPL", Price: 188, Size: 3, Timestamp: time.Now()})
	rt := rec.wait(t, func(ev gateway.Event) bool {
		tk, ok := ev.(gateway.Tick)
		return ok && tk.Field == gateway.TickRTVolume
	}).(gateway.Tick)
	require.Equal(t, 5, rt.TickerID)
	require.True(t, strings.HasPrefix(rt.Value, "188;3;"))
}
