// Package alpacagw implements the gateway contract on top of the Alpaca
// trading and market-data APIs. REST calls are rate limited, order and fill
// updates arrive on the trade-update stream, and trade prints from the
// market-data stream are delivered as RTVolume ticks.
package alpacagw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"

	"brokerlink/internal/gateway"
	"brokerlink/internal/util"
)

// Compile-time interface check.
var _ gateway.Gateway = (*Gateway)(nil)

// Vendor-style codes for request failures.
const (
	CodeOrderRejected   = 201
	CodeNotCancellable  = 161
	CodeMarketDataError = 354
)

// foreignIDBase is the first local id handed to orders placed outside this
// session, kept clear of ids minted by the session itself.
const foreignIDBase = int64(1) << 40

const (
	requestBurst    = 5
	recoverAttempts = 3
	recoverBackoff  = 250 * time.Millisecond
)

// Trading is the subset of the Alpaca trading client the gateway uses.
type Trading interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	GetClock() (*alpaca.Clock, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	StreamTradeUpdates(ctx context.Context, handler func(alpaca.TradeUpdate), req alpaca.StreamTradeUpdatesRequest) error
}

// Quotes is the subset of the market-data REST client the gateway uses.
type Quotes interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// TradeStream is the subset of the market-data stream client the gateway
// uses.
type TradeStream interface {
	Connect(ctx context.Context) error
	SubscribeToTrades(handler func(stream.Trade), symbols ...string) error
}

// Config holds the Alpaca endpoints and credentials.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API
	DataURL   string // market-data REST API
	Feed      string // market-data stream feed, "iex" or "sip"

	PollInterval      time.Duration // account and position refresh
	RequestsPerMinute int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTrading replaces the trading client.
func WithTrading(t Trading) Option {
	return func(g *Gateway) { g.trading = t }
}

// WithQuotes replaces the market-data REST client.
func WithQuotes(q Quotes) Option {
	return func(g *Gateway) { g.quotes = q }
}

// WithTradeStream replaces the market-data stream client factory.
func WithTradeStream(newStream func() TradeStream) Option {
	return func(g *Gateway) { g.newStream = newStream }
}

// WithClock overrides the gateway's clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

type localOrder struct {
	alpacaID string
	ref      string
	// fills are the executions reported for the order, live or backfilled,
	// and reported is the cumulative quantity they cover.
	fills    []gateway.Execution
	reported int64
}

// claimFillLocked records a fill of id at cumulative quantity cum and returns
// the shares not covered by earlier fills, capped at shares when positive.
// Zero means the fill was already reported.
func (g *Gateway) claimFillLocked(id, cum, shares int64) int64 {
	lo := g.orders[id]
	if lo == nil || cum <= lo.reported {
		return 0
	}
	fresh := cum - lo.reported
	if shares > 0 {
		fresh = min(fresh, shares)
	}
	lo.reported = cum
	return fresh
}

// Gateway is the Alpaca-backed gateway.
type Gateway struct {
	log     *slog.Logger
	now     func() time.Time
	limiter *util.RateLimiter
	poll    time.Duration

	trading   Trading
	quotes    Quotes
	newStream func() TradeStream

	events    chan gateway.Event
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	handler     gateway.Handler
	cancel      context.CancelFunc
	ctx         context.Context
	connected   bool
	polling     bool
	clientID    int
	nextID      int64
	foreignNext int64
	orders      map[int64]*localOrder
	byAlpaca    map[string]int64
	tickers     map[string][]int
	volumes     map[string]*rtVolume
	trades      TradeStream
}

// New creates a gateway. Call Close to stop its dispatch goroutine.
func New(cfg Config, log *slog.Logger, opts ...Option) *Gateway {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 15 * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 180
	}
	g := &Gateway{
		log:         log.With("component", "alpaca"),
		now:         time.Now,
		limiter:     util.NewRateLimiter(rpm, requestBurst),
		poll:        poll,
		events:      make(chan gateway.Event, 4096),
		done:        make(chan struct{}),
		nextID:      1,
		foreignNext: foreignIDBase,
		orders:      make(map[int64]*localOrder),
		byAlpaca:    make(map[string]int64),
		tickers:     make(map[string][]int),
		volumes:     make(map[string]*rtVolume),
	}
	for _, o := range opts {
		o(g)
	}
	if g.trading == nil {
		g.trading = alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		})
	}
	if g.quotes == nil {
		mdOpts := marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}
		if cfg.DataURL != "" {
			mdOpts.BaseURL = cfg.DataURL
		}
		g.quotes = marketdata.NewClient(mdOpts)
	}
	if g.newStream == nil {
		feed := marketdata.Feed(cfg.Feed)
		if feed == "" {
			feed = marketdata.IEX
		}
		g.newStream = func() TradeStream {
			return stream.NewStocksClient(feed, stream.WithCredentials(cfg.APIKey, cfg.APISecret))
		}
	}
	return g
}

// Name returns "alpaca".
func (g *Gateway) Name() string { return "alpaca" }

// SetHandler registers the callback receiver.
func (g *Gateway) SetHandler(h gateway.Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

func (g *Gateway) start() {
	g.startOnce.Do(func() {
		g.wg.Add(1)
		go g.dispatch()
	})
}

func (g *Gateway) dispatch() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case ev := <-g.events:
			g.mu.Lock()
			h := g.handler
			g.mu.Unlock()
			if h != nil {
				h.Handle(ev)
			}
		}
	}
}

// Close disconnects and stops the dispatch goroutine.
func (g *Gateway) Close() {
	_ = g.Disconnect()
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}

func (g *Gateway) emit(evs ...gateway.Event) {
	for _, ev := range evs {
		select {
		case g.events <- ev:
		case <-g.done:
			return
		}
	}
}

func (g *Gateway) session() (context.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil, errors.New("alpaca: not connected")
	}
	return g.ctx, nil
}

// call waits for a rate-limit token and runs fn.
func (g *Gateway) call(fn func() error) error {
	ctx, err := g.session()
	if err != nil {
		return err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return fn()
}

// Connect verifies the credentials, reports the account and the next order
// id, and starts the trade-update and market-data streams. host and port are
// ignored; the endpoints come from Config.
func (g *Gateway) Connect(host string, port int, clientID int) error {
	g.start()

	acct, err := g.trading.GetAccount()
	if err != nil {
		g.emit(gateway.Error{ID: -1, Code: gateway.CodeConnectFailed, Message: err.Error()})
		return fmt.Errorf("alpaca: get account: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	g.ctx, g.cancel = ctx, cancel
	g.connected = true
	g.polling = false
	g.clientID = clientID
	g.mu.Unlock()

	next, err := g.recoverOrders()
	if err != nil {
		g.log.Warn("could not list recent orders", "error", err)
	}

	g.log.Info("connected", "account", acct.AccountNumber, "status", acct.Status, "clientID", clientID, "nextOrderID", next)
	g.emit(
		gateway.ConnectAck{},
		gateway.ManagedAccounts{Accounts: []string{acct.AccountNumber}},
		gateway.NextValidID{OrderID: next},
	)

	g.wg.Add(1)
	go g.runTradeUpdates(ctx)
	g.connectTradeStream(ctx)
	return nil
}

// recoverOrders loads the recent order history so ids keep increasing across
// restarts and orders placed elsewhere get stable local ids.
func (g *Gateway) recoverOrders() (int64, error) {
	var orders []alpaca.Order
	ctx, err := g.session()
	if err == nil {
		err = util.Retry(ctx, recoverAttempts, recoverBackoff, func() error {
			return g.call(func() error {
				var err error
				orders, err = g.trading.GetOrders(alpaca.GetOrdersRequest{Status: "all", Limit: 500, Direction: "asc"})
				return err
			})
		})
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range orders {
		g.localIDLocked(o)
	}
	return g.nextID, err
}

// localIDLocked returns the local id of an Alpaca order, registering it if
// it has not been seen.
func (g *Gateway) localIDLocked(o alpaca.Order) (int64, string) {
	if id, ok := g.byAlpaca[o.ID]; ok {
		return id, g.orders[id].ref
	}
	clientID, id, ref, ok := decodeClientOrderID(o.ClientOrderID)
	if !ok || clientID != g.clientID {
		id = g.foreignNext
		g.foreignNext++
	} else if id >= g.nextID {
		g.nextID = id + 1
	}
	if lo, exists := g.orders[id]; exists {
		lo.alpacaID = o.ID
	} else {
		g.orders[id] = &localOrder{alpacaID: o.ID, ref: ref}
	}
	g.byAlpaca[o.ID] = id
	return id, ref
}

// Disconnect stops the streams and polling without a connection-closed
// callback.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.connected = false
	g.trades = nil
	return nil
}

func (g *Gateway) runTradeUpdates(ctx context.Context) {
	defer g.wg.Done()
	err := g.trading.StreamTradeUpdates(ctx, g.onTradeUpdate, alpaca.StreamTradeUpdatesRequest{})
	if ctx.Err() != nil {
		return
	}
	g.log.Error("trade update stream ended", "error", err)
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	g.emit(gateway.ConnectionClosed{})
}

func (g *Gateway) onTradeUpdate(u alpaca.TradeUpdate) {
	g.mu.Lock()
	id, ref := g.localIDLocked(u.Order)
	clientID := g.clientID
	evs := orderEvents(id, clientID, ref, u.Order)
	if u.Event == "fill" || u.Event == "partial_fill" {
		fresh := g.claimFillLocked(id, decInt(u.Order.FilledQty), decPtrInt(u.Qty))
		if fresh > 0 {
			q := decimal.NewFromInt(fresh)
			u.Qty = &q
			fills := fillEvents(id, clientID, ref, u)
			g.recordFillLocked(id, fills)
			evs = append(evs, fills...)
		} else {
			g.log.Debug("fill already reported", "orderID", id, "cumQty", u.Order.FilledQty.String())
		}
	}
	g.mu.Unlock()

	g.log.Debug("trade update", "event", u.Event, "orderID", id, "alpacaID", u.Order.ID, "status", u.Order.Status)
	g.emit(evs...)
}

func (g *Gateway) recordFillLocked(id int64, evs []gateway.Event) {
	lo := g.orders[id]
	if lo == nil {
		return
	}
	for _, ev := range evs {
		if ex, ok := ev.(gateway.Execution); ok {
			lo.fills = append(lo.fills, ex)
		}
	}
}

func (g *Gateway) connectTradeStream(ctx context.Context) {
	ts := g.newStream()
	if err := ts.Connect(ctx); err != nil {
		g.log.Warn("market data stream unavailable", "error", err)
		g.emit(gateway.Error{ID: -1, Code: CodeMarketDataError, Message: err.Error()})
		return
	}
	g.mu.Lock()
	g.trades = ts
	symbols := make([]string, 0, len(g.tickers))
	for s := range g.tickers {
		symbols = append(symbols, s)
	}
	g.mu.Unlock()
	if len(symbols) > 0 {
		sort.Strings(symbols)
		if err := ts.SubscribeToTrades(g.onTrade, symbols...); err != nil {
			g.log.Warn("resubscribe failed", "symbols", symbols, "error", err)
		}
	}
}

func (g *Gateway) onTrade(t stream.Trade) {
	symbol := strings.ToUpper(t.Symbol)
	g.mu.Lock()
	ids := g.tickers[symbol]
	rv := g.volumes[symbol]
	if rv == nil {
		rv = &rtVolume{}
		g.volumes[symbol] = rv
	}
	value := rv.add(t)
	g.mu.Unlock()

	for _, id := range ids {
		g.emit(gateway.Tick{TickerID: id, Field: gateway.TickRTVolume, Value: value})
	}
}

// RequestManagedAccounts reports the account of the API key.
func (g *Gateway) RequestManagedAccounts() error {
	var acct *alpaca.Account
	if err := g.call(func() error {
		var err error
		acct, err = g.trading.GetAccount()
		return err
	}); err != nil {
		return err
	}
	g.emit(gateway.ManagedAccounts{Accounts: []string{acct.AccountNumber}})
	return nil
}

// RequestAccountUpdates sends the account snapshot followed by
// account-download-end, then keeps refreshing it every poll interval.
func (g *Gateway) RequestAccountUpdates(subscribe bool, account string) error {
	ctx, err := g.session()
	if err != nil {
		return err
	}
	if !subscribe {
		return nil
	}
	if err := g.pushAccount(); err != nil {
		return err
	}
	g.emit(gateway.AccountDownloadEnd{Account: account})

	g.mu.Lock()
	startPoll := !g.polling
	g.polling = true
	g.mu.Unlock()
	if startPoll {
		g.wg.Add(1)
		go g.pollAccount(ctx)
	}
	return nil
}

func (g *Gateway) pollAccount(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.pushAccount(); err != nil && ctx.Err() == nil {
				g.log.Warn("account refresh failed", "error", err)
			}
		}
	}
}

// pushAccount emits the current positions and account values. Positions
// the broker no longer reports are closed with a zero quantity.
func (g *Gateway) pushAccount() error {
	var acct *alpaca.Account
	var positions []alpaca.Position
	if err := g.call(func() error {
		var err error
		acct, err = g.trading.GetAccount()
		return err
	}); err != nil {
		return fmt.Errorf("alpaca: get account: %w", err)
	}
	if err := g.call(func() error {
		var err error
		positions, err = g.trading.GetPositions()
		return err
	}); err != nil {
		return fmt.Errorf("alpaca: get positions: %w", err)
	}

	evs := make([]gateway.Event, 0, len(positions)+16)
	for _, p := range positions {
		evs = append(evs, positionEvent(acct.AccountNumber, p))
	}
	evs = append(evs, accountEvents(*acct)...)
	g.emit(evs...)
	return nil
}

// RequestExecutions replays fills of recent orders matching filter. Fills
// already seen on the trade-update stream are replayed as reported; Alpaca's
// order list only adds one aggregate fill for quantity beyond them, so a
// fill is never counted twice.
func (g *Gateway) RequestExecutions(reqID int, filter gateway.ExecutionFilter) error {
	var orders []alpaca.Order
	if err := g.call(func() error {
		req := alpaca.GetOrdersRequest{Status: "all", Limit: 500, Direction: "asc"}
		if filter.Symbol != "" {
			req.Symbols = []string{filter.Symbol}
		}
		var err error
		orders, err = g.trading.GetOrders(req)
		return err
	}); err != nil {
		return fmt.Errorf("alpaca: list orders: %w", err)
	}

	g.mu.Lock()
	var evs []gateway.Event
	for _, o := range orders {
		id, ref := g.localIDLocked(o)
		if filter.ClientID != 0 && id >= foreignIDBase {
			continue
		}
		evs = append(evs, orderEvents(id, g.clientID, ref, o)...)
		cum := decInt(o.FilledQty)
		if fresh := g.claimFillLocked(id, cum, 0); fresh > 0 {
			at := o.UpdatedAt
			if o.FilledAt != nil {
				at = *o.FilledAt
			}
			q := decimal.NewFromInt(fresh)
			u := alpaca.TradeUpdate{
				Event:     "fill",
				EventID:   fmt.Sprintf("%s-%d", o.ID, cum),
				Order:     o,
				Qty:       &q,
				Price:     o.FilledAvgPrice,
				Timestamp: &at,
			}
			g.recordFillLocked(id, fillEvents(id, g.clientID, ref, u))
		}
		for _, ex := range g.orders[id].fills {
			ex.ReqID = reqID
			evs = append(evs, ex, gateway.Commission{Report: gateway.CommissionReport{ExecID: ex.Detail.ExecID}})
		}
	}
	g.mu.Unlock()
	g.emit(evs...)
	return nil
}

// RequestCurrentTime reports the exchange clock.
func (g *Gateway) RequestCurrentTime() error {
	var clock *alpaca.Clock
	if err := g.call(func() error {
		var err error
		clock, err = g.trading.GetClock()
		return err
	}); err != nil {
		return fmt.Errorf("alpaca: get clock: %w", err)
	}
	g.emit(gateway.CurrentTime{Time: clock.Timestamp.Truncate(time.Second)})
	return nil
}

// RequestIDs reports the next unused order id.
func (g *Gateway) RequestIDs(int) error {
	g.mu.Lock()
	next := g.nextID
	g.mu.Unlock()
	g.emit(gateway.NextValidID{OrderID: next})
	return nil
}

// RequestMarketData subscribes the contract's trade prints to tickerID and
// seeds the last price from the REST latest trade.
func (g *Gateway) RequestMarketData(tickerID int, contract gateway.Contract, tickList string) error {
	if _, err := g.session(); err != nil {
		return err
	}
	symbol := strings.ToUpper(contract.Symbol)
	g.mu.Lock()
	first := len(g.tickers[symbol]) == 0
	g.tickers[symbol] = append(g.tickers[symbol], tickerID)
	ts := g.trades
	g.mu.Unlock()

	g.log.Debug("market data subscribed", "tickerID", tickerID, "symbol", symbol, "ticks", tickList)
	if first && ts != nil {
		if err := ts.SubscribeToTrades(g.onTrade, symbol); err != nil {
			g.emit(gateway.Error{ID: int64(tickerID), Code: CodeMarketDataError, Message: err.Error()})
			return fmt.Errorf("alpaca: subscribe %s: %w", symbol, err)
		}
	}

	var last *marketdata.Trade
	if err := g.call(func() error {
		var err error
		last, err = g.quotes.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		return err
	}); err != nil {
		g.log.Warn("latest trade unavailable", "symbol", symbol, "error", err)
		return nil
	}
	if last != nil && g.now().Sub(last.Timestamp) < staleAfter {
		g.emit(
			gateway.Tick{TickerID: tickerID, Field: gateway.TickLast, Price: last.Price},
			gateway.Tick{TickerID: tickerID, Field: gateway.TickLastSize, Size: int64(last.Size)},
		)
	}
	return nil
}

// PlaceOrder submits the ticket. The accepted order is echoed immediately;
// later updates arrive on the trade-update stream.
func (g *Gateway) PlaceOrder(id int64, contract gateway.Contract, order gateway.Order) error {
	g.mu.Lock()
	clientID := g.clientID
	if id >= g.nextID {
		g.nextID = id + 1
	}
	g.orders[id] = &localOrder{ref: order.OrderRef}
	g.mu.Unlock()

	req, err := placeRequest(clientID, id, contract, order)
	if err != nil {
		g.emit(gateway.Error{ID: id, Code: CodeOrderRejected, Message: err.Error()})
		return err
	}
	var placed *alpaca.Order
	if err := g.call(func() error {
		var err error
		placed, err = g.trading.PlaceOrder(req)
		return err
	}); err != nil {
		g.emit(gateway.Error{ID: id, Code: CodeOrderRejected, Message: err.Error()})
		return fmt.Errorf("alpaca: place order %d: %w", id, err)
	}

	g.mu.Lock()
	g.orders[id].alpacaID = placed.ID
	g.byAlpaca[placed.ID] = id
	g.mu.Unlock()
	g.emit(orderEvents(id, clientID, order.OrderRef, *placed)...)
	return nil
}

// CancelOrder requests cancellation of a previously placed order.
func (g *Gateway) CancelOrder(id int64) error {
	g.mu.Lock()
	lo, ok := g.orders[id]
	var alpacaID string
	if ok {
		alpacaID = lo.alpacaID
	}
	g.mu.Unlock()
	if alpacaID == "" {
		g.emit(gateway.Error{ID: id, Code: CodeNotCancellable, Message: "unknown order"})
		return fmt.Errorf("alpaca: cancel order %d: unknown order", id)
	}
	if err := g.call(func() error { return g.trading.CancelOrder(alpacaID) }); err != nil {
		g.emit(gateway.Error{ID: id, Code: CodeNotCancellable, Message: err.Error()})
		return fmt.Errorf("alpaca: cancel order %d: %w", id, err)
	}
	return nil
}
