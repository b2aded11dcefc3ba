package broker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/gateway"
	"brokerlink/internal/live"
	"brokerlink/internal/marketdata"
	"brokerlink/internal/orderref"
	"brokerlink/internal/orderstate"
	"brokerlink/internal/portfolio"
	"brokerlink/internal/risk"
	"brokerlink/internal/store"
	"brokerlink/internal/supervisor"
)

// Compile-time interface checks.
var _ Broker = (*Adapter)(nil)
var _ gateway.Handler = (*Adapter)(nil)

// TimeInForce of every order placed by the adapter.
const TimeInForce = "DAY"

// Config describes the session an Adapter opens.
type Config struct {
	Endpoint supervisor.Endpoint
	Universe domain.Universe
	Currency string
	Routing  *gateway.Routing
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithFeed publishes order and transaction changes to feed.
func WithFeed(feed *live.Feed) Option {
	return func(a *Adapter) { a.feed = feed }
}

// WithPaperView serves positions and portfolio from a ledger-backed view
// instead of the gateway's account updates.
func WithPaperView(v *portfolio.LedgerView) Option {
	return func(a *Adapter) { a.paper = v }
}

// WithPaperLedger serves positions and portfolio from the latest ledger
// rows of algoID, marked with the adapter's own market data.
func WithPaperLedger(ledger store.Ledger, algoID string) Option {
	return func(a *Adapter) {
		a.paperLedger = ledger
		a.paperAlgo = algoID
	}
}

// WithRisk checks every new order against m before it is sent.
func WithRisk(m *risk.Manager) Option {
	return func(a *Adapter) { a.risk = m }
}

// WithClock overrides the adapter's clock.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter composes the connection supervisor, order-state store, market
// data aggregator and portfolio book behind the Broker interface. Gateway
// callbacks enter through Handle on the gateway's dispatch goroutine.
type Adapter struct {
	gw       gateway.Gateway
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	sup      *supervisor.Supervisor
	orders   *orderstate.Store
	md       *marketdata.Aggregator
	book     *portfolio.Book
	liveView *portfolio.LiveView
	paper    *portfolio.LedgerView
	feed     *live.Feed
	risk     *risk.Manager

	paperLedger store.Ledger
	paperAlgo   string
}

// New creates an adapter for gw and registers it as gw's handler.
func New(gw gateway.Gateway, cfg Config, log *slog.Logger, opts ...Option) *Adapter {
	if cfg.Universe == nil {
		cfg.Universe = domain.OpenUniverse{}
	}
	if cfg.Currency == "" {
		cfg.Currency = gateway.DefaultCurrency
	}
	if cfg.Routing == nil {
		cfg.Routing = gateway.DefaultRouting()
	}
	a := &Adapter{
		gw:  gw,
		cfg: cfg,
		log: log.With("component", "broker", "gateway", gw.Name()),
		now: time.Now,
	}
	for _, o := range opts {
		o(a)
	}

	a.sup = supervisor.New(gw, cfg.Endpoint, log)
	a.orders = orderstate.New(cfg.Universe, log, orderstate.WithClock(a.now))
	a.md = marketdata.New(gw, cfg.Routing, a.sup.NextTickerID, log, marketdata.WithClock(a.now))
	a.book = portfolio.NewBook(log)
	a.liveView = portfolio.NewLiveView(a.book, a.sup.Account, cfg.Currency, cfg.Universe, a.md)
	if a.paperLedger != nil {
		a.paper = portfolio.NewLedgerView(a.paperLedger, a.paperAlgo, cfg.Universe, a.md, log)
	}

	gw.SetHandler(a)
	return a
}

// PaperView returns the ledger-backed view, or nil outside paper mode.
func (a *Adapter) PaperView() *portfolio.LedgerView { return a.paper }

// Name implements Broker.
func (a *Adapter) Name() string { return a.gw.Name() }

// Connect implements Broker.
func (a *Adapter) Connect(ctx context.Context, timeout time.Duration) error {
	return a.sup.Connect(ctx, timeout)
}

// Handle dispatches one gateway callback. It never panics.
func (a *Adapter) Handle(ev gateway.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("panic in event handler", "kind", ev.Kind().String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch e := ev.(type) {
	case gateway.ConnectAck:
		a.sup.OnConnectAck()
	case gateway.ManagedAccounts:
		a.sup.OnManagedAccounts(e.Accounts)
		a.orders.SetIdentity(a.sup.Account(), a.cfg.Endpoint.ClientID)
	case gateway.AccountDownloadEnd:
		a.sup.OnAccountDownloadEnd(e.Account)
	case gateway.AccountValue:
		a.book.OnAccountValue(e)
	case gateway.Position:
		a.book.OnPosition(e)
	case gateway.Tick:
		a.md.OnTick(e)
	case gateway.OpenOrder:
		a.orders.UpsertOpenOrder(e.OrderID, e.Contract, e.Order, e.State)
		a.publishOrder(e.OrderID)
	case gateway.OrderStatus:
		a.orders.UpsertStatus(e.OrderID, orderstate.StatusFields{
			Status:        e.Status,
			Filled:        e.Filled,
			Remaining:     e.Remaining,
			AvgFillPrice:  e.AvgFillPrice,
			LastFillPrice: e.LastFillPrice,
		})
		a.publishOrder(e.OrderID)
	case gateway.Execution:
		a.orders.RecordExecution(e.Contract, e.Detail)
		a.publishOrder(e.Detail.OrderID)
		a.publishTransactions()
	case gateway.Commission:
		a.orders.RecordCommission(e.Report)
		a.publishTransactions()
	case gateway.NextValidID:
		a.sup.OnNextValidID(e.OrderID)
	case gateway.CurrentTime:
		a.sup.OnCurrentTime(e.Time)
	case gateway.Error:
		a.sup.OnError(e)
	case gateway.ConnectionClosed:
		a.sup.OnConnectionClosed()
	default:
		a.log.Warn("unhandled gateway event", "kind", ev.Kind().String())
	}
}

func (a *Adapter) publishOrder(id int64) {
	if a.feed == nil {
		return
	}
	if o, ok := a.orders.GetOrBuildOrder(id); ok {
		a.feed.PublishOrder(o)
	}
}

func (a *Adapter) publishTransactions() {
	if a.feed == nil {
		return
	}
	for _, tx := range a.orders.Transactions() {
		a.feed.PublishTransaction(tx)
	}
}

// Order implements Broker. The order is tracked before it is sent so that
// callbacks racing the return already find it. The returned order is the
// state at placement; later changes show up in Orders.
func (a *Adapter) Order(asset domain.Asset, amount int64, style domain.OrderStyle) (domain.Order, error) {
	if a.sup.State() == supervisor.StateUnrecoverable {
		return domain.Order{}, ErrUnrecoverable
	}
	if amount == 0 {
		return domain.Order{}, ErrZeroAmount
	}
	if strings.TrimSpace(asset.Symbol) == "" {
		return domain.Order{}, fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if err := style.Validate(); err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	asset.Symbol = strings.ToUpper(asset.Symbol)
	if err := a.checkRisk(asset.Symbol, amount, style); err != nil {
		return domain.Order{}, err
	}
	id, err := a.sup.NextOrderID()
	if err != nil {
		return domain.Order{}, err
	}

	meta := orderref.New(amount, style, a.now())
	contract := a.contract(asset)
	ticket := gateway.Order{
		Action:        meta.Action,
		TotalQuantity: meta.Quantity,
		OrderType:     string(style.Type),
		LimitPrice:    style.LimitPrice,
		AuxPrice:      style.StopPrice,
		TIF:           TimeInForce,
		OrderRef:      orderref.Encode(meta),
	}

	a.orders.Track(id, orderstate.LocalOrder{Asset: asset, Meta: meta, CreatedAt: a.now().UTC()})
	o, ok := a.orders.GetOrBuildOrder(id)
	if !ok {
		a.orders.Forget(id)
		return domain.Order{}, fmt.Errorf("%w: order %d not buildable", ErrInvalidOrder, id)
	}
	a.log.Info("placing order",
		"orderID", id,
		"action", ticket.Action,
		"quantity", ticket.TotalQuantity,
		"symbol", contract.Symbol,
		"type", ticket.OrderType,
		"limit", ticket.LimitPrice,
		"stop", ticket.AuxPrice,
		"tif", ticket.TIF,
	)
	if err := a.gw.PlaceOrder(id, contract, ticket); err != nil {
		a.orders.Forget(id)
		return domain.Order{}, fmt.Errorf("placing order %d: %w", id, err)
	}
	a.publishOrder(id)
	return o, nil
}

// checkRisk prices the order at its limit, then its stop, then the last
// trade.
func (a *Adapter) checkRisk(symbol string, amount int64, style domain.OrderStyle) error {
	if a.risk == nil {
		return nil
	}
	price := style.LimitPrice
	if price == 0 {
		price = style.StopPrice
	}
	if price == 0 {
		price, _ = a.md.Spot(symbol, marketdata.FieldPrice)
	}
	if err := a.risk.CheckOrder(symbol, amount, price, a.view().Portfolio()); err != nil {
		a.log.Warn("order refused", "symbol", symbol, "amount", amount, "price", price, "error", err)
		return err
	}
	return nil
}

// contract routes asset, preferring routing fields the asset carries.
func (a *Adapter) contract(asset domain.Asset) gateway.Contract {
	c := a.cfg.Routing.Contract(asset.Symbol)
	if asset.Exchange != "" {
		c.Exchange = asset.Exchange
	}
	if asset.SecType != "" {
		c.SecType = asset.SecType
	}
	if asset.Currency != "" {
		c.Currency = asset.Currency
	} else {
		c.Currency = a.cfg.Currency
	}
	return c
}

// CancelOrder implements Broker.
func (a *Adapter) CancelOrder(orderID string) error {
	if a.sup.State() == supervisor.StateUnrecoverable {
		return ErrUnrecoverable
	}
	id, ok := a.orders.LookupOrderID(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	a.log.Info("cancelling order", "orderID", orderID)
	if err := a.gw.CancelOrder(id); err != nil {
		return fmt.Errorf("cancelling order %s: %w", orderID, err)
	}
	return nil
}

// Orders implements Broker.
func (a *Adapter) Orders() []domain.Order { return a.orders.Orders() }

// GetOrder returns one order by canonical id.
func (a *Adapter) GetOrder(orderID string) (domain.Order, bool) {
	id, ok := a.orders.LookupOrderID(orderID)
	if !ok {
		return domain.Order{}, false
	}
	return a.orders.GetOrBuildOrder(id)
}

// Transactions implements Broker.
func (a *Adapter) Transactions() []domain.Transaction { return a.orders.Transactions() }

func (a *Adapter) view() portfolio.View {
	if a.paper != nil {
		return a.paper
	}
	return a.liveView
}

// Positions implements Broker.
func (a *Adapter) Positions() map[string]domain.Position { return a.view().Positions() }

// Portfolio implements Broker.
func (a *Adapter) Portfolio() domain.Portfolio { return a.view().Portfolio() }

// Account implements Broker. It always reflects the gateway's account.
func (a *Adapter) Account() domain.Account { return a.liveView.Account() }

// Subscribe implements Broker.
func (a *Adapter) Subscribe(symbol string) error { return a.md.Subscribe(symbol) }

// Subscribed returns the symbols with a market-data subscription.
func (a *Adapter) Subscribed() []string { return a.md.Subscribed() }

// Spot implements Broker.
func (a *Adapter) Spot(symbol, field string) (float64, bool) { return a.md.Spot(symbol, field) }

// LastTraded implements Broker.
func (a *Adapter) LastTraded(symbol string) (time.Time, bool) { return a.md.LastTraded(symbol) }

// RealtimeBars implements Broker. Bars end at the current time.
func (a *Adapter) RealtimeBars(symbols []string, freq time.Duration) map[string]domain.Bar {
	return a.md.RealtimeBars(symbols, freq, a.now())
}

// Bars returns window bars of symbol ending now.
func (a *Adapter) Bars(symbol string, window int, freq time.Duration) ([]domain.Bar, bool) {
	return a.md.Bars(symbol, window, freq, a.now())
}

// IsAlive implements Broker.
func (a *Adapter) IsAlive() bool { return a.sup.IsAlive() }

// TimeSkew implements Broker.
func (a *Adapter) TimeSkew() time.Duration { return a.sup.TimeSkew() }

// State implements Broker.
func (a *Adapter) State() supervisor.State { return a.sup.State() }

// ManagedAccounts returns the session's accounts.
func (a *Adapter) ManagedAccounts() []string { return a.sup.ManagedAccounts() }

// PendingOrders returns gateway ids that have fragments but no order yet.
func (a *Adapter) PendingOrders() []int64 { return a.orders.Pending() }

// Snapshot records the current portfolio in w as algoID's row for today.
func (a *Adapter) Snapshot(ctx context.Context, w store.LedgerWriter, algoID string) error {
	if err := portfolio.Record(ctx, w, algoID, a.now(), a.Portfolio()); err != nil {
		return fmt.Errorf("recording snapshot for %s: %w", algoID, err)
	}
	return nil
}

// ArchiveTicks writes ticks received since the previous call to ts.
func (a *Adapter) ArchiveTicks(ctx context.Context, ts store.TickStore) (int, error) {
	return a.md.Archive(ctx, ts)
}

// ArchiveBars writes the last window bars of every subscription to bs.
func (a *Adapter) ArchiveBars(ctx context.Context, bs store.BarStore, window int, freq time.Duration) (int, error) {
	return a.md.ArchiveBars(ctx, bs, window, freq, a.now())
}
