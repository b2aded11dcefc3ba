// Package sim provides an in-process gateway for paper trading and tests.
// It answers the connect handshake, keeps orders, positions and cash in
// memory, and delivers every callback on its own dispatch goroutine like a
// real vendor client.
package sim

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"brokerlink/internal/gateway"
)

// Compile-time interface check.
var _ gateway.Gateway = (*Gateway)(nil)

// CodeNotCancellable is reported when cancelling an order that is not
// resting.
const CodeNotCancellable = 161

// Option configures a Gateway.
type Option func(*Gateway)

// WithAccount sets the managed account name.
func WithAccount(account string) Option {
	return func(g *Gateway) { g.account = account }
}

// WithCash sets the starting cash balance.
func WithCash(cash float64) Option {
	return func(g *Gateway) { g.cash = cash }
}

// WithAutoFill makes marketable orders fill against the last known price.
func WithAutoFill(on bool) Option {
	return func(g *Gateway) { g.autoFill = on }
}

// WithCommission sets the per-share commission charged on fills.
func WithCommission(perShare float64) Option {
	return func(g *Gateway) { g.commission = perShare }
}

// WithFirstOrderID sets the first id reported by next-valid-id.
func WithFirstOrderID(id int64) Option {
	return func(g *Gateway) { g.nextID = id }
}

// WithClock overrides the simulator's clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Silent makes the simulator accept commands without ever answering.
func Silent() Option {
	return func(g *Gateway) { g.silent = true }
}

type simOrder struct {
	id       int64
	contract gateway.Contract
	order    gateway.Order
	status   string
	filled   int64
	avgPrice float64
}

type simPosition struct {
	contract gateway.Contract
	qty      int64
	avgCost  float64
}

type fill struct {
	contract gateway.Contract
	detail   gateway.ExecDetail
	report   gateway.CommissionReport
}

// Gateway is the simulated gateway.
type Gateway struct {
	log *slog.Logger
	now func() time.Time

	account    string
	autoFill   bool
	silent     bool
	commission float64

	events    chan gateway.Event
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	handler   gateway.Handler
	connected bool
	clientID  int
	cash      float64
	nextID    int64
	orders    map[int64]*simOrder
	positions map[string]*simPosition
	lastPrice map[string]float64
	volume    map[string]int64
	tickers   map[int]gateway.Contract
	fills     []fill
	execSeq   int
}

// New creates a simulator. Call Close to stop its dispatch goroutine.
func New(log *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		log:       log.With("component", "sim"),
		now:       time.Now,
		account:   "SIM0001",
		cash:      100000,
		nextID:    1,
		events:    make(chan gateway.Event, 4096),
		done:      make(chan struct{}),
		orders:    make(map[int64]*simOrder),
		positions: make(map[string]*simPosition),
		lastPrice: make(map[string]float64),
		volume:    make(map[string]int64),
		tickers:   make(map[int]gateway.Contract),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Name returns "sim".
func (g *Gateway) Name() string { return "sim" }

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

// Close stops the dispatch goroutine. Undelivered events are dropped.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}

func (g *Gateway) emit(evs ...gateway.Event) {
	if g.silent {
		return
	}
	for _, ev := range evs {
		select {
		case g.events <- ev:
		case <-g.done:
			return
		}
	}
}

// Inject delivers an arbitrary event through the dispatch goroutine.
func (g *Gateway) Inject(evs ...gateway.Event) {
	g.start()
	for _, ev := range evs {
		select {
		case g.events <- ev:
		case <-g.done:
			return
		}
	}
}

// Drop simulates the transport going away.
func (g *Gateway) Drop() {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	g.Inject(gateway.ConnectionClosed{})
}

// Connect opens the simulated session.
func (g *Gateway) Connect(host string, port int, clientID int) error {
	g.start()
	g.mu.Lock()
	g.connected = true
	g.clientID = clientID
	next := g.nextID
	g.mu.Unlock()

	g.log.Info("simulated connect", "host", host, "port", port, "clientID", clientID)
	g.emit(
		gateway.ConnectAck{},
		gateway.ManagedAccounts{Accounts: []string{g.account}},
		gateway.NextValidID{OrderID: next},
	)
	return nil
}

// Disconnect closes the simulated session without a connection-closed
// callback.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

func (g *Gateway) checkConnected() error {
	if !g.connected {
		return fmt.Errorf("sim: not connected")
	}
	return nil
}

// RequestManagedAccounts reports the single simulated account.
func (g *Gateway) RequestManagedAccounts() error {
	g.mu.Lock()
	err := g.checkConnected()
	g.mu.Unlock()
	if err != nil {
		return err
	}
	g.emit(gateway.ManagedAccounts{Accounts: []string{g.account}})
	return nil
}

// RequestAccountUpdates sends the account snapshot followed by
// account-download-end.
func (g *Gateway) RequestAccountUpdates(subscribe bool, account string) error {
	g.mu.Lock()
	if err := g.checkConnected(); err != nil {
		g.mu.Unlock()
		return err
	}
	if !subscribe {
		g.mu.Unlock()
		return nil
	}
	evs := g.accountEventsLocked()
	g.mu.Unlock()

	evs = append(evs, gateway.AccountDownloadEnd{Account: account})
	g.emit(evs...)
	return nil
}

func (g *Gateway) accountEventsLocked() []gateway.Event {
	var posValue float64
	var evs []gateway.Event
	syms := make([]string, 0, len(g.positions))
	for s := range g.positions {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	for _, s := range syms {
		p := g.positions[s]
		px := g.priceLocked(s, p.avgCost)
		mv := float64(p.qty) * px
		posValue += mv
		evs = append(evs, gateway.Position{
			Account:       g.account,
			Contract:      p.contract,
			Quantity:      p.qty,
			AvgCost:       p.avgCost,
			MarketPrice:   px,
			MarketValue:   mv,
			UnrealizedPnL: mv - float64(p.qty)*p.avgCost,
		})
	}

	netLiq := g.cash + posValue
	values := map[string]float64{
		"TotalCashValue":      g.cash,
		"TotalCashValue-S":    g.cash,
		"SettledCash":         g.cash,
		"BuyingPower":         netLiq * 2,
		"EquityWithLoanValue": netLiq,
		"StockMarketValue":    posValue,
		"NetLiquidation":      netLiq,
		"RegTEquity":          netLiq,
		"RegTMargin":          math.Abs(posValue) / 2,
		"FullInitMarginReq":   math.Abs(posValue) / 2,
		"FullMaintMarginReq":  math.Abs(posValue) / 4,
		"AvailableFunds":      netLiq - math.Abs(posValue)/2,
		"ExcessLiquidity":     netLiq - math.Abs(posValue)/4,
		"DayTradesRemaining":  3,
	}
	if netLiq != 0 {
		values["Leverage-S"] = math.Abs(posValue) / netLiq
		values["Cushion"] = (netLiq - math.Abs(posValue)/4) / netLiq
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ccy := "USD"
		if k == "Cushion" || k == "DayTradesRemaining" || k == "Leverage-S" {
			ccy = ""
		}
		evs = append(evs, gateway.AccountValue{
			Account:  g.account,
			Currency: ccy,
			Key:      k,
			Value:    strconv.FormatFloat(values[k], 'f', -1, 64),
		})
	}
	return evs
}

// RequestExecutions replays past fills matching filter.
func (g *Gateway) RequestExecutions(reqID int, filter gateway.ExecutionFilter) error {
	g.mu.Lock()
	if err := g.checkConnected(); err != nil {
		g.mu.Unlock()
		return err
	}
	var evs []gateway.Event
	for _, f := range g.fills {
		if filter.ClientID != 0 && f.detail.ClientID != filter.ClientID {
			continue
		}
		if filter.Symbol != "" && f.contract.Symbol != filter.Symbol {
			continue
		}
		evs = append(evs,
			gateway.Execution{ReqID: reqID, Contract: f.contract, Detail: f.detail},
			gateway.Commission{Report: f.report},
		)
	}
	g.mu.Unlock()
	g.emit(evs...)
	return nil
}

// RequestCurrentTime reports the simulator's clock.
func (g *Gateway) RequestCurrentTime() error {
	g.emit(gateway.CurrentTime{Time: g.now().Truncate(time.Second)})
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

// RequestMarketData registers a ticker id for the contract.
func (g *Gateway) RequestMarketData(tickerID int, contract gateway.Contract, tickList string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkConnected(); err != nil {
		return err
	}
	g.tickers[tickerID] = contract
	g.log.Debug("market data subscribed", "tickerID", tickerID, "symbol", contract.Symbol, "ticks", tickList)
	return nil
}

// PushTick publishes a trade print to subscribers of symbol and lets
// resting orders trade against it.
func (g *Gateway) PushTick(symbol string, price float64, size int64) {
	g.mu.Lock()
	g.lastPrice[symbol] = price
	g.volume[symbol] += size
	rt := fmt.Sprintf("%s;%d;%d;%d;%s;true",
		strconv.FormatFloat(price, 'f', -1, 64), size, g.now().UnixMilli(),
		g.volume[symbol], strconv.FormatFloat(price, 'f', -1, 64))

	var evs []gateway.Event
	ids := make([]int, 0, len(g.tickers))
	for id, c := range g.tickers {
		if c.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		evs = append(evs, gateway.Tick{TickerID: id, Field: gateway.TickRTVolume, Value: rt})
	}
	if g.autoFill {
		for _, id := range g.restingLocked() {
			evs = append(evs, g.tryFillLocked(g.orders[id])...)
		}
	}
	g.mu.Unlock()
	g.emit(evs...)
}

func (g *Gateway) restingLocked() []int64 {
	var ids []int64
	for id, o := range g.orders {
		if o.status == "Submitted" || o.status == "PreSubmitted" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PlaceOrder accepts an order and, with auto-fill, fills it if marketable.
func (g *Gateway) PlaceOrder(id int64, contract gateway.Contract, order gateway.Order) error {
	g.mu.Lock()
	if err := g.checkConnected(); err != nil {
		g.mu.Unlock()
		return err
	}
	if id >= g.nextID {
		g.nextID = id + 1
	}
	o := &simOrder{id: id, contract: contract, order: order, status: "Submitted"}
	g.orders[id] = o

	evs := []gateway.Event{
		gateway.OpenOrder{OrderID: id, Contract: contract, Order: order, State: gateway.OrderState{Status: "PreSubmitted"}},
		g.statusLocked(o),
	}
	if g.autoFill {
		evs = append(evs, g.tryFillLocked(o)...)
	}
	g.mu.Unlock()
	g.emit(evs...)
	return nil
}

func (g *Gateway) statusLocked(o *simOrder) gateway.OrderStatus {
	return gateway.OrderStatus{
		OrderID:      o.id,
		Status:       o.status,
		Filled:       o.filled,
		Remaining:    o.order.TotalQuantity - o.filled,
		AvgFillPrice: o.avgPrice,
		ClientID:     g.clientID,
	}
}

func (g *Gateway) priceLocked(symbol string, fallback float64) float64 {
	if px, ok := g.lastPrice[symbol]; ok {
		return px
	}
	return fallback
}

// fillPrice returns the execution price for o, or false if it cannot trade.
func (g *Gateway) fillPrice(o *simOrder) (float64, bool) {
	last, haveLast := g.lastPrice[o.contract.Symbol]
	buy := o.order.Action == "BUY"
	switch o.order.OrderType {
	case "MKT":
		return last, haveLast
	case "LMT":
		if !haveLast {
			return 0, false
		}
		if (buy && last <= o.order.LimitPrice) || (!buy && last >= o.order.LimitPrice) {
			return last, true
		}
	case "STP":
		if haveLast && ((buy && last >= o.order.AuxPrice) || (!buy && last <= o.order.AuxPrice)) {
			return last, true
		}
	case "STP LMT":
		if !haveLast {
			return 0, false
		}
		triggered := (buy && last >= o.order.AuxPrice) || (!buy && last <= o.order.AuxPrice)
		marketable := (buy && last <= o.order.LimitPrice) || (!buy && last >= o.order.LimitPrice)
		if triggered && marketable {
			return last, true
		}
	}
	return 0, false
}

func (g *Gateway) tryFillLocked(o *simOrder) []gateway.Event {
	px, ok := g.fillPrice(o)
	if !ok {
		return nil
	}
	qty := o.order.TotalQuantity - o.filled
	if qty <= 0 {
		return nil
	}

	g.execSeq++
	side := "BOT"
	signed := qty
	if o.order.Action != "BUY" {
		side = "SLD"
		signed = -qty
	}
	o.avgPrice = (o.avgPrice*float64(o.filled) + px*float64(qty)) / float64(o.filled+qty)
	o.filled += qty
	o.status = "Filled"

	detail := gateway.ExecDetail{
		ExecID:   fmt.Sprintf("sim.%d.%d", o.id, g.execSeq),
		OrderID:  o.id,
		ClientID: g.clientID,
		Time:     g.now(),
		Side:     side,
		Shares:   qty,
		Price:    px,
		CumQty:   o.filled,
		AvgPrice: o.avgPrice,
		OrderRef: o.order.OrderRef,
	}
	report := gateway.CommissionReport{ExecID: detail.ExecID, Commission: g.commission * float64(qty)}
	g.fills = append(g.fills, fill{contract: o.contract, detail: detail, report: report})

	closed := g.applyFillLocked(o.contract, signed, px, report.Commission)
	g.log.Debug("simulated fill", "orderID", o.id, "symbol", o.contract.Symbol, "qty", signed, "price", px)

	evs := []gateway.Event{
		gateway.Execution{ReqID: -1, Contract: o.contract, Detail: detail},
		gateway.Commission{Report: report},
		g.statusLocked(o),
		gateway.OpenOrder{OrderID: o.id, Contract: o.contract, Order: o.order, State: gateway.OrderState{Status: "Filled", Commission: report.Commission}},
	}
	if closed {
		evs = append(evs, gateway.Position{Account: g.account, Contract: o.contract})
	}
	return append(evs, g.accountEventsLocked()...)
}

// applyFillLocked books a fill and reports whether it closed the position.
func (g *Gateway) applyFillLocked(c gateway.Contract, signed int64, px, commission float64) bool {
	g.cash -= float64(signed)*px + commission
	p, ok := g.positions[c.Symbol]
	if !ok {
		p = &simPosition{contract: c}
		g.positions[c.Symbol] = p
	}
	newQty := p.qty + signed
	switch {
	case newQty == 0:
		delete(g.positions, c.Symbol)
		return true
	case p.qty == 0 || (p.qty > 0) != (newQty > 0):
		p.avgCost = px
	case (p.qty > 0) == (signed > 0):
		p.avgCost = (p.avgCost*float64(p.qty) + px*float64(signed)) / float64(newQty)
	}
	p.qty = newQty
	return false
}

// CancelOrder cancels a resting order. Cancelling anything else reports
// vendor error 161.
func (g *Gateway) CancelOrder(id int64) error {
	g.mu.Lock()
	if err := g.checkConnected(); err != nil {
		g.mu.Unlock()
		return err
	}
	o, ok := g.orders[id]
	if !ok || (o.status != "Submitted" && o.status != "PreSubmitted") {
		g.mu.Unlock()
		g.emit(gateway.Error{ID: id, Code: CodeNotCancellable, Message: "Cancel attempted when order is not in a cancellable state"})
		return nil
	}
	o.status = "Cancelled"
	evs := []gateway.Event{
		g.statusLocked(o),
		gateway.OpenOrder{OrderID: id, Contract: o.contract, Order: o.order, State: gateway.OrderState{Status: "Cancelled"}},
	}
	g.mu.Unlock()
	g.emit(evs...)
	return nil
}
