// Package orderstate reconciles the fragments the gateway reports about an
// order (open-order echoes, status updates, executions and commission
// reports) into one canonical order aggregate per gateway order id.
//
// Fragments arrive on the gateway's dispatch goroutine in any order and may
// be replayed. Every operation takes the store's single mutex; reads rebuild
// the aggregate from whatever fragments are present.
package orderstate

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/gateway"
	"brokerlink/internal/orderref"
)

// StatusFields is the payload of an order-status update.
type StatusFields struct {
	Status        string
	Filled        int64
	Remaining     int64
	AvgFillPrice  float64
	LastFillPrice float64
}

// LocalOrder is what the adapter knows about an order it placed itself.
type LocalOrder struct {
	Asset     domain.Asset
	Meta      orderref.Meta
	CreatedAt time.Time
}

type openOrder struct {
	contract gateway.Contract
	order    gateway.Order
	status   domain.OrderStatus // merged canonical state, "" if never mapped
}

type statusFrag struct {
	fields StatusFields
	status domain.OrderStatus // merged canonical status, "" if never mapped
	filled int64              // max observed
}

type execEntry struct {
	contract gateway.Contract
	detail   gateway.ExecDetail
}

// execLog keeps executions in first-arrival order; a replayed exec id
// overwrites in place.
type execLog struct {
	ids  []string
	byID map[string]execEntry
}

type highWater struct {
	status domain.OrderStatus
	filled int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp first-seen times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds order fragments keyed by gateway order id.
type Store struct {
	mu       sync.Mutex
	log      *slog.Logger
	now      func() time.Time
	universe domain.Universe

	account  string
	clientID int

	local       map[int64]LocalOrder
	openOrders  map[int64]openOrder
	statuses    map[int64]statusFrag
	executions  map[int64]*execLog
	commissions map[string]gateway.CommissionReport // by exec id
	execOrder   map[string]int64                    // exec id -> order id
	firstSeen   map[int64]time.Time
	high        map[int64]highWater
	warned      map[string]bool
}

// New creates an empty store resolving symbols through universe.
func New(universe domain.Universe, log *slog.Logger, opts ...Option) *Store {
	s := &Store{
		log:         log.With("component", "orderstate"),
		now:         time.Now,
		universe:    universe,
		local:       make(map[int64]LocalOrder),
		openOrders:  make(map[int64]openOrder),
		statuses:    make(map[int64]statusFrag),
		executions:  make(map[int64]*execLog),
		commissions: make(map[string]gateway.CommissionReport),
		execOrder:   make(map[string]int64),
		firstSeen:   make(map[int64]time.Time),
		high:        make(map[int64]highWater),
		warned:      make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetIdentity sets the account and client id used to format order ids.
func (s *Store) SetIdentity(account string, clientID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = account
	s.clientID = clientID
}

// FormatOrderID returns the canonical order id for a gateway order id.
func (s *Store) FormatOrderID(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formatID(id)
}

func (s *Store) formatID(id int64) string {
	return fmt.Sprintf("%s-%d-%d", s.account, s.clientID, id)
}

// LookupOrderID maps a canonical order id back to the gateway order id. It
// returns false for ids this store has never seen.
func (s *Store) LookupOrderID(orderID string) (int64, bool) {
	i := strings.LastIndexByte(orderID, '-')
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(orderID[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.formatID(id) != orderID || !s.known(id) {
		return 0, false
	}
	return id, true
}

func (s *Store) known(id int64) bool {
	if _, ok := s.local[id]; ok {
		return true
	}
	if _, ok := s.openOrders[id]; ok {
		return true
	}
	if _, ok := s.statuses[id]; ok {
		return true
	}
	_, ok := s.executions[id]
	return ok
}

func (s *Store) touch(id int64) {
	if _, ok := s.firstSeen[id]; !ok {
		s.firstSeen[id] = s.now()
	}
}

// Track registers an order placed by this adapter before it is sent.
func (s *Store) Track(id int64, lo LocalOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[id] = lo
	s.touch(id)
}

// Forget drops a tracked order whose send failed. Fragments already
// reported by the gateway are kept.
func (s *Store) Forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.local, id)
	if !s.known(id) {
		delete(s.firstSeen, id)
		delete(s.high, id)
	}
}

// UpsertOpenOrder records an open-order echo.
func (s *Store) UpsertOpenOrder(id int64, contract gateway.Contract, order gateway.Order, state gateway.OrderState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.openOrders[id]
	oo := openOrder{contract: contract, order: order, status: prev.status}
	if st, ok := MapStatus(state.Status); ok {
		oo.status = advance(prev.status, st)
	} else if state.Status != "" {
		s.log.Warn("unknown open-order state", "orderID", id, "status", state.Status)
	}
	s.openOrders[id] = oo
	s.touch(id)
}

// UpsertStatus records an order-status update. A terminal status is never
// replaced by a non-terminal one and the filled quantity never decreases.
func (s *Store) UpsertStatus(id int64, f StatusFields) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.statuses[id]
	sf := statusFrag{fields: f, status: prev.status, filled: max(prev.filled, f.Filled)}
	if st, ok := MapStatus(f.Status); ok {
		sf.status = advance(prev.status, st)
	} else {
		s.log.Warn("unknown order status", "orderID", id, "status", f.Status)
	}
	s.statuses[id] = sf
	s.touch(id)
}

// RecordExecution records a fill. Replaying an exec id overwrites it.
func (s *Store) RecordExecution(contract gateway.Contract, d gateway.ExecDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.executions[d.OrderID]
	if !ok {
		el = &execLog{byID: make(map[string]execEntry)}
		s.executions[d.OrderID] = el
	}
	if _, dup := el.byID[d.ExecID]; !dup {
		el.ids = append(el.ids, d.ExecID)
	}
	el.byID[d.ExecID] = execEntry{contract: contract, detail: d}
	s.execOrder[d.ExecID] = d.OrderID
	s.touch(d.OrderID)
}

// RecordCommission records the fee for an execution. The report may arrive
// before its execution; it is joined once the execution is recorded.
func (s *Store) RecordCommission(r gateway.CommissionReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commissions[r.ExecID] = r
	if _, ok := s.execOrder[r.ExecID]; !ok {
		s.log.Debug("commission parked until execution arrives", "execID", r.ExecID)
	}
}

// GetOrBuildOrder returns the aggregate for a gateway order id. It returns
// false when no fragment is known yet or the order's symbol is not in the
// universe.
func (s *Store) GetOrBuildOrder(id int64) (domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.build(id)
}

// Orders returns every order that can be built, ordered by gateway id.
func (s *Store) Orders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for _, id := range s.ids() {
		if o, ok := s.build(id); ok {
			out = append(out, o)
		}
	}
	return out
}

// Pending returns gateway ids with fragments but no buildable order.
func (s *Store) Pending() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int64
	for _, id := range s.ids() {
		if _, ok := s.build(id); !ok {
			out = append(out, id)
		}
	}
	return out
}

// Executions returns the fills recorded for a gateway order id in arrival
// order. Shares are signed by side.
func (s *Store) Executions(id int64) []domain.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.executions[id]
	if !ok {
		return nil
	}
	out := make([]domain.Execution, 0, len(el.ids))
	for _, execID := range el.ids {
		d := el.byID[execID].detail
		out = append(out, domain.Execution{
			ExecID:   d.ExecID,
			OrderID:  d.OrderID,
			Shares:   domain.SignedAmount(d.Side, d.Shares),
			Price:    d.Price,
			Time:     d.Time,
			ClientID: d.ClientID,
		})
	}
	return out
}

// Commission returns the joined commission report for an execution.
func (s *Store) Commission(execID string) (domain.CommissionReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.commissions[execID]
	if !ok {
		return domain.CommissionReport{}, false
	}
	orderID, joined := s.execOrder[execID]
	if !joined {
		return domain.CommissionReport{}, false
	}
	return domain.CommissionReport{
		ExecID:      execID,
		OrderID:     orderID,
		Commission:  r.Commission,
		RealizedPnL: r.RealizedPnL,
	}, true
}

// Transactions derives one transaction per execution whose order can be
// built, sorted by time. Executions of unbuildable orders are held back.
func (s *Store) Transactions() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Transaction
	for _, id := range s.ids() {
		el, ok := s.executions[id]
		if !ok {
			continue
		}
		order, ok := s.build(id)
		if !ok {
			s.log.Debug("executions held until order is known", "orderID", id, "count", len(el.ids))
			continue
		}
		for _, execID := range el.ids {
			d := el.byID[execID].detail
			tx := domain.Transaction{
				ExecID:  execID,
				Asset:   order.Asset,
				Amount:  domain.SignedAmount(d.Side, d.Shares),
				Price:   d.Price,
				Time:    d.Time,
				OrderID: order.ID,
			}
			if r, ok := s.commissions[execID]; ok {
				tx.Commission = r.Commission
			} else if !s.warned[execID] {
				s.warned[execID] = true
				s.log.Warn("commission not found for execution", "execID", execID, "orderID", order.ID)
			}
			out = append(out, tx)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Transaction) int {
		if c := a.Time.Compare(b.Time); c != 0 {
			return c
		}
		return strings.Compare(a.ExecID, b.ExecID)
	})
	return out
}

// ids returns every gateway id with at least one fragment, ascending.
func (s *Store) ids() []int64 {
	set := make(map[int64]struct{})
	for id := range s.local {
		set[id] = struct{}{}
	}
	for id := range s.openOrders {
		set[id] = struct{}{}
	}
	for id := range s.statuses {
		set[id] = struct{}{}
	}
	for id := range s.executions {
		set[id] = struct{}{}
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// latest returns the execution with the latest time; ties go to the
// one recorded last.
func (el *execLog) latest() execEntry {
	var best execEntry
	for i, id := range el.ids {
		e := el.byID[id]
		if i == 0 || !e.detail.Time.Before(best.detail.Time) {
			best = e
		}
	}
	return best
}

// filledQty is the highest reported cumulative quantity, or the sum of the
// recorded fills when the gateway reports none.
func (el *execLog) filledQty() int64 {
	var cum, sum int64
	for _, e := range el.byID {
		cum = max(cum, e.detail.CumQty)
		sum += e.detail.Shares
	}
	if cum > 0 {
		return cum
	}
	return sum
}

// build assembles the aggregate. Intent comes from, in priority order, the
// local record, the order ref on the open-order echo, the order ref on the
// latest execution, and finally the bare open-order ticket.
func (s *Store) build(id int64) (domain.Order, bool) {
	lo, hasLocal := s.local[id]
	oo, hasOpen := s.openOrders[id]
	sf, hasStatus := s.statuses[id]
	el, hasExecs := s.executions[id]

	if !hasLocal && !hasOpen && !hasStatus && !hasExecs {
		s.log.Debug("order not yet available", "orderID", id)
		return domain.Order{}, false
	}

	var (
		symbol string
		meta   orderref.Meta
		hasRef bool
	)
	switch {
	case hasLocal:
		symbol, meta, hasRef = lo.Asset.Symbol, lo.Meta, true
	case hasOpen:
		symbol = oo.contract.Symbol
		meta, hasRef = s.decodeRef(id, oo.order.OrderRef)
		if !hasRef && hasExecs {
			meta, hasRef = s.decodeRef(id, el.latest().detail.OrderRef)
		}
	case hasExecs:
		last := el.latest()
		symbol = last.contract.Symbol
		meta, hasRef = s.decodeRef(id, last.detail.OrderRef)
	}

	if symbol == "" {
		s.log.Debug("order has no symbol yet", "orderID", id)
		return domain.Order{}, false
	}

	asset := lo.Asset
	if !hasLocal {
		a, ok := s.universe.Lookup(symbol)
		if !ok {
			s.log.Warn("ignoring order for symbol outside universe", "orderID", id, "symbol", symbol)
			return domain.Order{}, false
		}
		asset = a
	}

	o := domain.Order{
		ID:            s.formatID(id),
		Asset:         asset,
		BrokerOrderID: id,
		CreatedAt:     s.firstSeen[id],
	}
	switch {
	case hasRef:
		o.Amount = meta.Amount()
		o.Type = meta.OrderType
		o.LimitPrice = meta.LimitPrice
		o.StopPrice = meta.StopPrice
		o.CreatedAt = meta.SubmittedAt
		if hasLocal && !lo.CreatedAt.IsZero() {
			o.CreatedAt = lo.CreatedAt
		}
	case hasOpen:
		o.Amount = domain.SignedAmount(oo.order.Action, oo.order.TotalQuantity)
		o.Type = domain.OrderType(oo.order.OrderType)
		o.LimitPrice = oo.order.LimitPrice
		o.StopPrice = oo.order.AuxPrice
	case hasExecs:
		last := el.latest().detail
		o.Amount = domain.SignedAmount(last.Side, max(last.CumQty, last.Shares))
		o.Type = domain.OrderTypeMarket
	}

	status := domain.OrderStatusUnknown
	if hasOpen && oo.status != "" {
		status = oo.status
	}
	if hasStatus && sf.status != "" && !(status.Terminal() && !sf.status.Terminal()) {
		status = sf.status
	}
	var filled int64
	if hasStatus {
		filled = sf.filled
	}
	if hasExecs {
		filled = max(filled, el.filledQty())
	}

	// Without a status or open-order fragment the status is inferred: fills
	// covering the whole amount mean FILLED, anything less is still OPEN.
	// An inferred status never enters the high-water mark.
	inferred := false
	if status == domain.OrderStatusUnknown && !hasOpen && !hasStatus {
		switch {
		case hasExecs:
			inferred = true
			status = domain.OrderStatusOpen
			if o.Amount == 0 || filled >= abs(o.Amount) {
				status = domain.OrderStatusFilled
			}
		case hasLocal:
			inferred = true
			status = domain.OrderStatusOpen
		}
	}

	hw := s.high[id]
	if hw.status.Terminal() && !status.Terminal() {
		status = hw.status
	}
	filled = max(filled, hw.filled)
	if inferred {
		s.high[id] = highWater{status: hw.status, filled: filled}
	} else {
		s.high[id] = highWater{status: status, filled: filled}
	}

	o.Status = status
	o.Filled = filled
	return o, true
}

func (s *Store) decodeRef(id int64, ref string) (orderref.Meta, bool) {
	if ref == "" {
		return orderref.Meta{}, false
	}
	m, ok := orderref.Decode(ref)
	if !ok {
		s.log.Warn("unparseable order ref", "orderID", id, "ref", ref)
	}
	return m, ok
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
