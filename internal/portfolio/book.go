// Package portfolio turns gateway account callbacks and ledger snapshots into
// the position, portfolio and account views read by strategies.
package portfolio

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/gateway"
	"brokerlink/internal/marketdata"
)

// Gateway account keys.
const (
	KeyTotalCash          = "TotalCashValue"
	KeySettledCash        = "TotalCashValue-S"
	KeyBuyingPower        = "BuyingPower"
	KeyEquityWithLoan     = "EquityWithLoanValue"
	KeyStockMarketValue   = "StockMarketValue"
	KeyRegTEquity         = "RegTEquity"
	KeyRegTMargin         = "RegTMargin"
	KeyInitMarginReq      = "FullInitMarginReq"
	KeyMaintMarginReq     = "FullMaintMarginReq"
	KeyAvailableFunds     = "AvailableFunds"
	KeyExcessLiquidity    = "ExcessLiquidity"
	KeyNetLiquidation     = "NetLiquidation"
	KeyCushion            = "Cushion"
	KeyDayTradesRemaining = "DayTradesRemaining"
	KeyLeverage           = "Leverage-S"
)

// Exposure is positionsValue / (positionsValue + cash), or 0 when there is
// nothing invested or the denominator vanishes.
func Exposure(positionsValue, cash float64) float64 {
	if positionsValue == 0 || positionsValue+cash == 0 {
		return 0
	}
	return positionsValue / (positionsValue + cash)
}

// Quotes is the market-data surface the views read last prices from.
type Quotes interface {
	Spot(symbol, field string) (float64, bool)
	LastTraded(symbol string) (time.Time, bool)
}

// View is a source of positions and portfolio snapshots.
type View interface {
	Positions() map[string]domain.Position
	Portfolio() domain.Portfolio
}

type start struct {
	value float64
	at    time.Time
}

// Book accumulates account values and positions from gateway callbacks.
// Values are kept as reported and parsed on read.
type Book struct {
	mu        sync.RWMutex
	values    map[string]map[string]map[string]string // account -> currency -> key
	positions map[string]gateway.Position             // symbol
	starts    map[string]start                        // account/currency
	now       func() time.Time
	log       *slog.Logger
}

// NewBook creates an empty Book.
func NewBook(log *slog.Logger) *Book {
	return &Book{
		values:    make(map[string]map[string]map[string]string),
		positions: make(map[string]gateway.Position),
		starts:    make(map[string]start),
		now:       time.Now,
		log:       log.With("component", "book"),
	}
}

// OnAccountValue records one account key. The first net liquidation seen for
// an account and currency becomes the book's starting value.
func (b *Book) OnAccountValue(ev gateway.AccountValue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byCcy, ok := b.values[ev.Account]
	if !ok {
		byCcy = make(map[string]map[string]string)
		b.values[ev.Account] = byCcy
	}
	kv, ok := byCcy[ev.Currency]
	if !ok {
		kv = make(map[string]string)
		byCcy[ev.Currency] = kv
	}
	kv[ev.Key] = ev.Value

	if ev.Key == KeyNetLiquidation {
		sk := ev.Account + "/" + ev.Currency
		if _, seen := b.starts[sk]; !seen {
			if v, err := strconv.ParseFloat(ev.Value, 64); err == nil {
				b.starts[sk] = start{value: v, at: b.now().UTC()}
			}
		}
	}
}

// OnPosition replaces the position of the event's symbol. A zero quantity
// closes it.
func (b *Book) OnPosition(ev gateway.Position) {
	sym := strings.ToUpper(ev.Contract.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Quantity == 0 {
		delete(b.positions, sym)
		return
	}
	b.positions[sym] = ev
}

// Value returns a numeric account value.
func (b *Book) Value(account, currency, key string) (float64, bool) {
	b.mu.RLock()
	raw, ok := b.values[account][currency][key]
	b.mu.RUnlock()
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// value is Value with missing keys read as 0.
func (b *Book) value(account, currency, key string) float64 {
	v, ok := b.Value(account, currency, key)
	if !ok {
		b.log.Debug("account value not available", "account", account, "currency", currency, "key", key)
	}
	return v
}

// Accounts returns the accounts with at least one value.
func (b *Book) Accounts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.values))
	for a := range b.values {
		out = append(out, a)
	}
	return out
}

// Account translates the gateway's key/value snapshot into an Account.
// Missing keys read as zero.
func (b *Book) Account(account, currency string) domain.Account {
	cash := b.value(account, currency, KeyTotalCash)
	smv := b.value(account, currency, KeyStockMarketValue)
	return domain.Account{
		SettledCash:                  b.value(account, currency, KeySettledCash),
		BuyingPower:                  b.value(account, currency, KeyBuyingPower),
		EquityWithLoan:               b.value(account, currency, KeyEquityWithLoan),
		TotalPositionsValue:          smv,
		TotalPositionsExposure:       Exposure(smv, cash),
		RegTEquity:                   b.value(account, currency, KeyRegTEquity),
		RegTMargin:                   b.value(account, currency, KeyRegTMargin),
		InitialMarginRequirement:     b.value(account, currency, KeyInitMarginReq),
		MaintenanceMarginRequirement: b.value(account, currency, KeyMaintMarginReq),
		AvailableFunds:               b.value(account, currency, KeyAvailableFunds),
		ExcessLiquidity:              b.value(account, currency, KeyExcessLiquidity),
		Cushion:                      b.value(account, "", KeyCushion),
		DayTradesRemaining:           b.value(account, "", KeyDayTradesRemaining),
		Leverage:                     b.value(account, "", KeyLeverage),
		NetLeverage:                  Exposure(smv, cash),
		NetLiquidation:               b.value(account, currency, KeyNetLiquidation),
	}
}

// Positions returns the book's positions resolved against universe. Last sale
// price and date come from quotes when it has seen the symbol trade, otherwise
// from the gateway's mark.
func (b *Book) Positions(universe domain.Universe, quotes Quotes) map[string]domain.Position {
	b.mu.RLock()
	raw := make([]gateway.Position, 0, len(b.positions))
	for _, p := range b.positions {
		raw = append(raw, p)
	}
	b.mu.RUnlock()

	out := make(map[string]domain.Position, len(raw))
	for _, p := range raw {
		sym := strings.ToUpper(p.Contract.Symbol)
		asset, ok := universe.Lookup(sym)
		if !ok {
			b.log.Warn("position in unknown symbol dropped", "symbol", sym, "quantity", p.Quantity)
			continue
		}
		pos := domain.Position{
			Asset:         asset,
			Amount:        p.Quantity,
			CostBasis:     p.AvgCost,
			LastSalePrice: p.MarketPrice,
		}
		markFromQuotes(&pos, sym, quotes)
		out[sym] = pos
	}
	return out
}

func (b *Book) startOf(account, currency string) (start, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.starts[account+"/"+currency]
	return s, ok
}

func markFromQuotes(pos *domain.Position, sym string, quotes Quotes) {
	if quotes == nil {
		return
	}
	if px, ok := quotes.Spot(sym, marketdata.FieldPrice); ok {
		pos.LastSalePrice = px
		if at, ok := quotes.LastTraded(sym); ok {
			pos.LastSaleDate = at
		}
	}
}

func positionsValue(positions map[string]domain.Position) float64 {
	var v float64
	for _, p := range positions {
		v += p.Value()
	}
	return v
}
