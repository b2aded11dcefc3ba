package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/store"
)

// Compile-time interface checks.
var _ View = (*LiveView)(nil)
var _ View = (*LedgerView)(nil)

// LiveView reads positions and portfolio from the gateway-fed Book.
type LiveView struct {
	book     *Book
	account  func() string
	currency string
	universe domain.Universe
	quotes   Quotes
}

// NewLiveView creates a view of book for the account returned by account.
func NewLiveView(book *Book, account func() string, currency string, universe domain.Universe, quotes Quotes) *LiveView {
	return &LiveView{book: book, account: account, currency: currency, universe: universe, quotes: quotes}
}

// Positions implements View.
func (v *LiveView) Positions() map[string]domain.Position {
	return v.book.Positions(v.universe, v.quotes)
}

// Account returns the translated account snapshot.
func (v *LiveView) Account() domain.Account {
	return v.book.Account(v.account(), v.currency)
}

// Portfolio implements View. Starting cash and start date are the first net
// liquidation the book observed for the account.
func (v *LiveView) Portfolio() domain.Portfolio {
	acct := v.account()
	positions := v.Positions()
	cash := v.book.value(acct, v.currency, KeyTotalCash)
	pv := positionsValue(positions)

	p := domain.Portfolio{
		Cash:              cash,
		Positions:         positions,
		PositionsValue:    pv,
		PositionsExposure: Exposure(pv, cash),
		PortfolioValue:    cash + pv,
	}
	if nl, ok := v.book.Value(acct, v.currency, KeyNetLiquidation); ok {
		p.PortfolioValue = nl
	}
	if s, ok := v.book.startOf(acct, v.currency); ok {
		p.StartingCash = s.value
		p.StartDate = s.at
		p.PnL = p.PortfolioValue - s.value
		if s.value != 0 {
			p.Returns = p.PnL / s.value
		}
	}
	return p
}

// LedgerView is the paper-trading view backed by daily snapshots in a
// ledger. Snapshots are loaded by Refresh; reads never touch the database.
type LedgerView struct {
	ledger   store.Ledger
	algoID   string
	universe domain.Universe
	quotes   Quotes
	log      *slog.Logger

	mu        sync.RWMutex
	portfolio store.PortfolioRecord
	holdings  []store.HoldingRecord
	loaded    bool
}

// NewLedgerView creates a view over algoID's snapshots.
func NewLedgerView(ledger store.Ledger, algoID string, universe domain.Universe, quotes Quotes, log *slog.Logger) *LedgerView {
	return &LedgerView{
		ledger:   ledger,
		algoID:   algoID,
		universe: universe,
		quotes:   quotes,
		log:      log.With("component", "ledger-view", "algo", algoID),
	}
}

// Refresh reloads the latest portfolio and holdings. A ledger without any
// snapshot for the algo leaves the view empty.
func (v *LedgerView) Refresh(ctx context.Context) error {
	rec, err := v.ledger.LatestPortfolio(ctx, v.algoID)
	if errors.Is(err, store.ErrNotFound) {
		v.log.Warn("no portfolio snapshot in ledger")
		rec = store.PortfolioRecord{AlgoID: v.algoID}
	} else if err != nil {
		return fmt.Errorf("refreshing portfolio: %w", err)
	}
	holdings, err := v.ledger.LatestHoldings(ctx, v.algoID)
	if err != nil {
		return fmt.Errorf("refreshing holdings: %w", err)
	}

	v.mu.Lock()
	v.portfolio = rec
	v.holdings = holdings
	v.loaded = true
	v.mu.Unlock()

	v.log.Debug("ledger refreshed", "date", rec.Date.Format(store.DateLayout), "holdings", len(holdings))
	return nil
}

// Run refreshes immediately and then every interval until ctx is done.
// Refresh failures are logged and retried on the next tick.
func (v *LedgerView) Run(ctx context.Context, every time.Duration) error {
	if err := v.Refresh(ctx); err != nil {
		v.log.Error("ledger refresh failed", "error", err)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := v.Refresh(ctx); err != nil {
				v.log.Error("ledger refresh failed", "error", err)
			}
		}
	}
}

// Loaded reports whether at least one Refresh succeeded.
func (v *LedgerView) Loaded() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loaded
}

// Positions implements View. Holdings outside the universe are skipped.
func (v *LedgerView) Positions() map[string]domain.Position {
	v.mu.RLock()
	holdings := v.holdings
	v.mu.RUnlock()

	out := make(map[string]domain.Position, len(holdings))
	for _, h := range holdings {
		sym := strings.ToUpper(h.Symbol)
		asset, ok := v.universe.Lookup(sym)
		if !ok {
			v.log.Warn("holding in unknown symbol skipped", "symbol", sym)
			continue
		}
		pos := domain.Position{
			Asset:         asset,
			Amount:        h.Quantity,
			CostBasis:     h.BuyPrice,
			LastSalePrice: h.LastPrice,
		}
		markFromQuotes(&pos, sym, v.quotes)
		out[sym] = pos
	}
	return out
}

// Portfolio implements View. Positions value and exposure are recomputed
// from the current marks; the rest is the stored snapshot.
func (v *LedgerView) Portfolio() domain.Portfolio {
	v.mu.RLock()
	rec := v.portfolio
	v.mu.RUnlock()

	positions := v.Positions()
	pv := positionsValue(positions)
	return domain.Portfolio{
		StartingCash:      rec.StartingCash,
		Cash:              rec.Cash,
		Positions:         positions,
		PositionsValue:    pv,
		PositionsExposure: Exposure(pv, rec.Cash),
		PortfolioValue:    rec.PortfolioValue,
		PnL:               rec.PnL,
		Returns:           rec.Returns,
		StartDate:         rec.StartDate,
	}
}

// Record writes p as algoID's snapshot for the UTC date of at.
func Record(ctx context.Context, w store.LedgerWriter, algoID string, at time.Time, p domain.Portfolio) error {
	day := at.UTC()
	if err := w.SavePortfolio(ctx, store.PortfolioRecord{
		AlgoID:         algoID,
		Date:           day,
		StartingCash:   p.StartingCash,
		PortfolioValue: p.PortfolioValue,
		PnL:            p.PnL,
		Returns:        p.Returns,
		Cash:           p.Cash,
		StartDate:      p.StartDate,
	}); err != nil {
		return err
	}

	holdings := make([]store.HoldingRecord, 0, len(p.Positions))
	for sym, pos := range p.Positions {
		holdings = append(holdings, store.HoldingRecord{
			AlgoID:    algoID,
			Date:      day,
			Symbol:    sym,
			Quantity:  pos.Amount,
			BuyPrice:  pos.CostBasis,
			LastPrice: pos.LastSalePrice,
		})
	}
	return w.SaveHoldings(ctx, algoID, day, holdings)
}
