// Package store defines the persistence interfaces used by the adapter: the
// read-mostly ledger of daily portfolio snapshots that backs paper mode, and
// the on-disk archive of ticks and bars.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brokerlink/internal/domain"
)

// ErrNotFound is returned when the ledger has no snapshot for an algo id.
var ErrNotFound = errors.New("store: not found")

// DateLayout is the ledger's date format.
const DateLayout = "2006-01-02"

// PortfolioRecord is one row of daily_portfolio.
type PortfolioRecord struct {
	AlgoID         string
	Date           time.Time
	StartingCash   float64
	PortfolioValue float64
	PnL            float64
	Returns        float64
	Cash           float64
	StartDate      time.Time
}

// HoldingRecord is one row of daily_holdings.
type HoldingRecord struct {
	AlgoID    string
	Date      time.Time
	Symbol    string
	Quantity  int64
	BuyPrice  float64
	LastPrice float64
}

// Ledger reads the latest snapshot written for an algorithm.
type Ledger interface {
	// LatestPortfolio returns the most recent daily_portfolio row for algoID,
	// or ErrNotFound.
	LatestPortfolio(ctx context.Context, algoID string) (PortfolioRecord, error)

	// LatestHoldings returns the daily_holdings rows of algoID's most recent
	// date. An algo with no holdings yields an empty slice.
	LatestHoldings(ctx context.Context, algoID string) ([]HoldingRecord, error)

	// Close releases the underlying connection.
	Close() error
}

// LedgerWriter records daily snapshots.
type LedgerWriter interface {
	// SavePortfolio inserts or replaces the row for (AlgoID, Date).
	SavePortfolio(ctx context.Context, rec PortfolioRecord) error

	// SaveHoldings replaces all holdings of (algoID, date) with recs.
	SaveHoldings(ctx context.Context, algoID string, date time.Time, recs []HoldingRecord) error
}

// LedgerStore is a ledger that can also be written.
type LedgerStore interface {
	Ledger
	LedgerWriter
}

// BarStore persists and retrieves OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars of the given frequency ("1m", "1d").
	WriteBars(ctx context.Context, frequency string, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end].
	ReadBars(ctx context.Context, frequency, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with bars of the given frequency.
	ListSymbols(ctx context.Context, frequency string) ([]string, error)
}

// TickStore persists and retrieves trade prints.
type TickStore interface {
	// WriteTicks appends a batch of ticks.
	WriteTicks(ctx context.Context, ticks []domain.Tick) error

	// ReadTicks returns ticks for symbol within [start, end].
	ReadTicks(ctx context.Context, symbol string, start, end time.Time) ([]domain.Tick, error)
}

// Ledger drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenLedger opens the ledger backend named by driver.
func OpenLedger(driver, sqlitePath, postgresDSN string) (LedgerStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteLedger(sqlitePath)
	case DriverPostgres:
		return NewPostgresLedger(postgresDSN)
	default:
		return nil, fmt.Errorf("store: unknown ledger driver %q", driver)
	}
}

func truncDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
