package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ LedgerStore = (*SQLiteLedger)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS daily_portfolio (
	algo_id         TEXT NOT NULL,
	date            TEXT NOT NULL,
	starting_cash   REAL NOT NULL DEFAULT 0,
	portfolio_value REAL NOT NULL DEFAULT 0,
	pnl             REAL NOT NULL DEFAULT 0,
	returns         REAL NOT NULL DEFAULT 0,
	cash            REAL NOT NULL DEFAULT 0,
	start_date      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (algo_id, date)
);
CREATE TABLE IF NOT EXISTS daily_holdings (
	algo_id      TEXT NOT NULL,
	date         TEXT NOT NULL,
	holding_name TEXT NOT NULL,
	quantity     INTEGER NOT NULL DEFAULT 0,
	buy_price    REAL NOT NULL DEFAULT 0,
	last_price   REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (algo_id, date, holding_name)
);`

// SQLiteLedger implements LedgerStore backed by a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) a SQLite database at dbPath and creates
// the ledger tables if they do not exist.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// LatestPortfolio returns the newest daily_portfolio row for algoID.
func (s *SQLiteLedger) LatestPortfolio(ctx context.Context, algoID string) (PortfolioRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT algo_id, date, starting_cash, portfolio_value, pnl, returns, cash, start_date
		FROM daily_portfolio WHERE algo_id = ? ORDER BY date DESC LIMIT 1`, algoID)

	var (
		rec             PortfolioRecord
		date, startDate string
	)
	err := row.Scan(&rec.AlgoID, &date, &rec.StartingCash, &rec.PortfolioValue, &rec.PnL, &rec.Returns, &rec.Cash, &startDate)
	if errors.Is(err, sql.ErrNoRows) {
		return PortfolioRecord{}, ErrNotFound
	}
	if err != nil {
		return PortfolioRecord{}, fmt.Errorf("querying latest portfolio for %s: %w", algoID, err)
	}
	if rec.Date, err = time.Parse(DateLayout, date); err != nil {
		return PortfolioRecord{}, fmt.Errorf("parsing portfolio date %q: %w", date, err)
	}
	if startDate != "" {
		if rec.StartDate, err = time.Parse(DateLayout, startDate); err != nil {
			return PortfolioRecord{}, fmt.Errorf("parsing start date %q: %w", startDate, err)
		}
	}
	return rec, nil
}

// LatestHoldings returns the holdings of algoID's most recent date.
func (s *SQLiteLedger) LatestHoldings(ctx context.Context, algoID string) ([]HoldingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT algo_id, date, holding_name, quantity, buy_price, last_price
		FROM daily_holdings
		WHERE algo_id = ? AND date = (SELECT MAX(date) FROM daily_holdings WHERE algo_id = ?)
		ORDER BY holding_name`, algoID, algoID)
	if err != nil {
		return nil, fmt.Errorf("querying latest holdings for %s: %w", algoID, err)
	}
	defer rows.Close()

	out := []HoldingRecord{}
	for rows.Next() {
		var (
			rec  HoldingRecord
			date string
		)
		if err := rows.Scan(&rec.AlgoID, &date, &rec.Symbol, &rec.Quantity, &rec.BuyPrice, &rec.LastPrice); err != nil {
			return nil, fmt.Errorf("scanning holding: %w", err)
		}
		if rec.Date, err = time.Parse(DateLayout, date); err != nil {
			return nil, fmt.Errorf("parsing holding date %q: %w", date, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SavePortfolio inserts or replaces the row for (AlgoID, Date).
func (s *SQLiteLedger) SavePortfolio(ctx context.Context, rec PortfolioRecord) error {
	var startDate string
	if !rec.StartDate.IsZero() {
		startDate = rec.StartDate.Format(DateLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_portfolio (algo_id, date, starting_cash, portfolio_value, pnl, returns, cash, start_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (algo_id, date) DO UPDATE SET
			starting_cash = excluded.starting_cash,
			portfolio_value = excluded.portfolio_value,
			pnl = excluded.pnl,
			returns = excluded.returns,
			cash = excluded.cash,
			start_date = excluded.start_date`,
		rec.AlgoID, rec.Date.Format(DateLayout), rec.StartingCash, rec.PortfolioValue,
		rec.PnL, rec.Returns, rec.Cash, startDate)
	if err != nil {
		return fmt.Errorf("saving portfolio for %s: %w", rec.AlgoID, err)
	}
	return nil
}

// SaveHoldings replaces all holdings of (algoID, date).
func (s *SQLiteLedger) SaveHoldings(ctx context.Context, algoID string, date time.Time, recs []HoldingRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	day := date.Format(DateLayout)
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_holdings WHERE algo_id = ? AND date = ?`, algoID, day); err != nil {
		return fmt.Errorf("clearing holdings for %s/%s: %w", algoID, day, err)
	}
	for _, r := range recs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_holdings (algo_id, date, holding_name, quantity, buy_price, last_price)
			VALUES (?, ?, ?, ?, ?, ?)`,
			algoID, day, r.Symbol, r.Quantity, r.BuyPrice, r.LastPrice); err != nil {
			return fmt.Errorf("saving holding %s for %s/%s: %w", r.Symbol, algoID, day, err)
		}
	}
	return tx.Commit()
}
