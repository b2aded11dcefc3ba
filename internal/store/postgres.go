package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Compile-time interface check.
var _ LedgerStore = (*PostgresLedger)(nil)

type portfolioRow struct {
	AlgoID         string    `gorm:"column:algo_id;primaryKey"`
	Date           time.Time `gorm:"column:date;type:date;primaryKey"`
	StartingCash   float64   `gorm:"column:starting_cash"`
	PortfolioValue float64   `gorm:"column:portfolio_value"`
	PnL            float64   `gorm:"column:pnl"`
	Returns        float64   `gorm:"column:returns"`
	Cash           float64   `gorm:"column:cash"`
	StartDate      time.Time `gorm:"column:start_date;type:date"`
}

func (portfolioRow) TableName() string { return "daily_portfolio" }

type holdingRow struct {
	AlgoID      string    `gorm:"column:algo_id;primaryKey"`
	Date        time.Time `gorm:"column:date;type:date;primaryKey"`
	HoldingName string    `gorm:"column:holding_name;primaryKey"`
	Quantity    int64     `gorm:"column:quantity"`
	BuyPrice    float64   `gorm:"column:buy_price"`
	LastPrice   float64   `gorm:"column:last_price"`
}

func (holdingRow) TableName() string { return "daily_holdings" }

// PostgresLedger implements LedgerStore on PostgreSQL through gorm.
type PostgresLedger struct {
	db *gorm.DB
}

// NewPostgresLedger connects to dsn and migrates the ledger tables.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting ledger database: %w", err)
	}
	if err := db.AutoMigrate(&portfolioRow{}, &holdingRow{}); err != nil {
		return nil, fmt.Errorf("migrating ledger tables: %w", err)
	}
	return &PostgresLedger{db: db}, nil
}

// Close closes the underlying connection pool.
func (p *PostgresLedger) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LatestPortfolio returns the newest daily_portfolio row for algoID.
func (p *PostgresLedger) LatestPortfolio(ctx context.Context, algoID string) (PortfolioRecord, error) {
	var row portfolioRow
	err := p.db.WithContext(ctx).
		Where("algo_id = ?", algoID).
		Order("date DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PortfolioRecord{}, ErrNotFound
	}
	if err != nil {
		return PortfolioRecord{}, fmt.Errorf("querying latest portfolio for %s: %w", algoID, err)
	}
	return PortfolioRecord{
		AlgoID:         row.AlgoID,
		Date:           truncDate(row.Date),
		StartingCash:   row.StartingCash,
		PortfolioValue: row.PortfolioValue,
		PnL:            row.PnL,
		Returns:        row.Returns,
		Cash:           row.Cash,
		StartDate:      row.StartDate,
	}, nil
}

// LatestHoldings returns the holdings of algoID's most recent date.
func (p *PostgresLedger) LatestHoldings(ctx context.Context, algoID string) ([]HoldingRecord, error) {
	latest := p.db.Model(&holdingRow{}).Select("MAX(date)").Where("algo_id = ?", algoID)

	var rows []holdingRow
	err := p.db.WithContext(ctx).
		Where("algo_id = ? AND date = (?)", algoID, latest).
		Order("holding_name").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying latest holdings for %s: %w", algoID, err)
	}

	out := make([]HoldingRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, HoldingRecord{
			AlgoID:    r.AlgoID,
			Date:      truncDate(r.Date),
			Symbol:    r.HoldingName,
			Quantity:  r.Quantity,
			BuyPrice:  r.BuyPrice,
			LastPrice: r.LastPrice,
		})
	}
	return out, nil
}

// SavePortfolio upserts the row for (AlgoID, Date).
func (p *PostgresLedger) SavePortfolio(ctx context.Context, rec PortfolioRecord) error {
	row := portfolioRow{
		AlgoID:         rec.AlgoID,
		Date:           truncDate(rec.Date),
		StartingCash:   rec.StartingCash,
		PortfolioValue: rec.PortfolioValue,
		PnL:            rec.PnL,
		Returns:        rec.Returns,
		Cash:           rec.Cash,
		StartDate:      rec.StartDate,
	}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("saving portfolio for %s: %w", rec.AlgoID, err)
	}
	return nil
}

// SaveHoldings replaces all holdings of (algoID, date).
func (p *PostgresLedger) SaveHoldings(ctx context.Context, algoID string, date time.Time, recs []HoldingRecord) error {
	day := truncDate(date)
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("algo_id = ? AND date = ?", algoID, day).Delete(&holdingRow{}).Error; err != nil {
			return fmt.Errorf("clearing holdings for %s: %w", algoID, err)
		}
		if len(recs) == 0 {
			return nil
		}
		rows := make([]holdingRow, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, holdingRow{
				AlgoID:      algoID,
				Date:        day,
				HoldingName: r.Symbol,
				Quantity:    r.Quantity,
				BuyPrice:    r.BuyPrice,
				LastPrice:   r.LastPrice,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("saving holdings for %s: %w", algoID, err)
		}
		return nil
	})
}
