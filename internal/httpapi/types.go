// Package httpapi serves a read-only JSON view of the broker session:
// health, orders, transactions, positions, portfolio, account and market
// data.
package httpapi

import (
	"math"
	"time"

	"brokerlink/internal/domain"
)

// HealthJSON is the session health summary.
type HealthJSON struct {
	Gateway       string   `json:"gateway"`
	State         string   `json:"state"`
	Alive         bool     `json:"alive"`
	TimeSkewMs    int64    `json:"timeSkewMs"`
	Accounts      []string `json:"accounts"`
	Subscribed    []string `json:"subscribed"`
	PendingOrders int      `json:"pendingOrders"`
}

// SpotJSON is one market-data field of a symbol.
type SpotJSON struct {
	Symbol     string     `json:"symbol"`
	Field      string     `json:"field"`
	Value      float64    `json:"value"`
	LastTraded *time.Time `json:"lastTraded,omitempty"`
}

// BarJSON is a bar with empty prices for intervals without ticks, since
// JSON has no NaN.
type BarJSON struct {
	Timestamp  time.Time `json:"timestamp"`
	Open       *float64  `json:"open"`
	High       *float64  `json:"high"`
	Low        *float64  `json:"low"`
	Close      *float64  `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"tradeCount"`
}

// BarsJSON is the bar window of a symbol.
type BarsJSON struct {
	Symbol    string    `json:"symbol"`
	Frequency string    `json:"frequency"`
	Bars      []BarJSON `json:"bars"`
}

func price(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func toBarJSON(b domain.Bar) BarJSON {
	return BarJSON{
		Timestamp:  b.Timestamp,
		Open:       price(b.Open),
		High:       price(b.High),
		Low:        price(b.Low),
		Close:      price(b.Close),
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
	}
}
