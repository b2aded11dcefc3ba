package domain

import (
	"sort"
	"strings"
	"time"
)

// Asset identifies a tradable instrument together with its routing.
type Asset struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange,omitempty"`
	SecType  string `json:"secType,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Universe resolves symbols to assets known to the strategy.
type Universe interface {
	Lookup(symbol string) (Asset, bool)
}

// StaticUniverse is a fixed set of assets keyed by upper-case symbol.
type StaticUniverse map[string]Asset

// NewStaticUniverse builds a universe from bare symbols.
func NewStaticUniverse(symbols ...string) StaticUniverse {
	u := make(StaticUniverse, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		u[s] = Asset{Symbol: s}
	}
	return u
}

// Lookup implements Universe.
func (u StaticUniverse) Lookup(symbol string) (Asset, bool) {
	a, ok := u[strings.ToUpper(symbol)]
	return a, ok
}

// Symbols returns the universe's symbols in sorted order.
func (u StaticUniverse) Symbols() []string {
	out := make([]string, 0, len(u))
	for s := range u {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// OpenUniverse resolves every non-empty symbol.
type OpenUniverse struct{}

// Lookup implements Universe.
func (OpenUniverse) Lookup(symbol string) (Asset, bool) {
	if symbol == "" {
		return Asset{}, false
	}
	return Asset{Symbol: strings.ToUpper(symbol)}, true
}

// Position is a holding in a single asset. LastSaleDate is zero when no
// trade has been observed.
type Position struct {
	Asset         Asset     `json:"asset"`
	Amount        int64     `json:"amount"`
	CostBasis     float64   `json:"costBasis"`
	LastSalePrice float64   `json:"lastSalePrice"`
	LastSaleDate  time.Time `json:"lastSaleDate"`
}

// Value is the marked-to-market value of the position.
func (p Position) Value() float64 {
	return float64(p.Amount) * p.LastSalePrice
}

// Portfolio is a snapshot of cash, holdings and performance.
type Portfolio struct {
	StartingCash      float64             `json:"startingCash"`
	Cash              float64             `json:"cash"`
	Positions         map[string]Position `json:"positions"`
	PositionsValue    float64             `json:"positionsValue"`
	PositionsExposure float64             `json:"positionsExposure"`
	PortfolioValue    float64             `json:"portfolioValue"`
	PnL               float64             `json:"pnl"`
	Returns           float64             `json:"returns"`
	StartDate         time.Time           `json:"startDate"`
}

// Account is a snapshot of the brokerage account's risk figures.
type Account struct {
	SettledCash                  float64 `json:"settledCash"`
	BuyingPower                  float64 `json:"buyingPower"`
	EquityWithLoan               float64 `json:"equityWithLoan"`
	TotalPositionsValue          float64 `json:"totalPositionsValue"`
	TotalPositionsExposure       float64 `json:"totalPositionsExposure"`
	RegTEquity                   float64 `json:"regtEquity"`
	RegTMargin                   float64 `json:"regtMargin"`
	InitialMarginRequirement     float64 `json:"initialMarginRequirement"`
	MaintenanceMarginRequirement float64 `json:"maintenanceMarginRequirement"`
	AvailableFunds               float64 `json:"availableFunds"`
	ExcessLiquidity              float64 `json:"excessLiquidity"`
	Cushion                      float64 `json:"cushion"`
	DayTradesRemaining           float64 `json:"dayTradesRemaining"`
	Leverage                     float64 `json:"leverage"`
	NetLeverage                  float64 `json:"netLeverage"`
	NetLiquidation               float64 `json:"netLiquidation"`
}
