// Package domain defines the canonical trading types shared by the adapter,
// the order-state store, and the portfolio views.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderStatus is the canonical lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusHeld      OrderStatus = "HELD"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusUnknown   OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further transitions are expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderType is the gateway order type. The values are the vendor's own
// mnemonics since they travel inside order refs.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP LMT"
)

// Valid reports whether t is one of the supported order types.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	default:
		return false
	}
}

// OrderStyle describes how an order should be executed.
type OrderStyle struct {
	Type       OrderType
	LimitPrice float64
	StopPrice  float64
}

// MarketOrder executes at the prevailing price.
func MarketOrder() OrderStyle { return OrderStyle{Type: OrderTypeMarket} }

// LimitOrder executes at limit or better.
func LimitOrder(limit float64) OrderStyle {
	return OrderStyle{Type: OrderTypeLimit, LimitPrice: limit}
}

// StopOrder becomes a market order once stop is touched.
func StopOrder(stop float64) OrderStyle {
	return OrderStyle{Type: OrderTypeStop, StopPrice: stop}
}

// StopLimitOrder becomes a limit order once stop is touched.
func StopLimitOrder(limit, stop float64) OrderStyle {
	return OrderStyle{Type: OrderTypeStopLimit, LimitPrice: limit, StopPrice: stop}
}

// Validate checks that the prices required by the style are present.
func (s OrderStyle) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("unsupported order type %q", s.Type)
	}
	if s.LimitPrice < 0 || s.StopPrice < 0 {
		return fmt.Errorf("negative price in %s order", s.Type)
	}
	switch s.Type {
	case OrderTypeLimit:
		if s.LimitPrice == 0 {
			return fmt.Errorf("limit order without limit price")
		}
	case OrderTypeStop:
		if s.StopPrice == 0 {
			return fmt.Errorf("stop order without stop price")
		}
	case OrderTypeStopLimit:
		if s.LimitPrice == 0 || s.StopPrice == 0 {
			return fmt.Errorf("stop-limit order needs both limit and stop price")
		}
	}
	return nil
}

// Order is the reconciled view of a single brokerage order. Amount is signed:
// positive buys, negative sells. Zero prices mean "not set".
type Order struct {
	ID            string      `json:"id"`
	Asset         Asset       `json:"asset"`
	Amount        int64       `json:"amount"`
	Type          OrderType   `json:"type"`
	LimitPrice    float64     `json:"limitPrice,omitempty"`
	StopPrice     float64     `json:"stopPrice,omitempty"`
	Status        OrderStatus `json:"status"`
	Filled        int64       `json:"filled"`
	BrokerOrderID int64       `json:"brokerOrderId"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Open reports whether the order can still trade.
func (o Order) Open() bool { return !o.Status.Terminal() }

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// Execution is a single fill reported by the gateway. Shares is signed.
type Execution struct {
	ExecID   string    `json:"execId"`
	OrderID  int64     `json:"orderId"`
	Shares   int64     `json:"shares"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
	ClientID int       `json:"clientId"`
}

// CommissionReport is the fee (and realized P&L) for one execution.
type CommissionReport struct {
	ExecID      string  `json:"execId"`
	OrderID     int64   `json:"orderId"`
	Commission  float64 `json:"commission"`
	RealizedPnL float64 `json:"realizedPnl"`
}

// Transaction is the strategy-facing record derived from an execution.
type Transaction struct {
	ExecID     string    `json:"execId"`
	Asset      Asset     `json:"asset"`
	Amount     int64     `json:"amount"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
	OrderID    string    `json:"orderId"`
	Commission float64   `json:"commission"`
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Tick is a single trade print.
type Tick struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Price  float64   `json:"price"`
	Size   int64     `json:"size"`
}

// Bar is an OHLCV aggregate. A bar with TradeCount == 0 had no ticks in its
// interval and its OHLC fields are NaN.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"tradeCount"`
}

// HasData reports whether any tick fell into the bar's interval.
func (b Bar) HasData() bool { return b.TradeCount > 0 }

// ActionFor maps a signed amount to the gateway action verb.
func ActionFor(amount int64) string {
	if amount > 0 {
		return "BUY"
	}
	return "SELL"
}

// SignedAmount maps a gateway action and unsigned quantity to a signed
// amount. Execution sides ("BOT"/"SLD") are accepted too.
func SignedAmount(action string, qty int64) int64 {
	switch strings.ToUpper(action) {
	case "BUY", "BOT":
		return qty
	default:
		return -qty
	}
}
