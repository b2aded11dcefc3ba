// Package broker defines the Broker interface the strategy loop talks to and
// the Adapter that implements it on top of an asynchronous gateway.
package broker

import (
	"context"
	"errors"
	"time"

	"brokerlink/internal/domain"
	"brokerlink/internal/supervisor"
)

var (
	// ErrUnrecoverable is returned for commands after a fatal gateway error.
	ErrUnrecoverable = supervisor.ErrUnrecoverable
	// ErrNotReady is returned by Order before the first order id is known.
	ErrNotReady = supervisor.ErrNotReady
	// ErrUnknownOrder is returned by CancelOrder for ids this session never saw.
	ErrUnknownOrder = errors.New("broker: unknown order")
	// ErrZeroAmount is returned by Order for a zero amount.
	ErrZeroAmount = errors.New("broker: zero order amount")
	// ErrInvalidOrder is returned by Order for an unusable asset or style.
	ErrInvalidOrder = errors.New("broker: invalid order")
)

// Broker is the synchronous surface a strategy trades through.
type Broker interface {
	// Name returns the gateway identifier (e.g. "sim", "alpaca").
	Name() string

	// Connect blocks until the session is ready or the timeout elapses.
	Connect(ctx context.Context, timeout time.Duration) error

	// Order places an order for amount shares (negative sells) and returns
	// it without waiting for fills.
	Order(asset domain.Asset, amount int64, style domain.OrderStyle) (domain.Order, error)

	// CancelOrder requests cancellation of an order by its canonical id.
	CancelOrder(orderID string) error

	Orders() []domain.Order
	Transactions() []domain.Transaction
	Positions() map[string]domain.Position
	Portfolio() domain.Portfolio
	Account() domain.Account

	Subscribe(symbol string) error
	Spot(symbol, field string) (float64, bool)
	LastTraded(symbol string) (time.Time, bool)
	RealtimeBars(symbols []string, freq time.Duration) map[string]domain.Bar

	IsAlive() bool
	TimeSkew() time.Duration
	State() supervisor.State
}
