// Package gateway defines the brokerage gateway contract: the commands the
// adapter issues and the closed set of callback events the gateway delivers
// on its own dispatch goroutine.
package gateway

import "time"

// Gateway is the command side of a brokerage connection. Commands are
// fire-and-forget; results arrive later as events on the registered Handler.
type Gateway interface {
	// Name returns the gateway identifier (e.g. "sim", "alpaca").
	Name() string

	// SetHandler registers the receiver of all callback events. It must be
	// called before Connect.
	SetHandler(h Handler)

	// Connect opens the transport. Success is reported by a ConnectAck event.
	Connect(host string, port int, clientID int) error

	// Disconnect closes the transport.
	Disconnect() error

	PlaceOrder(id int64, contract Contract, order Order) error
	CancelOrder(id int64) error
	RequestMarketData(tickerID int, contract Contract, tickList string) error
	RequestAccountUpdates(subscribe bool, account string) error
	RequestExecutions(reqID int, filter ExecutionFilter) error
	RequestManagedAccounts() error
	RequestCurrentTime() error
	RequestIDs(n int) error
}

// Handler receives gateway callbacks. Implementations must not panic and
// must not block for long: they run on the gateway's dispatch goroutine.
type Handler interface {
	Handle(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

// Handle implements Handler.
func (f HandlerFunc) Handle(ev Event) { f(ev) }

// Contract describes the instrument an order or subscription refers to.
type Contract struct {
	Symbol   string
	SecType  string
	Exchange string
	Currency string
}

// Order is the gateway's order ticket.
type Order struct {
	Action        string // BUY or SELL
	TotalQuantity int64
	OrderType     string // MKT, LMT, STP, STP LMT
	LimitPrice    float64
	AuxPrice      float64 // stop price
	TIF           string
	OrderRef      string
}

// OrderState is the state block attached to an open-order echo.
type OrderState struct {
	Status     string
	Commission float64
}

// ExecDetail is the execution block of an execution callback.
type ExecDetail struct {
	ExecID   string
	OrderID  int64
	ClientID int
	Time     time.Time
	Side     string // BOT or SLD
	Shares   int64
	Price    float64
	CumQty   int64
	AvgPrice float64
	OrderRef string
}

// CommissionReport is the fee report for one execution. The gateway does not
// carry the order id; it has to be joined through the execution id.
type CommissionReport struct {
	ExecID      string
	Commission  float64
	RealizedPnL float64
}

// ExecutionFilter narrows an executions request.
type ExecutionFilter struct {
	ClientID int
	Account  string
	Symbol   string
}

// Tick kinds used by the adapter.
const (
	TickLast     = 4
	TickLastSize = 5
	TickRTVolume = 48
)

// Vendor error codes that leave the connection unusable.
const (
	CodeDuplicateClientID = 326
	CodeConnectFailed     = 502
	CodeStaleVersion      = 503
)

// ErrorThreshold separates error codes (< threshold) from informational
// notices (>= threshold).
const ErrorThreshold = 1000

// Fatal reports whether code permanently breaks the session.
func Fatal(code int) bool {
	switch code {
	case CodeDuplicateClientID, CodeConnectFailed, CodeStaleVersion:
		return true
	default:
		return false
	}
}
