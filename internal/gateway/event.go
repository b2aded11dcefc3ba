package gateway

import "time"

// EventKind enumerates the callback kinds.
type EventKind uint8

const (
	KindConnectAck EventKind = iota + 1
	KindTick
	KindAccountValue
	KindAccountDownloadEnd
	KindPosition
	KindOrderStatus
	KindOpenOrder
	KindExecution
	KindCommissionReport
	KindManagedAccounts
	KindNextValidID
	KindCurrentTime
	KindError
	KindConnectionClosed
)

var kindNames = map[EventKind]string{
	KindConnectAck:         "connect_ack",
	KindTick:               "tick",
	KindAccountValue:       "account_value",
	KindAccountDownloadEnd: "account_download_end",
	KindPosition:           "position",
	KindOrderStatus:        "order_status",
	KindOpenOrder:          "open_order",
	KindExecution:          "execution",
	KindCommissionReport:   "commission_report",
	KindManagedAccounts:    "managed_accounts",
	KindNextValidID:        "next_valid_id",
	KindCurrentTime:        "current_time",
	KindError:              "error",
	KindConnectionClosed:   "connection_closed",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a gateway callback. The set of implementations is closed: only
// the types in this file satisfy it.
type Event interface {
	Kind() EventKind
	event()
}

// ConnectAck reports that the transport is up.
type ConnectAck struct{}

// Tick is a market-data update. Numeric kinds fill Price/Size, string kinds
// (RTVolume) fill Value.
type Tick struct {
	TickerID int
	Field    int
	Price    float64
	Size     int64
	Value    string
}

// AccountValue is one key/value of the account snapshot.
type AccountValue struct {
	Account  string
	Currency string
	Key      string
	Value    string
}

// AccountDownloadEnd marks the end of the initial account snapshot.
type AccountDownloadEnd struct {
	Account string
}

// Position is a portfolio update for one contract.
type Position struct {
	Account       string
	Contract      Contract
	Quantity      int64
	AvgCost       float64
	MarketPrice   float64
	MarketValue   float64
	UnrealizedPnL float64
	RealizedPnL   float64
}

// OrderStatus is a status update for one order.
type OrderStatus struct {
	OrderID       int64
	Status        string
	Filled        int64
	Remaining     int64
	AvgFillPrice  float64
	LastFillPrice float64
	PermID        int64
	ParentID      int64
	ClientID      int
	WhyHeld       string
}

// OpenOrder echoes an order ticket with its current state.
type OpenOrder struct {
	OrderID  int64
	Contract Contract
	Order    Order
	State    OrderState
}

// Execution reports one fill.
type Execution struct {
	ReqID    int
	Contract Contract
	Detail   ExecDetail
}

// Commission carries the fee report for an execution.
type Commission struct {
	Report CommissionReport
}

// ManagedAccounts lists the accounts of the session.
type ManagedAccounts struct {
	Accounts []string
}

// NextValidID carries the next usable order id.
type NextValidID struct {
	OrderID int64
}

// CurrentTime carries the broker's clock.
type CurrentTime struct {
	Time time.Time
}

// Error is a vendor error or notice. ID is the request/order id it refers to,
// or -1.
type Error struct {
	ID      int64
	Code    int
	Message string
}

// ConnectionClosed reports that the transport went away.
type ConnectionClosed struct{}

func (ConnectAck) Kind() EventKind         { return KindConnectAck }
func (Tick) Kind() EventKind               { return KindTick }
func (AccountValue) Kind() EventKind       { return KindAccountValue }
func (AccountDownloadEnd) Kind() EventKind { return KindAccountDownloadEnd }
func (Position) Kind() EventKind           { return KindPosition }
func (OrderStatus) Kind() EventKind        { return KindOrderStatus }
func (OpenOrder) Kind() EventKind          { return KindOpenOrder }
func (Execution) Kind() EventKind          { return KindExecution }
func (Commission) Kind() EventKind         { return KindCommissionReport }
func (ManagedAccounts) Kind() EventKind    { return KindManagedAccounts }
func (NextValidID) Kind() EventKind        { return KindNextValidID }
func (CurrentTime) Kind() EventKind        { return KindCurrentTime }
func (Error) Kind() EventKind              { return KindError }
func (ConnectionClosed) Kind() EventKind   { return KindConnectionClosed }

func (ConnectAck) event()         {}
func (Tick) event()               {}
func (AccountValue) event()       {}
func (AccountDownloadEnd) event() {}
func (Position) event()           {}
func (OrderStatus) event()        {}
func (OpenOrder) event()          {}
func (Execution) event()          {}
func (Commission) event()         {}
func (ManagedAccounts) event()    {}
func (NextValidID) event()        {}
func (CurrentTime) event()        {}
func (Error) event()              {}
func (ConnectionClosed) event()   {}
