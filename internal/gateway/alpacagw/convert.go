package alpacagw

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"

	"brokerlink/internal/gateway"
	"brokerlink/internal/portfolio"
)

// clientOrderPrefix marks client order ids minted by this gateway.
const clientOrderPrefix = "bl-"

// maxClientOrderID is Alpaca's limit on client_order_id.
const maxClientOrderID = 128

// encodeClientOrderID packs the session's client id, the local order id and
// the order ref into an Alpaca client_order_id. The ref is dropped when the
// result would not fit.
func encodeClientOrderID(clientID int, id int64, ref string) string {
	s := fmt.Sprintf("%s%d-%d", clientOrderPrefix, clientID, id)
	if ref != "" && len(s)+1+len(ref) <= maxClientOrderID {
		s += "|" + ref
	}
	return s
}

// decodeClientOrderID reverses encodeClientOrderID. ok is false for ids
// minted elsewhere.
func decodeClientOrderID(s string) (clientID int, id int64, ref string, ok bool) {
	head, ref, _ := strings.Cut(s, "|")
	rest, found := strings.CutPrefix(head, clientOrderPrefix)
	if !found {
		return 0, 0, "", false
	}
	cs, is, found := strings.Cut(rest, "-")
	if !found {
		return 0, 0, "", false
	}
	c, err := strconv.Atoi(cs)
	if err != nil {
		return 0, 0, "", false
	}
	n, err := strconv.ParseInt(is, 10, 64)
	if err != nil || n <= 0 {
		return 0, 0, "", false
	}
	return c, n, ref, true
}

func dec(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func decPtr(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return dec(*d)
}

func decInt(d decimal.Decimal) int64 {
	return d.IntPart()
}

func decPtrInt(d *decimal.Decimal) int64 {
	if d == nil {
		return 0
	}
	return d.IntPart()
}

func decOf(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

// placeRequest converts a gateway ticket into an Alpaca order request.
func placeRequest(clientID int, id int64, c gateway.Contract, o gateway.Order) (alpaca.PlaceOrderRequest, error) {
	if o.TotalQuantity <= 0 {
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("alpaca: non-positive quantity %d", o.TotalQuantity)
	}
	qty := decimal.NewFromInt(o.TotalQuantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        c.Symbol,
		Qty:           &qty,
		TimeInForce:   timeInForce(o.TIF),
		ClientOrderID: encodeClientOrderID(clientID, id, o.OrderRef),
	}
	switch strings.ToUpper(o.Action) {
	case "BUY":
		req.Side = alpaca.Buy
	case "SELL":
		req.Side = alpaca.Sell
	default:
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("alpaca: unknown action %q", o.Action)
	}
	switch o.OrderType {
	case "MKT":
		req.Type = alpaca.Market
	case "LMT":
		req.Type = alpaca.Limit
		req.LimitPrice = decOf(o.LimitPrice)
	case "STP":
		req.Type = alpaca.Stop
		req.StopPrice = decOf(o.AuxPrice)
	case "STP LMT":
		req.Type = alpaca.StopLimit
		req.LimitPrice = decOf(o.LimitPrice)
		req.StopPrice = decOf(o.AuxPrice)
	default:
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("alpaca: unsupported order type %q", o.OrderType)
	}
	return req, nil
}

func timeInForce(tif string) alpaca.TimeInForce {
	switch strings.ToUpper(tif) {
	case "GTC":
		return alpaca.GTC
	case "IOC":
		return alpaca.IOC
	case "FOK":
		return alpaca.FOK
	case "OPG":
		return alpaca.OPG
	default:
		return alpaca.Day
	}
}

// vendorStatus maps an Alpaca order status onto the gateway status strings.
func vendorStatus(s string) string {
	switch s {
	case "new", "accepted", "partially_filled", "pending_replace", "replaced", "calculated", "stopped":
		return "Submitted"
	case "pending_new", "accepted_for_bidding", "held", "done_for_day":
		return "PreSubmitted"
	case "pending_cancel":
		return "PendingCancel"
	case "filled":
		return "Filled"
	case "canceled", "expired":
		return "Cancelled"
	case "rejected", "suspended":
		return "Inactive"
	default:
		return s
	}
}

func orderType(t alpaca.OrderType) string {
	switch t {
	case alpaca.Limit:
		return "LMT"
	case alpaca.Stop:
		return "STP"
	case alpaca.StopLimit:
		return "STP LMT"
	default:
		return "MKT"
	}
}

func action(s alpaca.Side) string {
	if s == alpaca.Sell {
		return "SELL"
	}
	return "BUY"
}

func execSide(s alpaca.Side) string {
	if s == alpaca.Sell {
		return "SLD"
	}
	return "BOT"
}

func contractFor(symbol string) gateway.Contract {
	return gateway.Contract{
		Symbol:   strings.ToUpper(symbol),
		SecType:  gateway.DefaultSecType,
		Exchange: gateway.DefaultExchange,
		Currency: gateway.DefaultCurrency,
	}
}

// orderEvents renders an Alpaca order as the open-order echo followed by
// its status.
func orderEvents(id int64, clientID int, ref string, o alpaca.Order) []gateway.Event {
	qty := decPtrInt(o.Qty)
	filled := decInt(o.FilledQty)
	status := vendorStatus(o.Status)
	return []gateway.Event{
		gateway.OpenOrder{
			OrderID:  id,
			Contract: contractFor(o.Symbol),
			Order: gateway.Order{
				Action:        action(o.Side),
				TotalQuantity: qty,
				OrderType:     orderType(o.Type),
				LimitPrice:    decPtr(o.LimitPrice),
				AuxPrice:      decPtr(o.StopPrice),
				TIF:           strings.ToUpper(string(o.TimeInForce)),
				OrderRef:      ref,
			},
			State: gateway.OrderState{Status: status},
		},
		gateway.OrderStatus{
			OrderID:      id,
			Status:       status,
			Filled:       filled,
			Remaining:    qty - filled,
			AvgFillPrice: decPtr(o.FilledAvgPrice),
			ClientID:     clientID,
		},
	}
}

// fillEvents renders a fill or partial_fill trade update as an execution
// and its (zero) commission report.
func fillEvents(id int64, clientID int, ref string, u alpaca.TradeUpdate) []gateway.Event {
	execID := u.ExecutionID
	if execID == "" {
		execID = u.EventID
	}
	if execID == "" {
		execID = fmt.Sprintf("%s-%s", u.Order.ID, u.Order.FilledQty.String())
	}
	at := u.At
	if u.Timestamp != nil {
		at = *u.Timestamp
	}
	return []gateway.Event{
		gateway.Execution{
			ReqID:    -1,
			Contract: contractFor(u.Order.Symbol),
			Detail: gateway.ExecDetail{
				ExecID:   execID,
				OrderID:  id,
				ClientID: clientID,
				Time:     at,
				Side:     execSide(u.Order.Side),
				Shares:   decPtrInt(u.Qty),
				Price:    decPtr(u.Price),
				CumQty:   decInt(u.Order.FilledQty),
				AvgPrice: decPtr(u.Order.FilledAvgPrice),
				OrderRef: ref,
			},
		},
		gateway.Commission{Report: gateway.CommissionReport{ExecID: execID}},
	}
}

type kv struct {
	key, ccy string
	v        float64
}

// accountEvents renders an Alpaca account as gateway account values.
func accountEvents(a alpaca.Account) []gateway.Event {
	cash := dec(a.Cash)
	equity := dec(a.Equity)
	long := dec(a.LongMarketValue)
	short := dec(a.ShortMarketValue)
	initMargin := dec(a.InitialMargin)
	maintMargin := dec(a.MaintenanceMargin)
	gross := long - short

	ccy := a.Currency
	if ccy == "" {
		ccy = gateway.DefaultCurrency
	}
	values := []kv{
		{portfolio.KeyTotalCash, ccy, cash},
		{portfolio.KeySettledCash, ccy, cash},
		{portfolio.KeyBuyingPower, ccy, dec(a.BuyingPower)},
		{portfolio.KeyEquityWithLoan, ccy, equity},
		{portfolio.KeyStockMarketValue, ccy, long + short},
		{portfolio.KeyNetLiquidation, ccy, equity},
		{portfolio.KeyRegTEquity, ccy, equity},
		{portfolio.KeyRegTMargin, ccy, initMargin},
		{portfolio.KeyInitMarginReq, ccy, initMargin},
		{portfolio.KeyMaintMarginReq, ccy, maintMargin},
		{portfolio.KeyAvailableFunds, ccy, equity - initMargin},
		{portfolio.KeyExcessLiquidity, ccy, equity - maintMargin},
		{portfolio.KeyDayTradesRemaining, "", float64(dayTradesRemaining(a.DaytradeCount))},
	}
	if equity != 0 {
		values = append(values,
			kv{portfolio.KeyLeverage, "", gross / equity},
			kv{portfolio.KeyCushion, "", (equity - maintMargin) / equity},
		)
	}

	evs := make([]gateway.Event, 0, len(values))
	for _, v := range values {
		evs = append(evs, gateway.AccountValue{
			Account:  a.AccountNumber,
			Currency: v.ccy,
			Key:      v.key,
			Value:    strconv.FormatFloat(v.v, 'f', -1, 64),
		})
	}
	return evs
}

// patternDayTrades is the rolling five-day day-trade allowance of an account
// under the pattern-day-trader threshold.
const patternDayTrades = 3

func dayTradesRemaining(used int64) int64 {
	if used >= patternDayTrades {
		return 0
	}
	return patternDayTrades - used
}

// positionEvent renders an Alpaca position. Short positions carry a
// negative quantity.
func positionEvent(account string, p alpaca.Position) gateway.Position {
	qty := decInt(p.Qty)
	if p.Side == "short" && qty > 0 {
		qty = -qty
	}
	return gateway.Position{
		Account:       account,
		Contract:      contractFor(p.Symbol),
		Quantity:      qty,
		AvgCost:       dec(p.AvgEntryPrice),
		MarketPrice:   decPtr(p.CurrentPrice),
		MarketValue:   decPtr(p.MarketValue),
		UnrealizedPnL: decPtr(p.UnrealizedPL),
	}
}

// rtVolume keeps the running volume and VWAP of one symbol's trade prints.
type rtVolume struct {
	volume   int64
	notional float64
}

// add folds a trade into the running totals and formats it as an RTVolume
// value: "price;size;epoch_ms;total_volume;vwap;single_trade".
func (r *rtVolume) add(t stream.Trade) string {
	size := int64(t.Size)
	r.volume += size
	r.notional += t.Price * float64(size)
	vwap := t.Price
	if r.volume > 0 {
		vwap = r.notional / float64(r.volume)
	}
	return fmt.Sprintf("%s;%d;%d;%d;%s;true",
		strconv.FormatFloat(t.Price, 'f', -1, 64), size, t.Timestamp.UnixMilli(),
		r.volume, strconv.FormatFloat(vwap, 'f', -1, 64))
}

// staleAfter bounds how old a REST latest trade may be before it is no
// longer used to seed the last price.
const staleAfter = 7 * 24 * time.Hour
