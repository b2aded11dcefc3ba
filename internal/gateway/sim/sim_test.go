package sim

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"brokerlink/internal/gateway"
)

type recorder chan gateway.Event

func (r recorder) Handle(ev gateway.Event) { r <- ev }

// next waits for the next event of kind k, skipping others.
func (r recorder) next(t *testing.T, k gateway.EventKind) gateway.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r:
			if ev.Kind() == k {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event within timeout", k)
			return nil
		}
	}
}

func newSim(t *testing.T, opts ...Option) (*Gateway, recorder) {
	t.Helper()
	g := New(slog.New(slog.DiscardHandler), opts...)
	rec := make(recorder, 256)
	g.SetHandler(rec)
	t.Cleanup(g.Close)
	return g, rec
}

var aapl = gateway.Contract{Symbol: "AAPL", SecType: "STK", Exchange: "SMART", Currency: "USD"}

func TestHandshake(t *testing.T) {
	g, rec := newSim(t, WithAccount("DU1"), WithFirstOrderID(50))
	require.NoError(t, g.Connect("127.0.0.1", 7497, 3))

	rec.next(t, gateway.KindConnectAck)
	accts := rec.next(t, gateway.KindManagedAccounts).(gateway.ManagedAccounts)
	require.Equal(t, []string{"DU1"}, accts.Accounts)
	id := rec.next(t, gateway.KindNextValidID).(gateway.NextValidID)
	require.Equal(t, int64(50), id.OrderID)

	require.NoError(t, g.RequestAccountUpdates(true, "DU1"))
	end := rec.next(t, gateway.KindAccountDownloadEnd).(gateway.AccountDownloadEnd)
	require.Equal(t, "DU1", end.Account)
}

func TestCommandsRequireConnection(t *testing.T) {
	g, _ := newSim(t)
	require.Error(t, g.PlaceOrder(1, aapl, gateway.Order{Action: "BUY", TotalQuantity: 1, OrderType: "MKT"}))
	require.Error(t, g.RequestManagedAccounts())
}

func TestAutoFillAndReplay(t *testing.T) {
	g, rec := newSim(t, WithAutoFill(true), WithCommission(0.01))
	require.NoError(t, g.Connect("", 0, 1))
	require.NoError(t, g.RequestMarketData(9, aapl, "233"))

	g.PushTick("AAPL", 190.25, 100)
	tick := rec.next(t, gateway.KindTick).(gateway.Tick)
	require.Equal(t, 9, tick.TickerID)
	require.Equal(t, gateway.TickRTVolume, tick.Field)
	require.True(t, strings.HasPrefix(tick.Value, "190.25;100;"), tick.Value)

	require.NoError(t, g.PlaceOrder(1, aapl, gateway.Order{Action: "BUY", TotalQuantity: 10, OrderType: "MKT", OrderRef: "r"}))
	ex := rec.next(t, gateway.KindExecution).(gateway.Execution)
	require.Equal(t, "BOT", ex.Detail.Side)
	require.Equal(t, int64(10), ex.Detail.Shares)
	require.Equal(t, 190.25, ex.Detail.Price)
	require.Equal(t, "r", ex.Detail.OrderRef)

	cr := rec.next(t, gateway.KindCommissionReport).(gateway.Commission)
	require.Equal(t, ex.Detail.ExecID, cr.Report.ExecID)
	require.InDelta(t, 0.1, cr.Report.Commission, 1e-9)

	st := rec.next(t, gateway.KindOrderStatus).(gateway.OrderStatus)
	require.Equal(t, "Filled", st.Status)
	require.Equal(t, int64(10), st.Filled)

	require.NoError(t, g.RequestExecutions(77, gateway.ExecutionFilter{ClientID: 1}))
	replay := rec.next(t, gateway.KindExecution).(gateway.Execution)
	require.Equal(t, 77, replay.ReqID)
	require.Equal(t, ex.Detail.ExecID, replay.Detail.ExecID)
}

func TestLimitRestsUntilMarketable(t *testing.T) {
	g, rec := newSim(t, WithAutoFill(true))
	require.NoError(t, g.Connect("", 0, 1))
	g.PushTick("AAPL", 200, 1)

	require.NoError(t, g.PlaceOrder(2, aapl, gateway.Order{Action: "BUY", TotalQuantity: 5, OrderType: "LMT", LimitPrice: 195}))
	st := rec.next(t, gateway.KindOrderStatus).(gateway.OrderStatus)
	require.Equal(t, "Submitted", st.Status)

	g.PushTick("AAPL", 194.5, 1)
	ex := rec.next(t, gateway.KindExecution).(gateway.Execution)
	require.Equal(t, int64(2), ex.Detail.OrderID)
	require.Equal(t, 194.5, ex.Detail.Price)
}

func TestCancel(t *testing.T) {
	g, rec := newSim(t)
	require.NoError(t, g.Connect("", 0, 1))
	require.NoError(t, g.PlaceOrder(3, aapl, gateway.Order{Action: "SELL", TotalQuantity: 5, OrderType: "LMT", LimitPrice: 500}))
	rec.next(t, gateway.KindOrderStatus)

	require.NoError(t, g.CancelOrder(3))
	st := rec.next(t, gateway.KindOrderStatus).(gateway.OrderStatus)
	require.Equal(t, "Cancelled", st.Status)

	require.NoError(t, g.CancelOrder(3))
	e := rec.next(t, gateway.KindError).(gateway.Error)
	require.Equal(t, CodeNotCancellable, e.Code)
	require.Equal(t, int64(3), e.ID)
}

func TestSilent(t *testing.T) {
	g, rec := newSim(t, Silent())
	require.NoError(t, g.Connect("", 0, 1))
	select {
	case ev := <-rec:
		t.Fatalf("silent simulator delivered %s", ev.Kind())
	case <-time.After(50 * time.Millisecond):
	}
}
