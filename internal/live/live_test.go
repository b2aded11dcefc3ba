package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"brokerlink/internal/domain"
)

func order(id string, status domain.OrderStatus, filled int64) domain.Order {
	return domain.Order{
		ID:     id,
		Asset:  domain.Asset{Symbol: "AAPL"},
		Amount: 100,
		Type:   domain.OrderTypeLimit,
		Status: status,
		Filled: filled,
	}
}

func TestFeedDedup(t *testing.T) {
	f := NewFeed()
	require.NotEmpty(t, f.Session())

	require.True(t, f.PublishOrder(order("A-1-1", domain.OrderStatusOpen, 0)))
	require.False(t, f.PublishOrder(order("A-1-1", domain.OrderStatusOpen, 0)))
	require.True(t, f.PublishOrder(order("A-1-1", domain.OrderStatusFilled, 100)))

	tx := domain.Transaction{ExecID: "e1", Asset: domain.Asset{Symbol: "AAPL"}, Amount: 100, Price: 10}
	require.True(t, f.PublishTransaction(tx))
	require.False(t, f.PublishTransaction(tx))
	tx.Commission = 1
	require.True(t, f.PublishTransaction(tx))

	snap := f.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, KindOrder, snap[0].Kind)
	require.Equal(t, domain.OrderStatusFilled, snap[0].Order.Status)
	require.Equal(t, uint64(2), snap[0].Seq)
	require.Equal(t, 1.0, snap[1].Transaction.Commission)
	require.Equal(t, f.Session(), snap[1].Session)
}

func TestFeedSubscribe(t *testing.T) {
	f := NewFeed()
	id, ch := f.Subscribe(1)
	f.PublishOrder(order("A-1-1", domain.OrderStatusOpen, 0))
	f.PublishOrder(order("A-1-2", domain.OrderStatusOpen, 0)) // buffer full, dropped

	evt := <-ch
	require.Equal(t, "A-1-1", evt.Order.ID)

	f.Unsubscribe(id)
	_, ok := <-ch
	require.False(t, ok)
}

func TestEventProtoRoundTrip(t *testing.T) {
	o := order("A-1-7", domain.OrderStatusHeld, 40)
	o.CreatedAt = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	in := Event{Session: "s", Seq: 9, Time: o.CreatedAt, Kind: KindOrder, Order: &o}

	msg, err := eventToProto(in)
	require.NoError(t, err)
	out, err := protoToEvent(msg)
	require.NoError(t, err)
	require.Equal(t, in.Seq, out.Seq)
	require.True(t, o.CreatedAt.Equal(out.Order.CreatedAt))
	out.Order.CreatedAt = o.CreatedAt
	require.Equal(t, *in.Order, *out.Order)
	require.True(t, in.Time.Equal(out.Time))
}

func TestGRPCStream(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	feed := NewFeed()
	feed.PublishOrder(order("A-1-1", domain.OrderStatusOpen, 0))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	NewServer(feed, log).RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- NewClient(lis.Addr().String(), "", log).Sync(ctx, func(e Event) { got <- e })
	}()

	first := <-got
	require.Equal(t, "A-1-1", first.Order.ID, "snapshot is sent first")

	// The client may subscribe after this publish; either way the update
	// must arrive, through the snapshot or the live stream.
	require.Eventually(t, func() bool {
		feed.PublishOrder(order("A-1-1", domain.OrderStatusFilled, 100))
		select {
		case e := <-got:
			return e.Order.Status == domain.OrderStatusFilled
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestNATSPublisher(t *testing.T) {
	srv := natstest.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	p, err := NewNATSPublisher(srv.ClientURL(), "brokerlink.test", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(p.Close)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync("brokerlink.test.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, p.Publish(Event{Seq: 1, Kind: KindOrder, Order: &domain.Order{ID: "A-1-1", Filled: 40}}))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "brokerlink.test.order", msg.Subject)
	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, uint64(1), got.Seq)
	require.Equal(t, "A-1-1", got.Order.ID)
	require.Equal(t, int64(40), got.Order.Filled)

	// Run forwards feed events; the feed drops events published before Run
	// subscribes, so keep publishing fresh ones until one arrives.
	feed := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, feed) }()

	n := 0
	require.Eventually(t, func() bool {
		n++
		feed.PublishTransaction(domain.Transaction{ExecID: fmt.Sprintf("e%d", n), Asset: domain.Asset{Symbol: "AAPL"}, Amount: 10, Price: 9.5})
		msg, err = sub.NextMsg(20 * time.Millisecond)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "brokerlink.test.transaction", msg.Subject)
	got = Event{}
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, feed.Session(), got.Session)
	require.Equal(t, int64(10), got.Transaction.Amount)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
