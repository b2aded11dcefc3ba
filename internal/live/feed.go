// Package live fans order and fill updates out to in-process subscribers,
// gRPC streaming clients and NATS.
package live

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"brokerlink/internal/domain"
)

// Event kinds.
const (
	KindOrder       = "order"
	KindTransaction = "transaction"
)

// Event is emitted to subscribers whenever an order aggregate changes or a
// transaction becomes known. Exactly one of Order and Transaction is set.
type Event struct {
	Session     string              `json:"session"`
	Seq         uint64              `json:"seq"`
	Time        time.Time           `json:"time"`
	Kind        string              `json:"kind"`
	Order       *domain.Order       `json:"order,omitempty"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

// Key identifies what the event is about: the order id or the exec id.
func (e Event) Key() string {
	switch e.Kind {
	case KindOrder:
		return KindOrder + ":" + e.Order.ID
	case KindTransaction:
		return KindTransaction + ":" + e.Transaction.ExecID
	}
	return ""
}

// Feed keeps the latest event per order and per execution and notifies
// subscribers of changes. Republishing an unchanged state is a no-op.
type Feed struct {
	session string
	now     func() time.Time

	mu     sync.RWMutex
	seq    uint64
	latest map[string]Event

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewFeed creates a feed stamped with a fresh session id.
func NewFeed() *Feed {
	return &Feed{
		session: uuid.NewString(),
		now:     time.Now,
		latest:  make(map[string]Event),
		subs:    make(map[int]chan Event),
	}
}

// Session returns the feed's session id.
func (f *Feed) Session() string { return f.session }

// PublishOrder records o and notifies subscribers if it differs from the
// last published state of the same order.
func (f *Feed) PublishOrder(o domain.Order) bool {
	return f.publish(Event{Kind: KindOrder, Order: &o})
}

// PublishTransaction records tx and notifies subscribers the first time an
// exec id is seen or when its content changes.
func (f *Feed) PublishTransaction(tx domain.Transaction) bool {
	return f.publish(Event{Kind: KindTransaction, Transaction: &tx})
}

func (f *Feed) publish(evt Event) bool {
	key := evt.Key()
	f.mu.Lock()
	if prev, ok := f.latest[key]; ok && samePayload(prev, evt) {
		f.mu.Unlock()
		return false
	}
	f.seq++
	evt.Session = f.session
	evt.Seq = f.seq
	evt.Time = f.now().UTC()
	f.latest[key] = evt
	f.mu.Unlock()

	// Non-blocking send; slow subscribers lose events.
	f.subsMu.Lock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	f.subsMu.Unlock()
	return true
}

func samePayload(a, b Event) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == KindOrder {
		return reflect.DeepEqual(*a.Order, *b.Order)
	}
	return reflect.DeepEqual(*a.Transaction, *b.Transaction)
}

// Snapshot returns the latest event per key in publication order.
func (f *Feed) Snapshot() []Event {
	f.mu.RLock()
	out := make([]Event, 0, len(f.latest))
	for _, e := range f.latest {
		out = append(out, e)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Subscribe creates a new subscription channel.
func (f *Feed) Subscribe(bufSize int) (id int, ch <-chan Event) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	id = f.nextSubID
	f.nextSubID++
	c := make(chan Event, bufSize)
	f.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (f *Feed) Unsubscribe(id int) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}
