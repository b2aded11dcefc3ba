package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSPublisher forwards feed events as JSON to a NATS subject. Each event
// goes to <subject>.<kind>.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, subject string, log *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("brokerlink"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject, log: log.With("component", "nats")}, nil
}

// Publish sends one event.
func (p *NATSPublisher) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject+"."+e.Kind, data)
}

// Run publishes every event of feed until ctx is done, then flushes.
func (p *NATSPublisher) Run(ctx context.Context, feed *Feed) error {
	subID, ch := feed.Subscribe(4096)
	defer feed.Unsubscribe(subID)

	p.log.Info("publishing order events", "subject", p.subject)
	for {
		select {
		case <-ctx.Done():
			return p.conn.Flush()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := p.Publish(evt); err != nil {
				p.log.Warn("nats publish failed", "seq", evt.Seq, "error", err)
			}
		}
	}
}

// Close closes the connection.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}
