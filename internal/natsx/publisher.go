// Package natsx publishes marketplace events on NATS for realtime
// subscribers such as dashboards.
package natsx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	"github.com/nats-io/nats.go"
)

// Publisher sends each envelope to "<topic>.<itemID>", so a subscriber can
// follow one item or, with a wildcard, all of them.
type Publisher struct {
	conn *nats.Conn
}

func Connect(url, name string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

func Subject(topic, itemID string) string {
	return topic + "." + itemID
}

func (p *Publisher) PublishEvent(_ context.Context, topic string, env marketplace.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := nats.NewMsg(Subject(topic, env.CorrelationID))
	msg.Data = b
	msg.Header.Set("x-event-type", env.EventType)
	msg.Header.Set("x-event-id", env.EventID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
