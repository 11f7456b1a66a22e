package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATS forwards events to a NATS server on the subject
// <prefix>.<channel>.<event>, the message body is the JSON encoded Event.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// NewNATS connects to the NATS server at url.
func NewNATS(url, prefix string, opts ...nats.Option) (*NATS, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Subject returns the subject an event is published on.
func (n *NATS) Subject(event, channel string) string {
	parts := make([]string, 0, 3)
	if n.prefix != "" {
		parts = append(parts, n.prefix)
	}
	if channel != "" {
		parts = append(parts, channel)
	}
	parts = append(parts, event)
	return strings.Join(parts, ".")
}

func (n *NATS) Publish(_ context.Context, event string, payload any, channel string) error {
	if n == nil {
		return errors.New("nil nats forwarder")
	}
	data, err := json.Marshal(Event{Name: event, Channel: channel, Payload: payload})
	if err != nil {
		return err
	}
	return n.conn.Publish(n.Subject(event, channel), data)
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() {
	if n == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

// Multi publishes to every Publisher in turn and joins the errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event string, payload any, channel string) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event, payload, channel); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
