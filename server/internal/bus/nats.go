package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/obsidianstack/ciwatch/server/internal/config"
	"github.com/obsidianstack/ciwatch/server/internal/events"
)

// NATS publishes events on <prefix>.<type>, e.g. ciwatch.build_update.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// NewNATS connects to cfg.URL.
func NewNATS(cfg config.NATSConfig) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("ciwatch-server"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect %s: %w", cfg.URL, err)
	}
	return &NATS{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// Name implements Sink.
func (n *NATS) Name() string { return "nats" }

// Send publishes e. The client buffers while reconnecting.
func (n *NATS) Send(_ context.Context, e events.Event) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	return n.conn.Publish(subject(n.prefix, e.Type), data)
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

func subject(prefix string, t events.Type) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}
