package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/obsidianstack/ciwatch/server/internal/events"
)

// sendTimeout bounds a single external publish.
const sendTimeout = 5 * time.Second

// Sink publishes update events to an external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, e events.Event) error
	Close() error
}

// Forward delivers every event from sub to sink until the subscription is
// closed. Send errors are logged and the event is skipped.
func Forward(sub *events.Subscription, sink Sink) {
	for e := range sub.C {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := sink.Send(ctx, e)
		cancel()
		if err != nil {
			slog.Warn("bus: publish failed",
				"sink", sink.Name(), "type", e.Type, "pipeline", e.Pipeline, "err", err)
		}
	}
	slog.Debug("bus: subscription closed", "sink", sink.Name(), "dropped", sub.Dropped())
}

// encode is the wire form shared by every sink.
func encode(e events.Event) ([]byte, error) {
	return json.Marshal(e)
}
