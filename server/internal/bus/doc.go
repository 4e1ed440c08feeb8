// Package bus forwards update events to external messaging systems.
//
// Each sink runs as its own events.Broadcaster subscriber through Forward,
// so a slow or unreachable broker only ever loses its own events. Sink
// errors are logged and never reach the sync engine.
//
//	bus.kafka: records keyed by pipeline on one topic (franz-go)
//	bus.nats:  subjects <subject_prefix>.<event type>
//
// Payloads are the JSON form of events.Event.
package bus
