// Package events fans out pipeline_update and build_update notifications to
// in-process subscribers: WebSocket connections and the optional bus sinks.
// Delivery is best-effort and there is no replay.
package events
