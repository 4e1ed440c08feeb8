// Package ws streams update events to browser clients over WebSocket.
//
// Every connection subscribes to the events.Broadcaster on its own. The
// first frame is {"event": "connected"}; after that each event is sent as
//
//	{
//	  "event": "build_update",
//	  "data":  {"type": "build_update", "pipeline": "frontend-build", "build_number": 123, "at": "..."}
//	}
//
// Events carry keys only. Clients re-read state through the HTTP API, and
// must do so after reconnecting since missed events are not replayed. A
// client that falls behind its buffer is disconnected.
//
// The hub is mounted at /ws/stream by the server.
package ws
