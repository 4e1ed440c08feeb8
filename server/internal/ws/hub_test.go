package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/ciwatch/server/internal/events"
	wsHub "github.com/obsidianstack/ciwatch/server/internal/ws"
)

// --- helpers ----------------------------------------------------------------

// startHub starts a test HTTP server with the hub as its handler.
// Returns the ws:// URL, the hub, its broadcaster, and a cancel for Run.
func startHub(t *testing.T) (string, *wsHub.Hub, *events.Broadcaster, func()) {
	t.Helper()

	bc := events.New()
	hub := wsHub.New(bc)
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub, bc, cancel
}

// dial connects a client and consumes the "connected" greeting.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	if m := readMessage(t, conn); m.Event != wsHub.EventConnected {
		t.Fatalf("greeting: got %q, want %q", m.Event, wsHub.EventConnected)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsHub.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m wsHub.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return m
}

func waitCount(t *testing.T, hub *wsHub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Count: got %d, want %d", hub.Count(), want)
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_SendsGreeting(t *testing.T) {
	wsURL, hub, bc, _ := startHub(t)
	dial(t, wsURL)

	waitCount(t, hub, 1)
	if n := bc.Count(); n != 1 {
		t.Errorf("subscribers: got %d, want 1", n)
	}
}

func TestHub_ForwardsBuildUpdate(t *testing.T) {
	wsURL, _, bc, _ := startHub(t)
	conn := dial(t, wsURL)

	bc.Publish(events.Event{Type: events.BuildUpdate, Pipeline: "frontend-build", BuildNumber: 123})

	m := readMessage(t, conn)
	if m.Event != "build_update" {
		t.Errorf("event: got %q, want build_update", m.Event)
	}
	if m.Data == nil {
		t.Fatal("data: missing")
	}
	if m.Data.Pipeline != "frontend-build" || m.Data.BuildNumber != 123 {
		t.Errorf("data: got %+v", *m.Data)
	}
	if m.Data.At.IsZero() {
		t.Error("data.at: missing")
	}
}

func TestHub_AllClientsReceiveEvent(t *testing.T) {
	wsURL, hub, bc, _ := startHub(t)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
	}
	waitCount(t, hub, 3)

	bc.Publish(events.Event{Type: events.PipelineUpdate, Pipeline: "backend-api"})

	for i, conn := range conns {
		m := readMessage(t, conn)
		if m.Event != "pipeline_update" {
			t.Errorf("client %d: event: got %q, want pipeline_update", i, m.Event)
		}
	}
}

func TestHub_EventsArriveInPublishOrder(t *testing.T) {
	wsURL, _, bc, _ := startHub(t)
	conn := dial(t, wsURL)

	bc.Publish(events.Event{Type: events.PipelineUpdate, Pipeline: "p"})
	bc.Publish(events.Event{Type: events.BuildUpdate, Pipeline: "p", BuildNumber: 1})
	bc.Publish(events.Event{Type: events.BuildUpdate, Pipeline: "p", BuildNumber: 2})

	want := []int64{0, 1, 2}
	for i, n := range want {
		if m := readMessage(t, conn); m.Data.BuildNumber != n {
			t.Errorf("message %d: build_number got %d, want %d", i, m.Data.BuildNumber, n)
		}
	}
}

func TestHub_CountDecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, bc, _ := startHub(t)

	conn := dial(t, wsURL)
	waitCount(t, hub, 1)

	conn.Close()
	waitCount(t, hub, 0)
	if n := bc.Count(); n != 0 {
		t.Errorf("subscribers after disconnect: got %d, want 0", n)
	}
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, _, cancel := startHub(t)

	conn := dial(t, wsURL)
	waitCount(t, hub, 1)

	cancel()
	waitCount(t, hub, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed after cancel")
	}
}

func TestHub_BroadcasterCloseEndsStream(t *testing.T) {
	wsURL, _, bc, _ := startHub(t)
	conn := dial(t, wsURL)

	bc.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage: got %v, want a close frame", err)
	}
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(events.New())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
