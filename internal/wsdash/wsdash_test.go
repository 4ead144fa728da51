package wsdash

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parkerjbeard/mortality/internal/telemetry"
)

type fakeSnapshot struct{}

func (fakeSnapshot) Agents() any { return []string{"A", "B"} }
func (fakeSnapshot) Timers() any { return map[string]int{"A": 1000} }

func dialSink(t *testing.T, s *Sink) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(s.Handler())
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		server.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() { conn.Close(); server.Close() }
}

func TestServeWS_SendsInitialStateOnConnect(t *testing.T) {
	s := New(fakeSnapshot{}, nil)
	conn, cleanup := dialSink(t, s)
	defer cleanup()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "initial_state" {
		t.Errorf("type = %v, want initial_state", got["type"])
	}
	if _, ok := got["agents"]; !ok {
		t.Error("expected agents in initial_state frame")
	}
}

func TestServeWS_PingYieldsPong(t *testing.T) {
	s := New(fakeSnapshot{}, nil)
	conn, cleanup := dialSink(t, s)
	defer cleanup()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial map[string]any
	conn.ReadJSON(&initial)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	var pong map[string]any
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatal(err)
	}
	if pong["type"] != "pong" {
		t.Errorf("type = %v, want pong", pong["type"])
	}
}

func TestEmit_ForwardsEventFrameToConnectedClients(t *testing.T) {
	s := New(fakeSnapshot{}, nil)
	conn, cleanup := dialSink(t, s)
	defer cleanup()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial map[string]any
	conn.ReadJSON(&initial)

	// Give the server a moment to register the client before emitting.
	time.Sleep(20 * time.Millisecond)

	s.Emit(telemetry.Event{Seq: 3, Name: "timer.tick", Ts: time.Now().UTC(), Payload: map[string]any{"ms_left": 500}})

	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "event" || got["event"] != "timer.tick" || int(got["seq"].(float64)) != 3 {
		t.Errorf("event frame = %+v, want type=event event=timer.tick seq=3", got)
	}
}

func TestRequestState_ResendsSnapshot(t *testing.T) {
	s := New(fakeSnapshot{}, nil)
	conn, cleanup := dialSink(t, s)
	defer cleanup()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial map[string]any
	conn.ReadJSON(&initial)

	if err := conn.WriteJSON(map[string]string{"type": "request_state"}); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "initial_state" {
		t.Errorf("type = %v, want initial_state", got["type"])
	}
}
