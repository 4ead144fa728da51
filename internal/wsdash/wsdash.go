// Package wsdash is the optional WebSocket dashboard sink described in
// spec §6.5: every client that connects receives one initial_state
// frame, then every subsequent telemetry event as it is recorded.
// Structurally this is the teacher's internal/homeassistant WebSocket
// client (dial, auth, readLoop, per-message pending map) flipped from a
// client dialing out to a server accepting connections: the read loop
// becomes a per-connection request handler (ping/request_state) and the
// "restore subscriptions on reconnect" idea becomes "resend the
// snapshot on request_state".
package wsdash

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parkerjbeard/mortality/internal/buildinfo"
	"github.com/parkerjbeard/mortality/internal/telemetry"
)

// Snapshotter supplies the state an Initial frame (and a
// request_state reply) is built from. The runtime implements this by
// wrapping its agent/timer maps; tests can fake it directly.
type Snapshotter interface {
	// Agents returns a JSON-serializable snapshot of every known agent.
	Agents() any
	// Timers returns a JSON-serializable snapshot of every timer's
	// last-known state.
	Timers() any
}

// frame is the wire envelope for every message the sink writes. The
// field set overlaps across frame kinds; omitempty keeps each frame
// type's JSON lean.
type frame struct {
	Type         string            `json:"type"`
	Agents       any               `json:"agents,omitempty"`
	Timers       any               `json:"timers,omitempty"`
	RecentEvents []telemetry.Event `json:"recent_events,omitempty"`
	Seq          int               `json:"seq,omitempty"`
	Event        string            `json:"event,omitempty"`
	Ts           time.Time         `json:"ts,omitempty"`
	Payload      map[string]any    `json:"payload,omitempty"`
	Build        map[string]string `json:"build,omitempty"`
}

// inbound is the wire shape client -> server control messages arrive
// in: {"type":"ping"} or {"type":"request_state"}.
type inbound struct {
	Type string `json:"type"`
}

const recentEventsBacklog = 50

// Sink is a telemetry.Sink that also runs an HTTP server accepting
// WebSocket connections. The zero value is not usable; construct with
// New.
type Sink struct {
	snapshot Snapshotter
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	recent  []telemetry.Event
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // guards concurrent writes to conn
}

// New constructs a Sink that reads dashboard state from snapshot. A nil
// logger falls back to slog.Default(). Call Handler to get the
// http.Handler to mount, and ListenAndServe (or your own server) to
// serve it.
func New(snapshot Snapshotter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		snapshot: snapshot,
		logger:   logger.With("component", "wsdash"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP handler that upgrades incoming requests to
// WebSocket connections.
func (s *Sink) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// ListenAndServe starts an HTTP server bound to addr serving Handler at
// "/". It blocks until the server stops or returns an error.
func (s *Sink) ListenAndServe(addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Handler()}
	return server.ListenAndServe()
}

func (s *Sink) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}
	s.addClient(c)
	defer s.removeClient(c)

	if err := c.writeJSON(s.initialStateFrame()); err != nil {
		s.logger.Debug("initial_state send failed", "error", err)
		return
	}

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "ping":
			_ = c.writeJSON(frame{Type: "pong"})
		case "request_state":
			_ = c.writeJSON(s.initialStateFrame())
		}
	}
}

func (s *Sink) initialStateFrame() frame {
	s.mu.Lock()
	recent := make([]telemetry.Event, len(s.recent))
	copy(recent, s.recent)
	s.mu.Unlock()

	f := frame{Type: "initial_state", RecentEvents: recent, Ts: time.Now().UTC(), Build: buildinfo.RuntimeInfo()}
	if s.snapshot != nil {
		f.Agents = s.snapshot.Agents()
		f.Timers = s.snapshot.Timers()
	}
	return f
}

func (s *Sink) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Sink) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	c.conn.Close()
}

// Emit forwards event to every connected client as an "event" frame,
// and records it in the bounded recent-events backlog new connections
// receive in their initial_state frame. Satisfies telemetry.Sink.
func (s *Sink) Emit(event telemetry.Event) {
	s.mu.Lock()
	s.recent = append(s.recent, event)
	if len(s.recent) > recentEventsBacklog {
		s.recent = s.recent[len(s.recent)-recentEventsBacklog:]
	}
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	f := frame{Type: "event", Seq: event.Seq, Event: event.Name, Ts: event.Ts, Payload: event.Payload}
	for _, c := range clients {
		if err := c.writeJSON(f); err != nil {
			s.logger.Debug("event send failed", "error", err)
		}
	}
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}
