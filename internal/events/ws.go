package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ServerConfig tunes keepalive and auth enforcement for the WebSocket
// handler. Zero values fall back to the package defaults.
type ServerConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	RequireAuth  bool
}

func (c ServerConfig) pingInterval() time.Duration {
	if c.PingInterval > 0 {
		return c.PingInterval
	}
	return 30 * time.Second
}

func (c ServerConfig) pongTimeout() time.Duration {
	if c.PongTimeout > 0 {
		return c.PongTimeout
	}
	return 60 * time.Second
}

// Authenticator validates the raw token presented as a query parameter
// (or, in principle, a session cookie) at WebSocket upgrade time. Both the
// API-key store and the SSO session store are external collaborators —
// this repo only calls the function it's handed.
type Authenticator func(ctx context.Context, token string) bool

// clientMessage is a frame sent by the WebSocket client.
type clientMessage struct {
	Type   string   `json:"type"` // subscribe, unsubscribe, ping
	Topics []string `json:"topics,omitempty"`
}

// serverMessage is a frame sent to the WebSocket client.
type serverMessage struct {
	Type   string   `json:"type"` // connected, subscribed, unsubscribed, event, error, pong
	Topics []string `json:"topics,omitempty"`
	Event  *Event   `json:"event,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Handler upgrades HTTP requests to WebSocket connections and bridges them
// to a Bus. One Handler is shared by every connection.
type Handler struct {
	bus  *Bus
	cfg  ServerConfig
	auth Authenticator
	log  *slog.Logger
}

// NewHandler builds a WebSocket handler backed by bus. auth may be nil when
// cfg.RequireAuth is false.
func NewHandler(bus *Bus, cfg ServerConfig, auth Authenticator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{bus: bus, cfg: cfg, auth: auth, log: log}
}

// ServeHTTP implements http.Handler. Mounted at GET /ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if h.cfg.RequireAuth {
		if token == "" || h.auth == nil || !h.auth(r.Context(), token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("events: websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	wc := &connection{conn: conn}
	defer wc.Close(websocket.StatusNormalClosure, "")

	initial := parseTopics(r.URL.Query().Get("topics"))
	sess := &session{
		h:      h,
		conn:   wc,
		topics: initial,
	}
	sess.run(r.Context())
}

// connection wraps a *websocket.Conn with a write mutex — the underlying
// library forbids concurrent writers — and an idempotent Close, matching
// the shape of a typical Go WebSocket adapter.
type connection struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (c *connection) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *connection) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *connection) Read(ctx context.Context) (clientMessage, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return clientMessage{}, err
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (c *connection) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close(code, reason)
}

func (c *connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// session holds the per-connection state described in the component spec:
// a subscribed_topics set, forwarding only matching bus events, with
// server-initiated ping keepalive and a client subscribe/unsubscribe/ping
// protocol.
type session struct {
	h    *Handler
	conn *connection

	mu     sync.Mutex
	topics map[Topic]bool
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	busID, busCh, busCancel := s.h.bus.Subscribe(TopicAll)
	defer busCancel()
	_ = busID

	if err := s.conn.writeJSON(ctx, serverMessage{Type: "connected", Topics: s.topicNames()}); err != nil {
		return
	}

	readErrs := make(chan error, 1)
	incoming := make(chan clientMessage)
	go func() {
		for {
			msg, err := s.conn.Read(ctx)
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.h.cfg.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-readErrs:
			if err != nil {
				s.h.log.Debug("events: websocket read ended", slog.String("error", err.Error()))
			}
			return

		case msg := <-incoming:
			if !s.handleClientMessage(ctx, msg) {
				return
			}

		case e, ok := <-busCh:
			if !ok {
				return
			}
			if !s.shouldForward(e.Topic) {
				continue
			}
			ev := e
			if err := s.conn.writeJSON(ctx, serverMessage{Type: "event", Event: &ev}); err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, s.h.cfg.pongTimeout())
			err := s.conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				s.h.log.Info("events: websocket ping timeout, closing", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *session) handleClientMessage(ctx context.Context, msg clientMessage) bool {
	switch msg.Type {
	case "subscribe":
		topics, bad := s.addTopics(msg.Topics)
		if len(bad) > 0 {
			return s.conn.writeJSON(ctx, serverMessage{Type: "error", Error: "unknown topic: " + strings.Join(bad, ",")}) == nil
		}
		return s.conn.writeJSON(ctx, serverMessage{Type: "subscribed", Topics: topics}) == nil

	case "unsubscribe":
		topics := s.removeTopics(msg.Topics)
		return s.conn.writeJSON(ctx, serverMessage{Type: "unsubscribed", Topics: topics}) == nil

	case "ping":
		return s.conn.writeJSON(ctx, serverMessage{Type: "pong"}) == nil

	default:
		return s.conn.writeJSON(ctx, serverMessage{Type: "error", Error: "unknown message type: " + msg.Type}) == nil
	}
}

func (s *session) shouldForward(t Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics[TopicAll] {
		return true
	}
	return s.topics[t] || t == TopicAll
}

func (s *session) addTopics(raw []string) (accepted []string, rejected []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics == nil {
		s.topics = make(map[Topic]bool)
	}
	for _, r := range raw {
		t, ok := ParseTopic(strings.TrimSpace(r))
		if !ok {
			rejected = append(rejected, r)
			continue
		}
		s.topics[t] = true
		accepted = append(accepted, string(t))
	}
	return accepted, rejected
}

func (s *session) removeTopics(raw []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for _, r := range raw {
		t, ok := ParseTopic(strings.TrimSpace(r))
		if !ok {
			continue
		}
		delete(s.topics, t)
		removed = append(removed, string(t))
	}
	return removed
}

func (s *session) topicNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.topics))
	for t := range s.topics {
		names = append(names, string(t))
	}
	return names
}

// parseTopics splits a "topics=a,b,c" query value into the topic set used
// at connect time. Unknown names are silently dropped — the client can
// inspect the "connected" frame's Topics field to see what actually stuck.
func parseTopics(raw string) map[Topic]bool {
	topics := make(map[Topic]bool)
	if raw == "" {
		return topics
	}
	for _, part := range strings.Split(raw, ",") {
		if t, ok := ParseTopic(strings.TrimSpace(part)); ok {
			topics[t] = true
		}
	}
	return topics
}
