package collaboration

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendBufferSize = 256

// Conn is one live transport-level link: one browser tab or device. A user may
// hold several per session.
type Conn struct {
	ID        string
	SessionID string
	UserID    string

	ws   *websocket.Conn
	send chan []byte

	// mu guards closed so nothing enqueues on a closed send channel.
	mu     sync.Mutex
	closed bool
}

// NewConn wraps an upgraded websocket connection.
func NewConn(id, sessionID, userID string, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:        id,
		SessionID: sessionID,
		UserID:    userID,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
	}
}

// closeSend signals the write pump to flush and close the socket. Safe to call
// more than once.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// enqueue queues a payload without blocking. Reports false when the buffer is
// full; enqueueing on a closed connection is a no-op.
func (c *Conn) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Hub is the per-session topic layer: each connection subscribes to its
// session's topic on register and unsubscribes on unregister. Delivery is
// fire-and-forget; a recipient whose send buffer is full is dropped and reaped
// through the normal disconnect path rather than blocking the sender.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Conn]struct{}
	byID   map[string]*Conn
	log    zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Conn]struct{}),
		byID:   make(map[string]*Conn),
		log:    log.With().Str("component", "hub").Logger(),
	}
}

// Register makes a connection addressable by id so Send can reach it. It does
// NOT subscribe the connection to its session topic: broadcasts stay invisible
// until Subscribe, so a connection whose membership is still being validated
// never sees session traffic.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byID[c.ID] = c
}

// Subscribe adds a registered connection to its session topic. Call only after
// the connection's membership has been validated.
func (h *Hub) Subscribe(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[c.SessionID] == nil {
		h.topics[c.SessionID] = make(map[*Conn]struct{})
	}
	h.topics[c.SessionID][c] = struct{}{}
}

// Unregister removes a connection from its topic (if subscribed) and from the
// id index, and closes its send channel. Safe to call more than once.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if conns, ok := h.topics[c.SessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.topics, c.SessionID)
		}
	}
	delete(h.byID, c.ID)
	h.mu.Unlock()
	c.closeSend()
}

// Publish fans an event out to every connection subscribed to the session's
// topic except excludeConn. Marshal and per-recipient delivery failures are
// logged, never returned.
func (h *Hub) Publish(sessionID string, ev Event, excludeConn string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(ev.Type)).Msg("event marshal failed")
		return
	}

	h.mu.RLock()
	recipients := make([]*Conn, 0, len(h.topics[sessionID]))
	for c := range h.topics[sessionID] {
		if c.ID != excludeConn {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		h.deliver(c, payload)
	}
}

// Send delivers an event to a single connection.
func (h *Hub) Send(connID string, ev Event) {
	h.mu.RLock()
	c := h.byID[connID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(ev.Type)).Msg("event marshal failed")
		return
	}
	h.deliver(c, payload)
}

// deliver queues a payload without blocking. A full buffer means the recipient
// is slow or dead: it is unsubscribed and its socket closed, which unwinds its
// read pump and triggers OnDisconnect cleanup.
func (h *Hub) deliver(c *Conn, payload []byte) {
	if !c.enqueue(payload) {
		h.log.Warn().
			Str("conn_id", c.ID).
			Str("session_id", c.SessionID).
			Msg("send buffer full, dropping connection")
		h.Unregister(c)
		c.ws.Close()
	}
}

// ConnCount returns the number of connections subscribed to a session topic.
func (h *Hub) ConnCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[sessionID])
}

// Shutdown closes every connection. New registrations after shutdown are the
// caller's responsibility to prevent.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.byID))
	for _, c := range h.byID {
		conns = append(conns, c)
	}
	h.topics = make(map[string]map[*Conn]struct{})
	h.byID = make(map[string]*Conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.closeSend()
		c.ws.Close()
	}
	h.log.Info().Int("connections", len(conns)).Msg("hub shut down")
}
