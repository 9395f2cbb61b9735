package collaboration

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"knowledgehub/internal/auth"
	"knowledgehub/internal/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the configured frontend origins before exposing
		// the gateway outside the reverse proxy.
		return true
	},
}

// inboundFrame is the JSON envelope clients send over an established
// connection. The session is fixed at connect time by the URL path.
type inboundFrame struct {
	Type     string         `json:"type"` // cursor | typing | change | leave
	Position *int           `json:"position,omitempty"`
	IsTyping bool           `json:"is_typing,omitempty"`
	Change   *InboundChange `json:"change,omitempty"`
}

// WebSocketHandler upgrades authenticated HTTP requests into live session
// connections and runs their read/write pumps.
type WebSocketHandler struct {
	gateway *Gateway
	hub     *Hub
	tokens  *auth.TokenService
	log     zerolog.Logger
}

// NewWebSocketHandler wires the transport layer.
func NewWebSocketHandler(gateway *Gateway, hub *Hub, tokens *auth.TokenService, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		gateway: gateway,
		hub:     hub,
		tokens:  tokens,
		log:     log.With().Str("component", "ws").Logger(),
	}
}

// HandleSessionConnection serves GET /ws/sessions/{id}. The bearer token is
// verified before the upgrade; unauthenticated connections never reach the
// gateway.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["id"]

	claims, err := h.tokens.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", claims.UserID),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		middleware.AddSpanError(ctx, err)
		return
	}

	conn := NewConn(uuid.NewString(), sessionID, claims.UserID, ws)

	// Addressable for direct sends only. The session topic stays out of reach
	// until membership is validated: nothing broadcast during the validation
	// window may leak to a connection that gets rejected.
	h.hub.Register(conn)

	go h.writePump(conn)

	if err := h.gateway.JoinSession(ctx, conn.ID, sessionID, claims.UserID); err != nil {
		h.log.Info().Err(err).
			Str("session_id", sessionID).
			Str("user_id", claims.UserID).
			Msg("join rejected")
		h.sendError(conn, err)
		h.hub.Unregister(conn)
		// Give the write pump a moment to flush the rejection frame.
		time.AfterFunc(writeWait, func() { ws.Close() })
		return
	}
	h.hub.Subscribe(conn)

	// Keep the connect span as the parent of the frame spans, but drop the
	// request's cancellation: the pump outlives this handler.
	go h.readPump(context.WithoutCancel(ctx), conn)
}

// readPump processes one connection's inbound stream. Frames are handled
// sequentially, so events from a single connection are broadcast in the order
// received.
func (h *WebSocketHandler) readPump(ctx context.Context, c *Conn) {
	defer func() {
		h.hub.Unregister(c)
		h.gateway.OnDisconnect(ctx, c.ID)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("conn_id", c.ID).Msg("websocket read error")
			}
			return
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessFrame",
			attribute.String("session.id", c.SessionID),
			attribute.String("conn.id", c.ID),
			attribute.Int("frame.size", len(message)),
		)
		if done := h.handleFrame(msgCtx, c, message); done {
			span.End()
			return
		}
		span.End()
	}
}

// handleFrame dispatches one inbound frame to the gateway. Domain errors are
// rejections of the requesting connection only. Returns true when the
// connection asked to leave.
func (h *WebSocketHandler) handleFrame(ctx context.Context, c *Conn, message []byte) bool {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		h.sendError(c, err)
		return false
	}

	switch frame.Type {
	case "cursor":
		if frame.Position == nil {
			h.sendError(c, errMissingPosition)
			return false
		}
		if err := h.gateway.UpdateCursorPosition(ctx, c.ID, c.SessionID, c.UserID, *frame.Position); err != nil {
			h.sendError(c, err)
		}
	case "typing":
		if err := h.gateway.NotifyTyping(ctx, c.ID, c.SessionID, c.UserID, frame.IsTyping); err != nil {
			h.sendError(c, err)
		}
	case "change":
		if frame.Change == nil {
			h.sendError(c, errMissingChange)
			return false
		}
		if err := h.gateway.SendChange(ctx, c.ID, c.SessionID, c.UserID, *frame.Change); err != nil {
			h.sendError(c, err)
			middleware.AddSpanError(ctx, err)
		}
	case "leave":
		h.gateway.LeaveSession(ctx, c.ID, c.SessionID, c.UserID)
		return true
	default:
		h.sendError(c, errUnknownFrame)
	}
	return false
}

// writePump owns all writes to the socket, batching queued payloads and
// keeping the connection alive with pings.
func (h *WebSocketHandler) writePump(c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

			// Drain whatever queued up while writing.
			for i := len(c.send); i > 0; i-- {
				message, ok := <-c.send
				if !ok {
					c.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendError(c *Conn, err error) {
	h.hub.Send(c.ID, Event{Type: EventError, Data: ErrorPayload{
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token")
}

var (
	errMissingPosition = &protocolError{"cursor frame requires a position"}
	errMissingChange   = &protocolError{"change frame requires a change body"}
	errUnknownFrame    = &protocolError{"unknown frame type"}
)

type protocolError struct{ msg string }

func (e *protocolError) Error() string { return e.msg }
