package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"knowledgehub/internal/models"
)

// ErrNotConnected is returned when an operation arrives on a connection the
// registry has no record of for that session.
var ErrNotConnected = errors.New("connection is not registered in this session")

// SessionStore is what the gateway needs from persistence: aggregate loads
// only. The durable write path goes through the change recorder, never the
// broadcast hot path.
type SessionStore interface {
	GetSessionByID(ctx context.Context, id string) (*models.CollaborationSession, error)
}

// Identity is an authenticated user's display identity.
type Identity struct {
	UserID   string
	Username string
	FullName string
}

// IdentityResolver maps a user id to display identity for outbound payloads.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID string) (Identity, error)
}

// Publisher is the per-session topic abstraction the gateway fans out through.
// Publish delivers to every connection subscribed to the session's topic
// except excludeConn (empty string excludes nobody); Send delivers to a single
// connection. Both are fire-and-forget: per-recipient failures are absorbed by
// the implementation, never surfaced to the caller.
type Publisher interface {
	Publish(sessionID string, ev Event, excludeConn string)
	Send(connID string, ev Event)
}

// InboundChange is a live edit as received from a client. Data is opaque.
type InboundChange struct {
	ChangeID   string            `json:"change_id"`
	ChangeType models.ChangeType `json:"change_type"`
	Position   int               `json:"position"`
	Data       json.RawMessage   `json:"data"`
}

// ChangeRecorder is the separate durable write path for live edits. Record
// must not block: implementations queue and report a full queue by dropping.
type ChangeRecorder interface {
	Record(sessionID, userID string, change InboundChange)
}

// Gateway validates inbound protocol events against the session aggregate,
// maintains the presence registry, and computes the outbound fan-out. One
// presence-changed broadcast is emitted per logical 0<->1 connection-count
// transition, never per physical connection.
type Gateway struct {
	store    SessionStore
	resolver IdentityResolver
	registry *PresenceRegistry
	pub      Publisher
	recorder ChangeRecorder
	log      zerolog.Logger
}

// NewGateway wires the gateway. recorder may be nil, in which case live edits
// are broadcast without durable recording.
func NewGateway(store SessionStore, resolver IdentityResolver, registry *PresenceRegistry, pub Publisher, recorder ChangeRecorder, log zerolog.Logger) *Gateway {
	return &Gateway{
		store:    store,
		resolver: resolver,
		registry: registry,
		pub:      pub,
		recorder: recorder,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

// Registry exposes the presence registry for transport-level liveness checks.
func (g *Gateway) Registry() *PresenceRegistry { return g.registry }

// JoinSession binds a connection to a session the user already participates
// in. Participation is established out-of-band (invite/add-member) before
// connecting. On the user's first connection the other participants get a
// ParticipantJoined plus an updated SessionStatusChanged; the joining
// connection always gets a SessionSynced snapshot.
func (g *Gateway) JoinSession(ctx context.Context, connID, sessionID, userID string) error {
	sess, err := g.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	participant, ok := sess.ParticipantByUser(userID)
	if !ok {
		return models.ErrNotAParticipant
	}

	tr := g.registry.AddConnection(connID, sessionID, userID)
	if tr == TransitionJoined {
		id := g.identity(ctx, userID)
		g.pub.Publish(sessionID, Event{Type: EventParticipantJoined, Data: ParticipantPayload{
			UserID:   userID,
			Username: id.Username,
			FullName: id.FullName,
			Role:     participant.Role,
			JoinedAt: participant.JoinedAt,
		}}, connID)
		g.publishStatus(sessionID)
	}

	g.pub.Send(connID, Event{Type: EventSessionSynced, Data: g.syncSnapshot(ctx, sess)})

	g.log.Debug().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("conn_id", connID).
		Str("transition", tr.String()).
		Msg("connection joined session")
	return nil
}

// LeaveSession drops a connection. Removing an unknown connection is a no-op.
// On the user's last connection (1->0) the remaining participants get a
// ParticipantLeft plus an updated SessionStatusChanged.
func (g *Gateway) LeaveSession(ctx context.Context, connID, sessionID, userID string) error {
	gone, tr := g.registry.RemoveConnection(connID, sessionID)
	if tr == TransitionLeft {
		g.broadcastLeft(ctx, sessionID, gone)
	}
	return nil
}

// UpdateCursorPosition records the ephemeral cursor and relays it to the other
// connections. The aggregate's persisted cursor snapshot is deliberately not
// written on every move.
func (g *Gateway) UpdateCursorPosition(ctx context.Context, connID, sessionID, userID string, position int) error {
	if !g.registry.HasConnection(connID, sessionID) {
		return ErrNotConnected
	}
	g.registry.SetCursor(sessionID, userID, position)
	id := g.identity(ctx, userID)
	g.pub.Publish(sessionID, Event{Type: EventCursorMoved, Data: CursorMovedPayload{
		UserID:    userID,
		Username:  id.Username,
		Position:  position,
		Timestamp: time.Now().UTC(),
	}}, connID)
	return nil
}

// NotifyTyping flips the typing indicator and relays it to the others.
func (g *Gateway) NotifyTyping(ctx context.Context, connID, sessionID, userID string, isTyping bool) error {
	if !g.registry.HasConnection(connID, sessionID) {
		return ErrNotConnected
	}
	g.registry.SetTyping(sessionID, userID, isTyping)
	id := g.identity(ctx, userID)
	g.pub.Publish(sessionID, Event{Type: EventTypingStatusChanged, Data: TypingStatusPayload{
		UserID:    userID,
		Username:  id.Username,
		IsTyping:  isTyping,
		Timestamp: time.Now().UTC(),
	}}, connID)
	return nil
}

// SendChange relays a live edit to the other connections and hands it to the
// durable recorder. The broadcast never waits on the write path.
func (g *Gateway) SendChange(ctx context.Context, connID, sessionID, userID string, change InboundChange) error {
	if !g.registry.HasConnection(connID, sessionID) {
		return ErrNotConnected
	}
	id := g.identity(ctx, userID)
	g.pub.Publish(sessionID, Event{Type: EventChangeReceived, Data: ChangeReceivedPayload{
		ChangeID:   change.ChangeID,
		UserID:     userID,
		Username:   id.Username,
		ChangeType: change.ChangeType,
		Position:   change.Position,
		Data:       change.Data,
		Timestamp:  time.Now().UTC(),
	}}, connID)

	if g.recorder != nil {
		g.recorder.Record(sessionID, userID, change)
	}
	return nil
}

// OnDisconnect is the best-effort cleanup for an abruptly closed connection.
// A resolved 1->0 transition emits the same pair of events as an explicit
// leave.
func (g *Gateway) OnDisconnect(ctx context.Context, connID string) {
	sessionID, userID, tr := g.registry.Cleanup(connID)
	if sessionID == "" {
		return
	}
	g.log.Debug().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("conn_id", connID).
		Str("transition", tr.String()).
		Msg("connection cleaned up")
	if tr == TransitionLeft {
		g.broadcastLeft(ctx, sessionID, userID)
	}
}

func (g *Gateway) broadcastLeft(ctx context.Context, sessionID, userID string) {
	id := g.identity(ctx, userID)
	payload := ParticipantPayload{
		UserID:   userID,
		Username: id.Username,
		FullName: id.FullName,
	}
	// Role and joined-at come from the aggregate when it is still loadable;
	// presence events degrade rather than fail on a storage error.
	if sess, err := g.store.GetSessionByID(ctx, sessionID); err == nil {
		if p, ok := sess.ParticipantByUser(userID); ok {
			payload.Role = p.Role
			payload.JoinedAt = p.JoinedAt
		}
	} else {
		g.log.Warn().Err(err).Str("session_id", sessionID).Msg("session load failed during leave broadcast")
	}
	g.pub.Publish(sessionID, Event{Type: EventParticipantLeft, Data: payload}, "")
	g.publishStatus(sessionID)
}

// publishStatus broadcasts the distinct-user presence count to the whole
// session topic.
func (g *Gateway) publishStatus(sessionID string) {
	count := len(g.registry.UsersFor(sessionID))
	status := StatusActive
	if count == 0 {
		status = StatusInactive
	}
	g.pub.Publish(sessionID, Event{Type: EventSessionStatusChanged, Data: SessionStatusPayload{
		SessionID:        sessionID,
		Status:           status,
		ParticipantCount: count,
		Timestamp:        time.Now().UTC(),
	}}, "")
}

// syncSnapshot builds the SessionSynced payload: the aggregate's active
// participants resolved to display identity, restricted to users the registry
// currently sees connected, plus all live cursors.
func (g *Gateway) syncSnapshot(ctx context.Context, sess *models.CollaborationSession) SessionSyncedPayload {
	connected := make(map[string]bool)
	for _, u := range g.registry.UsersFor(sess.ID()) {
		connected[u] = true
	}

	var participants []ParticipantPayload
	for _, p := range sess.ActiveParticipants() {
		if !connected[p.UserID] {
			continue
		}
		id := g.identity(ctx, p.UserID)
		participants = append(participants, ParticipantPayload{
			UserID:   p.UserID,
			Username: id.Username,
			FullName: id.FullName,
			Role:     p.Role,
			JoinedAt: p.JoinedAt,
		})
	}

	cursors := g.registry.AllCursors(sess.ID())
	entries := make([]CursorEntry, 0, len(cursors))
	for userID, pos := range cursors {
		entries = append(entries, CursorEntry{UserID: userID, Position: pos})
	}

	return SessionSyncedPayload{
		SessionID:          sess.ID(),
		ActiveParticipants: participants,
		CursorPositions:    entries,
		SyncTimestamp:      time.Now().UTC(),
	}
}

// identity resolves a display identity, degrading to the raw user id when the
// resolver fails. Broadcasts never fail on a directory lookup.
func (g *Gateway) identity(ctx context.Context, userID string) Identity {
	id, err := g.resolver.Resolve(ctx, userID)
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("identity resolution failed")
		return Identity{UserID: userID, Username: userID}
	}
	return id
}
