package collaboration

import (
	"sync"
)

// Transition reports what a connection add/remove meant for the logical
// presence of a (session, user) pair.
type Transition int

const (
	// TransitionNone: the user's connection count stayed above zero (or the
	// operation was an idempotent no-op).
	TransitionNone Transition = iota
	// TransitionJoined: the user's connection count went 0 -> 1.
	TransitionJoined
	// TransitionLeft: the user's connection count went 1 -> 0.
	TransitionLeft
)

func (t Transition) String() string {
	switch t {
	case TransitionJoined:
		return "joined"
	case TransitionLeft:
		return "left"
	default:
		return "none"
	}
}

// connRef is the reverse-index entry resolving a connection id back to its
// (session, user) pair on abrupt disconnects.
type connRef struct {
	sessionID string
	userID    string
}

// userPresence is the ephemeral per-user state inside one session. Guarded by
// the owning sessionPresence mutex.
type userPresence struct {
	conns  map[string]struct{}
	cursor *int
	typing bool
}

// sessionPresence partitions the registry per session so operations on one
// session never contend with another. The single mutex makes "mutate the
// connection set AND observe the resulting count" atomic, which is what keeps
// the 0<->1 join/leave transitions exact under concurrent adds and removes.
type sessionPresence struct {
	mu    sync.Mutex
	users map[string]*userPresence
	// dead is set once the session entry has been unlinked from the registry;
	// a caller that raced the removal must re-fetch.
	dead bool
}

// PresenceRegistry is the in-process runtime index mapping physical
// connections to (session, user) pairs, plus per-user cursor and typing state.
// It mirrors live connections only and is rebuilt from zero on restart. All
// methods are safe for concurrent use.
//
// Scaling the gateway across processes means replacing this type with a shared
// pub/sub backend; the method set is the substitution boundary.
type PresenceRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionPresence
	conns    map[string]connRef
}

// NewPresenceRegistry creates an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		sessions: make(map[string]*sessionPresence),
		conns:    make(map[string]connRef),
	}
}

// session returns the live presence partition for sessionID, creating it if
// needed. Callers must lock the returned partition and re-check dead: a
// concurrent remove may have unlinked it between lookup and lock.
func (r *PresenceRegistry) session(sessionID string, create bool) *sessionPresence {
	if !create {
		r.mu.RLock()
		sp := r.sessions[sessionID]
		r.mu.RUnlock()
		return sp
	}
	r.mu.Lock()
	sp := r.sessions[sessionID]
	if sp == nil {
		sp = &sessionPresence{users: make(map[string]*userPresence)}
		r.sessions[sessionID] = sp
	}
	r.mu.Unlock()
	return sp
}

// AddConnection registers a connection under the user under a session.
// Idempotent: re-adding a known connection reports TransitionNone. Returns
// TransitionJoined exactly when the user's connection count goes 0 -> 1.
func (r *PresenceRegistry) AddConnection(connID, sessionID, userID string) Transition {
	r.mu.Lock()
	r.conns[connID] = connRef{sessionID: sessionID, userID: userID}
	r.mu.Unlock()

	for {
		sp := r.session(sessionID, true)
		sp.mu.Lock()
		if sp.dead {
			sp.mu.Unlock()
			continue // lost a race with session teardown, re-fetch
		}
		up := sp.users[userID]
		if up == nil {
			up = &userPresence{conns: make(map[string]struct{})}
			sp.users[userID] = up
		}
		if _, ok := up.conns[connID]; ok {
			sp.mu.Unlock()
			return TransitionNone
		}
		up.conns[connID] = struct{}{}
		tr := TransitionNone
		if len(up.conns) == 1 {
			tr = TransitionJoined
		}
		sp.mu.Unlock()
		return tr
	}
}

// RemoveConnection drops a connection from a session. Removing an unknown
// connection is a no-op. Returns the owning user and TransitionLeft exactly
// when that user's connection count goes 1 -> 0; the user's cursor and typing
// state are cleared on that transition.
func (r *PresenceRegistry) RemoveConnection(connID, sessionID string) (string, Transition) {
	r.mu.Lock()
	ref, ok := r.conns[connID]
	if !ok || ref.sessionID != sessionID {
		r.mu.Unlock()
		return "", TransitionNone
	}
	delete(r.conns, connID)
	r.mu.Unlock()

	sp := r.session(sessionID, false)
	if sp == nil {
		return ref.userID, TransitionNone
	}

	sp.mu.Lock()
	up := sp.users[ref.userID]
	if up == nil {
		sp.mu.Unlock()
		return ref.userID, TransitionNone
	}
	if _, ok := up.conns[connID]; !ok {
		sp.mu.Unlock()
		return ref.userID, TransitionNone
	}
	delete(up.conns, connID)
	if len(up.conns) > 0 {
		sp.mu.Unlock()
		return ref.userID, TransitionNone
	}
	// 1 -> 0: the user has logically left for presence purposes. Dropping the
	// entry clears cursor and typing state with it.
	delete(sp.users, ref.userID)
	empty := len(sp.users) == 0
	if empty {
		sp.dead = true
	}
	sp.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.sessions[sessionID] == sp {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
	}
	return ref.userID, TransitionLeft
}

// Cleanup resolves a bare connection id (abrupt disconnect) and removes it.
// Returns the session and user it belonged to, or empty strings if unknown.
func (r *PresenceRegistry) Cleanup(connID string) (sessionID, userID string, tr Transition) {
	r.mu.RLock()
	ref, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return "", "", TransitionNone
	}
	userID, tr = r.RemoveConnection(connID, ref.sessionID)
	return ref.sessionID, userID, tr
}

// ConnectionsFor returns the user's live connection ids in the session.
func (r *PresenceRegistry) ConnectionsFor(sessionID, userID string) []string {
	sp := r.session(sessionID, false)
	if sp == nil {
		return nil
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	up := sp.users[userID]
	if up == nil {
		return nil
	}
	out := make([]string, 0, len(up.conns))
	for id := range up.conns {
		out = append(out, id)
	}
	return out
}

// HasConnection reports whether connID is live for the given session.
func (r *PresenceRegistry) HasConnection(connID, sessionID string) bool {
	r.mu.RLock()
	ref, ok := r.conns[connID]
	r.mu.RUnlock()
	return ok && ref.sessionID == sessionID
}

// UsersFor returns the distinct users with at least one live connection.
func (r *PresenceRegistry) UsersFor(sessionID string) []string {
	sp := r.session(sessionID, false)
	if sp == nil {
		return nil
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make([]string, 0, len(sp.users))
	for id, up := range sp.users {
		if len(up.conns) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// ConnectionCount returns the total number of live connections in a session,
// across all users.
func (r *PresenceRegistry) ConnectionCount(sessionID string) int {
	sp := r.session(sessionID, false)
	if sp == nil {
		return 0
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	n := 0
	for _, up := range sp.users {
		n += len(up.conns)
	}
	return n
}

// IsUserConnected reports whether the user has at least one live connection.
func (r *PresenceRegistry) IsUserConnected(sessionID, userID string) bool {
	sp := r.session(sessionID, false)
	if sp == nil {
		return false
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	up := sp.users[userID]
	return up != nil && len(up.conns) > 0
}

// SetCursor records the user's last-known cursor position. Last value wins.
func (r *PresenceRegistry) SetCursor(sessionID, userID string, position int) {
	sp := r.session(sessionID, false)
	if sp == nil {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if up := sp.users[userID]; up != nil {
		p := position
		up.cursor = &p
	}
}

// GetCursor returns the user's cursor position, if one has been set.
func (r *PresenceRegistry) GetCursor(sessionID, userID string) (int, bool) {
	sp := r.session(sessionID, false)
	if sp == nil {
		return 0, false
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	up := sp.users[userID]
	if up == nil || up.cursor == nil {
		return 0, false
	}
	return *up.cursor, true
}

// AllCursors returns every known cursor position in the session, keyed by user.
func (r *PresenceRegistry) AllCursors(sessionID string) map[string]int {
	sp := r.session(sessionID, false)
	if sp == nil {
		return nil
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make(map[string]int, len(sp.users))
	for id, up := range sp.users {
		if up.cursor != nil {
			out[id] = *up.cursor
		}
	}
	return out
}

// SetTyping flips the user's typing indicator.
func (r *PresenceRegistry) SetTyping(sessionID, userID string, isTyping bool) {
	sp := r.session(sessionID, false)
	if sp == nil {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if up := sp.users[userID]; up != nil {
		up.typing = isTyping
	}
}

// TypingUsers returns the users currently flagged as typing.
func (r *PresenceRegistry) TypingUsers(sessionID string) []string {
	sp := r.session(sessionID, false)
	if sp == nil {
		return nil
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	var out []string
	for id, up := range sp.users {
		if up.typing {
			out = append(out, id)
		}
	}
	return out
}
