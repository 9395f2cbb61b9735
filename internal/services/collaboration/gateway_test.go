package collaboration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]models.SessionSnapshot
}

func newFakeStore(sessions ...*models.CollaborationSession) *fakeStore {
	s := &fakeStore{sessions: make(map[string]models.SessionSnapshot)}
	for _, sess := range sessions {
		s.sessions[sess.ID()] = sess.Snapshot()
	}
	return s
}

func (s *fakeStore) GetSessionByID(_ context.Context, id string) (*models.CollaborationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return models.RehydrateSession(snap), nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, userID string) (Identity, error) {
	return Identity{UserID: userID, Username: userID + "-name", FullName: "User " + userID}, nil
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (Identity, error) {
	return Identity{}, fmt.Errorf("directory unavailable")
}

type published struct {
	sessionID string
	ev        Event
	exclude   string
}

type sent struct {
	connID string
	ev     Event
}

type fakePublisher struct {
	mu        sync.Mutex
	broadcast []published
	direct    []sent
}

func (p *fakePublisher) Publish(sessionID string, ev Event, excludeConn string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = append(p.broadcast, published{sessionID: sessionID, ev: ev, exclude: excludeConn})
}

func (p *fakePublisher) Send(connID string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.direct = append(p.direct, sent{connID: connID, ev: ev})
}

func (p *fakePublisher) broadcastsOf(t EventType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, b := range p.broadcast {
		if b.ev.Type == t {
			out = append(out, b)
		}
	}
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []InboundChange
}

func (r *fakeRecorder) Record(_, _ string, change InboundChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, change)
}

func newTestGateway(t *testing.T, store SessionStore, rec ChangeRecorder) (*Gateway, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	g := NewGateway(store, fakeResolver{}, NewPresenceRegistry(), pub, rec, zerolog.Nop())
	return g, pub
}

func startTestSession(t *testing.T, users ...string) *models.CollaborationSession {
	t.Helper()
	require.NotEmpty(t, users)
	sess, err := models.StartSession(models.ResourceDocument, "doc-1", users[0])
	require.NoError(t, err)
	for _, u := range users[1:] {
		_, err := sess.AddParticipant(u, models.RoleEditor)
		require.NoError(t, err)
	}
	return sess
}

func TestJoinSessionNonParticipantRejected(t *testing.T) {
	sess := startTestSession(t, "alice")
	g, pub := newTestGateway(t, newFakeStore(sess), nil)

	err := g.JoinSession(context.Background(), "c1", sess.ID(), "mallory")
	assert.ErrorIs(t, err, models.ErrNotAParticipant)
	assert.Empty(t, pub.broadcast)
	assert.Empty(t, pub.direct)
	assert.False(t, g.Registry().HasConnection("c1", sess.ID()))
}

func TestJoinSessionUnknownSession(t *testing.T) {
	g, _ := newTestGateway(t, newFakeStore(), nil)
	err := g.JoinSession(context.Background(), "c1", "missing", "alice")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestJoinSessionFirstConnection(t *testing.T) {
	sess := startTestSession(t, "alice", "bob")
	g, pub := newTestGateway(t, newFakeStore(sess), nil)

	require.NoError(t, g.JoinSession(context.Background(), "c1", sess.ID(), "alice"))

	// Others get the join, excluding the joining connection.
	joins := pub.broadcastsOf(EventParticipantJoined)
	require.Len(t, joins, 1)
	assert.Equal(t, "c1", joins[0].exclude)
	payload := joins[0].ev.Data.(ParticipantPayload)
	assert.Equal(t, "alice", payload.UserID)
	assert.Equal(t, "alice-name", payload.Username)
	assert.Equal(t, models.RoleEditor, payload.Role)

	// Status goes to everyone.
	statuses := pub.broadcastsOf(EventSessionStatusChanged)
	require.Len(t, statuses, 1)
	assert.Empty(t, statuses[0].exclude)
	status := statuses[0].ev.Data.(SessionStatusPayload)
	assert.Equal(t, StatusActive, status.Status)
	assert.Equal(t, 1, status.ParticipantCount)

	// The joiner gets the sync snapshot, and only the joiner.
	require.Len(t, pub.direct, 1)
	assert.Equal(t, "c1", pub.direct[0].connID)
	assert.Equal(t, EventSessionSynced, pub.direct[0].ev.Type)
	snap := pub.direct[0].ev.Data.(SessionSyncedPayload)
	require.Len(t, snap.ActiveParticipants, 1, "snapshot lists connected users only")
	assert.Equal(t, "alice", snap.ActiveParticipants[0].UserID)
}

func TestJoinSessionSecondTabNoBroadcast(t *testing.T) {
	sess := startTestSession(t, "alice")
	g, pub := newTestGateway(t, newFakeStore(sess), nil)
	ctx := context.Background()

	require.NoError(t, g.JoinSession(ctx, "c1", sess.ID(), "alice"))
	require.NoError(t, g.JoinSession(ctx, "c2", sess.ID(), "alice"))

	// A second tab never re-announces the user.
	assert.Len(t, pub.broadcastsOf(EventParticipantJoined), 1)
	assert.Len(t, pub.broadcastsOf(EventSessionStatusChanged), 1)

	// But it still gets its own snapshot.
	require.Len(t, pub.direct, 2)
	assert.Equal(t, "c2", pub.direct[1].connID)
}

func TestLeaveSessionLastConnection(t *testing.T) {
	sess := startTestSession(t, "alice", "bob")
	g, pub := newTestGateway(t, newFakeStore(sess), nil)
	ctx := context.Background()

	require.NoError(t, g.JoinSession(ctx, "c1", sess.ID(), "alice"))
	require.NoError(t, g.JoinSession(ctx, "c2", sess.ID(), "alice"))

	require.NoError(t, g.LeaveSession(ctx, "c1", sess.ID(), "alice"))
	assert.Empty(t, pub.broadcastsOf(EventParticipantLeft), "non-final connection drop is silent")

	require.NoError(t, g.LeaveSession(ctx, "c2", sess.ID(), "alice"))
	lefts := pub.broadcastsOf(EventParticipantLeft)
	require.Len(t, lefts, 1)
	payload := lefts[0].ev.Data.(ParticipantPayload)
	assert.Equal(t, "alice", payload.UserID)
	assert.Equal(t, models.RoleEditor, payload.Role)

	statuses := pub.broadcastsOf(EventSessionStatusChanged)
	last := statuses[len(statuses)-1].ev.Data.(SessionStatusPayload)
	assert.Equal(t, StatusInactive, last.Status)
	assert.Equal(t, 0, last.ParticipantCount)
}

func TestCursorAndTypingRequireConnection(t *testing.T) {
	sess := startTestSession(t, "alice")
	g, pub := newTestGateway(t, newFakeStore(sess), nil)
	ctx := context.Background()

	err := g.UpdateCursorPosition(ctx, "c1", sess.ID(), "alice", 5)
	assert.ErrorIs(t, err, ErrNotConnected)
	err = g.NotifyTyping(ctx, "c1", sess.ID(), "alice", true)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, g.JoinSession(ctx, "c1", sess.ID(), "alice"))

	require.NoError(t, g.UpdateCursorPosition(ctx, "c1", sess.ID(), "alice", 5))
	moves := pub.broadcastsOf(EventCursorMoved)
	require.Len(t, moves, 1)
	assert.Equal(t, "c1", moves[0].exclude, "sender does not echo its own cursor")
	assert.Equal(t, 5, moves[0].ev.Data.(CursorMovedPayload).Position)

	pos, ok := g.Registry().GetCursor(sess.ID(), "alice")
	require.True(t, ok)
	assert.Equal(t, 5, pos)

	require.NoError(t, g.NotifyTyping(ctx, "c1", sess.ID(), "alice", true))
	typings := pub.broadcastsOf(EventTypingStatusChanged)
	require.Len(t, typings, 1)
	assert.True(t, typings[0].ev.Data.(TypingStatusPayload).IsTyping)
	assert.Equal(t, []string{"alice"}, g.Registry().TypingUsers(sess.ID()))
}

func TestSendChange(t *testing.T) {
	sess := startTestSession(t, "alice")
	rec := &fakeRecorder{}
	g, pub := newTestGateway(t, newFakeStore(sess), rec)
	ctx := context.Background()

	change := InboundChange{ChangeID: "ch-1", ChangeType: models.ChangeInsert, Position: 3, Data: []byte(`{"t":"x"}`)}

	err := g.SendChange(ctx, "c1", sess.ID(), "alice", change)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, rec.records)

	require.NoError(t, g.JoinSession(ctx, "c1", sess.ID(), "alice"))
	require.NoError(t, g.SendChange(ctx, "c1", sess.ID(), "alice", change))

	got := pub.broadcastsOf(EventChangeReceived)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].exclude)
	payload := got[0].ev.Data.(ChangeReceivedPayload)
	assert.Equal(t, "ch-1", payload.ChangeID)
	assert.Equal(t, models.ChangeInsert, payload.ChangeType)

	require.Len(t, rec.records, 1)
	assert.Equal(t, "ch-1", rec.records[0].ChangeID)
}

func TestOnDisconnect(t *testing.T) {
	sess := startTestSession(t, "alice", "bob")
	g, pub := newTestGateway(t, newFakeStore(sess), nil)
	ctx := context.Background()

	require.NoError(t, g.JoinSession(ctx, "c1", sess.ID(), "alice"))
	require.NoError(t, g.JoinSession(ctx, "c2", sess.ID(), "bob"))

	g.OnDisconnect(ctx, "c1")
	lefts := pub.broadcastsOf(EventParticipantLeft)
	require.Len(t, lefts, 1)
	assert.Equal(t, "alice", lefts[0].ev.Data.(ParticipantPayload).UserID)
	assert.False(t, g.Registry().IsUserConnected(sess.ID(), "alice"))

	// Unknown connections are ignored.
	g.OnDisconnect(ctx, "c1")
	assert.Len(t, pub.broadcastsOf(EventParticipantLeft), 1)
}

func TestIdentityDegradesOnResolverFailure(t *testing.T) {
	sess := startTestSession(t, "alice")
	pub := &fakePublisher{}
	g := NewGateway(newFakeStore(sess), failingResolver{}, NewPresenceRegistry(), pub, nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, g.JoinSession(ctx, "c1", sess.ID(), "alice"))

	snap := pub.direct[0].ev.Data.(SessionSyncedPayload)
	require.Len(t, snap.ActiveParticipants, 1)
	assert.Equal(t, "alice", snap.ActiveParticipants[0].Username, "username falls back to the raw id")
}
