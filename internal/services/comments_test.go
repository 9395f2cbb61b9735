package services

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/models"
	"knowledgehub/internal/services/collaboration"
)

type memoryCommentStore struct {
	mu       sync.Mutex
	comments map[string]models.Comment
	order    []string
}

func newMemoryCommentStore() *memoryCommentStore {
	return &memoryCommentStore{comments: make(map[string]models.Comment)}
}

func (s *memoryCommentStore) CreateComment(_ context.Context, c *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[c.ID] = *c
	s.order = append(s.order, c.ID)
	return nil
}

func (s *memoryCommentStore) GetCommentByID(_ context.Context, id string) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return nil, models.ErrCommentNotFound
	}
	return &c, nil
}

func (s *memoryCommentStore) UpdateComment(_ context.Context, c *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comments[c.ID]; !ok {
		return models.ErrCommentNotFound
	}
	s.comments[c.ID] = *c
	return nil
}

func (s *memoryCommentStore) ListCommentsByResource(_ context.Context, resourceType models.ResourceType, resourceID string, includeDeleted bool) ([]models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Comment
	for _, id := range s.order {
		c := s.comments[id]
		if c.ResourceType != resourceType || c.ResourceID != resourceID {
			continue
		}
		if c.Deleted && !includeDeleted {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, userID string) (collaboration.Identity, error) {
	return collaboration.Identity{UserID: userID, Username: userID + "-name"}, nil
}

type capturedEvent struct {
	sessionID string
	ev        collaboration.Event
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturingPublisher) Publish(sessionID string, ev collaboration.Event, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{sessionID: sessionID, ev: ev})
}

func (p *capturingPublisher) Send(string, collaboration.Event) {}

func newTestCommentService(t *testing.T, sessions ...*models.CollaborationSession) (*CommentServiceImpl, *memoryCommentStore, *memorySessionStore, *capturingPublisher) {
	t.Helper()
	comments := newMemoryCommentStore()
	store := newMemorySessionStore(sessions...)
	pub := &capturingPublisher{}
	svc := NewCommentService(comments, store, staticResolver{}, pub, zerolog.Nop())
	return svc, comments, store, pub
}

func TestCreateCommentOutsideSession(t *testing.T) {
	svc, comments, _, pub := newTestCommentService(t)
	ctx := context.Background()

	c, err := svc.CreateComment(ctx, "alice", models.ResourceDocument, "doc-1", "", "a thought", nil)
	require.NoError(t, err)
	assert.Empty(t, c.SessionID)

	stored, err := comments.GetCommentByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "a thought", stored.Text)

	// No session, no broadcast.
	assert.Empty(t, pub.events)
}

func TestCreateCommentInSession(t *testing.T) {
	sess, err := models.StartSession(models.ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)
	svc, _, store, pub := newTestCommentService(t, sess)
	ctx := context.Background()

	c, err := svc.CreateComment(ctx, "alice", models.ResourceDocument, "doc-1", sess.ID(), "in session", nil)
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), c.SessionID)

	// The comment lives on the aggregate.
	loaded, err := store.GetSessionByID(ctx, sess.ID())
	require.NoError(t, err)
	require.Len(t, loaded.Comments(), 1)
	assert.Equal(t, c.ID, loaded.Comments()[0].ID)

	require.Len(t, pub.events, 1)
	assert.Equal(t, sess.ID(), pub.events[0].sessionID)
	assert.Equal(t, collaboration.EventCommentAdded, pub.events[0].ev.Type)
	payload := pub.events[0].ev.Data.(collaboration.CommentPayload)
	assert.Equal(t, "alice-name", payload.Username)
	assert.Equal(t, collaboration.CommentActionAdded, payload.Action)
}

func TestCreateCommentInSessionRequiresParticipant(t *testing.T) {
	sess, err := models.StartSession(models.ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)
	svc, _, _, _ := newTestCommentService(t, sess)

	_, err = svc.CreateComment(context.Background(), "mallory", models.ResourceDocument, "doc-1", sess.ID(), "hi", nil)
	assert.ErrorIs(t, err, models.ErrNotAnActiveParticipant)
}

func TestCreateReply(t *testing.T) {
	svc, _, _, _ := newTestCommentService(t)
	ctx := context.Background()

	parent, err := svc.CreateComment(ctx, "alice", models.ResourceDocument, "doc-1", "", "parent", nil)
	require.NoError(t, err)

	reply, err := svc.CreateReply(ctx, "bob", parent.ID, "reply", nil)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, reply.ParentCommentID)
	assert.Equal(t, parent.ResourceID, reply.ResourceID)

	// Nesting stops at one level.
	_, err = svc.CreateReply(ctx, "carol", reply.ID, "deeper", nil)
	assert.ErrorIs(t, err, models.ErrReplyToReply)

	_, err = svc.CreateReply(ctx, "bob", "missing", "reply", nil)
	assert.ErrorIs(t, err, models.ErrCommentNotFound)
}

func TestUpdateCommentAuthorOnly(t *testing.T) {
	svc, _, _, _ := newTestCommentService(t)
	ctx := context.Background()

	c, err := svc.CreateComment(ctx, "alice", models.ResourceDocument, "doc-1", "", "v1", nil)
	require.NoError(t, err)

	_, err = svc.UpdateComment(ctx, "bob", c.ID, "hijacked")
	assert.ErrorIs(t, err, models.ErrNotCommentAuthor)

	updated, err := svc.UpdateComment(ctx, "alice", c.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Text)
	assert.NotNil(t, updated.UpdatedAt)
}

func TestDeleteCommentAuthorOnly(t *testing.T) {
	svc, comments, _, _ := newTestCommentService(t)
	ctx := context.Background()

	c, err := svc.CreateComment(ctx, "alice", models.ResourceDocument, "doc-1", "", "bye", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteComment(ctx, "bob", c.ID), models.ErrNotCommentAuthor)
	require.NoError(t, svc.DeleteComment(ctx, "alice", c.ID))

	// Soft delete keeps the row but hides it from the API.
	stored, err := comments.GetCommentByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)

	assert.ErrorIs(t, svc.DeleteComment(ctx, "alice", c.ID), models.ErrCommentNotFound)
	_, err = svc.UpdateComment(ctx, "alice", c.ID, "necro")
	assert.ErrorIs(t, err, models.ErrCommentNotFound)
}

func TestListCommentsHidesDeleted(t *testing.T) {
	svc, _, _, _ := newTestCommentService(t)
	ctx := context.Background()

	a, err := svc.CreateComment(ctx, "alice", models.ResourceDocument, "doc-1", "", "keep", nil)
	require.NoError(t, err)
	b, err := svc.CreateComment(ctx, "alice", models.ResourceDocument, "doc-1", "", "drop", nil)
	require.NoError(t, err)
	_, err = svc.CreateComment(ctx, "alice", models.ResourceDocument, "doc-2", "", "other resource", nil)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteComment(ctx, "alice", b.ID))

	list, err := svc.ListComments(ctx, models.ResourceDocument, "doc-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}
