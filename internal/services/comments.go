package services

import (
	"context"

	"github.com/rs/zerolog"

	"knowledgehub/internal/models"
	"knowledgehub/internal/services/collaboration"
)

// CommentServiceImpl owns the comment lifecycle. Comments made inside a live
// session go through the aggregate's validated entry point and are announced
// on the session topic; comments on a resource outside any session are
// persisted directly.
type CommentServiceImpl struct {
	comments CommentStore
	sessions SessionWriter
	resolver collaboration.IdentityResolver
	pub      collaboration.Publisher
	log      zerolog.Logger
}

// NewCommentService wires the comment service. pub may be nil in contexts
// without a live push channel (tests, batch tooling).
func NewCommentService(comments CommentStore, sessions SessionWriter, resolver collaboration.IdentityResolver, pub collaboration.Publisher, log zerolog.Logger) *CommentServiceImpl {
	return &CommentServiceImpl{
		comments: comments,
		sessions: sessions,
		resolver: resolver,
		pub:      pub,
		log:      log.With().Str("component", "comments").Logger(),
	}
}

// CreateComment adds a top-level comment. A non-empty sessionID routes the
// comment through the session aggregate, which checks that the author is an
// active participant of an active session.
func (s *CommentServiceImpl) CreateComment(ctx context.Context, userID string, resourceType models.ResourceType, resourceID, sessionID, text string, position *int) (models.Comment, error) {
	if sessionID == "" {
		c, err := models.NewComment(resourceType, resourceID, userID, text, position)
		if err != nil {
			return models.Comment{}, err
		}
		if err := s.comments.CreateComment(ctx, &c); err != nil {
			return models.Comment{}, err
		}
		return c, nil
	}

	sess, err := s.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return models.Comment{}, err
	}
	c, err := sess.AddComment(userID, text, position)
	if err != nil {
		return models.Comment{}, err
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return models.Comment{}, err
	}
	s.publish(ctx, c, collaboration.EventCommentAdded, collaboration.CommentActionAdded)
	return c, nil
}

// CreateReply attaches a reply under a top-level comment. The reply inherits
// the parent's resource and session binding; a mismatched parent id or a
// reply-to-reply is rejected.
func (s *CommentServiceImpl) CreateReply(ctx context.Context, userID, parentID, text string, position *int) (models.Comment, error) {
	parent, err := s.comments.GetCommentByID(ctx, parentID)
	if err != nil {
		return models.Comment{}, err
	}
	reply, err := models.NewReply(*parent, parentID, userID, text, position)
	if err != nil {
		return models.Comment{}, err
	}
	if err := s.comments.CreateComment(ctx, &reply); err != nil {
		return models.Comment{}, err
	}
	s.publish(ctx, reply, collaboration.EventCommentAdded, collaboration.CommentActionAdded)
	return reply, nil
}

// UpdateComment edits a comment's text. Only the author may edit.
func (s *CommentServiceImpl) UpdateComment(ctx context.Context, userID, commentID, text string) (models.Comment, error) {
	c, err := s.comments.GetCommentByID(ctx, commentID)
	if err != nil {
		return models.Comment{}, err
	}
	if c.Deleted {
		return models.Comment{}, models.ErrCommentNotFound
	}
	if c.UserID != userID {
		return models.Comment{}, models.ErrNotCommentAuthor
	}
	if err := c.Edit(text); err != nil {
		return models.Comment{}, err
	}
	if err := s.comments.UpdateComment(ctx, c); err != nil {
		return models.Comment{}, err
	}
	s.publish(ctx, *c, collaboration.EventCommentUpdated, collaboration.CommentActionUpdated)
	return *c, nil
}

// DeleteComment soft-deletes a comment. Only the author may delete.
func (s *CommentServiceImpl) DeleteComment(ctx context.Context, userID, commentID string) error {
	c, err := s.comments.GetCommentByID(ctx, commentID)
	if err != nil {
		return err
	}
	if c.Deleted {
		return models.ErrCommentNotFound
	}
	if c.UserID != userID {
		return models.ErrNotCommentAuthor
	}
	c.SoftDelete()
	if err := s.comments.UpdateComment(ctx, c); err != nil {
		return err
	}
	s.publish(ctx, *c, collaboration.EventCommentDeleted, collaboration.CommentActionDeleted)
	return nil
}

// ListComments returns a resource's visible comments in creation order.
func (s *CommentServiceImpl) ListComments(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]models.Comment, error) {
	return s.comments.ListCommentsByResource(ctx, resourceType, resourceID, false)
}

// publish announces a comment lifecycle event on its session topic. No-op for
// comments outside a session.
func (s *CommentServiceImpl) publish(ctx context.Context, c models.Comment, eventType collaboration.EventType, action collaboration.CommentAction) {
	if s.pub == nil || c.SessionID == "" {
		return
	}
	username := c.UserID
	if id, err := s.resolver.Resolve(ctx, c.UserID); err == nil {
		username = id.Username
	}
	s.pub.Publish(c.SessionID, collaboration.Event{Type: eventType, Data: collaboration.CommentPayload{
		CommentID:       c.ID,
		ResourceID:      c.ResourceID,
		ResourceType:    c.ResourceType,
		UserID:          c.UserID,
		Username:        username,
		Text:            c.Text,
		Position:        c.Position,
		ParentCommentID: c.ParentCommentID,
		CreatedAt:       c.CreatedAt,
		Action:          action,
	}}, "")
}
