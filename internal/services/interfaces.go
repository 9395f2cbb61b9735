package services

import (
	"context"

	"knowledgehub/internal/models"
)

// Interfaces are declared here, where they are consumed; the repository
// package implements them without knowing about it.

// SessionWriter is the load-modify-save surface for the session aggregate.
// Implementations persist the full snapshot and enforce optimistic
// concurrency: Save fails with models.ErrSessionConflict when the stored
// revision has moved since the load, and the caller reloads and retries.
type SessionWriter interface {
	GetSessionByID(ctx context.Context, id string) (*models.CollaborationSession, error)
	Save(ctx context.Context, s *models.CollaborationSession) error
}

// CommentStore is what the comment service needs from comment storage.
type CommentStore interface {
	CreateComment(ctx context.Context, c *models.Comment) error
	GetCommentByID(ctx context.Context, id string) (*models.Comment, error)
	UpdateComment(ctx context.Context, c *models.Comment) error
	ListCommentsByResource(ctx context.Context, resourceType models.ResourceType, resourceID string, includeDeleted bool) ([]models.Comment, error)
}
