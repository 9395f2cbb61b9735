package api

import (
	"context"

	"knowledgehub/internal/models"
)

// Interfaces the handlers consume, defined here and implemented by the
// repository and services packages.

// SessionRepository is the session lifecycle surface behind the REST endpoints.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.CollaborationSession) error
	GetSessionByID(ctx context.Context, id string) (*models.CollaborationSession, error)
	Save(ctx context.Context, s *models.CollaborationSession) error
	ListSessionsByResource(ctx context.Context, resourceType models.ResourceType, resourceID string, limit int) ([]models.SessionSnapshot, error)
}

// CommentService is the comment lifecycle surface.
type CommentService interface {
	CreateComment(ctx context.Context, userID string, resourceType models.ResourceType, resourceID, sessionID, text string, position *int) (models.Comment, error)
	CreateReply(ctx context.Context, userID, parentID, text string, position *int) (models.Comment, error)
	UpdateComment(ctx context.Context, userID, commentID, text string) (models.Comment, error)
	DeleteComment(ctx context.Context, userID, commentID string) error
	ListComments(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]models.Comment, error)
}

// UserDirectory is the slice of the user store the handlers need.
type UserDirectory interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}
