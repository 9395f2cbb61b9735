package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"knowledgehub/internal/models"
)

// CommentRepositoryImpl persists comments independently of the session
// aggregate, for comments made outside any live session and for resource-level
// thread listings.
type CommentRepositoryImpl struct {
	db *gorm.DB
}

// NewCommentRepository creates a comment repository.
func NewCommentRepository(db *gorm.DB) *CommentRepositoryImpl {
	return &CommentRepositoryImpl{db: db}
}

// CreateComment inserts a comment.
func (r *CommentRepositoryImpl) CreateComment(ctx context.Context, c *models.Comment) error {
	row := toCommentRow(*c)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	return nil
}

// GetCommentByID returns a comment, including soft-deleted ones so threads
// keep their shape.
func (r *CommentRepositoryImpl) GetCommentByID(ctx context.Context, id string) (*models.Comment, error) {
	var row commentRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	c := fromCommentRow(row)
	return &c, nil
}

// UpdateComment writes back an edited or soft-deleted comment.
func (r *CommentRepositoryImpl) UpdateComment(ctx context.Context, c *models.Comment) error {
	row := toCommentRow(*c)
	result := r.db.WithContext(ctx).Model(&commentRow{}).Where("id = ?", row.ID).Updates(map[string]any{
		"text":       row.Text,
		"updated_at": row.UpdatedAt,
		"deleted":    row.Deleted,
		"deleted_at": row.DeletedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update comment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrCommentNotFound
	}
	return nil
}

// ListCommentsByResource returns a resource's comments in creation order,
// excluding soft-deleted ones unless includeDeleted is set.
func (r *CommentRepositoryImpl) ListCommentsByResource(ctx context.Context, resourceType models.ResourceType, resourceID string, includeDeleted bool) ([]models.Comment, error) {
	q := r.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", string(resourceType), resourceID).
		Order("id ASC")
	if !includeDeleted {
		q = q.Where("deleted = false")
	}
	var rows []commentRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	out := make([]models.Comment, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromCommentRow(row))
	}
	return out, nil
}
