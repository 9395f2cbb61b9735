package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"knowledgehub/internal/models"
	"knowledgehub/internal/services/collaboration"
)

// UserRepositoryImpl is the directory store. It doubles as the gateway's
// display-name resolver for outbound payloads.
type UserRepositoryImpl struct {
	db *gorm.DB
}

// NewUserRepository creates a user repository.
func NewUserRepository(db *gorm.DB) *UserRepositoryImpl {
	return &UserRepositoryImpl{db: db}
}

// CreateUser inserts a user record. The KSUID is generated in the BeforeCreate
// hook.
func (r *UserRepositoryImpl) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID returns a user by KSUID.
func (r *UserRepositoryImpl) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUserByUsername returns a user by unique username.
func (r *UserRepositoryImpl) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// Resolve implements the gateway's IdentityResolver.
func (r *UserRepositoryImpl) Resolve(ctx context.Context, userID string) (collaboration.Identity, error) {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return collaboration.Identity{}, err
	}
	return collaboration.Identity{
		UserID:   user.ID,
		Username: user.Username,
		FullName: user.FullName,
	}, nil
}
