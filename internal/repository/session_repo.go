package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"knowledgehub/internal/models"
)

// SessionRepositoryImpl persists the session aggregate via snapshot and
// rehydrate. Sessions are never hard-deleted; ended sessions are retained for
// history. Consumers declare the interface they need ("accept interfaces,
// return structs").
type SessionRepositoryImpl struct {
	db *gorm.DB
}

// NewSessionRepository creates a session repository.
func NewSessionRepository(db *gorm.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{db: db}
}

// CreateSession inserts a freshly started session with its initial
// participants.
func (r *SessionRepositoryImpl) CreateSession(ctx context.Context, s *models.CollaborationSession) error {
	snap := s.Snapshot()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := sessionRow{
			ID:           snap.ID,
			ResourceType: string(snap.ResourceType),
			ResourceID:   snap.ResourceID,
			StartedAt:    snap.StartedAt,
			EndedAt:      snap.EndedAt,
			IsActive:     snap.IsActive,
			Version:      snap.Version,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		for _, p := range snap.Participants {
			pr := toParticipantRow(p)
			if err := tx.Create(&pr).Error; err != nil {
				return fmt.Errorf("failed to create participant: %w", err)
			}
		}
		return nil
	})
}

// GetSessionByID loads and rehydrates the full aggregate. Child collections
// come back in insertion order: KSUIDs are time-ordered, so sorting by id
// preserves the append order of the logs.
func (r *SessionRepositoryImpl) GetSessionByID(ctx context.Context, id string) (*models.CollaborationSession, error) {
	var row sessionRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var participantRows []participantRow
	if err := r.db.WithContext(ctx).Where("session_id = ?", id).Order("id ASC").Find(&participantRows).Error; err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	var changeRows []changeRow
	if err := r.db.WithContext(ctx).Where("session_id = ?", id).Order("id ASC").Find(&changeRows).Error; err != nil {
		return nil, fmt.Errorf("failed to load changes: %w", err)
	}
	var commentRows []commentRow
	if err := r.db.WithContext(ctx).Where("session_id = ?", id).Order("id ASC").Find(&commentRows).Error; err != nil {
		return nil, fmt.Errorf("failed to load comments: %w", err)
	}

	snap := models.SessionSnapshot{
		ID:           row.ID,
		ResourceType: models.ResourceType(row.ResourceType),
		ResourceID:   row.ResourceID,
		StartedAt:    row.StartedAt,
		EndedAt:      row.EndedAt,
		IsActive:     row.IsActive,
		Version:      row.Version,
	}
	for _, pr := range participantRows {
		snap.Participants = append(snap.Participants, fromParticipantRow(pr))
	}
	for _, cr := range changeRows {
		snap.Changes = append(snap.Changes, fromChangeRow(cr))
	}
	for _, cr := range commentRows {
		snap.Comments = append(snap.Comments, fromCommentRow(cr))
	}
	return models.RehydrateSession(snap), nil
}

// Save writes the aggregate's current snapshot. The session row is updated
// with a version check: a save from a snapshot that is no longer the stored
// revision fails with ErrSessionConflict before any child row is touched, so
// two concurrent load-modify-save cycles cannot both land. Participants and
// comments are upserted; changes are append-only, so existing rows are left
// untouched.
func (r *SessionRepositoryImpl) Save(ctx context.Context, s *models.CollaborationSession) error {
	snap := s.Snapshot()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&sessionRow{}).
			Where("id = ? AND version = ?", snap.ID, snap.Version).
			Updates(map[string]any{
				"ended_at":  snap.EndedAt,
				"is_active": snap.IsActive,
				"version":   snap.Version + 1,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to save session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Either the session does not exist or another writer bumped the
			// version since this aggregate was loaded.
			var count int64
			if err := tx.Model(&sessionRow{}).Where("id = ?", snap.ID).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to save session: %w", err)
			}
			if count == 0 {
				return models.ErrSessionNotFound
			}
			return models.ErrSessionConflict
		}
		for _, p := range snap.Participants {
			pr := toParticipantRow(p)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&pr).Error; err != nil {
				return fmt.Errorf("failed to save participant: %w", err)
			}
		}
		for _, c := range snap.Changes {
			cr := toChangeRow(c)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cr).Error; err != nil {
				return fmt.Errorf("failed to save change: %w", err)
			}
		}
		for _, c := range snap.Comments {
			cr := toCommentRow(c)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cr).Error; err != nil {
				return fmt.Errorf("failed to save comment: %w", err)
			}
		}
		return nil
	})
}

// ListSessionsByResource returns session snapshots (without child logs) for a
// resource, newest first.
func (r *SessionRepositoryImpl) ListSessionsByResource(ctx context.Context, resourceType models.ResourceType, resourceID string, limit int) ([]models.SessionSnapshot, error) {
	var rows []sessionRow
	err := r.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", string(resourceType), resourceID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]models.SessionSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.SessionSnapshot{
			ID:           row.ID,
			ResourceType: models.ResourceType(row.ResourceType),
			ResourceID:   row.ResourceID,
			StartedAt:    row.StartedAt,
			EndedAt:      row.EndedAt,
			IsActive:     row.IsActive,
			Version:      row.Version,
		})
	}
	return out, nil
}
