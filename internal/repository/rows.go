package repository

import (
	"time"

	"gorm.io/gorm"

	"knowledgehub/internal/models"
)

// Row types are the GORM mapping of the session aggregate. The aggregate owns
// its invariants; these structs exist only to move state in and out of
// Postgres and never leave this package.

type sessionRow struct {
	ID           string `gorm:"type:char(27);primaryKey"`
	ResourceType string `gorm:"type:varchar(20);not null;index:idx_sessions_resource"`
	ResourceID   string `gorm:"type:char(27);not null;index:idx_sessions_resource"`
	StartedAt    time.Time
	EndedAt      *time.Time
	IsActive     bool `gorm:"not null;index"`
	Version      int  `gorm:"not null;default:1"`
}

func (sessionRow) TableName() string { return "collaboration_sessions" }

type participantRow struct {
	ID             string `gorm:"type:char(27);primaryKey"`
	SessionID      string `gorm:"type:char(27);not null;index"`
	UserID         string `gorm:"type:char(27);not null;index"`
	Role           string `gorm:"type:varchar(20);not null"`
	JoinedAt       time.Time
	LeftAt         *time.Time
	LastActivityAt time.Time
	CursorPosition *int
}

func (participantRow) TableName() string { return "session_participants" }

type changeRow struct {
	ID          string `gorm:"type:char(27);primaryKey"`
	SessionID   string `gorm:"type:char(27);not null;index"`
	UserID      string `gorm:"type:char(27);not null"`
	Timestamp   time.Time
	ChangeType  string `gorm:"type:varchar(20);not null"`
	Position    int
	Data        []byte `gorm:"type:bytea"`
	Fingerprint string `gorm:"type:char(64);not null"`
}

func (changeRow) TableName() string { return "session_changes" }

type commentRow struct {
	ID              string `gorm:"type:char(27);primaryKey"`
	SessionID       string `gorm:"type:char(27);index"`
	ResourceType    string `gorm:"type:varchar(20);not null;index:idx_comments_resource"`
	ResourceID      string `gorm:"type:char(27);not null;index:idx_comments_resource"`
	UserID          string `gorm:"type:char(27);not null"`
	Text            string `gorm:"type:text;not null"`
	Position        *int
	ParentCommentID string `gorm:"type:char(27);index"`
	CreatedAt       time.Time
	UpdatedAt       *time.Time
	Deleted         bool `gorm:"not null;default:false"`
	DeletedAt       *time.Time
}

func (commentRow) TableName() string { return "comments" }

// AutoMigrate creates or updates the collaboration schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&sessionRow{},
		&participantRow{},
		&changeRow{},
		&commentRow{},
	)
}

func toParticipantRow(p models.SessionParticipant) participantRow {
	return participantRow{
		ID:             p.ID,
		SessionID:      p.SessionID,
		UserID:         p.UserID,
		Role:           string(p.Role),
		JoinedAt:       p.JoinedAt,
		LeftAt:         p.LeftAt,
		LastActivityAt: p.LastActivityAt,
		CursorPosition: p.CursorPosition,
	}
}

func fromParticipantRow(r participantRow) models.SessionParticipant {
	return models.SessionParticipant{
		ID:             r.ID,
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		Role:           models.ParticipantRole(r.Role),
		JoinedAt:       r.JoinedAt,
		LeftAt:         r.LeftAt,
		LastActivityAt: r.LastActivityAt,
		CursorPosition: r.CursorPosition,
	}
}

func toChangeRow(c models.SessionChange) changeRow {
	return changeRow{
		ID:          c.ID,
		SessionID:   c.SessionID,
		UserID:      c.UserID,
		Timestamp:   c.Timestamp,
		ChangeType:  string(c.ChangeType),
		Position:    c.Position,
		Data:        c.Data,
		Fingerprint: c.Fingerprint,
	}
}

func fromChangeRow(r changeRow) models.SessionChange {
	return models.SessionChange{
		ID:          r.ID,
		SessionID:   r.SessionID,
		UserID:      r.UserID,
		Timestamp:   r.Timestamp,
		ChangeType:  models.ChangeType(r.ChangeType),
		Position:    r.Position,
		Data:        r.Data,
		Fingerprint: r.Fingerprint,
	}
}

func toCommentRow(c models.Comment) commentRow {
	return commentRow{
		ID:              c.ID,
		SessionID:       c.SessionID,
		ResourceType:    string(c.ResourceType),
		ResourceID:      c.ResourceID,
		UserID:          c.UserID,
		Text:            c.Text,
		Position:        c.Position,
		ParentCommentID: c.ParentCommentID,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		Deleted:         c.Deleted,
		DeletedAt:       c.DeletedAt,
	}
}

func fromCommentRow(r commentRow) models.Comment {
	return models.Comment{
		ID:              r.ID,
		SessionID:       r.SessionID,
		ResourceType:    models.ResourceType(r.ResourceType),
		ResourceID:      r.ResourceID,
		UserID:          r.UserID,
		Text:            r.Text,
		Position:        r.Position,
		ParentCommentID: r.ParentCommentID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Deleted:         r.Deleted,
		DeletedAt:       r.DeletedAt,
	}
}
