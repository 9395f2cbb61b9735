package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// User is the directory record behind authenticated identities. The
// collaboration core only reads it to resolve display names for outbound
// payloads; account management lives elsewhere.
type User struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	Username  string    `json:"username" gorm:"type:varchar(100);not null;uniqueIndex"`
	FullName  string    `json:"full_name" gorm:"type:text;not null"`
	Email     string    `json:"email" gorm:"type:text;not null;uniqueIndex"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// BeforeCreate hook generates a KSUID before inserting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}
