package models

import (
	"time"
	"unicode/utf8"

	"github.com/segmentio/ksuid"
)

// MaxCommentLength is the upper bound on comment text, in runes.
const MaxCommentLength = 2000

// Comment is always bound to a resource and optionally to a session. Replies
// nest one level deep under a top-level comment. Comments are soft-deleted so
// threads keep their shape.
type Comment struct {
	ID              string
	SessionID       string // empty when the comment was made outside a session
	ResourceType    ResourceType
	ResourceID      string
	UserID          string
	Text            string
	Position        *int   // optional anchor into the resource content
	ParentCommentID string // empty for top-level comments
	CreatedAt       time.Time
	UpdatedAt       *time.Time
	Deleted         bool
	DeletedAt       *time.Time
}

// IsReply reports whether the comment is attached under a parent.
func (c Comment) IsReply() bool { return c.ParentCommentID != "" }

// ValidateCommentText enforces the 1-2000 character bound.
func ValidateCommentText(text string) error {
	if n := utf8.RuneCountInString(text); n == 0 || n > MaxCommentLength {
		return ErrCommentText
	}
	return nil
}

// NewComment creates a top-level comment on a resource.
func NewComment(resourceType ResourceType, resourceID, userID, text string, position *int) (Comment, error) {
	if err := ValidateCommentText(text); err != nil {
		return Comment{}, err
	}
	c := Comment{
		ID:           ksuid.New().String(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		Text:         text,
		CreatedAt:    time.Now().UTC(),
	}
	if position != nil {
		p := *position
		c.Position = &p
	}
	return c, nil
}

// NewReply creates a reply under parent. The caller passes the parent id it
// intends to attach under; a mismatch with the loaded parent is rejected, as
// is replying to a reply.
func NewReply(parent Comment, parentID, userID, text string, position *int) (Comment, error) {
	if parent.ID != parentID {
		return Comment{}, ErrReplyParentMismatch
	}
	if parent.IsReply() {
		return Comment{}, ErrReplyToReply
	}
	c, err := NewComment(parent.ResourceType, parent.ResourceID, userID, text, position)
	if err != nil {
		return Comment{}, err
	}
	c.SessionID = parent.SessionID
	c.ParentCommentID = parent.ID
	return c, nil
}

// Edit replaces the comment text and stamps UpdatedAt.
func (c *Comment) Edit(text string) error {
	if c.Deleted {
		return ErrCommentNotFound
	}
	if err := ValidateCommentText(text); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.Text = text
	c.UpdatedAt = &now
	return nil
}

// SoftDelete marks the comment deleted without removing it.
func (c *Comment) SoftDelete() {
	if c.Deleted {
		return
	}
	now := time.Now().UTC()
	c.Deleted = true
	c.DeletedAt = &now
}
