package collaboration

import (
	"encoding/json"
	"time"

	"knowledgehub/internal/models"
)

// EventType names an outbound broadcast event.
type EventType string

const (
	EventParticipantJoined    EventType = "participant_joined"
	EventParticipantLeft      EventType = "participant_left"
	EventSessionStatusChanged EventType = "session_status_changed"
	EventSessionSynced        EventType = "session_synced"
	EventCursorMoved          EventType = "cursor_moved"
	EventTypingStatusChanged  EventType = "typing_status_changed"
	EventChangeReceived       EventType = "change_received"
	EventCommentAdded         EventType = "comment_added"
	EventCommentUpdated       EventType = "comment_updated"
	EventCommentDeleted       EventType = "comment_deleted"
	EventError                EventType = "error"
)

// Event is the envelope pushed to clients. Data is one of the payload structs
// below, keyed by Type.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// SessionStatus is the presence-level status carried by status events:
// Active while at least one distinct user is connected, Inactive otherwise.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusInactive SessionStatus = "inactive"
)

// ParticipantPayload describes a participant for join/leave events and sync
// snapshots, resolved to display identity.
type ParticipantPayload struct {
	UserID   string                 `json:"user_id"`
	Username string                 `json:"username"`
	FullName string                 `json:"full_name"`
	Role     models.ParticipantRole `json:"role"`
	JoinedAt time.Time              `json:"joined_at"`
}

// SessionStatusPayload reports the distinct-user presence count.
type SessionStatusPayload struct {
	SessionID        string        `json:"session_id"`
	Status           SessionStatus `json:"status"`
	ParticipantCount int           `json:"participant_count"`
	Timestamp        time.Time     `json:"timestamp"`
}

// CursorEntry is one user's cursor in a sync snapshot.
type CursorEntry struct {
	UserID   string `json:"user_id"`
	Position int    `json:"position"`
}

// SessionSyncedPayload is sent to a joining connection only, so reconnecting
// clients rebuild presence state without replaying history.
type SessionSyncedPayload struct {
	SessionID          string               `json:"session_id"`
	ActiveParticipants []ParticipantPayload `json:"active_participants"`
	CursorPositions    []CursorEntry        `json:"cursor_positions"`
	SyncTimestamp      time.Time            `json:"sync_timestamp"`
}

// CursorMovedPayload is a last-value-wins cursor snapshot.
type CursorMovedPayload struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Position  int       `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingStatusPayload reports a typing-indicator flip.
type TypingStatusPayload struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeReceivedPayload relays a live edit to the other connections in the
// session. Data is opaque to the core.
type ChangeReceivedPayload struct {
	ChangeID   string            `json:"change_id"`
	UserID     string            `json:"user_id"`
	Username   string            `json:"username"`
	ChangeType models.ChangeType `json:"change_type"`
	Position   int               `json:"position"`
	Data       json.RawMessage   `json:"data"`
	Timestamp  time.Time         `json:"timestamp"`
}

// CommentAction distinguishes the comment lifecycle events.
type CommentAction string

const (
	CommentActionAdded   CommentAction = "added"
	CommentActionUpdated CommentAction = "updated"
	CommentActionDeleted CommentAction = "deleted"
)

// CommentPayload carries comment lifecycle notifications.
type CommentPayload struct {
	CommentID       string              `json:"comment_id"`
	ResourceID      string              `json:"resource_id"`
	ResourceType    models.ResourceType `json:"resource_type"`
	UserID          string              `json:"user_id"`
	Username        string              `json:"username"`
	Text            string              `json:"text"`
	Position        *int                `json:"position,omitempty"`
	ParentCommentID string              `json:"parent_comment_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	Action          CommentAction       `json:"action"`
}

// ErrorPayload is a protocol-level rejection delivered to the requesting
// connection only.
type ErrorPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
