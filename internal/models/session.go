package models

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/zeebo/blake3"
)

// ResourceType identifies what kind of resource a session is bound to.
type ResourceType string

const (
	ResourceDocument ResourceType = "document"
	ResourceDiagram  ResourceType = "diagram"
)

// ParticipantRole controls what a participant may do inside a session.
type ParticipantRole string

const (
	RoleViewer ParticipantRole = "viewer"
	RoleEditor ParticipantRole = "editor"
)

// ChangeType classifies an edit recorded in the session change log.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// SessionParticipant is a user's membership record in a session. A nil LeftAt
// means the participant is active. Distinct from a physical connection: one
// participant may hold several live connections at once.
type SessionParticipant struct {
	ID             string
	SessionID      string
	UserID         string
	Role           ParticipantRole
	JoinedAt       time.Time
	LeftAt         *time.Time
	LastActivityAt time.Time
	CursorPosition *int
}

// Active reports whether the participant has not left the session.
func (p SessionParticipant) Active() bool { return p.LeftAt == nil }

// SessionChange is an immutable append-only edit record. The fingerprint is a
// content-integrity/dedup hash, not a conflict-resolution token: this system
// is last-write-broadcast, not OT/CRDT.
type SessionChange struct {
	ID          string
	SessionID   string
	UserID      string
	Timestamp   time.Time
	ChangeType  ChangeType
	Position    int
	Data        []byte
	Fingerprint string
}

// ChangeFingerprint derives the deterministic BLAKE3 fingerprint over a
// change's identifying fields. Identical inputs and timestamp always produce
// the same digest.
func ChangeFingerprint(sessionID, userID string, ts time.Time, changeType ChangeType, position int, data []byte) string {
	h := blake3.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	h.Write([]byte{0})

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UTC().UnixNano()))
	h.Write(buf[:])

	h.Write([]byte(changeType))
	h.Write([]byte{0})
	binary.BigEndian.PutUint64(buf[:], uint64(int64(position)))
	h.Write(buf[:])
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}

// CollaborationSession is the aggregate root for one bounded period of shared
// live activity on a document or diagram. Its collections are owned and only
// mutated through methods that enforce the session invariants.
//
// Mutating methods are not goroutine-safe; the caller serializes writes to a
// given session (single-writer-per-call contract).
type CollaborationSession struct {
	id           string
	resourceType ResourceType
	resourceID   string
	startedAt    time.Time
	endedAt      *time.Time
	active       bool

	// version is the optimistic concurrency token. It reflects the stored
	// revision this aggregate was loaded from; the repository checks it on
	// save and bumps the stored value, so a save from a stale load fails
	// with ErrSessionConflict instead of silently interleaving writes.
	version int

	participants []SessionParticipant
	changes      []SessionChange
	comments     []Comment
}

// StartSession creates an active session bound to the given resource, with the
// initiator as its first editor participant.
func StartSession(resourceType ResourceType, resourceID, initiatorID string) (*CollaborationSession, error) {
	switch resourceType {
	case ResourceDocument, ResourceDiagram:
	default:
		return nil, fmt.Errorf("invalid resource type %q", resourceType)
	}
	if resourceID == "" {
		return nil, fmt.Errorf("resource id is required")
	}
	if initiatorID == "" {
		return nil, fmt.Errorf("initiator user id is required")
	}

	now := time.Now().UTC()
	s := &CollaborationSession{
		id:           ksuid.New().String(),
		resourceType: resourceType,
		resourceID:   resourceID,
		startedAt:    now,
		active:       true,
		version:      1,
	}
	s.participants = append(s.participants, SessionParticipant{
		ID:             ksuid.New().String(),
		SessionID:      s.id,
		UserID:         initiatorID,
		Role:           RoleEditor,
		JoinedAt:       now,
		LastActivityAt: now,
	})
	return s, nil
}

func (s *CollaborationSession) ID() string                 { return s.id }
func (s *CollaborationSession) ResourceType() ResourceType { return s.resourceType }
func (s *CollaborationSession) ResourceID() string         { return s.resourceID }
func (s *CollaborationSession) StartedAt() time.Time       { return s.startedAt }
func (s *CollaborationSession) IsActive() bool             { return s.active }

// Version returns the stored revision this aggregate was loaded from.
func (s *CollaborationSession) Version() int { return s.version }

// EndedAt returns when the session ended, or nil while it is active.
func (s *CollaborationSession) EndedAt() *time.Time {
	if s.endedAt == nil {
		return nil
	}
	t := *s.endedAt
	return &t
}

// Participants returns a copy of the participant list in join order.
func (s *CollaborationSession) Participants() []SessionParticipant {
	out := make([]SessionParticipant, len(s.participants))
	copy(out, s.participants)
	return out
}

// ActiveParticipants returns the participants that have not left, in join order.
func (s *CollaborationSession) ActiveParticipants() []SessionParticipant {
	var out []SessionParticipant
	for _, p := range s.participants {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// Changes returns a copy of the ordered change log.
func (s *CollaborationSession) Changes() []SessionChange {
	out := make([]SessionChange, len(s.changes))
	copy(out, s.changes)
	return out
}

// Comments returns a copy of the session's comments.
func (s *CollaborationSession) Comments() []Comment {
	out := make([]Comment, len(s.comments))
	copy(out, s.comments)
	return out
}

// ActiveParticipantCount counts participants with no LeftAt stamp.
func (s *CollaborationSession) ActiveParticipantCount() int {
	n := 0
	for _, p := range s.participants {
		if p.Active() {
			n++
		}
	}
	return n
}

// IsUserActive reports whether the user currently has an active participant row.
func (s *CollaborationSession) IsUserActive(userID string) bool {
	_, ok := s.ParticipantByUser(userID)
	return ok
}

// ParticipantByUser returns the user's active participant row, if any.
func (s *CollaborationSession) ParticipantByUser(userID string) (SessionParticipant, bool) {
	if i := s.activeIndex(userID); i >= 0 {
		return s.participants[i], true
	}
	return SessionParticipant{}, false
}

func (s *CollaborationSession) activeIndex(userID string) int {
	for i := range s.participants {
		if s.participants[i].UserID == userID && s.participants[i].Active() {
			return i
		}
	}
	return -1
}

// AddParticipant appends a new participant. At most one active participant may
// exist per user at any time.
func (s *CollaborationSession) AddParticipant(userID string, role ParticipantRole) (SessionParticipant, error) {
	if !s.active {
		return SessionParticipant{}, ErrSessionNotActive
	}
	if userID == "" {
		return SessionParticipant{}, fmt.Errorf("user id is required")
	}
	if role != RoleViewer && role != RoleEditor {
		return SessionParticipant{}, fmt.Errorf("invalid participant role %q", role)
	}
	if s.activeIndex(userID) >= 0 {
		return SessionParticipant{}, ErrAlreadyActiveParticipant
	}

	now := time.Now().UTC()
	p := SessionParticipant{
		ID:             ksuid.New().String(),
		SessionID:      s.id,
		UserID:         userID,
		Role:           role,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	s.participants = append(s.participants, p)
	return p, nil
}

// RemoveParticipant stamps LeftAt on the user's active row. Removing the last
// active participant ends the session.
func (s *CollaborationSession) RemoveParticipant(userID string) error {
	i := s.activeIndex(userID)
	if i < 0 {
		return ErrNotAnActiveParticipant
	}

	now := time.Now().UTC()
	s.participants[i].LeftAt = &now
	s.participants[i].LastActivityAt = now

	if s.active && s.ActiveParticipantCount() == 0 {
		s.end(now)
	}
	return nil
}

// ApplyChange validates and appends a fingerprinted change to the log and
// bumps the editor's activity timestamp. Requires the editor role.
func (s *CollaborationSession) ApplyChange(userID string, changeType ChangeType, position int, data []byte) (SessionChange, error) {
	if !s.active {
		return SessionChange{}, ErrSessionNotActive
	}
	i := s.activeIndex(userID)
	if i < 0 {
		return SessionChange{}, ErrNotAnActiveParticipant
	}
	if s.participants[i].Role != RoleEditor {
		return SessionChange{}, ErrInsufficientRole
	}
	switch changeType {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
	default:
		return SessionChange{}, fmt.Errorf("invalid change type %q", changeType)
	}

	now := time.Now().UTC()
	ch := SessionChange{
		ID:          ksuid.New().String(),
		SessionID:   s.id,
		UserID:      userID,
		Timestamp:   now,
		ChangeType:  changeType,
		Position:    position,
		Data:        append([]byte(nil), data...),
		Fingerprint: ChangeFingerprint(s.id, userID, now, changeType, position, data),
	}
	s.changes = append(s.changes, ch)
	s.participants[i].LastActivityAt = now
	return ch, nil
}

// AddComment appends a comment bound to this session and its resource.
func (s *CollaborationSession) AddComment(userID, text string, position *int) (Comment, error) {
	if !s.active {
		return Comment{}, ErrSessionNotActive
	}
	i := s.activeIndex(userID)
	if i < 0 {
		return Comment{}, ErrNotAnActiveParticipant
	}

	c, err := NewComment(s.resourceType, s.resourceID, userID, text, position)
	if err != nil {
		return Comment{}, err
	}
	c.SessionID = s.id
	s.comments = append(s.comments, c)
	s.participants[i].LastActivityAt = c.CreatedAt
	return c, nil
}

// UpdateCursorPosition records the participant's persisted cursor snapshot.
// The live cursor stream stays in the presence registry; this is the durable
// copy written by the persistence path.
func (s *CollaborationSession) UpdateCursorPosition(userID string, position *int) error {
	i := s.activeIndex(userID)
	if i < 0 {
		return ErrNotAnActiveParticipant
	}
	now := time.Now().UTC()
	if position != nil {
		p := *position
		s.participants[i].CursorPosition = &p
	} else {
		s.participants[i].CursorPosition = nil
	}
	s.participants[i].LastActivityAt = now
	return nil
}

// End terminates the session and closes every still-active participant.
// Ended is terminal: no further changes, comments, or cursor updates.
func (s *CollaborationSession) End() error {
	if !s.active {
		return ErrSessionAlreadyEnded
	}
	s.end(time.Now().UTC())
	return nil
}

func (s *CollaborationSession) end(now time.Time) {
	s.active = false
	s.endedAt = &now
	for i := range s.participants {
		if s.participants[i].Active() {
			s.participants[i].LeftAt = &now
		}
	}
}

// SessionSnapshot is the aggregate's full persisted state, used by the
// repository to save and rehydrate sessions without exposing mutable internals.
type SessionSnapshot struct {
	ID           string
	ResourceType ResourceType
	ResourceID   string
	StartedAt    time.Time
	EndedAt      *time.Time
	IsActive     bool
	Version      int
	Participants []SessionParticipant
	Changes      []SessionChange
	Comments     []Comment
}

// Snapshot copies the session's state for persistence.
func (s *CollaborationSession) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:           s.id,
		ResourceType: s.resourceType,
		ResourceID:   s.resourceID,
		StartedAt:    s.startedAt,
		EndedAt:      s.EndedAt(),
		IsActive:     s.active,
		Version:      s.version,
		Participants: s.Participants(),
		Changes:      s.Changes(),
		Comments:     s.Comments(),
	}
}

// RehydrateSession rebuilds an aggregate from stored state. Intended for the
// repository load path only; no invariants are re-checked.
func RehydrateSession(snap SessionSnapshot) *CollaborationSession {
	s := &CollaborationSession{
		id:           snap.ID,
		resourceType: snap.ResourceType,
		resourceID:   snap.ResourceID,
		startedAt:    snap.StartedAt,
		active:       snap.IsActive,
		version:      snap.Version,
	}
	if snap.EndedAt != nil {
		t := *snap.EndedAt
		s.endedAt = &t
	}
	s.participants = append(s.participants, snap.Participants...)
	s.changes = append(s.changes, snap.Changes...)
	s.comments = append(s.comments, snap.Comments...)
	return s
}
