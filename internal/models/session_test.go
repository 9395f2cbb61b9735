package models

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSession(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, ResourceDocument, s.ResourceType())
	assert.Equal(t, "doc-1", s.ResourceID())
	assert.True(t, s.IsActive())
	assert.Nil(t, s.EndedAt())

	parts := s.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, "alice", parts[0].UserID)
	assert.Equal(t, RoleEditor, parts[0].Role)
	assert.True(t, parts[0].Active())
}

func TestStartSessionValidation(t *testing.T) {
	_, err := StartSession("spreadsheet", "doc-1", "alice")
	assert.Error(t, err)

	_, err = StartSession(ResourceDiagram, "", "alice")
	assert.Error(t, err)

	_, err = StartSession(ResourceDiagram, "dia-1", "")
	assert.Error(t, err)
}

func TestAddParticipant(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)

	p, err := s.AddParticipant("bob", RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), p.SessionID)
	assert.Equal(t, RoleViewer, p.Role)
	assert.Equal(t, 2, s.ActiveParticipantCount())

	// Same user cannot hold two active rows.
	_, err = s.AddParticipant("bob", RoleEditor)
	assert.ErrorIs(t, err, ErrAlreadyActiveParticipant)

	_, err = s.AddParticipant("", RoleViewer)
	assert.Error(t, err)

	_, err = s.AddParticipant("carol", "moderator")
	assert.Error(t, err)
}

func TestRejoinAfterLeaving(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)
	_, err = s.AddParticipant("bob", RoleViewer)
	require.NoError(t, err)

	require.NoError(t, s.RemoveParticipant("bob"))
	assert.False(t, s.IsUserActive("bob"))

	// Rejoin creates a second row; the old one keeps its LeftAt stamp.
	_, err = s.AddParticipant("bob", RoleEditor)
	require.NoError(t, err)
	assert.True(t, s.IsUserActive("bob"))
	assert.Len(t, s.Participants(), 3)

	p, ok := s.ParticipantByUser("bob")
	require.True(t, ok)
	assert.Equal(t, RoleEditor, p.Role)
}

func TestRemoveLastParticipantEndsSession(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)
	_, err = s.AddParticipant("bob", RoleViewer)
	require.NoError(t, err)

	require.NoError(t, s.RemoveParticipant("bob"))
	assert.True(t, s.IsActive())

	require.NoError(t, s.RemoveParticipant("alice"))
	assert.False(t, s.IsActive())
	assert.NotNil(t, s.EndedAt())
	assert.Equal(t, 0, s.ActiveParticipantCount())

	err = s.RemoveParticipant("alice")
	assert.ErrorIs(t, err, ErrNotAnActiveParticipant)
}

func TestApplyChange(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)

	ch, err := s.ApplyChange("alice", ChangeInsert, 5, []byte(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, s.ID(), ch.SessionID)
	assert.Equal(t, ChangeInsert, ch.ChangeType)
	assert.Equal(t, 5, ch.Position)
	assert.NotEmpty(t, ch.Fingerprint)

	log := s.Changes()
	require.Len(t, log, 1)
	assert.Equal(t, ch.ID, log[0].ID)
}

func TestApplyChangeRequiresEditor(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)
	_, err = s.AddParticipant("bob", RoleViewer)
	require.NoError(t, err)

	_, err = s.ApplyChange("bob", ChangeInsert, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrInsufficientRole)

	_, err = s.ApplyChange("carol", ChangeInsert, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrNotAnActiveParticipant)

	_, err = s.ApplyChange("alice", "truncate", 0, []byte("x"))
	assert.Error(t, err)
}

func TestApplyChangeOrdering(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 10; i++ {
		ch, err := s.ApplyChange("alice", ChangeUpdate, i, []byte{byte(i)})
		require.NoError(t, err)
		ids = append(ids, ch.ID)
	}

	log := s.Changes()
	require.Len(t, log, 10)
	for i, ch := range log {
		assert.Equal(t, ids[i], ch.ID, "change log must preserve apply order")
	}
}

func TestEndSession(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)
	_, err = s.AddParticipant("bob", RoleEditor)
	require.NoError(t, err)

	require.NoError(t, s.End())
	assert.False(t, s.IsActive())
	require.NotNil(t, s.EndedAt())

	// Every participant row is closed with the same timestamp.
	for _, p := range s.Participants() {
		require.NotNil(t, p.LeftAt)
		assert.Equal(t, *s.EndedAt(), *p.LeftAt)
	}

	assert.ErrorIs(t, s.End(), ErrSessionAlreadyEnded)

	_, err = s.AddParticipant("carol", RoleViewer)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	_, err = s.ApplyChange("alice", ChangeInsert, 0, nil)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	_, err = s.AddComment("alice", "too late", nil)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestAddCommentBoundToSession(t *testing.T) {
	s, err := StartSession(ResourceDiagram, "dia-1", "alice")
	require.NoError(t, err)

	pos := 42
	c, err := s.AddComment("alice", "looks off here", &pos)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), c.SessionID)
	assert.Equal(t, ResourceDiagram, c.ResourceType)
	assert.Equal(t, "dia-1", c.ResourceID)
	require.NotNil(t, c.Position)
	assert.Equal(t, 42, *c.Position)

	_, err = s.AddComment("mallory", "hi", nil)
	assert.ErrorIs(t, err, ErrNotAnActiveParticipant)
}

func TestUpdateCursorPosition(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)

	pos := 7
	require.NoError(t, s.UpdateCursorPosition("alice", &pos))
	p, ok := s.ParticipantByUser("alice")
	require.True(t, ok)
	require.NotNil(t, p.CursorPosition)
	assert.Equal(t, 7, *p.CursorPosition)

	require.NoError(t, s.UpdateCursorPosition("alice", nil))
	p, _ = s.ParticipantByUser("alice")
	assert.Nil(t, p.CursorPosition)

	err = s.UpdateCursorPosition("bob", &pos)
	assert.ErrorIs(t, err, ErrNotAnActiveParticipant)
}

func TestChangeFingerprintDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	a := ChangeFingerprint("s1", "u1", ts, ChangeInsert, 10, []byte("abc"))
	b := ChangeFingerprint("s1", "u1", ts, ChangeInsert, 10, []byte("abc"))
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, ChangeFingerprint("s2", "u1", ts, ChangeInsert, 10, []byte("abc")))
	assert.NotEqual(t, a, ChangeFingerprint("s1", "u2", ts, ChangeInsert, 10, []byte("abc")))
	assert.NotEqual(t, a, ChangeFingerprint("s1", "u1", ts.Add(time.Nanosecond), ChangeInsert, 10, []byte("abc")))
	assert.NotEqual(t, a, ChangeFingerprint("s1", "u1", ts, ChangeDelete, 10, []byte("abc")))
	assert.NotEqual(t, a, ChangeFingerprint("s1", "u1", ts, ChangeInsert, 11, []byte("abc")))
	assert.NotEqual(t, a, ChangeFingerprint("s1", "u1", ts, ChangeInsert, 10, []byte("abd")))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)
	_, err = s.AddParticipant("bob", RoleViewer)
	require.NoError(t, err)
	_, err = s.ApplyChange("alice", ChangeInsert, 3, []byte("data"))
	require.NoError(t, err)
	_, err = s.AddComment("bob", "a note", nil)
	require.NoError(t, err)

	got := RehydrateSession(s.Snapshot())
	assert.Equal(t, s.Snapshot(), got.Snapshot())

	// The rehydrated aggregate keeps enforcing invariants.
	require.NoError(t, got.End())
	assert.False(t, got.IsActive())
}

func TestSnapshotIsACopy(t *testing.T) {
	s, err := StartSession(ResourceDocument, "doc-1", "alice")
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Participants[0].UserID = "mallory"

	p, ok := s.ParticipantByUser("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", p.UserID)
}

// Random interleavings of joins, leaves, changes and comments must never break
// the aggregate invariants: at most one active row per user, change log in
// apply order, session ended exactly when the last active participant leaves.
func TestSessionRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	users := []string{"u1", "u2", "u3", "u4"}

	for iter := 0; iter < 50; iter++ {
		s, err := StartSession(ResourceDocument, "doc-1", "u0")
		require.NoError(t, err)

		for op := 0; op < 200 && s.IsActive(); op++ {
			u := users[rng.Intn(len(users))]
			switch rng.Intn(4) {
			case 0:
				role := RoleViewer
				if rng.Intn(2) == 0 {
					role = RoleEditor
				}
				_, err := s.AddParticipant(u, role)
				if err != nil {
					assert.ErrorIs(t, err, ErrAlreadyActiveParticipant)
				}
			case 1:
				err := s.RemoveParticipant(u)
				if err != nil {
					assert.ErrorIs(t, err, ErrNotAnActiveParticipant)
				}
			case 2:
				_, err := s.ApplyChange(u, ChangeUpdate, op, []byte{byte(op)})
				if err != nil {
					assert.True(t,
						errors.Is(err, ErrNotAnActiveParticipant) || errors.Is(err, ErrInsufficientRole),
						"unexpected error: %v", err)
				}
			case 3:
				_, err := s.AddComment(u, "c", nil)
				if err != nil {
					assert.ErrorIs(t, err, ErrNotAnActiveParticipant)
				}
			}

			// Invariant: at most one active row per user.
			seen := map[string]int{}
			for _, p := range s.Participants() {
				if p.Active() {
					seen[p.UserID]++
					require.LessOrEqual(t, seen[p.UserID], 1, "user %s has multiple active rows", p.UserID)
				}
			}
		}

		// Draining everyone must end the session.
		for _, p := range s.ActiveParticipants() {
			require.NoError(t, s.RemoveParticipant(p.UserID))
		}
		assert.False(t, s.IsActive())
		assert.NotNil(t, s.EndedAt())
	}
}
