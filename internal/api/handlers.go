package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"knowledgehub/internal/auth"
	"knowledgehub/internal/models"
	"knowledgehub/internal/services/collaboration"
)

// Handler serves the session lifecycle and comment endpoints. The live
// protocol itself runs over the websocket gateway; these endpoints exist so
// participation can be established out-of-band before a client connects.
type Handler struct {
	sessions  SessionRepository
	comments  CommentService
	users     UserDirectory
	tokens    *auth.TokenService
	pub       collaboration.Publisher
	wsHandler *collaboration.WebSocketHandler
}

func NewHandler(
	sessions SessionRepository,
	comments CommentService,
	users UserDirectory,
	tokens *auth.TokenService,
	pub collaboration.Publisher,
	wsHandler *collaboration.WebSocketHandler,
) *Handler {
	return &Handler{
		sessions:  sessions,
		comments:  comments,
		users:     users,
		tokens:    tokens,
		pub:       pub,
		wsHandler: wsHandler,
	}
}

// sessionView is the wire shape of a session snapshot.
type sessionView struct {
	ID           string              `json:"id"`
	ResourceType models.ResourceType `json:"resource_type"`
	ResourceID   string              `json:"resource_id"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      *time.Time          `json:"ended_at,omitempty"`
	IsActive     bool                `json:"is_active"`
	Participants []participantView   `json:"participants,omitempty"`
}

type participantView struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id"`
	Role           models.ParticipantRole `json:"role"`
	JoinedAt       time.Time              `json:"joined_at"`
	LeftAt         *time.Time             `json:"left_at,omitempty"`
	LastActivityAt time.Time              `json:"last_activity_at"`
	CursorPosition *int                   `json:"cursor_position,omitempty"`
}

func toSessionView(snap models.SessionSnapshot) sessionView {
	view := sessionView{
		ID:           snap.ID,
		ResourceType: snap.ResourceType,
		ResourceID:   snap.ResourceID,
		StartedAt:    snap.StartedAt,
		EndedAt:      snap.EndedAt,
		IsActive:     snap.IsActive,
	}
	for _, p := range snap.Participants {
		view.Participants = append(view.Participants, participantView{
			ID:             p.ID,
			UserID:         p.UserID,
			Role:           p.Role,
			JoinedAt:       p.JoinedAt,
			LeftAt:         p.LeftAt,
			LastActivityAt: p.LastActivityAt,
			CursorPosition: p.CursorPosition,
		})
	}
	return view
}

// Users and tokens. Account management proper lives with the external
// identity provider; these endpoints are the integration seam.

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		FullName string `json:"full_name"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user := &models.User{Username: req.Username, FullName: req.FullName, Email: req.Email}
	if err := h.users.CreateUser(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, err := h.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.tokens.Issue(*user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "token_type": "Bearer"})
}

// Session lifecycle.

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req struct {
		ResourceType models.ResourceType `json:"resource_type"`
		ResourceID   string              `json:"resource_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := models.StartSession(req.ResourceType, req.ResourceID, claims.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.sessions.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(sess.Snapshot()))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetSessionByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess.Snapshot()))
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snaps, err := h.sessions.ListSessionsByResource(r.Context(), models.ResourceType(vars["type"]), vars["id"], 50)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]sessionView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, toSessionView(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req struct {
		UserID string                 `json:"user_id"`
		Role   models.ParticipantRole `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := h.sessions.GetSessionByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.requireEditor(w, sess, claims.UserID) {
		return
	}
	participant, err := sess.AddParticipant(req.UserID, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.Save(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, participantView{
		ID:             participant.ID,
		UserID:         participant.UserID,
		Role:           participant.Role,
		JoinedAt:       participant.JoinedAt,
		LastActivityAt: participant.LastActivityAt,
	})
}

func (h *Handler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)
	sess, err := h.sessions.GetSessionByID(r.Context(), vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	// Participants may remove themselves; removing someone else takes the
	// editor role.
	if vars["userId"] != claims.UserID && !h.requireEditor(w, sess, claims.UserID) {
		return
	}
	if err := sess.RemoveParticipant(vars["userId"]); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.Save(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	if !sess.IsActive() {
		h.publishEnded(sess.ID())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	sess, err := h.sessions.GetSessionByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.requireEditor(w, sess, claims.UserID) {
		return
	}
	if err := sess.End(); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.Save(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	h.publishEnded(sess.ID())
	writeJSON(w, http.StatusOK, toSessionView(sess.Snapshot()))
}

// publishEnded tells live connections the session terminated. Their presence
// state unwinds through normal disconnects.
func (h *Handler) publishEnded(sessionID string) {
	if h.pub == nil {
		return
	}
	h.pub.Publish(sessionID, collaboration.Event{
		Type: collaboration.EventSessionStatusChanged,
		Data: collaboration.SessionStatusPayload{
			SessionID:        sessionID,
			Status:           collaboration.StatusInactive,
			ParticipantCount: 0,
			Timestamp:        time.Now().UTC(),
		},
	}, "")
}

// requireEditor writes a 403 and returns false unless the user is an active
// editor participant.
func (h *Handler) requireEditor(w http.ResponseWriter, sess *models.CollaborationSession, userID string) bool {
	p, ok := sess.ParticipantByUser(userID)
	if !ok || p.Role != models.RoleEditor {
		http.Error(w, models.ErrInsufficientRole.Error(), http.StatusForbidden)
		return false
	}
	return true
}

// Comments.

func (h *Handler) CreateComment(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req struct {
		ResourceType models.ResourceType `json:"resource_type"`
		ResourceID   string              `json:"resource_id"`
		SessionID    string              `json:"session_id,omitempty"`
		Text         string              `json:"text"`
		Position     *int                `json:"position,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	comment, err := h.comments.CreateComment(r.Context(), claims.UserID, req.ResourceType, req.ResourceID, req.SessionID, req.Text, req.Position)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *Handler) CreateReply(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req struct {
		Text     string `json:"text"`
		Position *int   `json:"position,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := h.comments.CreateReply(r.Context(), claims.UserID, mux.Vars(r)["id"], req.Text, req.Position)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

func (h *Handler) UpdateComment(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	comment, err := h.comments.UpdateComment(r.Context(), claims.UserID, mux.Vars(r)["id"], req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (h *Handler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if err := h.comments.DeleteComment(r.Context(), claims.UserID, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	comments, err := h.comments.ListComments(r.Context(), models.ResourceType(vars["type"]), vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

// WebSocket endpoints.

// HandleSessionWebSocket upgrades a connection into the collaboration gateway.
func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleSessionConnection(w, r)
}

// Shared helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

// writeError maps domain errors onto HTTP statuses. Unknown errors become
// opaque 500s.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrCommentNotFound),
		errors.Is(err, models.ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrSessionNotActive),
		errors.Is(err, models.ErrSessionAlreadyEnded),
		errors.Is(err, models.ErrAlreadyActiveParticipant),
		errors.Is(err, models.ErrSessionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrNotAParticipant),
		errors.Is(err, models.ErrNotAnActiveParticipant),
		errors.Is(err, models.ErrInsufficientRole),
		errors.Is(err, models.ErrNotCommentAuthor):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, models.ErrCommentText),
		errors.Is(err, models.ErrReplyParentMismatch),
		errors.Is(err, models.ErrReplyToReply):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
