package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"knowledgehub/internal/auth"
	"knowledgehub/internal/middleware"
)

func SetupRoutes(h *Handler, tokens *auth.TokenService) *mux.Router {
	r := mux.NewRouter()

	// Tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Identity seam: these stay outside RequireAuth.
	api.HandleFunc("/users", h.CreateUser).Methods("POST")
	api.HandleFunc("/auth/token", h.IssueToken).Methods("POST")

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// Everything else requires a verified identity.
	authed := api.NewRoute().Subrouter()
	authed.Use(auth.RequireAuth(tokens))

	// Session lifecycle: participation is established here, out-of-band,
	// before a client opens its push connection.
	authed.HandleFunc("/sessions", h.StartSession).Methods("POST")
	authed.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	authed.HandleFunc("/sessions/{id}/participants", h.AddParticipant).Methods("POST")
	authed.HandleFunc("/sessions/{id}/participants/{userId}", h.RemoveParticipant).Methods("DELETE")
	authed.HandleFunc("/sessions/{id}/end", h.EndSession).Methods("POST")
	authed.HandleFunc("/resources/{type}/{id}/sessions", h.ListSessions).Methods("GET")

	// Comments
	authed.HandleFunc("/comments", h.CreateComment).Methods("POST")
	authed.HandleFunc("/comments/{id}/replies", h.CreateReply).Methods("POST")
	authed.HandleFunc("/comments/{id}", h.UpdateComment).Methods("PUT")
	authed.HandleFunc("/comments/{id}", h.DeleteComment).Methods("DELETE")
	authed.HandleFunc("/resources/{type}/{id}/comments", h.ListComments).Methods("GET")

	// Push channel; the handler verifies the token itself since browsers
	// cannot set headers on websocket upgrades.
	r.HandleFunc("/ws/sessions/{id}", h.HandleSessionWebSocket)

	return r
}
