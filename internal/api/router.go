package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Conversation.
	r.Post("/chat", h.Chat)
	r.Get("/sessions", h.ListSessions)
	r.Delete("/sessions/{id}", h.DeleteSession)

	// Memory index.
	r.Get("/memory/search", h.Search)
	r.Get("/memory/stats", h.Stats)
	r.Post("/memory/reindex", h.Reindex)

	// Status and scheduler.
	r.Get("/status", h.Status)
	r.Post("/heartbeat/run", h.RunHeartbeat)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
