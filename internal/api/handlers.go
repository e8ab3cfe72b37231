package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/mimir/internal/apperr"
	"github.com/starford/mimir/internal/llm"
)

// maxChatBody bounds POST /api/chat request bodies.
const maxChatBody = 1 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// writeError maps domain errors to status codes. Unknown errors are logged and
// reported as 500 without detail.
func writeError(w http.ResponseWriter, op string, err error) {
	var pe *llm.ProviderError
	switch {
	case errors.Is(err, apperr.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("session not found"))
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody("model request timed out"))
	case errors.As(err, &pe):
		status := http.StatusBadGateway
		if pe.Kind == llm.Retryable {
			status = http.StatusServiceUnavailable
		}
		slog.Warn(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, status, errorBody(pe.Error()))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// Chat handles POST /api/chat.
//
//	@Summary		Send a message to a session
//	@Tags			chat
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ChatRequest	true	"Message; omit session_id to start a new session"
//	@Success		200		{object}	ChatResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/chat [post]
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := readJSON(w, r, maxChatBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	reply, err := h.svc.Chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(w, "chat", err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// ListSessions handles GET /api/sessions.
//
//	@Summary		List live sessions
//	@Tags			chat
//	@Produce		json
//	@Success		200	{object}	SessionListResponse
//	@Security		BearerAuth
//	@Router			/sessions [get]
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: h.svc.Sessions()})
}

// DeleteSession handles DELETE /api/sessions/{id}.
//
//	@Summary		Forget a session
//	@Tags			chat
//	@Param			id	path	string	true	"Session ID"
//	@Success		204	"Session deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id} [delete]
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/memory/search.
//
//	@Summary		Keyword search across the workspace
//	@Tags			memory
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/memory/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		slog.Error("search failed", slog.String("query", q), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Stats handles GET /api/memory/stats.
//
//	@Summary		Index statistics
//	@Tags			memory
//	@Produce		json
//	@Success		200	{object}	index.Stats
//	@Security		BearerAuth
//	@Router			/memory/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Reindex handles POST /api/memory/reindex.
//
//	@Summary		Reconcile the index with the workspace
//	@Tags			memory
//	@Produce		json
//	@Success		200	{object}	ReindexResponse
//	@Security		BearerAuth
//	@Router			/memory/reindex [post]
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Reindex(r.Context())
	if err != nil {
		writeError(w, "reindex", err)
		return
	}
	resp := ReindexResponse{SyncReport: *report, Errors: []string{}}
	for _, fe := range report.Errors {
		resp.Errors = append(resp.Errors, fe.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/status.
//
//	@Summary		Component status
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RunHeartbeat handles POST /api/heartbeat/run.
//
//	@Summary		Run the heartbeat tasks now
//	@Tags			heartbeat
//	@Produce		json
//	@Param			force	query		bool	false	"Ignore active hours"
//	@Success		200		{object}	heartbeat.TickResult
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/heartbeat/run [post]
func (h *Handler) RunHeartbeat(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := h.svc.RunHeartbeat(r.Context(), force)
	if err != nil {
		writeError(w, "heartbeat run", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
