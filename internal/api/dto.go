package api

import (
	"github.com/starford/mimir/internal/heartbeat"
	"github.com/starford/mimir/internal/index"
	"github.com/starford/mimir/internal/session"
)

// ChatRequest is the request body for POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty" example:"01J8Z3K2Q4V6X8Y0A2C4E6G8J0"`
	Message   string `json:"message" example:"What did I decide about the trip?" validate:"required"`
}

// ChatResponse is the reply to a chat message.
type ChatResponse = session.Reply

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []index.SearchResult `json:"results" validate:"required"`
}

// ReindexResponse summarises a reconciliation pass.
type ReindexResponse struct {
	index.SyncReport
	Errors []string `json:"errors"`
}

// SessionListResponse lists live sessions.
type SessionListResponse struct {
	Sessions []session.Info `json:"sessions" validate:"required"`
}

// StatusResponse reports component health.
type StatusResponse struct {
	Model     string              `json:"model" example:"gpt-4o-mini"`
	Uptime    string              `json:"uptime" example:"3h2m0s"`
	Index     index.Stats         `json:"index"`
	Sessions  int                 `json:"sessions" example:"2"`
	Heartbeat *heartbeat.Snapshot `json:"heartbeat,omitempty"`
}
