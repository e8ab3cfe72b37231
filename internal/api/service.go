package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/starford/mimir/internal/apperr"
	"github.com/starford/mimir/internal/heartbeat"
	"github.com/starford/mimir/internal/index"
	"github.com/starford/mimir/internal/session"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// Service coordinates sessions, the index and the scheduler for the API layer.
type Service struct {
	sessions  *session.Manager
	db        index.Store
	ix        *index.Indexer
	scheduler *heartbeat.Scheduler
	model     string
	started   time.Time
	publish   func(kind, sessionID string, detail any)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublisher receives session events, e.g. for the SSE broker. kind is the event
// name without the "session." prefix.
func WithPublisher(fn func(kind, sessionID string, detail any)) ServiceOption {
	return func(s *Service) { s.publish = fn }
}

// CompactedEvent is published when a chat turn triggered a compaction.
type CompactedEvent struct {
	Dropped  int    `json:"dropped"`
	Degraded bool   `json:"degraded"`
	LogPath  string `json:"log_path,omitempty"`
}

// NewService creates a new API service. scheduler may be nil when the heartbeat
// is disabled.
func NewService(sessions *session.Manager, db index.Store, ix *index.Indexer, scheduler *heartbeat.Scheduler, model string, opts ...ServiceOption) *Service {
	s := &Service{
		sessions:  sessions,
		db:        db,
		ix:        ix,
		scheduler: scheduler,
		model:     model,
		started:   time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Chat sends message to the session with sessionID, creating a session when the
// ID is empty.
func (s *Service) Chat(ctx context.Context, sessionID, message string) (*session.Reply, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required: %w", apperr.ErrInvalidInput)
	}
	sess, err := s.sessions.GetOrCreate(sessionID)
	if err != nil {
		return nil, err
	}
	reply, err := sess.Send(ctx, message)
	if err != nil {
		return nil, err
	}
	if s.publish != nil {
		for _, c := range reply.Compactions {
			s.publish("compacted", reply.SessionID, CompactedEvent{
				Dropped:  c.Dropped,
				Degraded: c.Degraded,
				LogPath:  c.LogPath,
			})
		}
	}
	return reply, nil
}

// Sessions lists the live sessions.
func (s *Service) Sessions() []session.Info {
	return s.sessions.List()
}

// DeleteSession forgets a session.
func (s *Service) DeleteSession(id string) error {
	if !s.sessions.Delete(id) {
		return fmt.Errorf("session %s: %w", id, apperr.ErrSessionNotFound)
	}
	return nil
}

// Search runs a ranked keyword search. limit is clamped to [1, 100].
func (s *Service) Search(ctx context.Context, query string, limit int) ([]index.SearchResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)
	results, err := s.db.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []index.SearchResult{}
	}
	return results, nil
}

// Stats returns index statistics.
func (s *Service) Stats(ctx context.Context) (index.Stats, error) {
	return s.db.Stats(ctx)
}

// Reindex reconciles the index with the workspace.
func (s *Service) Reindex(ctx context.Context) (*index.SyncReport, error) {
	return s.ix.Reconcile(ctx)
}

// Status reports the health of every component.
func (s *Service) Status(ctx context.Context) (*StatusResponse, error) {
	st, err := s.db.Stats(ctx)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{
		Model:    s.model,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Index:    st,
		Sessions: len(s.sessions.List()),
	}
	if s.scheduler != nil {
		snap := s.scheduler.Snapshot()
		resp.Heartbeat = &snap
	}
	return resp, nil
}

// RunHeartbeat runs one heartbeat tick now. It waits for a batch already in
// progress to finish first.
func (s *Service) RunHeartbeat(ctx context.Context, force bool) (*heartbeat.TickResult, error) {
	if s.scheduler == nil {
		return nil, fmt.Errorf("heartbeat is disabled: %w", apperr.ErrNotFound)
	}
	return s.scheduler.RunOnce(ctx, force)
}
