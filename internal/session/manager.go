package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/starford/mimir/internal/apperr"
)

// Manager owns the live sessions of the process, keyed by ULID.
type Manager struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager validates cfg and returns an empty Manager.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, deps: deps, sessions: make(map[string]*Session)}, nil
}

// Create starts a new session.
func (m *Manager) Create() (*Session, error) {
	s, err := m.newSession()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) newSession() (*Session, error) {
	return New(ulid.Make().String(), m.cfg, m.deps)
}

// Get returns the session with id or apperr.ErrSessionNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrSessionNotFound)
	}
	return s, nil
}

// GetOrCreate returns the session with id, or a new one when id is empty.
func (m *Manager) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		return m.Create()
	}
	return m.Get(id)
}

// Delete forgets a session. It reports whether the session existed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// List returns a snapshot of every session, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Info, len(all))
	for i, s := range all {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

const taskPrompt = `Carry out the following task from HEARTBEAT.md. Report what you did and
any result worth recording. If the task cannot be completed, explain why.

Task: %s`

// RunTask executes goal in a fresh, unregistered session and returns the reply.
func (m *Manager) RunTask(ctx context.Context, goal string) (*Reply, error) {
	s, err := m.newSession()
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, fmt.Sprintf(taskPrompt, goal))
}
