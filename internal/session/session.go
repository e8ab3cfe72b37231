package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/mimir/internal/index"
	"github.com/starford/mimir/internal/llm"
	"github.com/starford/mimir/internal/tokens"
	"github.com/starford/mimir/internal/workspace"
)

// Defaults used when Config fields are zero.
const (
	DefaultCompactionTimeout = 60 * time.Second
	DefaultContextFraction   = 0.25
	DefaultTopK              = 5
	DefaultDailyLogDays      = 2

	// maxSummaryTokens caps the synthetic summary turn.
	maxSummaryTokens = 2048
)

const summarisePrompt = `You are compacting a conversation that is about to be truncated.
Extract the durable facts worth remembering: decisions, preferences, names, dates,
commitments and open questions. Write them as a concise markdown bullet list.
Omit small talk. If nothing is worth keeping, reply with "- nothing notable".`

// Config sets the budget and retrieval parameters of a session.
type Config struct {
	ContextWindow     int
	ReserveTokens     int
	CompactionTimeout time.Duration
	// ContextFraction of ContextWindow may be spent on retrieved context.
	ContextFraction float64
	TopK            int
	DailyLogDays    int
	// Model overrides the provider's default model when set.
	Model string
}

// Validate reports a configuration that cannot satisfy the budget invariant.
func (c Config) Validate() error {
	if c.ContextWindow <= 0 {
		return fmt.Errorf("session: context window must be positive, got %d", c.ContextWindow)
	}
	if c.ReserveTokens < 0 || c.ReserveTokens >= c.ContextWindow {
		return fmt.Errorf("session: reserve tokens (%d) must be in [0, context window %d)", c.ReserveTokens, c.ContextWindow)
	}
	if c.ContextFraction < 0 || c.ContextFraction > 1 {
		return fmt.Errorf("session: context fraction must be in [0, 1], got %v", c.ContextFraction)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.CompactionTimeout <= 0 {
		c.CompactionTimeout = DefaultCompactionTimeout
	}
	if c.ContextFraction == 0 {
		c.ContextFraction = DefaultContextFraction
	}
	if c.TopK == 0 {
		c.TopK = DefaultTopK
	}
	if c.DailyLogDays == 0 {
		c.DailyLogDays = DefaultDailyLogDays
	}
	return c
}

// Deps are the collaborators a session talks to. Searcher may be nil.
type Deps struct {
	Provider  llm.Provider
	Estimator tokens.Estimator
	Searcher  index.Searcher
	Workspace *workspace.Workspace
	Logger    *slog.Logger
	Now       func() time.Time
}

// Session is one conversation. It is safe for concurrent use; operations on the same
// session are serialised.
type Session struct {
	id   string
	cfg  Config
	deps Deps

	state atomic.Int32 // State; readable while a compaction holds mu

	mu       sync.Mutex
	turns    []Turn
	degraded bool
	created  time.Time
	updated  time.Time
}

// New creates an empty session.
func New(id string, cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Provider == nil || deps.Workspace == nil {
		return nil, errors.New("session: provider and workspace are required")
	}
	if deps.Estimator == nil {
		deps.Estimator = tokens.Heuristic{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	now := deps.Now()
	return &Session{id: id, cfg: cfg.withDefaults(), deps: deps, created: now, updated: now}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Budget is the number of tokens turns may occupy.
func (s *Session) Budget() int { return s.cfg.ContextWindow - s.cfg.ReserveTokens }

// Turns returns a copy of the conversation.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Usage returns the tokens currently held by turns.
func (s *Session) Usage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return usage(s.turns)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Degraded reports whether any compaction dropped history without a summary.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Info is a snapshot for listings.
type Info struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	Tokens    int       `json:"tokens"`
	Budget    int       `json:"budget"`
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:        s.id,
		Turns:     len(s.turns),
		Tokens:    usage(s.turns),
		Budget:    s.Budget(),
		Degraded:  s.degraded,
		CreatedAt: s.created,
		UpdatedAt: s.updated,
	}
}

func usage(turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += t.Tokens
	}
	return n
}

// AddTurn appends turn and compacts when the budget is exceeded. The returned
// Compaction is nil when no compaction was needed. Compaction never fails the call:
// summarisation failures are reported through Compaction.Err.
func (s *Session) AddTurn(ctx context.Context, turn Turn) (*Compaction, error) {
	if !turn.Role.valid() {
		return nil, fmt.Errorf("session: invalid role %q", turn.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.Tokens <= 0 {
		turn.Tokens = s.deps.Estimator.Count(turn.Content)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.deps.Now()
	}
	s.turns = append(s.turns, turn)
	s.updated = turn.Timestamp

	if usage(s.turns) <= s.Budget() {
		return nil, nil
	}
	return s.compact(ctx), nil
}

// compact runs the flush-then-truncate protocol. Caller holds s.mu.
func (s *Session) compact(ctx context.Context) *Compaction {
	s.state.Store(int32(Compacting))
	defer s.state.Store(int32(Active))

	budget := s.Budget()
	allowance := min(budget/8, maxSummaryTokens)
	c := &Compaction{TokensBefore: usage(s.turns)}

	split := s.splitPoint(budget - allowance)
	dropped, kept := s.turns[:split], s.turns[split:]
	c.Dropped, c.Kept = len(dropped), len(kept)

	logger := s.deps.Logger.With(slog.String("session", s.id))
	if len(dropped) == 0 {
		// A single oversized turn: nothing to summarise, it was shortened in place.
		c.Warnings = append(c.Warnings, "turn exceeded the context budget and was truncated")
		s.enforceBudget()
		c.TokensAfter = usage(s.turns)
		return c
	}
	logger.Info("session: compacting",
		slog.Int("tokens", c.TokensBefore),
		slog.Int("budget", budget),
		slog.Int("dropped", len(dropped)),
	)

	summary, attempts, err := s.summarise(ctx, dropped, allowance)
	if err != nil {
		c.Err = &CompactionError{Attempts: attempts, Err: err}
		c.Degraded = true
		c.Warnings = append(c.Warnings, fmt.Sprintf(
			"compaction degraded: %d earlier turn(s) dropped without a summary: %v", len(dropped), err))
		s.degraded = true
		s.turns = append([]Turn(nil), kept...)
		logger.Warn("session: compaction fell back to truncation", slog.String("error", c.Err.Error()))
	} else {
		c.Summary = summary
		path, werr := s.deps.Workspace.AppendDailyLog("Session "+s.id+" compaction", summary)
		if werr != nil {
			c.Warnings = append(c.Warnings, "summary not written to daily log: "+werr.Error())
			logger.Warn("session: flush write failed", slog.String("error", werr.Error()))
		}
		c.LogPath = path

		next := make([]Turn, 0, len(kept)+1)
		if allowance > 0 {
			content := tokens.Truncate(s.deps.Estimator, "Summary of earlier conversation:\n"+summary, allowance)
			next = append(next, Turn{
				Role:      RoleAssistant,
				Content:   content,
				Tokens:    s.deps.Estimator.Count(content),
				Timestamp: s.deps.Now(),
				Summary:   true,
			})
		}
		s.turns = append(next, kept...)
	}

	s.enforceBudget()
	c.TokensAfter = usage(s.turns)
	logger.Info("session: compacted",
		slog.Int("tokens", c.TokensAfter),
		slog.Bool("degraded", c.Degraded),
	)
	return c
}

// splitPoint returns the index of the oldest turn kept so that the kept suffix fits
// in limit tokens. When even the newest turn alone does not fit it is shortened.
func (s *Session) splitPoint(limit int) int {
	total := 0
	i := len(s.turns)
	for i > 0 && total+s.turns[i-1].Tokens <= limit {
		total += s.turns[i-1].Tokens
		i--
	}
	if i == len(s.turns) {
		last := &s.turns[len(s.turns)-1]
		last.Content = tokens.Truncate(s.deps.Estimator, last.Content, limit)
		last.Tokens = min(limit, s.deps.Estimator.Count(last.Content))
		i--
	}
	return i
}

// enforceBudget drops the oldest turns until the invariant holds. Caller holds s.mu.
func (s *Session) enforceBudget() {
	budget := s.Budget()
	for len(s.turns) > 1 && usage(s.turns) > budget {
		s.turns = s.turns[1:]
	}
	if len(s.turns) == 1 && s.turns[0].Tokens > budget {
		t := &s.turns[0]
		t.Content = tokens.Truncate(s.deps.Estimator, t.Content, budget)
		t.Tokens = min(budget, s.deps.Estimator.Count(t.Content))
	}
}

// summarise asks the model for durable facts in dropped, in at most maxTokens tokens
// when maxTokens is positive. Each attempt runs under the compaction timeout; a failed
// attempt is retried once unless the provider reported a fatal error or ctx itself ended.
func (s *Session) summarise(ctx context.Context, dropped []Turn, maxTokens int) (string, int, error) {
	if len(dropped) == 0 {
		return "", 0, errors.New("nothing to summarise")
	}
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: summarisePrompt},
		{Role: llm.RoleUser, Content: transcript(dropped)},
	}

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var resp *llm.Response
		resp, err = s.completeWithTimeout(ctx, msgs, maxTokens)
		if err == nil {
			text := strings.TrimSpace(resp.Content)
			if text != "" {
				return text, attempt, nil
			}
			err = errors.New("empty summary")
		}
		if llm.IsFatal(err) || ctx.Err() != nil {
			return "", attempt, err
		}
		s.deps.Logger.Warn("session: summarisation failed",
			slog.String("session", s.id),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return "", 2, err
}

func (s *Session) completeWithTimeout(ctx context.Context, msgs []llm.Message, maxTokens int) (*llm.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CompactionTimeout)
	defer cancel()
	return s.deps.Provider.Complete(cctx, msgs, llm.Options{Model: s.cfg.Model, MaxTokens: maxTokens})
}

func transcript(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		role := string(t.Role)
		if t.Summary {
			role = "earlier summary"
		}
		fmt.Fprintf(&b, "[%s] %s:\n%s\n\n", t.Timestamp.Format(time.RFC3339), role, t.Content)
	}
	return b.String()
}
