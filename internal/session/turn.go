// Package session tracks a conversation against a fixed token budget and compacts
// it before it overflows the model's context window.
//
// A Session holds ordered turns. After every AddTurn the invariant
//
//	Usage() + ReserveTokens <= ContextWindow
//
// holds. When a new turn would break it, the session compacts: the oldest turns are
// summarised by the model, the summary is appended to today's daily log, and the
// conversation continues from a synthetic summary turn followed by the newest turns.
// If summarisation fails twice the oldest turns are dropped without a summary and the
// session is flagged degraded.
package session

import (
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleTool
}

// Turn is one entry of a conversation. Tokens is filled in from the session's
// estimator when zero.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
	// Summary marks the synthetic turn that stands in for compacted history.
	Summary bool `json:"summary,omitempty"`
}

// State is the session lifecycle state.
type State int

const (
	Active State = iota
	Compacting
)

func (s State) String() string {
	if s == Compacting {
		return "compacting"
	}
	return "active"
}

// Compaction describes one compaction pass.
type Compaction struct {
	Dropped      int    `json:"dropped"`
	Kept         int    `json:"kept"`
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
	Summary      string `json:"summary,omitempty"`
	LogPath      string `json:"log_path,omitempty"`
	Degraded     bool   `json:"degraded"`
	// Err is a *CompactionError when summarisation failed and history was dropped
	// without a summary.
	Err      error    `json:"-"`
	Warnings []string `json:"warnings,omitempty"`
}

// CompactionError reports a summarisation failure. The session stays usable; the
// dropped turns were not summarised.
type CompactionError struct {
	Attempts int
	Err      error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("session: compaction: summarisation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *CompactionError) Unwrap() error { return e.Err }
