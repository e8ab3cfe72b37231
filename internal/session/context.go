package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/mimir/internal/index"
	"github.com/starford/mimir/internal/tokens"
	"github.com/starford/mimir/internal/workspace"
)

// minSectionTokens is the smallest remainder worth filling with a truncated section.
const minSectionTokens = 16

// Source kinds in a built context.
const (
	SourceMemory    = "memory"
	SourceDailyLog  = "daily_log"
	SourceHeartbeat = "heartbeat"
	SourceSearch    = "search"
)

// Section is one piece of retrieved material.
type Section struct {
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	Tokens    int    `json:"tokens"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Context is the leading material injected before the conversation.
type Context struct {
	Sections []Section `json:"sections"`
	Tokens   int       `json:"tokens"`
	Limit    int       `json:"limit"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Text renders the sections in reading order: curated memory, daily logs, the task
// list, then search hits.
func (c *Context) Text() string {
	var b strings.Builder
	for _, kind := range []string{SourceMemory, SourceDailyLog, SourceHeartbeat, SourceSearch} {
		for _, s := range c.Sections {
			if s.Kind != kind {
				continue
			}
			fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Title, strings.TrimRight(s.Text, "\n"))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildContext gathers MEMORY.md, search results for query, HEARTBEAT.md and recent
// daily logs, in that priority, until the context limit is reached. The limit is
// ContextFraction of the context window, further capped by what the current turns
// leave free under the budget, so injected material never overflows the window.
// Unreadable sources become warnings rather than errors.
func (s *Session) BuildContext(ctx context.Context, query string) (*Context, error) {
	s.mu.Lock()
	free := s.Budget() - usage(s.turns)
	s.mu.Unlock()

	out := &Context{Limit: max(0, min(int(s.cfg.ContextFraction*float64(s.cfg.ContextWindow)), free))}
	remaining := out.Limit
	est := s.deps.Estimator

	add := func(kind, title, text string) bool {
		if strings.TrimSpace(text) == "" {
			return true
		}
		// Section tokens include the heading it is rendered under.
		overhead := est.Count("## " + title + "\n\n\n\n")
		n := overhead + est.Count(text)
		if n <= remaining {
			out.Sections = append(out.Sections, Section{Kind: kind, Title: title, Text: text, Tokens: n})
			remaining -= n
			return true
		}
		if remaining-overhead >= minSectionTokens {
			cut := tokens.Truncate(est, text, remaining-overhead)
			n = overhead + est.Count(cut)
			out.Sections = append(out.Sections, Section{Kind: kind, Title: title, Text: cut, Tokens: n, Truncated: true})
			remaining -= n
		}
		return false
	}
	warn := func(what string, err error) {
		out.Warnings = append(out.Warnings, what+": "+err.Error())
		s.deps.Logger.Warn("session: context source unavailable",
			slog.String("source", what), slog.String("error", err.Error()))
	}

	fill := func() {
		mem, err := s.deps.Workspace.ReadMemory()
		if err != nil {
			warn(workspace.MemoryFile, err)
		} else if !add(SourceMemory, workspace.MemoryFile, mem) {
			return
		}

		if s.deps.Searcher != nil && strings.TrimSpace(query) != "" {
			hits, err := s.deps.Searcher.Search(ctx, query, s.cfg.TopK)
			if err != nil {
				warn("search", err)
			}
			for _, h := range hits {
				if !add(SourceSearch, searchTitle(h), h.Text) {
					return
				}
			}
		}

		hb, err := s.deps.Workspace.ReadHeartbeat()
		if err != nil {
			warn(workspace.HeartbeatFile, err)
		} else if !add(SourceHeartbeat, workspace.HeartbeatFile, hb) {
			return
		}

		logs, err := s.deps.Workspace.RecentDailyLogs(s.cfg.DailyLogDays)
		if err != nil {
			warn("daily logs", err)
		}
		for _, l := range logs {
			if !add(SourceDailyLog, l.Path, l.Content) {
				return
			}
		}
	}
	fill()

	for _, sec := range out.Sections {
		out.Tokens += sec.Tokens
	}
	return out, nil
}

func searchTitle(r index.SearchResult) string {
	return fmt.Sprintf("%s (lines %d-%d)", r.Path, r.StartLine, r.EndLine)
}
