package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/mimir/internal/llm"
)

const systemPrompt = `You are Mimir, a personal assistant with a durable markdown memory.
Use the retrieved context below when it is relevant and say so when it is not enough.`

// Reply is the outcome of Send.
type Reply struct {
	SessionID   string        `json:"session_id"`
	Content     string        `json:"content"`
	Usage       llm.Usage     `json:"usage"`
	Context     *Context      `json:"-"`
	Compactions []*Compaction `json:"compactions,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	Degraded    bool          `json:"degraded"`
}

// Send adds a user turn, builds context for it, asks the model for an answer and
// records the answer as an assistant turn. A retryable provider failure is retried
// once; on failure the user turn stays in the session.
func (s *Session) Send(ctx context.Context, text string) (*Reply, error) {
	reply := &Reply{SessionID: s.id}

	comp, err := s.AddTurn(ctx, Turn{Role: RoleUser, Content: text})
	if err != nil {
		return nil, err
	}
	reply.addCompaction(comp)

	cx, err := s.BuildContext(ctx, text)
	if err != nil {
		return nil, err
	}
	reply.Context = cx
	reply.Warnings = append(reply.Warnings, cx.Warnings...)

	msgs := s.messages(cx)
	resp, err := s.complete(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("session: complete: %w", err)
	}
	reply.Content = resp.Content
	reply.Usage = resp.Usage

	comp, err = s.AddTurn(ctx, Turn{Role: RoleAssistant, Content: resp.Content})
	if err != nil {
		return nil, err
	}
	reply.addCompaction(comp)
	reply.Degraded = s.Degraded()
	return reply, nil
}

func (r *Reply) addCompaction(c *Compaction) {
	if c == nil {
		return
	}
	r.Compactions = append(r.Compactions, c)
	r.Warnings = append(r.Warnings, c.Warnings...)
}

func (s *Session) complete(ctx context.Context, msgs []llm.Message) (*llm.Response, error) {
	opts := llm.Options{Model: s.cfg.Model}
	resp, err := s.deps.Provider.Complete(ctx, msgs, opts)
	if err == nil || !llm.IsRetryable(err) || ctx.Err() != nil {
		return resp, err
	}
	s.deps.Logger.Warn("session: provider failed, retrying",
		slog.String("session", s.id), slog.String("error", err.Error()))
	return s.deps.Provider.Complete(ctx, msgs, opts)
}

// messages renders the system prompt, retrieved context and conversation.
func (s *Session) messages(cx *Context) []llm.Message {
	var sys strings.Builder
	sys.WriteString(systemPrompt)
	if text := cx.Text(); text != "" {
		sys.WriteString("\n\n# Retrieved context\n\n")
		sys.WriteString(text)
	}

	turns := s.Turns()
	msgs := make([]llm.Message, 0, len(turns)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: sys.String()})
	for _, t := range turns {
		switch {
		case t.Summary:
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: t.Content})
		case t.Role == RoleAssistant:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
		case t.Role == RoleTool:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Tool output:\n" + t.Content})
		default:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Content})
		}
	}
	return msgs
}
