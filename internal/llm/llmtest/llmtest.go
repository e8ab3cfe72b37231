// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/starford/mimir/internal/llm"
)

// Step is one scripted outcome. When Block is set the call waits for ctx to end
// and returns its error.
type Step struct {
	Content string
	Err     error
	Block   bool
}

// Provider replays Steps in order; once the script is exhausted the last step repeats.
// A Provider with no steps echoes the final message back.
type Provider struct {
	mu    sync.Mutex
	steps []Step
	calls [][]llm.Message
	opts  []llm.Options
}

var _ llm.Provider = (*Provider)(nil)

// New returns a Provider that plays steps.
func New(steps ...Step) *Provider {
	return &Provider{steps: steps}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, append([]llm.Message(nil), messages...))
	p.opts = append(p.opts, opts)
	var step Step
	switch {
	case len(p.steps) == 0:
		step = Step{Content: "echo: " + messages[len(messages)-1].Content}
	case n < len(p.steps):
		step = p.steps[n]
	default:
		step = p.steps[len(p.steps)-1]
	}
	p.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &llm.Response{Content: step.Content}, nil
}

// Calls returns a copy of every request received so far.
func (p *Provider) Calls() [][]llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]llm.Message(nil), p.calls...)
}

// CallCount returns the number of requests received so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Options returns the options of every request received so far.
func (p *Provider) Options() []llm.Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Options(nil), p.opts...)
}
