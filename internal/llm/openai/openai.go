// Package openai provides an llm.Provider for OpenAI and OpenAI-compatible APIs
// (Ollama, llama.cpp server, vLLM and similar local endpoints).
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/starford/mimir/internal/llm"
)

// DefaultBaseURL is the default OpenAI API base URL.
const DefaultBaseURL = "https://api.openai.com/v1"

// Provider implements llm.Provider on top of the official openai-go client.
type Provider struct {
	client openai.Client
	model  string
	name   string
}

var _ llm.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*settings)

type settings struct {
	baseURL string
	timeout time.Duration
	name    string
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) ProviderOption {
	return func(s *settings) { s.baseURL = baseURL }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) ProviderOption {
	return func(s *settings) { s.timeout = d }
}

// WithName sets the provider name reported in errors (default "openai").
func WithName(name string) ProviderOption {
	return func(s *settings) { s.name = name }
}

// NewProvider creates a provider for model. Local endpoints usually accept any apiKey.
// Retries are disabled in the client; callers decide from the returned
// *llm.ProviderError whether to try again.
func NewProvider(apiKey, model string, opts ...ProviderOption) *Provider {
	s := settings{baseURL: DefaultBaseURL, name: "openai"}
	for _, opt := range opts {
		opt(&s)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(s.baseURL),
		option.WithMaxRetries(0),
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(s.timeout))
	}
	return &Provider{
		client: openai.NewClient(reqOpts...),
		model:  model,
		name:   s.name,
	}
}

// Complete sends messages to the chat completions endpoint.
func (p *Provider) Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: convertMessages(messages),
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.ProviderError{Kind: llm.Retryable, Provider: p.name, Err: errors.New("response has no choices")}
	}
	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Usage:   llm.Usage{TotalTokens: int(resp.Usage.TotalTokens)},
	}, nil
}

func (p *Provider) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &llm.ProviderError{
			Kind:       llm.ClassifyStatus(apiErr.StatusCode),
			Provider:   p.name,
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}
	return &llm.ProviderError{Kind: llm.Retryable, Provider: p.name, Err: err}
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
