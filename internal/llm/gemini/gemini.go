// Package gemini provides an llm.Provider backed by the Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/starford/mimir/internal/llm"
)

// Provider implements llm.Provider for Gemini models.
type Provider struct {
	client *genai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// Config holds the client settings.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string // optional, for tests and proxies
	Timeout time.Duration
}

// NewProvider creates a Gemini API client.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, model: cfg.Model}, nil
}

// Complete sends messages to generateContent. System messages become the system
// instruction; the remaining turns keep their order.
func (p *Provider) Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}

	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*opts.Temperature))
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, classify(err)
	}
	out := &llm.Response{Content: resp.Text()}
	if resp.UsageMetadata != nil {
		out.Usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code == 0 {
		return &llm.ProviderError{Kind: llm.Retryable, Provider: "gemini", Err: err}
	}
	return &llm.ProviderError{Kind: llm.ClassifyStatus(code), Provider: "gemini", StatusCode: code, Err: err}
}
