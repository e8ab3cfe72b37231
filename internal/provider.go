package internal

import (
	"context"
	"os"

	"github.com/starford/mimir/internal/llm"
	"github.com/starford/mimir/internal/llm/gemini"
	"github.com/starford/mimir/internal/llm/openai"
)

// localAPIKey is sent to local endpoints, which accept any key.
const localAPIKey = "local"

// NewProvider builds the backend llm.Select picks for cfg.Model.
func NewProvider(ctx context.Context, cfg AgentConfig) (llm.Provider, error) {
	sel := llm.Select(cfg.Model)
	switch sel.Backend {
	case llm.BackendGemini:
		return gemini.NewProvider(ctx, gemini.Config{
			APIKey:  firstNonEmpty(cfg.Providers.Gemini.APIKey, os.Getenv("GEMINI_API_KEY")),
			Model:   sel.Model,
			BaseURL: cfg.Providers.Gemini.BaseURL,
			Timeout: cfg.RequestTimeout,
		})
	case llm.BackendLocal:
		return openai.NewProvider(
			firstNonEmpty(cfg.Providers.Local.APIKey, localAPIKey),
			sel.Model,
			openai.WithBaseURL(cfg.Providers.Local.BaseURL),
			openai.WithTimeout(cfg.RequestTimeout),
			openai.WithName(string(llm.BackendLocal)),
		), nil
	default:
		opts := []openai.ProviderOption{openai.WithTimeout(cfg.RequestTimeout)}
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewProvider(
			firstNonEmpty(cfg.Providers.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")),
			sel.Model,
			opts...,
		), nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
