package internal

import (
	"io"
	"log/slog"

	"github.com/starford/mimir/internal/heartbeat"
	"github.com/starford/mimir/internal/llm"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	logOutput io.Writer
	logLevel  *slog.Level
	provider  llm.Provider

	onHeartbeat func(heartbeat.Event)
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogOutput redirects the JSON log. Interactive commands send it to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithLogLevel overrides app.log_level.
func WithLogLevel(l slog.Level) Option {
	return func(a *application) {
		a.logLevel = &l
	}
}

// WithProvider replaces the configured model backend.
func WithProvider(p llm.Provider) Option {
	return func(a *application) {
		a.provider = p
	}
}
