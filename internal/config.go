package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/mimir/internal/heartbeat"
	"github.com/starford/mimir/internal/index"
	"github.com/starford/mimir/internal/session"
	"github.com/starford/mimir/internal/tokens"
)

func init() {
	// Report validation errors under the YAML key names.
	validation.ErrorTag = "yaml"
}

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Workspace WorkspaceConfig   `yaml:"workspace"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Auth      AuthConfig        `yaml:"auth"`
	Memory    MemoryConfig      `yaml:"memory"`
	Agent     AgentConfig       `yaml:"agent"`
	Heartbeat HeartbeatConfig   `yaml:"heartbeat"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Workspace.Validate(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if err := c.SQLite.Validate(); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	return c.Heartbeat.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// WorkspaceConfig holds the Markdown workspace location and the glob patterns
// excluded from indexing.
type WorkspaceConfig struct {
	Path   string   `yaml:"path"`
	Ignore []string `yaml:"ignore"`
}

// Validate validates the workspace configuration.
func (c *WorkspaceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = index.DriverCGO
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Driver, validation.In(index.DriverCGO, index.DriverPure)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// MemoryConfig controls chunking, watching and retrieval.
type MemoryConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	ChunkOverlap    int           `yaml:"chunk_overlap"`
	Debounce        time.Duration `yaml:"debounce"`
	TopK            int           `yaml:"top_k"`
	ContextFraction float64       `yaml:"context_fraction"`
	DailyLogDays    int           `yaml:"daily_log_days"`
}

// Validate validates the memory configuration.
func (c *MemoryConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ChunkSize, validation.Required, validation.Min(1)),
		validation.Field(&c.ChunkOverlap, validation.Min(0)),
		validation.Field(&c.Debounce, validation.Min(10*time.Millisecond)),
		validation.Field(&c.TopK, validation.Min(0), validation.Max(100)),
		validation.Field(&c.ContextFraction, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.DailyLogDays, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// AgentConfig selects the model and sizes the conversation budget.
type AgentConfig struct {
	// Model picks the backend: gemini-* uses Gemini, local/* and ollama/* the local
	// endpoint, anything else OpenAI.
	Model             string          `yaml:"model"`
	ContextWindow     int             `yaml:"context_window"`
	ReserveTokens     int             `yaml:"reserve_tokens"`
	CompactionTimeout time.Duration   `yaml:"compaction_timeout"`
	RequestTimeout    time.Duration   `yaml:"request_timeout"`
	Tokenizer         string          `yaml:"tokenizer"`
	Providers         ProvidersConfig `yaml:"providers"`
}

// ProvidersConfig holds per-backend credentials and endpoints.
type ProvidersConfig struct {
	OpenAI ProviderConfig `yaml:"openai"`
	Gemini ProviderConfig `yaml:"gemini"`
	Local  ProviderConfig `yaml:"local"`
}

// ProviderConfig is one backend's connection settings. An empty APIKey falls back
// to OPENAI_API_KEY or GEMINI_API_KEY.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Validate validates the agent configuration.
func (c *AgentConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.ContextWindow, validation.Required, validation.Min(1)),
		validation.Field(&c.ReserveTokens, validation.Min(0)),
		validation.Field(&c.CompactionTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.RequestTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Tokenizer, validation.In(tokens.KindHeuristic, tokens.KindTiktoken)),
	); err != nil {
		return err
	}
	if c.ReserveTokens >= c.ContextWindow {
		return fmt.Errorf("reserve_tokens (%d) must be smaller than context_window (%d)", c.ReserveTokens, c.ContextWindow)
	}
	return nil
}

// HeartbeatConfig controls the task scheduler.
type HeartbeatConfig struct {
	Enabled     bool               `yaml:"enabled"`
	Interval    time.Duration      `yaml:"interval"`
	ActiveHours *ActiveHoursConfig `yaml:"active_hours"`
}

// ActiveHoursConfig is a daily "HH:MM" window.
type ActiveHoursConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Validate validates the heartbeat configuration.
func (c *HeartbeatConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Min(time.Second)),
	); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if c.Enabled && c.Interval == 0 {
		return errors.New("heartbeat: interval is required when the heartbeat is enabled")
	}
	_, err := c.Window()
	return err
}

// Window parses ActiveHours. A nil window means always active.
func (c *HeartbeatConfig) Window() (*heartbeat.ActiveHours, error) {
	if c.ActiveHours == nil {
		return nil, nil
	}
	return heartbeat.ParseActiveHours(c.ActiveHours.Start, c.ActiveHours.End)
}

// SessionConfig derives the session budget from the agent and memory sections.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		ContextWindow:     c.Agent.ContextWindow,
		ReserveTokens:     c.Agent.ReserveTokens,
		CompactionTimeout: c.Agent.CompactionTimeout,
		ContextFraction:   c.Memory.ContextFraction,
		TopK:              c.Memory.TopK,
		DailyLogDays:      c.Memory.DailyLogDays,
	}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Workspace: WorkspaceConfig{
			Path:   "./workspace",
			Ignore: []string{"**/.git/**", "**/node_modules/**"},
		},
		SQLite: SQLiteConfig{
			Path:   "./mimir.db",
			Driver: index.DriverCGO,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Memory: MemoryConfig{
			ChunkSize:       400,
			ChunkOverlap:    80,
			Debounce:        500 * time.Millisecond,
			TopK:            5,
			ContextFraction: 0.25,
			DailyLogDays:    2,
		},
		Agent: AgentConfig{
			Model:             "gpt-4o-mini",
			ContextWindow:     128000,
			ReserveTokens:     8000,
			CompactionTimeout: 60 * time.Second,
			RequestTimeout:    120 * time.Second,
			Tokenizer:         tokens.KindHeuristic,
			Providers: ProvidersConfig{
				Local: ProviderConfig{BaseURL: "http://localhost:11434/v1"},
			},
		},
		Heartbeat: HeartbeatConfig{
			Enabled:     true,
			Interval:    30 * time.Minute,
			ActiveHours: &ActiveHoursConfig{Start: "09:00", End: "18:00"},
		},
	}
}
