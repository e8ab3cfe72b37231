package internal

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/mimir/internal/index"
	pkgconfig "github.com/starford/mimir/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"overlap equals size", func(c *Config) { c.Memory.ChunkOverlap = c.Memory.ChunkSize }, "chunk_overlap"},
		{"zero chunk size", func(c *Config) { c.Memory.ChunkSize = 0 }, "chunk_size"},
		{"fraction above one", func(c *Config) { c.Memory.ContextFraction = 1.5 }, "context_fraction"},
		{"reserve exceeds window", func(c *Config) { c.Agent.ReserveTokens = c.Agent.ContextWindow }, "reserve_tokens"},
		{"missing model", func(c *Config) { c.Agent.Model = "" }, "model"},
		{"unknown tokenizer", func(c *Config) { c.Agent.Tokenizer = "sentencepiece" }, "tokenizer"},
		{"unknown driver", func(c *Config) { c.SQLite.Driver = "postgres" }, "driver"},
		{"malformed active hours", func(c *Config) { c.Heartbeat.ActiveHours.End = "6pm" }, "active_hours.end"},
		{"sub-second interval", func(c *Config) { c.Heartbeat.Interval = time.Millisecond }, "interval"},
		{"missing workspace", func(c *Config) { c.Workspace.Path = "" }, "path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestConfigDefaultsDriver(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SQLite.Driver = ""
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.SQLite.Driver != index.DriverCGO {
		t.Errorf("driver = %q", cfg.SQLite.Driver)
	}
}

func TestConfigNoActiveHours(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Heartbeat.ActiveHours = nil
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if w, err := cfg.Heartbeat.Window(); w != nil || err != nil {
		t.Errorf("window = %v, %v", w, err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
app:
  log_level: debug
  http: { port: 9090 }
workspace: { path: /tmp/ws }
memory: { chunk_size: 200, chunk_overlap: 20, debounce: 250ms }
agent: { model: gemini-2.0-flash, context_window: 32000, reserve_tokens: 2000 }
heartbeat: { enabled: false, interval: 1h, active_hours: { start: "22:00", end: "06:00" } }
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.App.LogLevel != slog.LevelDebug || cfg.App.HTTP.Port != 9090 {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Memory.Debounce != 250*time.Millisecond || cfg.Memory.TopK != 5 {
		t.Errorf("memory = %+v", cfg.Memory)
	}
	sc := cfg.SessionConfig()
	if sc.ContextWindow != 32000 || sc.ReserveTokens != 2000 || sc.CompactionTimeout != time.Minute {
		t.Errorf("session config = %+v", sc)
	}
	w, err := cfg.Heartbeat.Window()
	if err != nil || w.String() != "22:00-06:00" {
		t.Errorf("window = %v, %v", w, err)
	}
}
