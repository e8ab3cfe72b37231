package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/mimir/internal"
	"github.com/starford/mimir/internal/llm/llmtest"
	"github.com/starford/mimir/internal/session"
	"github.com/starford/mimir/internal/testutil"
	"github.com/starford/mimir/internal/workspace"
	pkgconfig "github.com/starford/mimir/pkg/config"
)

func TestChatLoop(t *testing.T) {
	_, store := testutil.TestWorkspace(t)
	p := llmtest.New(llmtest.Step{Content: "first"}, llmtest.Step{Content: "second"})
	mgr, err := session.NewManager(
		session.Config{ContextWindow: 8000, ReserveTokens: 500},
		session.Deps{Provider: p, Workspace: workspace.New(store), Logger: testutil.DiscardLogger()},
	)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	in := strings.NewReader("hello\n\n/new\nagain\n/exit\nignored\n")
	if err := chatLoop(context.Background(), mgr, in, &out); err != nil {
		t.Fatal(err)
	}

	text := out.String()
	for _, want := range []string{"first\n", "(new session)\n", "second\n"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if p.CallCount() != 2 {
		t.Errorf("calls = %d, want 2", p.CallCount())
	}
	// /new starts a fresh conversation: the second request carries one user turn.
	if msgs := p.Calls()[1]; len(msgs) != 2 {
		t.Errorf("second request has %d messages", len(msgs))
	}
	if n := len(mgr.List()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestSnippet(t *testing.T) {
	if got := snippet("a\n\n  b   c", 10); got != "a b c" {
		t.Errorf("snippet = %q", got)
	}
	if got := snippet(strings.Repeat("é", 20), 5); got != "ééééé…" {
		t.Errorf("snippet = %q", got)
	}
}

func TestRedact(t *testing.T) {
	cfg := internal.NewDefaultConfig()
	cfg.Agent.Providers.OpenAI.APIKey = "sk-secret"
	cfg.Auth.Token = "tok"
	redact(cfg)
	if cfg.Agent.Providers.OpenAI.APIKey != "********" || cfg.Auth.Token != "********" {
		t.Errorf("not redacted: %+v", cfg.Agent.Providers)
	}
	if cfg.Agent.Providers.Gemini.APIKey != "" {
		t.Error("empty key should stay empty")
	}
}

func TestWriteConfig_Formats(t *testing.T) {
	cfg := internal.NewDefaultConfig()

	var y bytes.Buffer
	if err := writeConfig(&y, cfg, "yaml"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(y.String(), "model: gpt-4o-mini") {
		t.Errorf("yaml output:\n%s", y.String())
	}

	var j bytes.Buffer
	if err := writeConfig(&j, cfg, "json"); err != nil {
		t.Fatal(err)
	}
	var tree map[string]any
	if err := json.Unmarshal(j.Bytes(), &tree); err != nil {
		t.Fatalf("json output does not parse: %v\n%s", err, j.String())
	}
	agent, _ := tree["agent"].(map[string]any)
	if agent["model"] != "gpt-4o-mini" || agent["compaction_timeout"] != "1m0s" {
		t.Errorf("agent = %v", agent)
	}

	if err := writeConfig(io.Discard, cfg, "toml"); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestGetConfigValue(t *testing.T) {
	cfg := internal.NewDefaultConfig()

	var out bytes.Buffer
	if err := getConfigValue(&out, cfg, "app.http.port"); err != nil {
		t.Fatal(err)
	}
	if out.String() != "8080\n" {
		t.Errorf("port = %q", out.String())
	}

	out.Reset()
	if err := getConfigValue(&out, cfg, "agent.providers.local"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "base_url: http://localhost:11434/v1") {
		t.Errorf("section = %q", out.String())
	}

	if err := getConfigValue(io.Discard, cfg, "agent.nope"); !errors.Is(err, pkgconfig.ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestConfigSetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := pkgconfig.Save(path, internal.NewDefaultConfig(), false); err != nil {
		t.Fatal(err)
	}
	if err := pkgconfig.Update(path, internal.NewDefaultConfig(), "agent.model", "gemini-2.0-flash"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	if err := pkgconfig.Update(path, internal.NewDefaultConfig(), "agent.reserve_tokens", "999999999"); err == nil {
		t.Error("reserve_tokens above the window should be rejected")
	}

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "gemini-2.0-flash" || cfg.Agent.ReserveTokens != internal.NewDefaultConfig().Agent.ReserveTokens {
		t.Errorf("agent = %+v", cfg.Agent)
	}
}
