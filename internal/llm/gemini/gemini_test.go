package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/starford/mimir/internal/llm"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := NewProvider(context.Background(), Config{APIKey: "test-key", Model: "gemini-2.5-flash", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func TestComplete_Success(t *testing.T) {
	var req struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
	}
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "bonjour"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 1, "totalTokenCount": 8}
		}`)
	})

	resp, err := p.Complete(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "answer in French"},
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "salut"},
		{Role: llm.RoleUser, Content: "again"},
	}, llm.Options{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "bonjour" || resp.Usage.TotalTokens != 8 {
		t.Errorf("response = %+v", resp)
	}
	if len(req.Contents) != 3 || req.Contents[1].Role != "model" {
		t.Errorf("contents = %+v", req.Contents)
	}
	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "answer in French" {
		t.Errorf("system instruction = %+v", req.SystemInstruction)
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   llm.ErrorKind
	}{
		{http.StatusBadRequest, llm.Fatal},
		{http.StatusForbidden, llm.Fatal},
		{http.StatusTooManyRequests, llm.Retryable},
		{http.StatusInternalServerError, llm.Retryable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, `{"error": {"code": `+strconv.Itoa(tc.status)+`, "message": "nope", "status": "TEST"}}`)
			})
			_, err := p.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "x"}}, llm.Options{})
			var pe *llm.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *llm.ProviderError, got %v", err)
			}
			if pe.Kind != tc.want {
				t.Errorf("kind = %v, want %v (err %v)", pe.Kind, tc.want, err)
			}
		})
	}
}

func TestNewProvider_RequiresKey(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Model: "gemini-2.5-flash"}); err == nil {
		t.Error("expected error without API key")
	}
}
