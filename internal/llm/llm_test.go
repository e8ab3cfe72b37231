package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSelect(t *testing.T) {
	cases := []struct {
		model string
		want  Selection
	}{
		{"gpt-4o-mini", Selection{BackendOpenAI, "gpt-4o-mini"}},
		{"o3", Selection{BackendOpenAI, "o3"}},
		{"gemini-2.5-flash", Selection{BackendGemini, "gemini-2.5-flash"}},
		{"Gemini-1.5-pro", Selection{BackendGemini, "Gemini-1.5-pro"}},
		{"local/llama3", Selection{BackendLocal, "llama3"}},
		{"ollama/qwen2.5:7b", Selection{BackendLocal, "qwen2.5:7b"}},
		{"", Selection{BackendOpenAI, ""}},
	}
	for _, tc := range cases {
		if got := Select(tc.model); got != tc.want {
			t.Errorf("Select(%q) = %+v, want %+v", tc.model, got, tc.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		400: Fatal,
		401: Fatal,
		403: Fatal,
		404: Fatal,
		429: Retryable,
		500: Retryable,
		502: Retryable,
		503: Retryable,
	}
	for code, want := range cases {
		if got := ClassifyStatus(code); got != want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestRetryPredicates(t *testing.T) {
	fatal := fmt.Errorf("wrapped: %w", &ProviderError{Kind: Fatal, Provider: "openai", StatusCode: 401, Err: errors.New("bad key")})
	retry := &ProviderError{Kind: Retryable, Provider: "openai", Err: errors.New("connection reset")}

	if IsRetryable(fatal) || !IsFatal(fatal) {
		t.Error("401 should be fatal")
	}
	if !IsRetryable(retry) || IsFatal(retry) {
		t.Error("transport failure should be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation must not be retried")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestUnavailable(t *testing.T) {
	p := Unavailable("gemini", errors.New("missing api key"))
	_, err := p.Complete(context.Background(), nil, Options{})
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}
