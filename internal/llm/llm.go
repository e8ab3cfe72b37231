// Package llm defines the boundary between Mimir and language-model backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options tune a single completion request. Zero values leave the backend default.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Usage reports token accounting returned by the backend, when available.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

// Response is a completed model reply.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Provider is implemented by every model backend.
type Provider interface {
	Complete(ctx context.Context, messages []Message, opts Options) (*Response, error)
}

// ErrorKind classifies a provider failure for retry decisions.
type ErrorKind int

const (
	// Retryable failures (transport errors, rate limiting, server errors) may succeed on retry.
	Retryable ErrorKind = iota
	// Fatal failures (bad request, authentication, unknown model) will not.
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "retryable"
}

// ProviderError is returned by every Provider implementation.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int // 0 for transport failures
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: %s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status code to an ErrorKind.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return Retryable
	case code >= 400:
		return Fatal
	default:
		return Retryable
	}
}

// IsRetryable reports whether err may succeed when the request is repeated.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == Retryable
	}
	return true
}

// IsFatal reports whether err is a ProviderError that retrying cannot fix.
func IsFatal(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == Fatal
}

// Unavailable returns a Provider whose every call fails fatally with err. It stands
// in for a backend that could not be constructed, so commands that never call the
// model still run.
func Unavailable(name string, err error) Provider {
	return unavailable{err: &ProviderError{Kind: Fatal, Provider: name, Err: err}}
}

type unavailable struct{ err error }

func (u unavailable) Complete(context.Context, []Message, Options) (*Response, error) {
	return nil, u.err
}
