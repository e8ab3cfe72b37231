// Package apperr holds sentinel errors shared by the API and MCP surfaces.
package apperr

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSessionNotFound = errors.New("session not found")
)
