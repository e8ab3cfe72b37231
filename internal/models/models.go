// Package models defines the domain types shared across Mimir packages.
package models

import "time"

// FileMetadata is a lightweight description of a workspace file returned by list operations.
type FileMetadata struct {
	Path     string    `json:"path"`
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// Chunk is an immutable, overlapping fragment of a workspace file.
// Offsets are token offsets into the source file; identity is (Path, Index).
type Chunk struct {
	Path        string `json:"path"`
	Index       int    `json:"chunk_index"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
}

// Tokens returns the number of tokens the chunk spans.
func (c Chunk) Tokens() int {
	return c.EndOffset - c.StartOffset
}
