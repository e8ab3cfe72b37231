// Package storage defines the workspace file-system abstraction.
package storage

import "github.com/starford/mimir/internal/models"

// Provider is the interface for workspace file operations. All paths are relative
// to the workspace root and use the host separator.
type Provider interface {
	// List returns metadata for every markdown file under dir.
	List(dir string) ([]models.FileMetadata, error)
	// Stat returns metadata for a single file.
	Stat(path string) (models.FileMetadata, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically replaces the content of path.
	Write(path string, content []byte) error
	// Append atomically appends content to path, creating it if needed.
	Append(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// MkdirAll creates dir and any missing parents.
	MkdirAll(dir string) error
	// Root returns the absolute workspace directory.
	Root() string
}
