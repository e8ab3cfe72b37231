package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/gobwas/glob"

	"github.com/starford/mimir/internal/chunker"
	"github.com/starford/mimir/internal/models"
	"github.com/starford/mimir/internal/storage"
)

// Change describes what IndexFile did to the index.
type Change int

const (
	ChangeNone Change = iota
	ChangeCreated
	ChangeUpdated
)

func (c Change) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Indexer turns workspace files into index entries.
type Indexer struct {
	db      Store
	store   storage.Provider
	chunker *chunker.Chunker
	ignore  []glob.Glob
	logger  *slog.Logger
}

// NewIndexer compiles the ignore patterns (slash-separated globs relative to the
// workspace root, e.g. "**/drafts/**") and returns an Indexer.
func NewIndexer(db Store, store storage.Provider, ch *chunker.Chunker, ignore []string, logger *slog.Logger) (*Indexer, error) {
	globs := make([]glob.Glob, 0, len(ignore))
	for _, p := range ignore {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("index: compile ignore pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return &Indexer{db: db, store: store, chunker: ch, ignore: globs, logger: logger}, nil
}

// Ignored reports whether the workspace-relative path matches an ignore pattern.
func (ix *Indexer) Ignored(rel string) bool {
	slash := filepath.ToSlash(rel)
	for _, g := range ix.ignore {
		if g.Match(slash) {
			return true
		}
	}
	return false
}

// IndexFile chunks the file at path and replaces its index entries. A file whose
// checksum and chunk sequence already match the index is left untouched, so
// reindexing unchanged content performs no writes.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (Change, error) {
	meta, err := ix.store.Stat(path)
	if err != nil {
		return ChangeNone, fmt.Errorf("index: stat %s: %w", path, err)
	}
	data, err := ix.store.Read(path)
	if err != nil {
		return ChangeNone, fmt.Errorf("index: read %s: %w", path, err)
	}
	chunks := ix.chunker.Split(path, data)

	existing, err := ix.db.FileRow(ctx, path)
	if err != nil {
		return ChangeNone, err
	}
	if existing != nil && existing.Checksum == meta.Checksum {
		stored, err := ix.db.ChunkHashes(ctx, path)
		if err != nil {
			return ChangeNone, err
		}
		if slices.Equal(stored, chunkHashes(chunks)) {
			return ChangeNone, nil
		}
	}

	row := FileRow{
		Path:      path,
		Checksum:  meta.Checksum,
		Size:      meta.Size,
		ModTime:   meta.ModTime,
		IndexedAt: time.Now(),
	}
	if err := ix.db.UpsertFile(ctx, row, chunks); err != nil {
		return ChangeNone, err
	}
	if existing == nil {
		return ChangeCreated, nil
	}
	return ChangeUpdated, nil
}

// RemoveFile drops path from the index and reports whether it was indexed.
func (ix *Indexer) RemoveFile(ctx context.Context, path string) (bool, error) {
	return ix.db.DeleteFile(ctx, path)
}

// IndexedUnder returns the indexed paths inside the workspace directory dir.
func (ix *Indexer) IndexedUnder(ctx context.Context, dir string) ([]string, error) {
	return ix.db.PathsUnder(ctx, filepath.ToSlash(dir))
}

// Exists reports whether path currently exists in the workspace.
func (ix *Indexer) Exists(path string) (bool, error) {
	_, err := ix.store.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func chunkHashes(chunks []models.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ContentHash
	}
	return out
}
