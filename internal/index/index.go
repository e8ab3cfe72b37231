package index

import (
	"context"

	"github.com/starford/mimir/internal/models"
)

// Store is the chunk index consumed by the indexer, the watcher and sessions.
// Consumers should depend on this interface rather than the concrete *DB type
// to facilitate testing with fakes.
type Store interface {
	UpsertFile(ctx context.Context, f FileRow, chunks []models.Chunk) error
	DeleteFile(ctx context.Context, path string) (bool, error)
	Search(ctx context.Context, query string, topK int) ([]SearchResult, error)
	Stats(ctx context.Context) (Stats, error)
	FileRow(ctx context.Context, path string) (*FileRow, error)
	FileHashes(ctx context.Context) (map[string]string, error)
	PathsUnder(ctx context.Context, dir string) ([]string, error)
	ChunkHashes(ctx context.Context, path string) ([]string, error)
	Close() error
}

// Searcher is the read-only slice of Store used to retrieve context.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]SearchResult, error)
}

// Verify *DB satisfies Store at compile time.
var _ Store = (*DB)(nil)
