package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/starford/mimir/internal/models"
)

// FileRow represents a row in the files table.
type FileRow struct {
	Path      string
	Checksum  string
	Size      int64
	ModTime   time.Time
	IndexedAt time.Time
}

// Stats summarises the index contents.
type Stats struct {
	TotalChunks int   `json:"total_chunks"`
	TotalFiles  int   `json:"total_files"`
	SizeBytes   int64 `json:"size_bytes"`
}

// UpsertFile replaces every entry for f.Path with chunks inside one transaction.
// A failed attempt is retried once after the configured backoff; if the retry fails
// too the previous entries for the file are left untouched and an *Error is returned.
func (db *DB) UpsertFile(ctx context.Context, f FileRow, chunks []models.Chunk) error {
	err := db.upsertOnce(ctx, f, chunks, 1)
	if err == nil {
		return nil
	}

	timer := time.NewTimer(db.retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &Error{Op: "upsert", Path: f.Path, Err: errors.Join(err, ctx.Err())}
	case <-timer.C:
	}

	if err := db.upsertOnce(ctx, f, chunks, 2); err != nil {
		return &Error{Op: "upsert", Path: f.Path, Err: err}
	}
	return nil
}

func (db *DB) upsertOnce(ctx context.Context, f FileRow, chunks []models.Chunk, attempt int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, f.Path); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := ftsDelete(ctx, tx, f.Path); err != nil {
		return err
	}

	indexedAt := f.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (path, checksum, size, mod_time, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			checksum   = excluded.checksum,
			size       = excluded.size,
			mod_time   = excluded.mod_time,
			indexed_at = excluded.indexed_at
	`, f.Path, f.Checksum, f.Size, f.ModTime.UnixNano(), indexedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}

	if len(chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (path, chunk_index, start_offset, end_offset, start_line, end_line, text, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer stmt.Close()
		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, f.Path, c.Index, c.StartOffset, c.EndOffset,
				c.StartLine, c.EndLine, c.Text, c.ContentHash); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.Index, err)
			}
			if err := ftsInsert(ctx, tx, f.Path, c); err != nil {
				return err
			}
		}
	}

	if db.beforeCommit != nil {
		if err := db.beforeCommit(attempt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteFile removes every entry for path. It reports whether the file was indexed;
// deleting an unknown path is a no-op.
func (db *DB) DeleteFile(ctx context.Context, path string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, &Error{Op: "delete", Path: path, Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	if err := ftsDelete(ctx, tx, path); err != nil {
		return false, &Error{Op: "delete", Path: path, Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return false, &Error{Op: "delete", Path: path, Err: err}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return false, &Error{Op: "delete", Path: path, Err: err}
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, &Error{Op: "delete", Path: path, Err: err}
	}
	return n > 0, nil
}

// FileRow returns the stored row for path, or nil when the file is not indexed.
func (db *DB) FileRow(ctx context.Context, path string) (*FileRow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var (
		row              FileRow
		modNs, indexedNs int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT path, checksum, size, mod_time, indexed_at FROM files WHERE path = ?`, path).
		Scan(&row.Path, &row.Checksum, &row.Size, &modNs, &indexedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: file row: %w", err)
	}
	row.ModTime = time.Unix(0, modNs)
	row.IndexedAt = time.Unix(0, indexedNs)
	return &row, nil
}

// FileHashes returns the stored checksum of every indexed file.
func (db *DB) FileHashes(ctx context.Context) (map[string]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.QueryContext(ctx, `SELECT path, checksum FROM files`)
	if err != nil {
		return nil, fmt.Errorf("index: file hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, err
		}
		out[p] = cs
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// PathsUnder returns the indexed paths inside directory dir, at any depth, sorted.
func (db *DB) PathsUnder(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT path FROM files WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
		likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("index: paths under %s: %w", dir, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		// LIKE folds ASCII case.
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// ChunkHashes returns the content hashes of path's chunks ordered by chunk index.
func (db *DB) ChunkHashes(ctx context.Context, path string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT content_hash FROM chunks WHERE path = ? ORDER BY chunk_index`, path)
	if err != nil {
		return nil, fmt.Errorf("index: chunk hashes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Stats returns chunk and file counts and the size of the database in bytes.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var st Stats
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&st.TotalChunks); err != nil {
		return st, fmt.Errorf("index: stats: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&st.TotalFiles); err != nil {
		return st, fmt.Errorf("index: stats: %w", err)
	}
	var pages, pageSize int64
	if err := db.conn.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages); err != nil {
		return st, fmt.Errorf("index: stats: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return st, fmt.Errorf("index: stats: %w", err)
	}
	st.SizeBytes = pages * pageSize
	return st, nil
}
