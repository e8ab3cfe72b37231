//go:build sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/mimir/internal/models"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			path UNINDEXED,
			chunk_index UNINDEXED,
			text,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsInsert(ctx context.Context, tx *sql.Tx, path string, c models.Chunk) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts (path, chunk_index, text) VALUES (?, ?, ?)`,
		path, c.Index, c.Text)
	if err != nil {
		return fmt.Errorf("insert fts: %w", err)
	}
	return nil
}

func ftsDelete(ctx context.Context, tx *sql.Tx, path string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete fts: %w", err)
	}
	return nil
}

// candidateQuery selects chunks matching any of terms through the FTS5 table.
// Each term is quoted so user input never reaches the FTS query grammar. Rows come
// in bm25 rank order so the candidate cap keeps the strongest matches.
func candidateQuery(terms []string, limit int) (string, []any) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return `
		SELECT c.path, c.chunk_index, c.start_line, c.end_line, c.text, f.mod_time
		FROM chunks_fts
		JOIN chunks c ON c.path = chunks_fts.path AND c.chunk_index = chunks_fts.chunk_index
		JOIN files f ON f.path = c.path
		WHERE chunks_fts MATCH ?
		ORDER BY chunks_fts.rank, f.mod_time DESC, c.path, c.chunk_index
		LIMIT ?`, []any{strings.Join(quoted, " OR "), limit}
}
