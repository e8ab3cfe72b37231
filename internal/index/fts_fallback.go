//go:build !sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"strings"

	"github.com/starford/mimir/internal/models"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not compiled in; candidates come from a LIKE scan over chunks.text.
	return nil
}

func ftsInsert(_ context.Context, _ *sql.Tx, _ string, _ models.Chunk) error { return nil }

func ftsDelete(_ context.Context, _ *sql.Tx, _ string) error { return nil }

// candidateQuery selects chunks containing any of terms as a substring, newest files
// first.
func candidateQuery(terms []string, limit int) (string, []any) {
	conds := make([]string, len(terms))
	args := make([]any, 0, len(terms)+1)
	for i, t := range terms {
		conds[i] = `c.text LIKE ? ESCAPE '\'`
		args = append(args, "%"+likeEscaper.Replace(t)+"%")
	}
	args = append(args, limit)
	return `
		SELECT c.path, c.chunk_index, c.start_line, c.end_line, c.text, f.mod_time
		FROM chunks c
		JOIN files f ON f.path = c.path
		WHERE ` + strings.Join(conds, " OR ") + `
		ORDER BY f.mod_time DESC, c.path, c.chunk_index
		LIMIT ?`, args
}
