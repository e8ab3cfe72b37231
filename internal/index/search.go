package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

// DefaultMaxCandidates bounds how many chunks a single query pulls from the database
// before scoring. Candidates are taken best-first (FTS rank, or newest file without
// FTS5), so the cap drops the weakest matches.
const DefaultMaxCandidates = 5000

// SearchResult is one ranked chunk.
type SearchResult struct {
	Path       string    `json:"path"`
	ChunkIndex int       `json:"chunk_index"`
	StartLine  int       `json:"start_line"`
	EndLine    int       `json:"end_line"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
	ModTime    time.Time `json:"mod_time"`
}

// Search returns up to topK chunks relevant to query, best first.
//
// Score is the sum over query terms of 1+ln(tf), tf being the term's occurrence count in
// the chunk. Ties break on newer file modification time, then path, then chunk index,
// so identical index state and query always give identical output.
// An empty query or topK <= 0 returns no results.
func (db *DB) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	terms := queryTerms(query)
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}

	candidates, err := db.candidates(ctx, terms)
	if err != nil {
		return nil, &Error{Op: "search", Err: err}
	}

	results := candidates[:0]
	for _, r := range candidates {
		r.Score = score(terms, r.Text)
		if r.Score > 0 {
			results = append(results, r)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.After(b.ModTime)
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.ChunkIndex < b.ChunkIndex
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (db *DB) candidates(ctx context.Context, terms []string) ([]SearchResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	q, args := candidateQuery(terms, db.maxCandidates)
	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var (
			r     SearchResult
			modNs int64
		)
		if err := rows.Scan(&r.Path, &r.ChunkIndex, &r.StartLine, &r.EndLine, &r.Text, &modNs); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		r.ModTime = time.Unix(0, modNs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// queryTerms lowercases query and splits it into unique runs of letters and digits.
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range splitTerms(query) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func splitTerms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func score(terms []string, text string) float64 {
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t] = 0
	}
	for _, w := range splitTerms(text) {
		if _, ok := tf[w]; ok {
			tf[w]++
		}
	}
	var s float64
	for _, t := range terms {
		if n := tf[t]; n > 0 {
			s += 1 + math.Log(float64(n))
		}
	}
	return s
}
