// Package index provides the SQLite-backed chunk index with optional FTS5 candidate search.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS files (
	path       TEXT PRIMARY KEY,
	checksum   TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	mod_time   INTEGER NOT NULL DEFAULT 0,
	indexed_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
	path         TEXT NOT NULL,
	chunk_index  INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset   INTEGER NOT NULL,
	start_line   INTEGER NOT NULL,
	end_line     INTEGER NOT NULL,
	text         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	PRIMARY KEY (path, chunk_index)
);
`

// DB wraps a sql.DB with index-specific operations.
//
// The underlying handle is a single-owner resource: every operation holds mu for the
// duration of its synchronous SQL work and never across a wait on anything else.
type DB struct {
	mu   sync.Mutex
	conn *sql.DB

	retryBackoff  time.Duration
	maxCandidates int
	// beforeCommit, when set, runs inside each upsert transaction just before commit.
	// Tests use it to inject transient write failures.
	beforeCommit func(attempt int) error
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	driver        string
	retryBackoff  time.Duration
	maxCandidates int
}

// WithDriver selects the database/sql driver (DriverCGO or DriverPure).
func WithDriver(driver string) Option {
	return func(o *openOptions) { o.driver = driver }
}

// WithRetryBackoff sets the pause before the single retry of a failed upsert.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *openOptions) { o.retryBackoff = d }
}

// WithMaxCandidates bounds how many chunks a single query pulls from the database
// before scoring.
func WithMaxCandidates(n int) Option {
	return func(o *openOptions) { o.maxCandidates = n }
}

func dataSource(driver, path string) string {
	if driver == DriverPure {
		return path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

// Open opens (or creates) the index database and applies the schema. Any failure,
// including a corrupt database file, is returned as a fatal *Error.
func Open(path string, opts ...Option) (*DB, error) {
	o := openOptions{driver: DriverCGO, retryBackoff: 100 * time.Millisecond, maxCandidates: DefaultMaxCandidates}
	for _, opt := range opts {
		opt(&o)
	}
	if o.driver != DriverCGO && o.driver != DriverPure {
		return nil, &Error{Op: "open", Err: fmt.Errorf("unknown sqlite driver %q", o.driver)}
	}

	conn, err := sql.Open(o.driver, dataSource(o.driver, path))
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, &Error{Op: "open", Err: fmt.Errorf("ping: %w", err)}
	}
	if err := checkIntegrity(conn); err != nil {
		conn.Close()
		return nil, &Error{Op: "open", Err: err}
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, &Error{Op: "open", Err: fmt.Errorf("apply core schema: %w", err)}
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, &Error{Op: "open", Err: fmt.Errorf("apply fts schema: %w", err)}
	}
	if o.maxCandidates <= 0 {
		o.maxCandidates = DefaultMaxCandidates
	}
	return &DB{conn: conn, retryBackoff: o.retryBackoff, maxCandidates: o.maxCandidates}, nil
}

func checkIntegrity(conn *sql.DB) error {
	var res string
	if err := conn.QueryRow(`PRAGMA quick_check`).Scan(&res); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if res != "ok" {
		return errors.New("integrity check: " + res)
	}
	return nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}
