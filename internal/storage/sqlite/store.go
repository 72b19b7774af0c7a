// Package sqlite implements the link store using an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/debian-tools/btsmirror/internal/storage/sqlstore"
)

// Store is the SQLite-backed link store.
type Store struct {
	*sqlstore.Store
	dbPath string
}

// setupWASMCache configures WASM compilation caching to reduce SQLite startup time.
// Returns the cache directory path (empty string if using in-memory cache).
//
// The cache lives under os.UserCacheDir()/btsmirror/wasm and is keyed by the
// wazero version, so stale entries are harmless.
func setupWASMCache() string {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "btsmirror", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
		cacheDir = ""
	}

	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
	return cacheDir
}

func init() {
	_ = setupWASMCache()
}

var dialect = sqlstore.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS mirror_links (
			repository    TEXT    NOT NULL,
			source_bug_id TEXT    NOT NULL,
			sink_issue_id INTEGER NOT NULL,
			sync_label    TEXT    NOT NULL DEFAULT '',
			created_at    TEXT    NOT NULL,
			updated_at    TEXT    NOT NULL,
			PRIMARY KEY (repository, source_bug_id),
			UNIQUE (repository, sink_issue_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			repository TEXT PRIMARY KEY,
			last_pass  TEXT NOT NULL
		)`,
	},
	UpsertLastPass: `INSERT INTO sync_state (repository, last_pass) VALUES (?, ?)
		ON CONFLICT(repository) DO UPDATE SET last_pass = excluded.last_pass`,
	IsUniqueViolation: isUniqueViolation,
}

// New opens (creating if needed) the SQLite database at path.
// ":memory:" opens a private in-memory database on a single connection.
func New(ctx context.Context, path string) (*Store, error) {
	const pragmas = "_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_txlock=immediate"

	var connStr string
	isInMemory := path == ":memory:"
	switch {
	case isInMemory:
		connStr = "file::memory:?" + pragmas
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=busy_timeout") {
			sep := "?"
			if strings.Contains(path, "?") {
				sep = "&"
			}
			connStr += sep + pragmas
		}
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?" + pragmas
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases are per connection.
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	inner, err := sqlstore.New(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner, dbPath: path}, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}
