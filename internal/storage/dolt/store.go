// Package dolt implements the link store on a Dolt (or any MySQL-compatible)
// sql-server reached over the MySQL protocol.
package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/debian-tools/btsmirror/internal/storage"
	"github.com/debian-tools/btsmirror/internal/storage/sqlstore"
)

// Config holds the server connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool

	// CommitAuthor is recorded on Dolt commits, "Name <email>".
	CommitAuthor string
}

// Defaults for a local dolt sql-server.
const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 3306
	DefaultUser     = "root"
	DefaultDatabase = "btsmirror"
	DefaultAuthor   = "btsmirror <btsmirror@localhost>"
)

// Store is the Dolt-backed link store.
type Store struct {
	*sqlstore.Store
	author string
}

var _ storage.Committer = (*Store)(nil)

// Server mode uses go-sql-driver/mysql which has no built-in retry. Transient
// connection errors (stale pool connections, brief network issues, server
// restarts) are retried for up to this long.
const serverRetryMaxElapsed = 30 * time.Second

func newServerRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = serverRetryMaxElapsed
	return bo
}

// isRetryableError returns true if the error is a transient connection error.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"database is read only",
		"lost connection", // MySQL error 2013: mid-query disconnect
		"gone away",       // MySQL error 2006: idle connection timeout
		"i/o timeout",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// withRetry executes an operation with retry for transient errors.
func withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newServerRetryBackoff(), ctx))
}

var dialect = sqlstore.Dialect{
	Name: "dolt",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS mirror_links (
			repository    VARCHAR(255) NOT NULL,
			source_bug_id VARCHAR(64)  NOT NULL,
			sink_issue_id BIGINT       NOT NULL,
			sync_label    VARCHAR(255) NOT NULL DEFAULT '',
			created_at    VARCHAR(40)  NOT NULL,
			updated_at    VARCHAR(40)  NOT NULL,
			PRIMARY KEY (repository, source_bug_id),
			UNIQUE KEY idx_mirror_links_sink (repository, sink_issue_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			repository VARCHAR(255) PRIMARY KEY,
			last_pass  VARCHAR(40)  NOT NULL
		)`,
	},
	UpsertLastPass:    `INSERT INTO sync_state (repository, last_pass) VALUES (?, ?) ON DUPLICATE KEY UPDATE last_pass = VALUES(last_pass)`,
	IsUniqueViolation: isDuplicateEntry,
}

// isDuplicateEntry matches MySQL error 1062 (ER_DUP_ENTRY).
func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

var databaseNameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]{0,63}$`)

// validateDatabaseName rejects names that cannot be safely interpolated into
// a CREATE DATABASE statement.
func validateDatabaseName(name string) error {
	if !databaseNameRe.MatchString(name) {
		return fmt.Errorf("database name must match %s", databaseNameRe)
	}
	return nil
}

// buildServerDSN constructs a MySQL DSN for connecting to the server.
// If database is empty, connects without selecting a database.
func buildServerDSN(cfg *Config, database string) string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.DBName = database
	mc.ParseTime = true
	if cfg.TLS {
		mc.TLSConfig = "true"
	}
	return mc.FormatDSN()
}

func (cfg *Config) applyDefaults() {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.User == "" {
		cfg.User = DefaultUser
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.CommitAuthor == "" {
		cfg.CommitAuthor = DefaultAuthor
	}
}

// New connects to the server, creates the database if needed and
// initializes the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name %q: %w", cfg.Database, err)
	}

	if err := ensureDatabase(ctx, &cfg); err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", buildServerDSN(&cfg, cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to open Dolt server connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	inner, err := sqlstore.New(ctx, db, dialect, sqlstore.WithRetry(withRetry))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner, author: cfg.CommitAuthor}, nil
}

func ensureDatabase(ctx context.Context, cfg *Config) error {
	initDB, err := sql.Open("mysql", buildServerDSN(cfg, ""))
	if err != nil {
		return fmt.Errorf("failed to open init connection: %w", err)
	}
	defer func() { _ = initDB.Close() }()

	err = withRetry(ctx, func() error {
		_, err := initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database)) //nolint:gosec // G201: validated by validateDatabaseName
		return err
	})
	if err == nil {
		return nil
	}
	// Dolt may return error 1007 even with IF NOT EXISTS.
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1007 {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return fmt.Errorf("failed to connect to Dolt server at %s:%d: %w\n\nThe server may not be running. Try:\n  dolt sql-server  # in the database directory",
			cfg.Host, cfg.Port, err)
	}
	return fmt.Errorf("failed to create database: %w", err)
}

// Commit creates a Dolt commit with the given message. A clean working set
// is not an error.
func (s *Store) Commit(ctx context.Context, message string) error {
	_, err := s.DB().ExecContext(ctx, "CALL DOLT_COMMIT('-Am', ?, '--author', ?)", message, s.author)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
