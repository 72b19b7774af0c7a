// Package sqlstore implements storage.LinkStorage on top of database/sql.
// The sqlite and dolt backends supply a Dialect and an opened *sql.DB.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/debian-tools/btsmirror/internal/storage"
	"github.com/debian-tools/btsmirror/internal/types"
)

// Dialect carries the backend-specific pieces of SQL.
type Dialect struct {
	Name string

	// Schema is executed statement by statement on open. Every statement
	// must be idempotent.
	Schema []string

	// UpsertLastPass takes (repository, last_pass).
	UpsertLastPass string

	// IsUniqueViolation reports whether err is a primary-key or unique
	// constraint failure.
	IsUniqueViolation func(err error) bool
}

// Option configures a Store.
type Option func(*Store)

// WithRetry wraps every statement and transaction in fn. Backends use it
// to retry transient connection errors.
func WithRetry(fn func(ctx context.Context, op func() error) error) Option {
	return func(s *Store) { s.retry = fn }
}

// Store is a storage.LinkStorage backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	retry   func(ctx context.Context, op func() error) error
	closed  atomic.Bool
}

var _ storage.LinkStorage = (*Store)(nil)

// New initializes the schema on db and returns a store that owns it.
func New(ctx context.Context, db *sql.DB, d Dialect, opts ...Option) (*Store, error) {
	s := &Store{db: db, dialect: d}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry == nil {
		s.retry = func(_ context.Context, op func() error) error { return op() }
	}
	for _, stmt := range d.Schema {
		if _, err := s.execContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize %s schema: %w", d.Name, err)
		}
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database. Calling it twice is harmless.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

const linkColumns = "repository, source_bug_id, sink_issue_id, sync_label, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(r rowScanner) (*types.MirrorLink, error) {
	var (
		link             types.MirrorLink
		created, updated string
	)
	if err := r.Scan(&link.Repository, &link.SourceBugID, &link.SinkIssueID, &link.SyncLabel, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if link.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if link.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &link, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// GetLink implements storage.LinkStorage.
func (s *Store) GetLink(ctx context.Context, repo, bugID string) (*types.MirrorLink, error) {
	var link *types.MirrorLink
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		var err error
		link, err = scanLink(row)
		return err
	}, "SELECT "+linkColumns+" FROM mirror_links WHERE repository = ? AND source_bug_id = ?", repo, bugID)
	if err != nil {
		return nil, s.wrapDBErrorf(err, "get link %s#%s", repo, bugID)
	}
	return link, nil
}

// GetLinkBySink implements storage.LinkStorage.
func (s *Store) GetLinkBySink(ctx context.Context, repo string, number int) (*types.MirrorLink, error) {
	var link *types.MirrorLink
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		var err error
		link, err = scanLink(row)
		return err
	}, "SELECT "+linkColumns+" FROM mirror_links WHERE repository = ? AND sink_issue_id = ?", repo, number)
	if err != nil {
		return nil, s.wrapDBErrorf(err, "get link for issue %s#%d", repo, number)
	}
	return link, nil
}

// ListLinks implements storage.LinkStorage.
func (s *Store) ListLinks(ctx context.Context, repo string) ([]*types.MirrorLink, error) {
	var links []*types.MirrorLink
	err := s.retry(ctx, func() error {
		links = links[:0]
		rows, err := s.db.QueryContext(ctx, "SELECT "+linkColumns+" FROM mirror_links WHERE repository = ?", repo)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			link, err := scanLink(rows)
			if err != nil {
				return err
			}
			links = append(links, link)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, s.wrapDBErrorf(err, "list links for %s", repo)
	}
	sort.Slice(links, func(i, j int) bool {
		return types.CompareBugIDs(links[i].SourceBugID, links[j].SourceBugID) < 0
	})
	return links, nil
}

// LastPass implements storage.LinkStorage.
func (s *Store) LastPass(ctx context.Context, repo string) (time.Time, error) {
	var raw string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&raw)
	}, "SELECT last_pass FROM sync_state WHERE repository = ?", repo)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, s.wrapDBErrorf(err, "get last pass for %s", repo)
	}
	return parseTime(raw)
}

// SetLastPass implements storage.LinkStorage.
func (s *Store) SetLastPass(ctx context.Context, repo string, at time.Time) error {
	_, err := s.execContext(ctx, s.dialect.UpsertLastPass, repo, formatTime(at))
	return s.wrapDBErrorf(err, "set last pass for %s", repo)
}

// RunInTransaction implements storage.LinkStorage.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return s.retry(ctx, func() (err error) {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if p := recover(); p != nil {
				_ = sqlTx.Rollback()
				panic(p)
			}
			if err != nil {
				_ = sqlTx.Rollback()
			}
		}()

		if err = fn(&transaction{tx: sqlTx, store: s}); err != nil {
			return err
		}
		if err = sqlTx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// execContext wraps s.db.ExecContext with the backend retry.
func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.retry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// queryRowContext wraps s.db.QueryRowContext with the backend retry.
// The scan function receives the *sql.Row and should call .Scan() on it.
func (s *Store) queryRowContext(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return s.retry(ctx, func() error {
		return scan(s.db.QueryRowContext(ctx, query, args...))
	})
}
