package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/debian-tools/btsmirror/internal/storage"
	"github.com/debian-tools/btsmirror/internal/storage/storagetest"
	"github.com/debian-tools/btsmirror/internal/types"
)

func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "links.db")
	}
	store, err := New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	return store
}

func TestLinkStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.LinkStorage {
		return newTestStore(t, "")
	})
}

func TestInMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.LinkStorage {
		return newTestStore(t, ":memory:")
	})
}

func TestLinksSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "links.db")

	s, err := New(ctx, path)
	require.NoError(t, err)
	now := time.Now()
	err = s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.InsertLink(ctx, &types.MirrorLink{
			Repository: "o/r", SourceBugID: "123456", SinkIssueID: 1,
			SyncLabel: "debian-bts", CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second Close should be a no-op")

	s = newTestStore(t, path)
	require.Equal(t, path, s.Path())
	got, err := s.GetLink(ctx, "o/r", "123456")
	require.NoError(t, err)
	require.Equal(t, 1, got.SinkIssueID)
}

func TestSchemaTables(t *testing.T) {
	s := newTestStore(t, "")
	for _, table := range []string{"mirror_links", "sync_state"} {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}
