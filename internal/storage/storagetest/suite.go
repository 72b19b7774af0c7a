// Package storagetest holds the behavior every storage.LinkStorage
// backend must share.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debian-tools/btsmirror/internal/storage"
	"github.com/debian-tools/btsmirror/internal/types"
)

// Run exercises a fresh store from newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.LinkStorage) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("InsertAndLookup", func(t *testing.T) { testInsertAndLookup(t, newStore(t)) })
	t.Run("InsertConflicts", func(t *testing.T) { testInsertConflicts(t, newStore(t)) })
	t.Run("RepositoriesAreIndependent", func(t *testing.T) { testRepositoriesIndependent(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Retarget", func(t *testing.T) { testRetarget(t, newStore(t)) })
	t.Run("ListOrdering", func(t *testing.T) { testListOrdering(t, newStore(t)) })
	t.Run("LastPass", func(t *testing.T) { testLastPass(t, newStore(t)) })
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func link(repo, bug string, number int) *types.MirrorLink {
	return &types.MirrorLink{
		Repository:  repo,
		SourceBugID: bug,
		SinkIssueID: number,
		SyncLabel:   "debian-bts",
		CreatedAt:   epoch,
		UpdatedAt:   epoch,
	}
}

func insert(t *testing.T, s storage.LinkStorage, l *types.MirrorLink) error {
	t.Helper()
	return s.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		return tx.InsertLink(context.Background(), l)
	})
}

func testGetMissing(t *testing.T, s storage.LinkStorage) {
	ctx := context.Background()

	_, err := s.GetLink(ctx, "o/r", "1")
	assert.True(t, storage.IsNotFound(err), "GetLink: %v", err)

	_, err = s.GetLinkBySink(ctx, "o/r", 1)
	assert.True(t, storage.IsNotFound(err), "GetLinkBySink: %v", err)

	links, err := s.ListLinks(ctx, "o/r")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func testInsertAndLookup(t *testing.T, s storage.LinkStorage) {
	ctx := context.Background()
	require.NoError(t, insert(t, s, link("o/r", "123456", 1)))

	got, err := s.GetLink(ctx, "o/r", "123456")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SinkIssueID)
	assert.Equal(t, "debian-bts", got.SyncLabel)
	assert.True(t, got.CreatedAt.Equal(epoch), "CreatedAt = %v", got.CreatedAt)

	bySink, err := s.GetLinkBySink(ctx, "o/r", 1)
	require.NoError(t, err)
	assert.Equal(t, "123456", bySink.SourceBugID)
}

func testInsertConflicts(t *testing.T, s storage.LinkStorage) {
	require.NoError(t, insert(t, s, link("o/r", "10", 1)))

	err := insert(t, s, link("o/r", "10", 2))
	assert.True(t, storage.IsConflict(err), "same bug, new issue: %v", err)

	err = insert(t, s, link("o/r", "11", 1))
	assert.True(t, storage.IsConflict(err), "new bug, same issue: %v", err)

	links, err := s.ListLinks(context.Background(), "o/r")
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func testRepositoriesIndependent(t *testing.T, s storage.LinkStorage) {
	require.NoError(t, insert(t, s, link("o/a", "10", 1)))
	require.NoError(t, insert(t, s, link("o/b", "10", 1)))

	a, err := s.ListLinks(context.Background(), "o/a")
	require.NoError(t, err)
	b, err := s.ListLinks(context.Background(), "o/b")
	require.NoError(t, err)
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}

func testRollback(t *testing.T, s storage.LinkStorage) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.InsertLink(ctx, link("o/r", "10", 1)); err != nil {
			return err
		}
		got, err := tx.GetLink(ctx, "o/r", "10")
		if err != nil {
			return err
		}
		if got.SinkIssueID != 1 {
			return errors.New("insert not visible inside transaction")
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetLink(ctx, "o/r", "10")
	assert.True(t, storage.IsNotFound(err), "rolled back insert is visible: %v", err)
}

func testRetarget(t *testing.T, s storage.LinkStorage) {
	ctx := context.Background()
	require.NoError(t, insert(t, s, link("o/r", "10", 1)))
	require.NoError(t, insert(t, s, link("o/r", "11", 2)))

	later := epoch.Add(time.Hour)
	retarget := func(bug string, from, to int) error {
		return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.RetargetLink(ctx, "o/r", bug, from, to, later)
		})
	}

	require.NoError(t, retarget("10", 1, 5))
	got, err := s.GetLink(ctx, "o/r", "10")
	require.NoError(t, err)
	assert.Equal(t, 5, got.SinkIssueID)
	assert.True(t, got.UpdatedAt.Equal(later))
	assert.True(t, got.CreatedAt.Equal(epoch))

	_, err = s.GetLinkBySink(ctx, "o/r", 1)
	assert.True(t, storage.IsNotFound(err), "old target still resolves: %v", err)

	err = retarget("10", 1, 6)
	assert.True(t, storage.IsNotFound(err), "stale retarget: %v", err)

	err = retarget("10", 5, 2)
	assert.True(t, storage.IsConflict(err), "retarget onto linked issue: %v", err)
}

func testListOrdering(t *testing.T, s storage.LinkStorage) {
	for i, bug := range []string{"100", "9", "abc", "20"} {
		require.NoError(t, insert(t, s, link("o/r", bug, i+1)))
	}
	links, err := s.ListLinks(context.Background(), "o/r")
	require.NoError(t, err)

	var ids []string
	for _, l := range links {
		ids = append(ids, l.SourceBugID)
	}
	assert.Equal(t, []string{"9", "20", "100", "abc"}, ids)
}

func testLastPass(t *testing.T, s storage.LinkStorage) {
	ctx := context.Background()

	got, err := s.LastPass(ctx, "o/r")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	require.NoError(t, s.SetLastPass(ctx, "o/r", epoch))
	require.NoError(t, s.SetLastPass(ctx, "o/r", epoch.Add(time.Minute)))

	got, err = s.LastPass(ctx, "o/r")
	require.NoError(t, err)
	assert.True(t, got.Equal(epoch.Add(time.Minute)), "LastPass = %v", got)
}
