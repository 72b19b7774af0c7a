package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/debian-tools/btsmirror/internal/types"
)

type transaction struct {
	tx    *sql.Tx
	store *Store
}

func (t *transaction) GetLink(ctx context.Context, repo, bugID string) (*types.MirrorLink, error) {
	link, err := scanLink(t.tx.QueryRowContext(ctx,
		"SELECT "+linkColumns+" FROM mirror_links WHERE repository = ? AND source_bug_id = ?", repo, bugID))
	if err != nil {
		return nil, t.store.wrapDBErrorf(err, "get link %s#%s", repo, bugID)
	}
	return link, nil
}

func (t *transaction) GetLinkBySink(ctx context.Context, repo string, number int) (*types.MirrorLink, error) {
	link, err := scanLink(t.tx.QueryRowContext(ctx,
		"SELECT "+linkColumns+" FROM mirror_links WHERE repository = ? AND sink_issue_id = ?", repo, number))
	if err != nil {
		return nil, t.store.wrapDBErrorf(err, "get link for issue %s#%d", repo, number)
	}
	return link, nil
}

func (t *transaction) InsertLink(ctx context.Context, link *types.MirrorLink) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO mirror_links ("+linkColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		link.Repository, link.SourceBugID, link.SinkIssueID, link.SyncLabel,
		formatTime(link.CreatedAt), formatTime(link.UpdatedAt))
	return t.store.wrapDBErrorf(err, "insert link %s", link)
}

func (t *transaction) RetargetLink(ctx context.Context, repo, bugID string, oldNumber, newNumber int, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE mirror_links SET sink_issue_id = ?, updated_at = ? WHERE repository = ? AND source_bug_id = ? AND sink_issue_id = ?",
		newNumber, formatTime(at), repo, bugID, oldNumber)
	if err != nil {
		return t.store.wrapDBErrorf(err, "retarget link %s#%s", repo, bugID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.store.wrapDBErrorf(err, "retarget link %s#%s", repo, bugID)
	}
	if n == 0 {
		return t.store.wrapDBErrorf(sql.ErrNoRows, "retarget link %s#%s from %d", repo, bugID, oldNumber)
	}
	return nil
}
