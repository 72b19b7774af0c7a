// Package memory implements the link store in process memory. It backs
// tests and dry runs that must not touch a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/debian-tools/btsmirror/internal/storage"
	"github.com/debian-tools/btsmirror/internal/types"
)

type bugKey struct{ repo, bug string }

type sinkKey struct {
	repo   string
	number int
}

type state struct {
	byBug    map[bugKey]types.MirrorLink
	bySink   map[sinkKey]string
	lastPass map[string]time.Time
}

func (s *state) clone() *state {
	c := &state{
		byBug:    make(map[bugKey]types.MirrorLink, len(s.byBug)),
		bySink:   make(map[sinkKey]string, len(s.bySink)),
		lastPass: s.lastPass,
	}
	for k, v := range s.byBug {
		c.byBug[k] = v
	}
	for k, v := range s.bySink {
		c.bySink[k] = v
	}
	return c
}

// MemoryStorage is a storage.LinkStorage held in maps.
// Transactions are serialized and applied to a copy that replaces the
// live state on commit.
type MemoryStorage struct {
	mu sync.Mutex
	st *state
}

var _ storage.LinkStorage = (*MemoryStorage)(nil)

// New returns an empty store.
func New() *MemoryStorage {
	return &MemoryStorage{st: &state{
		byBug:    make(map[bugKey]types.MirrorLink),
		bySink:   make(map[sinkKey]string),
		lastPass: make(map[string]time.Time),
	}}
}

func (m *MemoryStorage) GetLink(_ context.Context, repo, bugID string) (*types.MirrorLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.get(repo, bugID)
}

func (m *MemoryStorage) GetLinkBySink(_ context.Context, repo string, number int) (*types.MirrorLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.getBySink(repo, number)
}

func (m *MemoryStorage) ListLinks(_ context.Context, repo string) ([]*types.MirrorLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.MirrorLink
	for k, v := range m.st.byBug {
		if k.repo == repo {
			l := v
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return types.CompareBugIDs(out[i].SourceBugID, out[j].SourceBugID) < 0
	})
	return out, nil
}

func (m *MemoryStorage) LastPass(_ context.Context, repo string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.lastPass[repo], nil
}

func (m *MemoryStorage) SetLastPass(_ context.Context, repo string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.lastPass[repo] = at
	return nil
}

func (m *MemoryStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.st = work
	return nil
}

// Close is a no-op.
func (m *MemoryStorage) Close() error { return nil }

func (s *state) get(repo, bugID string) (*types.MirrorLink, error) {
	l, ok := s.byBug[bugKey{repo, bugID}]
	if !ok {
		return nil, fmt.Errorf("get link %s#%s: %w", repo, bugID, storage.ErrNotFound)
	}
	return &l, nil
}

func (s *state) getBySink(repo string, number int) (*types.MirrorLink, error) {
	bug, ok := s.bySink[sinkKey{repo, number}]
	if !ok {
		return nil, fmt.Errorf("get link for issue %s#%d: %w", repo, number, storage.ErrNotFound)
	}
	return s.get(repo, bug)
}

// state doubles as the transaction view.

func (s *state) GetLink(_ context.Context, repo, bugID string) (*types.MirrorLink, error) {
	return s.get(repo, bugID)
}

func (s *state) GetLinkBySink(_ context.Context, repo string, number int) (*types.MirrorLink, error) {
	return s.getBySink(repo, number)
}

func (s *state) InsertLink(_ context.Context, link *types.MirrorLink) error {
	bk := bugKey{link.Repository, link.SourceBugID}
	sk := sinkKey{link.Repository, link.SinkIssueID}
	if _, ok := s.byBug[bk]; ok {
		return fmt.Errorf("insert link %s: bug already linked: %w", link, storage.ErrConflict)
	}
	if _, ok := s.bySink[sk]; ok {
		return fmt.Errorf("insert link %s: issue already linked: %w", link, storage.ErrConflict)
	}
	s.byBug[bk] = *link
	s.bySink[sk] = link.SourceBugID
	return nil
}

func (s *state) RetargetLink(_ context.Context, repo, bugID string, oldNumber, newNumber int, at time.Time) error {
	bk := bugKey{repo, bugID}
	l, ok := s.byBug[bk]
	if !ok || l.SinkIssueID != oldNumber {
		return fmt.Errorf("retarget link %s#%s from %d: %w", repo, bugID, oldNumber, storage.ErrNotFound)
	}
	if oldNumber == newNumber {
		return nil
	}
	if _, taken := s.bySink[sinkKey{repo, newNumber}]; taken {
		return fmt.Errorf("retarget link %s#%s to %d: %w", repo, bugID, newNumber, storage.ErrConflict)
	}
	delete(s.bySink, sinkKey{repo, oldNumber})
	l.SinkIssueID = newNumber
	l.UpdatedAt = at
	s.byBug[bk] = l
	s.bySink[sinkKey{repo, newNumber}] = bugID
	return nil
}
