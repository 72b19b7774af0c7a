// Package trackertest provides in-memory tracker implementations for tests.
package trackertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/types"
)

// Source is an in-memory SourceTracker keyed by package.
type Source struct {
	mu    sync.Mutex
	bugs  map[string][]types.SourceBug
	Err   error
	Calls int
}

// NewSource returns an empty fake source.
func NewSource() *Source {
	return &Source{bugs: make(map[string][]types.SourceBug)}
}

func (s *Source) Name() string { return "fake-source" }

// SetBugs replaces the snapshot returned for pkg.
func (s *Source) SetBugs(pkg string, bugs ...types.SourceBug) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range bugs {
		bugs[i].Package = pkg
	}
	s.bugs[pkg] = bugs
}

// Fetch implements tracker.SourceTracker.
func (s *Source) Fetch(_ context.Context, pkg string) ([]types.SourceBug, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return nil, &tracker.SourceUnavailable{Package: pkg, Err: s.Err}
	}
	out := make([]types.SourceBug, len(s.bugs[pkg]))
	copy(out, s.bugs[pkg])
	return out, nil
}

// Call records one request made against the fake sink.
type Call struct {
	Op     string
	Repo   string
	Number int
	Title  string
}

// Sink is an in-memory SinkTracker. Fail, when set, is consulted before
// every call; a non-nil result is returned instead of performing the call.
type Sink struct {
	mu     sync.Mutex
	repos  map[string]map[int]*types.SinkIssue
	next   map[string]int
	labels map[string]map[string]bool
	notes  map[string]map[int][]types.SinkComment
	noteID int64
	calls  []Call

	Fail func(c Call) error
	// Now stamps UpdatedAt on changed issues.
	Now func() time.Time
}

// NewSink returns an empty fake sink.
func NewSink() *Sink {
	return &Sink{
		repos:  make(map[string]map[int]*types.SinkIssue),
		next:   make(map[string]int),
		labels: make(map[string]map[string]bool),
		notes:  make(map[string]map[int][]types.SinkComment),
		Now:    time.Now,
	}
}

func (s *Sink) Name() string { return "fake-sink" }

// AddLabel makes label exist in repo.
func (s *Sink) AddLabel(repo, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labels[repo] == nil {
		s.labels[repo] = make(map[string]bool)
	}
	s.labels[repo][label] = true
}

// Put stores an issue directly, bypassing failure injection.
func (s *Sink) Put(repo string, issue types.SinkIssue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo(repo)[issue.Number] = &issue
	if issue.Number >= s.next[repo] {
		s.next[repo] = issue.Number
	}
}

// Delete removes an issue as an out-of-band deletion would.
func (s *Sink) Delete(repo string, number int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repo(repo), number)
}

// StripLabel removes label from an issue.
func (s *Sink) StripLabel(repo string, number int, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iss := s.repo(repo)[number]
	if iss == nil {
		return
	}
	var kept []string
	for _, l := range iss.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	iss.Labels = kept
}

// Issue returns a copy of an issue.
func (s *Sink) Issue(repo string, number int) (types.SinkIssue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iss, ok := s.repo(repo)[number]
	if !ok {
		return types.SinkIssue{}, false
	}
	return clone(iss), true
}

// Issues returns every issue in repo ordered by number.
func (s *Sink) Issues(repo string) []types.SinkIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SinkIssue, 0, len(s.repos[repo]))
	for _, iss := range s.repos[repo] {
		out = append(out, clone(iss))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Calls returns the recorded calls whose Op is in ops, or all of them
// when ops is empty.
func (s *Sink) Calls(ops ...string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ops) == 0 {
		return append([]Call(nil), s.calls...)
	}
	var out []Call
	for _, c := range s.calls {
		for _, op := range ops {
			if c.Op == op {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// ListLabeled implements tracker.SinkTracker.
func (s *Sink) ListLabeled(_ context.Context, repo, label string) ([]types.SinkIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "list", Repo: repo}); err != nil {
		return nil, err
	}
	var out []types.SinkIssue
	for _, iss := range s.repos[repo] {
		if iss.HasLabel(label) {
			out = append(out, clone(iss))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Create implements tracker.SinkTracker.
func (s *Sink) Create(_ context.Context, repo, title, body, label string) (*types.SinkIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "create", Repo: repo, Title: title}); err != nil {
		return nil, err
	}
	s.next[repo]++
	iss := &types.SinkIssue{
		Number:    s.next[repo],
		Title:     title,
		Body:      body,
		State:     types.StatusOpen,
		Labels:    []string{label},
		UpdatedAt: s.Now(),
		URL:       fmt.Sprintf("https://example.test/%s/issues/%d", repo, s.next[repo]),
	}
	s.repo(repo)[iss.Number] = iss
	out := clone(iss)
	return &out, nil
}

// Update implements tracker.SinkTracker.
func (s *Sink) Update(_ context.Context, repo string, number int, title, body string) (*types.SinkIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "update", Repo: repo, Number: number, Title: title}); err != nil {
		return nil, err
	}
	iss, err := s.find("update", repo, number)
	if err != nil {
		return nil, err
	}
	iss.Title, iss.Body, iss.UpdatedAt = title, body, s.Now()
	out := clone(iss)
	return &out, nil
}

// SetState implements tracker.SinkTracker.
func (s *Sink) SetState(_ context.Context, repo string, number int, state types.Status) (*types.SinkIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "state:" + string(state), Repo: repo, Number: number}); err != nil {
		return nil, err
	}
	iss, err := s.find("set state", repo, number)
	if err != nil {
		return nil, err
	}
	iss.State, iss.UpdatedAt = state, s.Now()
	out := clone(iss)
	return &out, nil
}

// EnsureLabel implements tracker.SinkTracker.
func (s *Sink) EnsureLabel(_ context.Context, repo, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "label", Repo: repo, Title: label}); err != nil {
		return err
	}
	if !s.labels[repo][label] {
		return &tracker.SinkRequestFailed{Op: "get label", Repository: repo, StatusCode: 404, Err: tracker.ErrLabelMissing}
	}
	return nil
}

// Comments returns the comments on an issue, oldest first.
func (s *Sink) Comments(repo string, number int) []types.SinkComment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.SinkComment(nil), s.notes[repo][number]...)
}

// ListComments implements tracker.SinkTracker.
func (s *Sink) ListComments(_ context.Context, repo string, number int) ([]types.SinkComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "comments", Repo: repo, Number: number}); err != nil {
		return nil, err
	}
	if _, err := s.find("list comments", repo, number); err != nil {
		return nil, err
	}
	return append([]types.SinkComment(nil), s.notes[repo][number]...), nil
}

// CreateComment implements tracker.SinkTracker.
func (s *Sink) CreateComment(_ context.Context, repo string, number int, body string) (*types.SinkComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "comment", Repo: repo, Number: number}); err != nil {
		return nil, err
	}
	if _, err := s.find("create comment", repo, number); err != nil {
		return nil, err
	}
	s.noteID++
	c := types.SinkComment{ID: s.noteID, Body: body, CreatedAt: s.Now()}
	if s.notes[repo] == nil {
		s.notes[repo] = make(map[int][]types.SinkComment)
	}
	s.notes[repo][number] = append(s.notes[repo][number], c)
	return &c, nil
}

func (s *Sink) record(c Call) error {
	s.calls = append(s.calls, c)
	if s.Fail != nil {
		return s.Fail(c)
	}
	return nil
}

func (s *Sink) find(op, repo string, number int) (*types.SinkIssue, error) {
	iss, ok := s.repo(repo)[number]
	if !ok {
		return nil, &tracker.SinkRequestFailed{Op: op, Repository: repo, StatusCode: 404, Err: fmt.Errorf("issue %d not found", number)}
	}
	return iss, nil
}

func (s *Sink) repo(name string) map[int]*types.SinkIssue {
	r := s.repos[name]
	if r == nil {
		r = make(map[int]*types.SinkIssue)
		s.repos[name] = r
	}
	return r
}

func clone(iss *types.SinkIssue) types.SinkIssue {
	out := *iss
	out.Labels = append([]string(nil), iss.Labels...)
	return out
}

// Retryable returns a retryable sink failure for op.
func Retryable(op string) error {
	return &tracker.SinkRequestFailed{Op: op, StatusCode: 503, Retryable: true, Err: fmt.Errorf("service unavailable")}
}

// Fatal returns a non-retryable sink failure for op.
func Fatal(op string) error {
	return &tracker.SinkRequestFailed{Op: op, StatusCode: 422, Err: fmt.Errorf("validation failed")}
}
