package mirror

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/debian-tools/btsmirror/internal/executor"
	"github.com/debian-tools/btsmirror/internal/reconcile"
	"github.com/debian-tools/btsmirror/internal/storage/memory"
	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/tracker/trackertest"
	"github.com/debian-tools/btsmirror/internal/types"
)

const (
	testRepo  = "owner/foo"
	testLabel = "debian-bts"
)

var (
	testPair = types.Pair{Package: "foo", Repository: testRepo}
	testNow  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	src    *trackertest.Source
	sink   *trackertest.Sink
	store  *memory.MemoryStorage
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		src:   trackertest.NewSource(),
		sink:  trackertest.NewSink(),
		store: memory.New(),
	}
	f.sink.AddLabel(testRepo, testLabel)
	f.sink.Now = func() time.Time { return testNow }
	f.runner = &Runner{
		Source: f.src,
		Sink:   f.sink,
		Store:  f.store,
		Label:  testLabel,
		Policy: executor.Policy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     4 * time.Millisecond,
			Multiplier:      2,
		},
		StateDir:    t.TempDir(),
		LockTimeout: time.Second,
		Concurrency: 2,
		Sleep:       func(context.Context, time.Duration) error { return nil },
		Now:         func() time.Time { return testNow },
	}
	return f
}

func bug(id, title string, status types.Status) types.SourceBug {
	return types.SourceBug{ID: id, Title: title, Body: "report for " + id, Status: status}
}

func (f *fixture) pass(t *testing.T) *Result {
	t.Helper()
	res := f.runner.RunPass(context.Background(), testPair)
	if res.Err != nil {
		t.Fatalf("RunPass() aborted: %v", res.Err)
	}
	return res
}

func (f *fixture) links(t *testing.T) map[string]int {
	t.Helper()
	links, err := f.store.ListLinks(context.Background(), testRepo)
	if err != nil {
		t.Fatalf("ListLinks() error = %v", err)
	}
	out := make(map[string]int, len(links))
	for _, l := range links {
		out[l.SourceBugID] = l.SinkIssueID
	}
	return out
}

func kinds(p *reconcile.Plan) []reconcile.Kind {
	var out []reconcile.Kind
	for _, a := range p.Actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestCrashOnStartupScenario(t *testing.T) {
	f := newFixture(t)
	f.src.SetBugs("foo", bug("123456", "crash on startup", types.StatusOpen))

	res := f.pass(t)
	if got := kinds(res.Plan); len(got) != 1 || got[0] != reconcile.CreateIssue {
		t.Fatalf("plan = %v, want [create]", got)
	}
	if !res.OK() {
		t.Fatalf("pass not OK: %+v", res.Report.Outcomes)
	}

	iss, ok := f.sink.Issue(testRepo, 1)
	if !ok {
		t.Fatal("issue #1 not created")
	}
	if iss.Title != "crash on startup" || !iss.HasLabel(testLabel) || iss.State != types.StatusOpen {
		t.Errorf("issue #1 = %+v", iss)
	}
	if got := f.links(t); len(got) != 1 || got["123456"] != 1 {
		t.Errorf("links = %v, want {123456: 1}", got)
	}

	res = f.pass(t)
	if !res.Plan.Empty() {
		t.Errorf("second plan = %v, want empty", res.Plan)
	}
	if n := len(f.sink.Calls("create", "update")); n != 1 {
		t.Errorf("create/update calls = %d, want 1", n)
	}
}

func TestRepeatedPassesNeverDuplicate(t *testing.T) {
	f := newFixture(t)
	f.src.SetBugs("foo",
		bug("1", "one", types.StatusOpen),
		bug("2", "two", types.StatusOpen),
		bug("3", "three", types.StatusClosed),
		bug("10", "ten", types.StatusOpen),
	)

	for i := 0; i < 4; i++ {
		res := f.pass(t)
		if !res.OK() {
			t.Fatalf("pass %d not OK", i+1)
		}
		if i > 0 && !res.Plan.Empty() {
			t.Errorf("pass %d plan = %v, want empty", i+1, res.Plan)
		}
	}

	if n := len(f.sink.Issues(testRepo)); n != 3 {
		t.Errorf("issues = %d, want 3 (closed unlinked bug gets none)", n)
	}
	if n := len(f.sink.Calls("create")); n != 3 {
		t.Errorf("create calls = %d, want 3", n)
	}
	if got := f.links(t); len(got) != 3 || got["10"] == 0 {
		t.Errorf("links = %v", got)
	}
}

func TestClosurePropagatesToLinkedIssueOnly(t *testing.T) {
	f := newFixture(t)
	f.src.SetBugs("foo", bug("1", "one", types.StatusOpen), bug("2", "two", types.StatusOpen))
	f.pass(t)
	target := f.links(t)["2"]

	f.src.SetBugs("foo", bug("1", "one", types.StatusOpen), bug("2", "two", types.StatusClosed))
	res := f.pass(t)
	if got := kinds(res.Plan); len(got) != 1 || got[0] != reconcile.CloseIssue {
		t.Fatalf("plan = %v, want [close]", got)
	}
	closes := f.sink.Calls("state:closed")
	if len(closes) != 1 || closes[0].Number != target {
		t.Errorf("close calls = %+v, want one on issue %d", closes, target)
	}
	if iss, _ := f.sink.Issue(testRepo, f.links(t)["1"]); iss.State != types.StatusOpen {
		t.Error("unrelated issue changed state")
	}

	f.src.SetBugs("foo", bug("1", "one", types.StatusOpen), bug("2", "two", types.StatusOpen))
	res = f.pass(t)
	if got := kinds(res.Plan); len(got) != 1 || got[0] != reconcile.ReopenIssue {
		t.Errorf("plan = %v, want [reopen]", got)
	}
	if iss, _ := f.sink.Issue(testRepo, target); iss.State != types.StatusOpen {
		t.Errorf("issue %d state = %s after reopen", target, iss.State)
	}
}

func TestContentChangeUpdatesIssue(t *testing.T) {
	f := newFixture(t)
	f.src.SetBugs("foo", bug("1", "one", types.StatusOpen))
	f.pass(t)

	f.src.SetBugs("foo", bug("1", "one, retitled", types.StatusOpen))
	res := f.pass(t)
	if got := kinds(res.Plan); len(got) != 1 || got[0] != reconcile.UpdateIssue {
		t.Fatalf("plan = %v, want [update]", got)
	}
	if iss, _ := f.sink.Issue(testRepo, 1); iss.Title != "one, retitled" {
		t.Errorf("title = %q", iss.Title)
	}
}

func TestRecoveryFromDeletedIssue(t *testing.T) {
	f := newFixture(t)
	f.src.SetBugs("foo", bug("7", "seven", types.StatusOpen))
	f.pass(t)
	f.sink.Delete(testRepo, 1)

	res := f.pass(t)
	if len(res.Plan.Warnings) != 1 || res.Plan.Warnings[0].SinkIssueID != 1 {
		t.Errorf("warnings = %+v, want one for issue 1", res.Plan.Warnings)
	}
	if !res.OK() {
		t.Fatalf("recovery pass not OK: %+v", res.Report.Outcomes)
	}
	links := f.links(t)
	if len(links) != 1 || links["7"] != 2 {
		t.Errorf("links = %v, want {7: 2}", links)
	}

	res = f.pass(t)
	if !res.Plan.Empty() {
		t.Errorf("plan after recovery = %v, want empty", res.Plan)
	}
}

func TestStrippedLabelIsTreatedAsDeleted(t *testing.T) {
	f := newFixture(t)
	f.src.SetBugs("foo", bug("7", "seven", types.StatusOpen))
	f.pass(t)
	f.sink.StripLabel(testRepo, 1, testLabel)

	res := f.pass(t)
	if len(res.Plan.Warnings) != 1 {
		t.Errorf("warnings = %+v", res.Plan.Warnings)
	}
	if iss, _ := f.sink.Issue(testRepo, 1); iss.Title != "seven" || iss.HasLabel(testLabel) {
		t.Errorf("unlabeled issue was modified: %+v", iss)
	}
	if got := f.links(t)["7"]; got != 2 {
		t.Errorf("link target = %d, want 2", got)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.src.SetBugs("foo",
		bug("1", "one", types.StatusOpen),
		bug("2", "two", types.StatusOpen),
		bug("3", "three", types.StatusOpen),
		bug("4", "four", types.StatusOpen),
		bug("5", "five", types.StatusOpen),
	)
	f.sink.Fail = func(c trackertest.Call) error {
		if c.Op == "create" && c.Title == "three" {
			return trackertest.Fatal("create")
		}
		return nil
	}

	res := f.pass(t)
	want := []executor.Status{executor.Succeeded, executor.Succeeded, executor.FailedFatal, executor.Succeeded, executor.Succeeded}
	if len(res.Report.Outcomes) != len(want) {
		t.Fatalf("outcomes = %d, want %d", len(res.Report.Outcomes), len(want))
	}
	for i, o := range res.Report.Outcomes {
		if o.Status != want[i] {
			t.Errorf("outcome %d (%s) = %s, want %s", i, o.Action, o.Status, want[i])
		}
	}
	if res.OK() {
		t.Error("pass with a fatal action reported OK")
	}
	if _, ok := f.links(t)["3"]; ok {
		t.Error("failed bug was linked")
	}
	if last, _ := f.store.LastPass(context.Background(), testRepo); !last.IsZero() {
		t.Errorf("LastPass = %v after a failed pass", last)
	}

	f.sink.Fail = nil
	res = f.pass(t)
	if got := kinds(res.Plan); len(got) != 1 || res.Plan.Actions[0].Bug.ID != "3" {
		t.Errorf("follow-up plan = %v, want create for bug 3", res.Plan)
	}
	if len(f.links(t)) != 5 {
		t.Errorf("links = %v", f.links(t))
	}
}

func TestAdoptsIssueLeftByCrashedPass(t *testing.T) {
	f := newFixture(t)
	b := bug("42", "left behind", types.StatusOpen)
	b.Package = "foo"
	f.src.SetBugs("foo", b)

	mapper := tracker.DefaultMapper{}
	f.sink.Put(testRepo, types.SinkIssue{
		Number: 9,
		Title:  mapper.Title(&b),
		Body:   mapper.Body(&b),
		State:  types.StatusOpen,
		Labels: []string{testLabel},
	})

	res := f.pass(t)
	if !res.OK() {
		t.Fatalf("pass not OK: %+v", res.Report.Outcomes)
	}
	if n := len(f.sink.Calls("create")); n != 0 {
		t.Errorf("create calls = %d, want 0", n)
	}
	if got := f.links(t)["42"]; got != 9 {
		t.Errorf("link target = %d, want 9", got)
	}
}

func TestUntrackedIssuesAreLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.sink.Put(testRepo, types.SinkIssue{Number: 3, Title: "hand made", State: types.StatusOpen, Labels: []string{testLabel}})
	f.sink.Put(testRepo, types.SinkIssue{Number: 4, Title: "no label", State: types.StatusOpen})

	res := f.pass(t)
	if !res.Plan.Empty() || res.Plan.Untracked != 1 {
		t.Errorf("plan = %v, untracked = %d", res.Plan, res.Plan.Untracked)
	}
	if n := len(f.sink.Calls("update", "state:closed", "state:open")); n != 0 {
		t.Errorf("mutating calls = %d, want 0", n)
	}
}

func TestMissingLabelAbortsBeforeFetching(t *testing.T) {
	f := newFixture(t)
	f.src.SetBugs("foo", bug("1", "one", types.StatusOpen))
	other := types.Pair{Package: "foo", Repository: "owner/nolabel"}

	res := f.runner.RunPass(context.Background(), other)
	if !errors.Is(res.Err, tracker.ErrLabelMissing) {
		t.Fatalf("Err = %v, want ErrLabelMissing", res.Err)
	}
	if res.Plan != nil || res.OK() {
		t.Error("aborted pass produced a plan")
	}
	if f.src.Calls != 0 {
		t.Errorf("source fetched %d times", f.src.Calls)
	}
	if n := len(f.sink.Calls("label")); n != 1 {
		t.Errorf("label checks = %d, want 1 (not retried)", n)
	}
}

func TestListingIsRetried(t *testing.T) {
	f := newFixture(t)
	f.src.SetBugs("foo", bug("1", "one", types.StatusOpen))
	failures := 2
	f.sink.Fail = func(c trackertest.Call) error {
		if c.Op == "list" && failures > 0 {
			failures--
			return trackertest.Retryable("list")
		}
		return nil
	}

	res := f.pass(t)
	if !res.OK() {
		t.Fatalf("pass not OK: %v", res.Err)
	}
	if n := len(f.sink.Calls("list")); n != 3 {
		t.Errorf("list calls = %d, want 3", n)
	}
}

func TestListingExhaustionAborts(t *testing.T) {
	f := newFixture(t)
	f.sink.Fail = func(c trackertest.Call) error {
		if c.Op == "list" {
			return trackertest.Retryable("list")
		}
		return nil
	}

	res := f.runner.RunPass(context.Background(), testPair)
	if res.Err == nil || !tracker.IsRetryable(res.Err) {
		t.Fatalf("Err = %v, want retryable listing failure", res.Err)
	}
	if n := len(f.sink.Calls("list")); n != 3 {
		t.Errorf("list calls = %d, want 3", n)
	}
}

func TestSourceUnavailableAbortsPass(t *testing.T) {
	f := newFixture(t)
	f.src.Err = errors.New("connection refused")

	res := f.runner.RunPass(context.Background(), testPair)
	var su *tracker.SourceUnavailable
	if !errors.As(res.Err, &su) {
		t.Fatalf("Err = %v, want SourceUnavailable", res.Err)
	}
	if n := len(f.sink.Calls("list", "create")); n != 0 {
		t.Errorf("sink calls after source failure = %d", n)
	}
}

func TestDryRunAppliesNothing(t *testing.T) {
	f := newFixture(t)
	f.runner.DryRun = true
	f.src.SetBugs("foo", bug("1", "one", types.StatusOpen))

	res := f.pass(t)
	if got := kinds(res.Plan); len(got) != 1 {
		t.Fatalf("plan = %v, want one action", got)
	}
	if !res.OK() || res.Report.Outcomes[0].Status != executor.Skipped {
		t.Errorf("dry-run report = %+v", res.Report)
	}
	if n := len(f.sink.Calls("create", "update")); n != 0 {
		t.Errorf("mutating calls = %d in dry run", n)
	}
	if len(f.links(t)) != 0 {
		t.Error("dry run recorded links")
	}
	if last, _ := f.store.LastPass(context.Background(), testRepo); !last.IsZero() {
		t.Error("dry run recorded a pass time")
	}
}

func TestSuccessfulPassRecordsTime(t *testing.T) {
	f := newFixture(t)
	f.pass(t)

	last, err := f.store.LastPass(context.Background(), testRepo)
	if err != nil {
		t.Fatalf("LastPass() error = %v", err)
	}
	if !last.Equal(testNow) {
		t.Errorf("LastPass = %v, want %v", last, testNow)
	}
}

// pkgFailSource fails for one package only.
type pkgFailSource struct {
	*trackertest.Source
	fail string
}

func (s *pkgFailSource) Fetch(ctx context.Context, pkg string) ([]types.SourceBug, error) {
	if pkg == s.fail {
		return nil, &tracker.SourceUnavailable{Package: pkg, Err: errors.New("timeout")}
	}
	return s.Source.Fetch(ctx, pkg)
}

func TestRunAllIsolatesPairs(t *testing.T) {
	f := newFixture(t)
	f.runner.Source = &pkgFailSource{Source: f.src, fail: "bad"}

	var pairs []types.Pair
	for i := 0; i < 4; i++ {
		repo := fmt.Sprintf("owner/r%d", i)
		f.sink.AddLabel(repo, testLabel)
		pkg := fmt.Sprintf("p%d", i)
		f.src.SetBugs(pkg, bug("1", "bug in "+pkg, types.StatusOpen))
		pairs = append(pairs, types.Pair{Package: pkg, Repository: repo})
	}
	pairs = append(pairs, types.Pair{Package: "bad", Repository: "owner/r0"})

	results := f.runner.RunAll(context.Background(), pairs)
	if len(results) != len(pairs) {
		t.Fatalf("results = %d, want %d", len(results), len(pairs))
	}
	for i, res := range results[:4] {
		if res.Pair != pairs[i] {
			t.Errorf("result %d is for %s, want %s", i, res.Pair, pairs[i])
		}
		if !res.OK() {
			t.Errorf("pass %s failed: %v", res.Pair, res.Err)
		}
	}
	if results[4].OK() {
		t.Error("failing pair reported OK")
	}
	if !Failed(results) {
		t.Error("Failed() = false")
	}
	if Failed(results[:4]) {
		t.Error("Failed(successful results) = true")
	}
}

// ackLostSink processes every create but answers the first one with a
// retryable error, as when the response is lost on the way back.
type ackLostSink struct {
	*trackertest.Sink
	lost bool
}

func (s *ackLostSink) Create(ctx context.Context, repo, title, body, label string) (*types.SinkIssue, error) {
	iss, err := s.Sink.Create(ctx, repo, title, body, label)
	if err == nil && !s.lost {
		s.lost = true
		return nil, trackertest.Retryable("create")
	}
	return iss, err
}

func TestLostCreateResponseDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	f.runner.Sink = &ackLostSink{Sink: f.sink}
	f.src.SetBugs("foo", bug("123456", "crash on startup", types.StatusOpen))

	for i := 0; i < 2; i++ {
		if res := f.pass(t); !res.OK() {
			t.Fatalf("pass %d not OK: %+v", i+1, res.Report.Outcomes)
		}
	}

	if n := len(f.sink.Issues(testRepo)); n != 1 {
		t.Errorf("issues = %d, want 1", n)
	}
	if got := f.links(t); len(got) != 1 || got["123456"] != 1 {
		t.Errorf("links = %v, want {123456: 1}", got)
	}
}

func TestBugLogMirroredAsComments(t *testing.T) {
	f := newFixture(t)
	b := bug("123456", "crash on startup", types.StatusOpen)
	b.Messages = []types.BugMessage{
		{ID: "<1@bugs.debian.org>", Author: "a@example.org", Body: "same here"},
		{ID: "<2@bugs.debian.org>", Author: "b@example.org", Body: "fixed upstream"},
	}
	f.src.SetBugs("foo", b)

	res := f.pass(t)
	if !res.OK() || len(res.Report.Comments) != 2 {
		t.Fatalf("first pass comments = %+v", res.Report.Comments)
	}
	comments := f.sink.Comments(testRepo, 1)
	if len(comments) != 2 {
		t.Fatalf("issue #1 has %d comments, want 2", len(comments))
	}
	if id, _ := tracker.ExtractCommentMarker(comments[0].Body); id != "<1@bugs.debian.org>" {
		t.Errorf("first comment = %q", comments[0].Body)
	}

	res = f.pass(t)
	if len(res.Report.Comments) != 0 {
		t.Errorf("second pass comments = %+v, want none", res.Report.Comments)
	}

	b.Messages = append(b.Messages, types.BugMessage{ID: "<3@bugs.debian.org>", Body: "uploaded"})
	f.src.SetBugs("foo", b)
	res = f.pass(t)
	if len(res.Report.Comments) != 1 || res.Report.Comments[0].MessageID != "<3@bugs.debian.org>" {
		t.Errorf("third pass comments = %+v", res.Report.Comments)
	}
	if n := len(f.sink.Comments(testRepo, 1)); n != 3 {
		t.Errorf("issue #1 has %d comments, want 3", n)
	}
}
