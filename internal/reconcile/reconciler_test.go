package reconcile

import (
	"reflect"
	"testing"

	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/types"
)

const (
	testRepo  = "owner/foo"
	testLabel = "debian-bts"
)

func bug(id, title string, status types.Status) types.SourceBug {
	return types.SourceBug{ID: id, Package: "foo", Title: title, Status: status}
}

// mirrored returns the issue a successful pass would have produced for b.
func mirrored(number int, b types.SourceBug, state types.Status) types.SinkIssue {
	m := tracker.DefaultMapper{}
	return types.SinkIssue{
		Number: number,
		Title:  m.Title(&b),
		Body:   m.Body(&b),
		State:  state,
		Labels: []string{testLabel},
	}
}

func link(bugID string, number int) *types.MirrorLink {
	return &types.MirrorLink{Repository: testRepo, SourceBugID: bugID, SinkIssueID: number, SyncLabel: testLabel}
}

func kinds(p *Plan) []string {
	var out []string
	for _, a := range p.Actions {
		out = append(out, a.Kind.String()+":"+a.Bug.ID)
	}
	return out
}

func plan(snap Snapshot) *Plan {
	snap.Package, snap.Repository, snap.Label = "foo", testRepo, testLabel
	return (&Reconciler{}).Plan(snap)
}

func TestPlanNewOpenBug(t *testing.T) {
	p := plan(Snapshot{Bugs: []types.SourceBug{bug("123456", "crash on startup", types.StatusOpen)}})

	if len(p.Actions) != 1 {
		t.Fatalf("expected 1 action, got %v", kinds(p))
	}
	a := p.Actions[0]
	if a.Kind != CreateIssue || a.Bug.ID != "123456" {
		t.Errorf("unexpected action %v", a)
	}
	if a.Title != "crash on startup" {
		t.Errorf("Title = %q", a.Title)
	}
	if a.Adopt != nil || a.Replaces != nil {
		t.Error("plain create should not adopt or replace")
	}
}

func TestPlanClosedBugWithoutLinkIsIgnored(t *testing.T) {
	p := plan(Snapshot{Bugs: []types.SourceBug{bug("1", "old", types.StatusClosed)}})
	if !p.Empty() {
		t.Errorf("expected empty plan, got %v", kinds(p))
	}
}

func TestPlanInSyncIsEmpty(t *testing.T) {
	open := bug("1", "a", types.StatusOpen)
	closed := bug("2", "b", types.StatusClosed)
	p := plan(Snapshot{
		Bugs:   []types.SourceBug{open, closed},
		Issues: []types.SinkIssue{mirrored(1, open, types.StatusOpen), mirrored(2, closed, types.StatusClosed)},
		Links:  []*types.MirrorLink{link("1", 1), link("2", 2)},
	})
	if !p.Empty() {
		t.Errorf("expected empty plan, got %v", kinds(p))
	}
	if len(p.Warnings) != 0 || p.Untracked != 0 {
		t.Errorf("unexpected warnings %v / untracked %d", p.Warnings, p.Untracked)
	}
}

func TestPlanUpdateThenStateChange(t *testing.T) {
	old := bug("5", "old title", types.StatusOpen)
	now := bug("5", "new title", types.StatusClosed)

	p := plan(Snapshot{
		Bugs:   []types.SourceBug{now},
		Issues: []types.SinkIssue{mirrored(9, old, types.StatusOpen)},
		Links:  []*types.MirrorLink{link("5", 9)},
	})
	want := []string{"update:5", "close:5"}
	if got := kinds(p); !reflect.DeepEqual(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for _, a := range p.Actions {
		if a.Number != 9 {
			t.Errorf("%v targets issue %d, want 9", a, a.Number)
		}
	}
}

func TestPlanReopen(t *testing.T) {
	b := bug("5", "t", types.StatusOpen)
	p := plan(Snapshot{
		Bugs:   []types.SourceBug{b},
		Issues: []types.SinkIssue{mirrored(3, b, types.StatusClosed)},
		Links:  []*types.MirrorLink{link("5", 3)},
	})
	if got := kinds(p); !reflect.DeepEqual(got, []string{"reopen:5"}) {
		t.Errorf("kinds = %v", got)
	}
}

func TestPlanIgnoresLineEndingDrift(t *testing.T) {
	b := bug("5", "t", types.StatusOpen)
	b.Body = "line one\nline two"
	iss := mirrored(3, b, types.StatusOpen)
	iss.Body = "line one\r\nline two\r\n\r\n---\r\n" + tracker.Marker("5") + "\r\n"

	p := plan(Snapshot{
		Bugs:   []types.SourceBug{b},
		Issues: []types.SinkIssue{iss},
		Links:  []*types.MirrorLink{link("5", 3)},
	})
	if !p.Empty() {
		t.Errorf("expected empty plan, got %v", kinds(p))
	}
}

func TestPlanOrderIsNumericByBugID(t *testing.T) {
	p := plan(Snapshot{Bugs: []types.SourceBug{
		bug("1000", "c", types.StatusOpen),
		bug("99", "a", types.StatusOpen),
		bug("200", "b", types.StatusOpen),
	}})
	want := []string{"create:99", "create:200", "create:1000"}
	if got := kinds(p); !reflect.DeepEqual(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
}

func TestPlanOutOfBandDeletion(t *testing.T) {
	open := bug("1", "a", types.StatusOpen)
	closed := bug("2", "b", types.StatusClosed)

	p := plan(Snapshot{
		Bugs:  []types.SourceBug{open, closed},
		Links: []*types.MirrorLink{link("1", 10), link("2", 11)},
	})

	if len(p.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", p.Warnings)
	}
	if p.Warnings[0].SinkIssueID != 10 || !p.Warnings[0].BugOpen {
		t.Errorf("unexpected warning %+v", p.Warnings[0])
	}
	if got := kinds(p); !reflect.DeepEqual(got, []string{"create:1"}) {
		t.Fatalf("kinds = %v, want only the open bug recreated", got)
	}
	if r := p.Actions[0].Replaces; r == nil || r.SinkIssueID != 10 {
		t.Errorf("Replaces = %+v", r)
	}
}

func TestPlanAdoptsOrphanIssue(t *testing.T) {
	b := bug("42", "t", types.StatusOpen)
	orphan := mirrored(7, b, types.StatusOpen)

	p := plan(Snapshot{
		Bugs:   []types.SourceBug{b},
		Issues: []types.SinkIssue{orphan},
	})
	if len(p.Actions) != 1 || p.Actions[0].Adopt == nil || p.Actions[0].Adopt.Number != 7 {
		t.Fatalf("expected adoption of issue 7, got %v", p.Actions)
	}
	if p.Untracked != 0 {
		t.Errorf("adopted issue counted as untracked")
	}
}

func TestPlanAdoptsOrphanOfClosedBug(t *testing.T) {
	b := bug("42", "t", types.StatusClosed)
	p := plan(Snapshot{
		Bugs:   []types.SourceBug{b},
		Issues: []types.SinkIssue{mirrored(7, b, types.StatusOpen)},
	})
	if len(p.Actions) != 1 || p.Actions[0].Adopt == nil {
		t.Fatalf("expected adoption, got %v", p.Actions)
	}
}

func TestPlanLeavesUnknownIssuesAlone(t *testing.T) {
	gone := bug("8", "vanished from source", types.StatusOpen)
	p := plan(Snapshot{
		Issues: []types.SinkIssue{
			mirrored(1, gone, types.StatusOpen),
			{Number: 2, Title: "hand written", State: types.StatusOpen, Labels: []string{testLabel}},
		},
		Links: []*types.MirrorLink{link("8", 1)},
	})
	if !p.Empty() {
		t.Errorf("absence from the source must not produce actions, got %v", kinds(p))
	}
	if p.Untracked != 1 {
		t.Errorf("Untracked = %d, want 1", p.Untracked)
	}
}

func TestPlanSkipsDuplicateBugs(t *testing.T) {
	b := bug("1", "a", types.StatusOpen)
	p := plan(Snapshot{Bugs: []types.SourceBug{b, b}})
	if len(p.Actions) != 1 {
		t.Errorf("expected a single create, got %v", kinds(p))
	}
}

func TestPlanDoesNotMutateSnapshot(t *testing.T) {
	bugs := []types.SourceBug{bug("2", "b", types.StatusOpen), bug("1", "a", types.StatusOpen)}
	plan(Snapshot{Bugs: bugs})
	if bugs[0].ID != "2" {
		t.Error("Plan reordered the caller's slice")
	}
}

func TestPlanThreads(t *testing.T) {
	msgs := []types.BugMessage{{ID: "<1@x>", Body: "me too"}}
	withLog := func(b types.SourceBug) types.SourceBug {
		b.Messages = msgs
		return b
	}

	linked := withLog(bug("100", "linked", types.StatusOpen))
	fresh := withLog(bug("200", "new", types.StatusOpen))
	closedGone := withLog(bug("300", "closed and deleted", types.StatusClosed))
	closedNew := withLog(bug("400", "closed, never mirrored", types.StatusClosed))
	quiet := bug("500", "no follow-ups", types.StatusOpen)

	p := plan(Snapshot{
		Bugs:   []types.SourceBug{quiet, closedNew, closedGone, fresh, linked},
		Issues: []types.SinkIssue{mirrored(1, linked, types.StatusOpen)},
		Links:  []*types.MirrorLink{link("100", 1), link("300", 3)},
	})

	var got []string
	for _, th := range p.Threads {
		got = append(got, th.BugID)
		if !reflect.DeepEqual(th.Messages, msgs) {
			t.Errorf("thread %s messages = %v", th.BugID, th.Messages)
		}
	}
	if want := []string{"100", "200"}; !reflect.DeepEqual(got, want) {
		t.Errorf("threads = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(kinds(p), []string{"create:200"}) {
		t.Errorf("actions = %v", kinds(p))
	}
}

func TestPlanString(t *testing.T) {
	p := &Plan{Package: "foo", Repository: testRepo}
	if got := p.String(); got != "foo -> owner/foo: nothing to do" {
		t.Errorf("String() = %q", got)
	}
	p.Actions = []Action{{Kind: CloseIssue, Bug: bug("3", "", types.StatusClosed), Number: 4}}
	if got := p.Counts()[CloseIssue]; got != 1 {
		t.Errorf("Counts()[close] = %d", got)
	}
	if got := p.Actions[0].String(); got != "close issue 4 for bug #3" {
		t.Errorf("Action.String() = %q", got)
	}
}
