// Package reconcile computes the changes that bring the sink in line with
// a snapshot of the source.
package reconcile

import (
	"log/slog"

	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/types"
)

// Snapshot is everything one pass observed before planning.
type Snapshot struct {
	Package    string
	Repository string
	Label      string

	Bugs   []types.SourceBug
	Issues []types.SinkIssue // labeled issues only
	Links  []*types.MirrorLink
}

// Reconciler diffs snapshots. The zero value uses tracker.DefaultMapper
// and discards logs.
type Reconciler struct {
	Mapper tracker.FieldMapper
	Logger *slog.Logger
}

// New returns a reconciler with the given mapper and logger.
func New(mapper tracker.FieldMapper, logger *slog.Logger) *Reconciler {
	return &Reconciler{Mapper: mapper, Logger: logger}
}

// Plan computes the minimal ordered action list for snap. It performs no
// I/O; actions follow ascending bug id order, and a state change on an
// issue always comes after its content update.
func (r *Reconciler) Plan(snap Snapshot) *Plan {
	mapper := r.Mapper
	if mapper == nil {
		mapper = tracker.DefaultMapper{}
	}
	log := r.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	plan := &Plan{Package: snap.Package, Repository: snap.Repository, Label: snap.Label}

	issues := make(map[int]*types.SinkIssue, len(snap.Issues))
	for i := range snap.Issues {
		issues[snap.Issues[i].Number] = &snap.Issues[i]
	}
	links := make(map[string]*types.MirrorLink, len(snap.Links))
	linked := make(map[int]bool, len(snap.Links))
	for _, l := range snap.Links {
		links[l.SourceBugID] = l
		linked[l.SinkIssueID] = true
	}

	// Unlinked issues carrying a mirror marker are left over from a pass
	// that created them but never recorded the link.
	orphans := make(map[string]*types.SinkIssue)
	for i := range snap.Issues {
		iss := &snap.Issues[i]
		if linked[iss.Number] {
			continue
		}
		id, ok := tracker.ExtractMarker(iss.Body)
		if !ok {
			continue
		}
		if prev, dup := orphans[id]; !dup || iss.Number < prev.Number {
			orphans[id] = iss
		}
	}

	bugs := make([]types.SourceBug, len(snap.Bugs))
	copy(bugs, snap.Bugs)
	types.SortBugs(bugs)

	seen := make(map[string]bool, len(bugs))
	for _, bug := range bugs {
		if seen[bug.ID] {
			log.Warn("duplicate bug in source snapshot", "package", snap.Package, "bug", bug.ID)
			continue
		}
		seen[bug.ID] = true

		title := mapper.Title(&bug)
		body := mapper.Body(&bug)
		link := links[bug.ID]

		if link == nil {
			adopt := orphans[bug.ID]
			if adopt == nil && !bug.IsOpen() {
				continue
			}
			plan.Actions = append(plan.Actions, Action{
				Kind: CreateIssue, Bug: bug, Title: title, Body: body, Adopt: adopt,
			})
			plan.addThread(&bug)
			continue
		}

		issue := issues[link.SinkIssueID]
		if issue == nil {
			w := OutOfBandDeletion{
				Repository:  snap.Repository,
				SourceBugID: bug.ID,
				SinkIssueID: link.SinkIssueID,
				BugOpen:     bug.IsOpen(),
			}
			plan.Warnings = append(plan.Warnings, w)
			log.Warn("linked issue missing from sink", "repository", snap.Repository,
				"bug", bug.ID, "issue", link.SinkIssueID, "bug_open", bug.IsOpen())
			if bug.IsOpen() {
				plan.Actions = append(plan.Actions, Action{
					Kind: CreateIssue, Bug: bug, Title: title, Body: body,
					Replaces: link, Adopt: orphans[bug.ID],
				})
				plan.addThread(&bug)
			}
			continue
		}

		if !tracker.SameContent(issue.Title, title) || !tracker.SameContent(issue.Body, body) {
			plan.Actions = append(plan.Actions, Action{
				Kind: UpdateIssue, Bug: bug, Title: title, Body: body, Number: issue.Number,
			})
		}
		switch {
		case bug.IsOpen() && issue.State == types.StatusClosed:
			plan.Actions = append(plan.Actions, Action{
				Kind: ReopenIssue, Bug: bug, Title: title, Body: body, Number: issue.Number,
			})
		case !bug.IsOpen() && issue.State != types.StatusClosed:
			plan.Actions = append(plan.Actions, Action{
				Kind: CloseIssue, Bug: bug, Title: title, Body: body, Number: issue.Number,
			})
		}
		plan.addThread(&bug)
	}

	for i := range snap.Issues {
		iss := &snap.Issues[i]
		if linked[iss.Number] {
			continue
		}
		if id, ok := tracker.ExtractMarker(iss.Body); ok && seen[id] && orphans[id] == iss {
			continue
		}
		plan.Untracked++
	}

	log.Debug("computed plan", "package", snap.Package, "repository", snap.Repository,
		"bugs", len(bugs), "issues", len(snap.Issues), "actions", len(plan.Actions),
		"warnings", len(plan.Warnings), "threads", len(plan.Threads))
	return plan
}

func (p *Plan) addThread(bug *types.SourceBug) {
	if len(bug.Messages) == 0 {
		return
	}
	p.Threads = append(p.Threads, Thread{BugID: bug.ID, Messages: bug.Messages})
}
