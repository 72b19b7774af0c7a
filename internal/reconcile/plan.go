package reconcile

import (
	"fmt"
	"strings"

	"github.com/debian-tools/btsmirror/internal/types"
)

// Kind is the type of change an Action makes on the sink.
type Kind int

// Action kinds.
const (
	CreateIssue Kind = iota + 1
	UpdateIssue
	CloseIssue
	ReopenIssue
)

func (k Kind) String() string {
	switch k {
	case CreateIssue:
		return "create"
	case UpdateIssue:
		return "update"
	case CloseIssue:
		return "close"
	case ReopenIssue:
		return "reopen"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Action is one planned change to the sink.
type Action struct {
	Kind Kind
	Bug  types.SourceBug

	// Title and Body are the mapped fields the issue must end up with.
	Title string
	Body  string

	// Number is the target issue of Update, Close and Reopen.
	Number int

	// Replaces is set on a CreateIssue that recreates an issue which
	// vanished from the sink; the link is retargeted to the new issue.
	Replaces *types.MirrorLink

	// Adopt is set on a CreateIssue when an unlinked labeled issue already
	// mirrors the bug. The executor links it instead of creating one.
	Adopt *types.SinkIssue
}

func (a Action) String() string {
	switch {
	case a.Kind == CreateIssue && a.Adopt != nil:
		return fmt.Sprintf("adopt issue %d for bug #%s", a.Adopt.Number, a.Bug.ID)
	case a.Kind == CreateIssue && a.Replaces != nil:
		return fmt.Sprintf("recreate issue %d for bug #%s", a.Replaces.SinkIssueID, a.Bug.ID)
	case a.Kind == CreateIssue:
		return fmt.Sprintf("create issue for bug #%s", a.Bug.ID)
	}
	return fmt.Sprintf("%s issue %d for bug #%s", a.Kind, a.Number, a.Bug.ID)
}

// OutOfBandDeletion is a warning: a linked issue is no longer visible on
// the sink, either deleted or stripped of the sync label.
type OutOfBandDeletion struct {
	Repository  string
	SourceBugID string
	SinkIssueID int
	BugOpen     bool
}

func (w OutOfBandDeletion) Error() string {
	return fmt.Sprintf("issue %s#%d linked to bug #%s is gone (deleted or unlabeled)",
		w.Repository, w.SinkIssueID, w.SourceBugID)
}

// Thread is the bug-log discussion to mirror as comments once the issue
// for BugID exists. Which messages are already on the sink is only known
// to the executor.
type Thread struct {
	BugID    string
	Messages []types.BugMessage
}

// Plan is the ordered list of actions computed for one pass.
type Plan struct {
	Package    string
	Repository string
	Label      string

	Actions  []Action
	Warnings []OutOfBandDeletion

	// Threads follow Actions in bug order, one per bug with follow-up
	// messages whose issue exists or is created by this plan.
	Threads []Thread

	// Untracked counts unlinked labeled issues that no action adopts.
	// They are left alone.
	Untracked int
}

// Empty reports whether the plan makes no change.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// Counts returns the number of actions of each kind.
func (p *Plan) Counts() map[Kind]int {
	out := make(map[Kind]int)
	for _, a := range p.Actions {
		out[a.Kind]++
	}
	return out
}

func (p *Plan) String() string {
	if p.Empty() {
		return fmt.Sprintf("%s -> %s: nothing to do", p.Package, p.Repository)
	}
	parts := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		parts = append(parts, a.String())
	}
	return fmt.Sprintf("%s -> %s: %s", p.Package, p.Repository, strings.Join(parts, "; "))
}
