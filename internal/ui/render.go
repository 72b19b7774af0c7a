package ui

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/debian-tools/btsmirror/internal/executor"
	"github.com/debian-tools/btsmirror/internal/mirror"
	"github.com/debian-tools/btsmirror/internal/reconcile"
	"github.com/debian-tools/btsmirror/internal/types"
)

// MaxTitleWidth caps bug titles in action lines.
const MaxTitleWidth = 60

// Truncate shortens text to maxLen runes with a "..." suffix.
func Truncate(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(text)
	return string(runes[:maxLen-3]) + "..."
}

func actionLine(a reconcile.Action) string {
	return fmt.Sprintf("%s %s", a.String(), RenderMuted(fmt.Sprintf("%q", Truncate(a.Title, MaxTitleWidth))))
}

// RenderPlan lists the actions of a plan, one per line.
func RenderPlan(p *reconcile.Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s\n", RenderCategory(p.Package), RenderMuted("->"), RenderCategory(p.Repository))
	if p.Empty() {
		fmt.Fprintf(&sb, "  %s\n", RenderMuted("nothing to do"))
	}
	for _, a := range p.Actions {
		fmt.Fprintf(&sb, "  %s %s\n", RenderAccent(IconPlan), actionLine(a))
	}
	for _, w := range p.Warnings {
		fmt.Fprintf(&sb, "  %s %s\n", RenderWarn(IconWarn), w.Error())
	}
	if p.Untracked > 0 {
		fmt.Fprintf(&sb, "  %s\n", RenderMuted(fmt.Sprintf("%d labeled issue(s) not linked to any bug, left alone", p.Untracked)))
	}
	return sb.String()
}

func statusIcon(s executor.Status) string {
	switch s {
	case executor.Succeeded:
		return RenderPass(IconPass)
	case executor.FailedRetryable:
		return RenderWarn(IconFail)
	case executor.FailedFatal:
		return RenderFail(IconFail)
	default:
		return RenderMuted(IconSkip)
	}
}

// RenderReport lists each outcome of a pass followed by a one-line summary.
func RenderReport(r *executor.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s", RenderCategory(r.Package), RenderMuted("->"), RenderCategory(r.Repository))
	if r.DryRun {
		sb.WriteString(" " + RenderMuted("(dry run)"))
	}
	sb.WriteString("\n")

	for _, o := range r.Outcomes {
		line := actionLine(o.Action)
		if o.Err != nil && o.Status != executor.Skipped {
			line += " " + RenderFail(o.Err.Error())
		}
		if o.Attempts > 1 {
			line += " " + RenderMuted(fmt.Sprintf("(%d attempts)", o.Attempts))
		}
		fmt.Fprintf(&sb, "  %s %s\n", statusIcon(o.Status), line)
	}
	sb.WriteString(RenderComments(r))
	for _, w := range r.Warnings {
		fmt.Fprintf(&sb, "  %s %s\n", RenderWarn(IconWarn), w.Error())
	}
	if r.Aborted != nil {
		fmt.Fprintf(&sb, "  %s %s\n", RenderFail(IconFail), RenderFail(r.Aborted.Error()))
	}

	c := r.Counts()
	summary := fmt.Sprintf("%d succeeded, %d failed, %d skipped in %s",
		c[executor.Succeeded], c[executor.FailedRetryable]+c[executor.FailedFatal], c[executor.Skipped],
		r.Duration().Round(time.Millisecond))
	if len(r.Comments) > 0 {
		cc := r.CommentCounts()
		summary += fmt.Sprintf("; comments: %d posted, %d failed, %d skipped",
			cc[executor.Succeeded], cc[executor.FailedRetryable]+cc[executor.FailedFatal], cc[executor.Skipped])
	}
	if r.OK() {
		summary = RenderPass(summary)
	} else {
		summary = RenderFail(summary)
	}
	fmt.Fprintf(&sb, "  %s\n", summary)
	return sb.String()
}

func commentLine(c executor.CommentOutcome) string {
	if c.MessageID == "" {
		return fmt.Sprintf("read comments of issue %d for bug #%s", c.Issue, c.BugID)
	}
	if c.Issue == 0 {
		return fmt.Sprintf("comment %s for bug #%s", c.MessageID, c.BugID)
	}
	return fmt.Sprintf("comment %s on issue %d for bug #%s", c.MessageID, c.Issue, c.BugID)
}

// RenderComments lists the comment outcomes of a pass, one per line.
func RenderComments(r *executor.Report) string {
	var sb strings.Builder
	for _, c := range r.Comments {
		line := commentLine(c)
		if c.Err != nil && c.Status != executor.Skipped {
			line += " " + RenderFail(c.Err.Error())
		}
		if c.Attempts > 1 {
			line += " " + RenderMuted(fmt.Sprintf("(%d attempts)", c.Attempts))
		}
		icon := statusIcon(c.Status)
		if r.DryRun {
			icon = RenderAccent(IconPlan)
		}
		fmt.Fprintf(&sb, "  %s %s\n", icon, line)
	}
	return sb.String()
}

// RenderResult renders a pass result: its report, or the abort reason.
func RenderResult(res *mirror.Result) string {
	if res.Report != nil {
		return RenderReport(res.Report)
	}
	return fmt.Sprintf("%s %s %s\n  %s %s\n",
		RenderCategory(res.Pair.Package), RenderMuted("->"), RenderCategory(res.Pair.Repository),
		RenderFail(IconFail), RenderFail(fmt.Sprint(res.Err)))
}

// RenderSummary renders the closing line of a sync run.
func RenderSummary(results []*mirror.Result) string {
	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	if failed == 0 {
		return RenderPass(fmt.Sprintf("%s %d pass(es) completed", IconPass, len(results)))
	}
	return RenderFail(fmt.Sprintf("%s %d of %d pass(es) failed", IconFail, failed, len(results)))
}

// RenderLinks renders the link table of one repository.
func RenderLinks(repo string, links []*types.MirrorLink) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", RenderCategory(repo), RenderMuted(fmt.Sprintf("(%d links)", len(links))))
	if len(links) == 0 {
		return sb.String()
	}
	sb.WriteString(RenderSeparator() + "\n")
	fmt.Fprintf(&sb, "%-10s %-8s %-12s %s\n", "BUG", "ISSUE", "LABEL", "LINKED")
	for _, l := range links {
		fmt.Fprintf(&sb, "%-10s %-8s %-12s %s\n",
			"#"+l.SourceBugID,
			fmt.Sprintf("#%d", l.SinkIssueID),
			Truncate(l.SyncLabel, 12),
			RenderMuted(l.CreatedAt.UTC().Format(time.RFC3339)))
	}
	return sb.String()
}
