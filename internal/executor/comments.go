package executor

import (
	"context"

	"github.com/debian-tools/btsmirror/internal/reconcile"
	"github.com/debian-tools/btsmirror/internal/tracker"
)

// mirrorThread posts the messages of th that are not on the bug's issue
// yet, in bug-log order. The first failure stops the thread; the messages
// after it are Skipped and left for the next pass.
func (e *Executor) mirrorThread(ctx context.Context, plan *reconcile.Plan, th reconcile.Thread) []CommentOutcome {
	log := e.Logger.With("repository", plan.Repository, "bug", th.BugID)

	link, ok, err := e.Links.Lookup(ctx, th.BugID)
	if err != nil {
		log.Error("comment mirroring failed", "error", err)
		return []CommentOutcome{{BugID: th.BugID, Status: classify(err), Err: err}}
	}
	if !ok {
		if !e.DryRun {
			log.Debug("no linked issue, comments wait for the next pass")
			return nil
		}
		outs := make([]CommentOutcome, 0, len(th.Messages))
		for _, msg := range th.Messages {
			outs = append(outs, CommentOutcome{BugID: th.BugID, MessageID: msg.ID, Status: Skipped})
		}
		return outs
	}
	number := link.SinkIssueID
	log = log.With("issue", number)

	var posted map[string]bool
	attempts, err := e.Policy.Do(ctx, e.sleep, func(attempt int) error {
		var lerr error
		posted, lerr = e.postedMessages(ctx, plan.Repository, number)
		if lerr != nil && tracker.IsRetryable(lerr) {
			log.Warn("sink request failed, will retry", "step", "list comments", "attempt", attempt, "error", lerr)
		}
		return lerr
	})
	if err != nil {
		log.Error("comment mirroring failed", "attempts", attempts, "error", err)
		return []CommentOutcome{{BugID: th.BugID, Issue: number, Status: classify(err), Attempts: attempts, Err: err}}
	}

	var outs []CommentOutcome
	var stopped error
	for _, msg := range th.Messages {
		if posted[msg.ID] {
			continue
		}
		posted[msg.ID] = true

		out := CommentOutcome{BugID: th.BugID, Issue: number, MessageID: msg.ID}
		switch {
		case e.DryRun:
			out.Status = Skipped
		case stopped != nil:
			out.Status, out.Err = Skipped, stopped
		case ctx.Err() != nil:
			out.Status, out.Err = Skipped, ctx.Err()
		default:
			body := tracker.CommentBody(&msg)
			out.Attempts, out.Err = e.Policy.Do(ctx, e.sleep, func(attempt int) error {
				if attempt > 1 {
					// The failed request may have been applied.
					again, err := e.postedMessages(ctx, plan.Repository, number)
					if err != nil {
						return err
					}
					if again[msg.ID] {
						return nil
					}
				}
				_, err := e.Sink.CreateComment(ctx, plan.Repository, number, body)
				if err != nil && tracker.IsRetryable(err) {
					log.Warn("sink request failed, will retry", "step", "comment", "message", msg.ID, "attempt", attempt, "error", err)
				}
				return err
			})
			out.Status = classify(out.Err)
			if out.Err != nil {
				stopped = out.Err
				log.Error("comment failed", "message", msg.ID, "status", out.Status.String(),
					"attempts", out.Attempts, "error", out.Err)
			} else {
				log.Info("comment mirrored", "message", msg.ID, "attempts", out.Attempts)
			}
		}
		outs = append(outs, out)
	}
	return outs
}

// postedMessages returns the message ids already mirrored on an issue.
func (e *Executor) postedMessages(ctx context.Context, repo string, number int) (map[string]bool, error) {
	comments, err := e.Sink.ListComments(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	posted := make(map[string]bool, len(comments))
	for _, c := range comments {
		if id, ok := tracker.ExtractCommentMarker(c.Body); ok {
			posted[id] = true
		}
	}
	return posted, nil
}
