// Package executor applies reconciliation plans to the sink tracker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/debian-tools/btsmirror/internal/identity"
	"github.com/debian-tools/btsmirror/internal/reconcile"
	"github.com/debian-tools/btsmirror/internal/telemetry"
	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/types"
)

// LinkRecorder reads and persists links as actions complete.
// *identity.Resolver implements it.
type LinkRecorder interface {
	Lookup(ctx context.Context, bugID string) (*types.MirrorLink, bool, error)
	LookupBySink(ctx context.Context, number int) (*types.MirrorLink, bool, error)
	Record(ctx context.Context, bugID string, number int) (*types.MirrorLink, error)
	Retarget(ctx context.Context, bugID string, oldNumber, newNumber int) (*types.MirrorLink, error)
}

// Executor applies plan actions one at a time. Each sink request is
// retried under Policy; a failed action never stops the following ones,
// except for a duplicate link, which aborts the pass.
type Executor struct {
	Sink   tracker.SinkTracker
	Links  LinkRecorder
	Policy Policy
	Logger *slog.Logger

	// DryRun reports every action and every missing comment as Skipped
	// without changing the sink.
	DryRun bool

	// Sleep waits between attempts. Tests replace it.
	Sleep SleepFunc
	Now   func() time.Time

	actions metric.Int64Counter
}

// New returns an executor for one repository scope.
func New(sink tracker.SinkTracker, links LinkRecorder, policy Policy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	actions, _ := telemetry.Meter("github.com/debian-tools/btsmirror/executor").Int64Counter("btsmirror.actions",
		metric.WithDescription("Plan actions applied, by kind and outcome"),
	)
	return &Executor{
		Sink:    sink,
		Links:   links,
		Policy:  policy,
		Logger:  logger,
		Sleep:   sleepContext,
		Now:     time.Now,
		actions: actions,
	}
}

// Apply executes plan in order and reports one outcome per action, then
// mirrors the plan's threads unless the pass was aborted.
func (e *Executor) Apply(ctx context.Context, plan *reconcile.Plan) *Report {
	report := &Report{
		Package:    plan.Package,
		Repository: plan.Repository,
		DryRun:     e.DryRun,
		Warnings:   plan.Warnings,
		Started:    e.now(),
	}

	for _, a := range plan.Actions {
		var out Outcome
		switch {
		case e.DryRun:
			out = Outcome{Action: a, Status: Skipped}
		case report.Aborted != nil:
			out = Outcome{Action: a, Status: Skipped, Err: report.Aborted}
		case ctx.Err() != nil:
			out = Outcome{Action: a, Status: Skipped, Err: ctx.Err()}
		default:
			out = e.apply(ctx, plan, a)
			var dup *identity.DuplicateLinkError
			if errors.As(out.Err, &dup) {
				report.Aborted = fmt.Errorf("pass aborted: %w", out.Err)
				e.Logger.Error("duplicate link, aborting pass", "repository", plan.Repository,
					"bug", a.Bug.ID, "action", a.Kind.String(), "error", out.Err)
			}
		}
		report.Outcomes = append(report.Outcomes, out)
		e.record(ctx, plan.Repository, out.Action.Kind.String(), out.Status)
	}

	// A bug whose action failed has no usable issue yet; the next pass
	// mirrors its thread.
	failed := make(map[string]bool)
	for _, o := range report.Outcomes {
		if !e.DryRun && o.Status != Succeeded {
			failed[o.Action.Bug.ID] = true
		}
	}
	for _, th := range plan.Threads {
		if report.Aborted != nil || ctx.Err() != nil {
			break
		}
		if failed[th.BugID] {
			continue
		}
		for _, c := range e.mirrorThread(ctx, plan, th) {
			report.Comments = append(report.Comments, c)
			e.record(ctx, plan.Repository, "comment", c.Status)
		}
	}

	if report.Aborted == nil && ctx.Err() != nil && report.Failed() > 0 {
		report.Aborted = ctx.Err()
	}
	report.Finished = e.now()
	return report
}

func (e *Executor) apply(ctx context.Context, plan *reconcile.Plan, a reconcile.Action) Outcome {
	log := e.Logger.With("repository", plan.Repository, "bug", a.Bug.ID, "action", a.Kind.String())
	out := Outcome{Action: a}

	// step runs one sink request under the retry policy.
	step := func(name string, call func(attempt int) error) error {
		n, err := e.Policy.Do(ctx, e.sleep, func(attempt int) error {
			err := call(attempt)
			if err != nil && tracker.IsRetryable(err) {
				log.Warn("sink request failed, will retry", "step", name, "attempt", attempt, "error", err)
			}
			return err
		})
		out.Attempts += n
		return err
	}

	var err error
	switch a.Kind {
	case reconcile.CreateIssue:
		out.Issue, err = e.create(ctx, plan, a, step, log)
	case reconcile.UpdateIssue:
		out.Issue = a.Number
		err = step("update", func(int) error {
			_, err := e.Sink.Update(ctx, plan.Repository, a.Number, a.Title, a.Body)
			return err
		})
	case reconcile.CloseIssue, reconcile.ReopenIssue:
		out.Issue = a.Number
		state := types.StatusClosed
		if a.Kind == reconcile.ReopenIssue {
			state = types.StatusOpen
		}
		err = step(a.Kind.String(), func(int) error {
			_, err := e.Sink.SetState(ctx, plan.Repository, a.Number, state)
			return err
		})
	default:
		err = fmt.Errorf("unknown action kind %v", a.Kind)
	}

	out.Err = err
	out.Status = classify(err)
	switch out.Status {
	case Succeeded:
		log.Info("applied", "issue", out.Issue, "attempts", out.Attempts)
	default:
		log.Error("action failed", "status", out.Status.String(), "issue", out.Issue,
			"attempts", out.Attempts, "error", err)
	}
	return out
}

// create opens, adopts or recreates the issue for a.Bug, records the link,
// and brings an adopted issue in line with the bug.
//
// A create request that failed may still have opened the issue, so every
// retry first looks for an unlinked issue carrying the bug's marker and
// takes it instead of opening another one.
func (e *Executor) create(ctx context.Context, plan *reconcile.Plan, a reconcile.Action, step func(string, func(int) error) error, log *slog.Logger) (int, error) {
	var issue types.SinkIssue
	if a.Adopt != nil {
		issue = *a.Adopt
	} else {
		err := step("create", func(attempt int) error {
			if attempt > 1 {
				found, err := e.findCreated(ctx, plan, a.Bug.ID)
				if err != nil {
					return err
				}
				if found != nil {
					log.Info("earlier create request went through", "issue", found.Number, "attempt", attempt)
					issue = *found
					return nil
				}
			}
			created, err := e.Sink.Create(ctx, plan.Repository, a.Title, a.Body, plan.Label)
			if err == nil {
				issue = *created
			}
			return err
		})
		if err != nil {
			return 0, err
		}
	}

	var err error
	if a.Replaces != nil {
		_, err = e.Links.Retarget(ctx, a.Bug.ID, a.Replaces.SinkIssueID, issue.Number)
	} else {
		_, err = e.Links.Record(ctx, a.Bug.ID, issue.Number)
	}
	if err != nil {
		return issue.Number, err
	}
	if a.Adopt == nil {
		return issue.Number, nil
	}

	if !tracker.SameContent(issue.Title, a.Title) || !tracker.SameContent(issue.Body, a.Body) {
		if err := step("update", func(int) error {
			_, err := e.Sink.Update(ctx, plan.Repository, issue.Number, a.Title, a.Body)
			return err
		}); err != nil {
			return issue.Number, err
		}
	}
	want := types.StatusOpen
	if !a.Bug.IsOpen() {
		want = types.StatusClosed
	}
	if issue.State != want {
		if err := step("set state", func(int) error {
			_, err := e.Sink.SetState(ctx, plan.Repository, issue.Number, want)
			return err
		}); err != nil {
			return issue.Number, err
		}
	}
	return issue.Number, nil
}

// findCreated returns the lowest-numbered labeled issue that carries the
// marker of bugID and is not linked to any bug, or nil.
func (e *Executor) findCreated(ctx context.Context, plan *reconcile.Plan, bugID string) (*types.SinkIssue, error) {
	issues, err := e.Sink.ListLabeled(ctx, plan.Repository, plan.Label)
	if err != nil {
		return nil, err
	}
	var found *types.SinkIssue
	for i := range issues {
		iss := &issues[i]
		if id, ok := tracker.ExtractMarker(iss.Body); !ok || id != bugID {
			continue
		}
		if found != nil && found.Number < iss.Number {
			continue
		}
		_, linked, err := e.Links.LookupBySink(ctx, iss.Number)
		if err != nil {
			return nil, err
		}
		if !linked {
			found = iss
		}
	}
	return found, nil
}

// classify maps an action error to its outcome status.
func classify(err error) Status {
	switch {
	case err == nil:
		return Succeeded
	case tracker.IsRetryable(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return FailedRetryable
	default:
		return FailedFatal
	}
}

func (e *Executor) record(ctx context.Context, repo, kind string, status Status) {
	if e.actions == nil {
		return
	}
	e.actions.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("repository", repo),
		attribute.String("kind", kind),
		attribute.String("status", status.String()),
	))
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep == nil {
		return sleepContext(ctx, d)
	}
	return e.Sleep(ctx, d)
}

func (e *Executor) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}
