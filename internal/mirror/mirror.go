// Package mirror runs reconciliation passes: one pass per configured
// (package, repository) pair, each inside its own repository scope.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/debian-tools/btsmirror/internal/executor"
	"github.com/debian-tools/btsmirror/internal/identity"
	"github.com/debian-tools/btsmirror/internal/reconcile"
	"github.com/debian-tools/btsmirror/internal/storage"
	"github.com/debian-tools/btsmirror/internal/telemetry"
	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/types"
)

const scopeName = "github.com/debian-tools/btsmirror/mirror"

// Runner holds what every pass shares. Passes for different repositories
// may run concurrently; passes for the same repository serialize on the
// repository lock.
type Runner struct {
	Source tracker.SourceTracker
	Sink   tracker.SinkTracker
	Store  storage.LinkStorage

	Label  string
	Policy executor.Policy
	Mapper tracker.FieldMapper

	// StateDir holds repository locks. Empty disables locking.
	StateDir    string
	LockTimeout time.Duration

	// PassTimeout bounds one whole pass. Zero means no limit.
	PassTimeout time.Duration

	// Concurrency bounds RunAll. Values below 1 mean 1.
	Concurrency int

	DryRun bool
	Logger *slog.Logger

	// Sleep and Now are replaced by tests.
	Sleep executor.SleepFunc
	Now   func() time.Time
}

// Result is the outcome of one pass.
type Result struct {
	Pair   types.Pair
	Plan   *reconcile.Plan  // nil if the pass aborted before planning
	Report *executor.Report // nil if the pass aborted before applying
	Err    error            // why the pass aborted, nil otherwise
}

// OK reports whether the pass ran to completion with no failed action.
func (r *Result) OK() bool {
	return r.Err == nil && r.Report != nil && r.Report.OK()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunAll runs one pass per pair, at most Concurrency at a time, and
// returns the results in pair order. A failing pass never stops the others.
func (r *Runner) RunAll(ctx context.Context, pairs []types.Pair) []*Result {
	results := make([]*Result, len(pairs))

	var g errgroup.Group
	g.SetLimit(max(r.Concurrency, 1))
	for i, pair := range pairs {
		g.Go(func() error {
			results[i] = r.RunPass(ctx, pair)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RunPass executes one pass for pair: acquire the repository scope,
// snapshot both trackers, plan, apply, release.
func (r *Runner) RunPass(ctx context.Context, pair types.Pair) (result *Result) {
	result = &Result{Pair: pair}
	log := r.logger().With("package", pair.Package, "repository", pair.Repository)

	if r.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.PassTimeout)
		defer cancel()
	}

	ctx, span := telemetry.Tracer(scopeName).Start(ctx, "btsmirror.pass")
	span.SetAttributes(
		attribute.String("btsmirror.package", pair.Package),
		attribute.String("btsmirror.repository", pair.Repository),
		attribute.Bool("btsmirror.dry_run", r.DryRun),
	)
	defer func() {
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
		span.End()
	}()

	resolver, err := identity.Open(ctx, r.Store, identity.Options{
		Repository:  pair.Repository,
		SyncLabel:   r.Label,
		StateDir:    r.StateDir,
		LockTimeout: r.LockTimeout,
		Logger:      log,
		Now:         r.Now,
	})
	if err != nil {
		result.Err = fmt.Errorf("acquire %s: %w", pair.Repository, err)
		log.Error("pass aborted", "error", result.Err)
		return result
	}
	defer func() {
		if err := resolver.Release(); err != nil {
			log.Warn("failed to release repository scope", "error", err)
		}
	}()

	plan, err := r.plan(ctx, pair, resolver, log)
	if err != nil {
		result.Err = err
		log.Error("pass aborted", "error", err)
		return result
	}
	result.Plan = plan

	for _, w := range plan.Warnings {
		log.Warn("mirrored issue missing from sink", "bug", w.SourceBugID, "issue", w.SinkIssueID, "bug_open", w.BugOpen)
	}
	log.Info("plan computed", "actions", len(plan.Actions), "threads", len(plan.Threads), "untracked", plan.Untracked)

	ex := executor.New(r.Sink, resolver, r.Policy, log)
	ex.DryRun = r.DryRun
	if r.Sleep != nil {
		ex.Sleep = r.Sleep
	}
	if r.Now != nil {
		ex.Now = r.Now
	}
	report := ex.Apply(ctx, plan)
	result.Report = report

	counts := report.Counts()
	comments := report.CommentCounts()
	log.Info("pass finished",
		"succeeded", counts[executor.Succeeded],
		"failed", counts[executor.FailedRetryable]+counts[executor.FailedFatal],
		"skipped", counts[executor.Skipped],
		"comments_posted", comments[executor.Succeeded],
		"comments_failed", comments[executor.FailedRetryable]+comments[executor.FailedFatal],
		"duration", report.Duration())

	if report.Aborted != nil {
		span.RecordError(report.Aborted)
		span.SetStatus(codes.Error, report.Aborted.Error())
	}
	if report.OK() && !r.DryRun {
		r.markPass(ctx, pair, log)
	}
	return result
}

// plan takes both snapshots and diffs them. Any error aborts the pass.
func (r *Runner) plan(ctx context.Context, pair types.Pair, resolver *identity.Resolver, log *slog.Logger) (*reconcile.Plan, error) {
	if _, err := r.Policy.Do(ctx, r.sleep, func(attempt int) error {
		return r.Sink.EnsureLabel(ctx, pair.Repository, r.Label)
	}); err != nil {
		if errors.Is(err, tracker.ErrLabelMissing) {
			return nil, fmt.Errorf("label %q not found on %s: create it on GitHub first: %w", r.Label, pair.Repository, err)
		}
		return nil, fmt.Errorf("check label: %w", err)
	}

	bugs, err := r.Source.Fetch(ctx, pair.Package)
	if err != nil {
		return nil, fmt.Errorf("fetch bugs: %w", err)
	}
	log.Debug("source snapshot", "bugs", len(bugs))

	var issues []types.SinkIssue
	attempts, err := r.Policy.Do(ctx, r.sleep, func(attempt int) error {
		if attempt > 1 {
			log.Debug("retrying issue listing", "attempt", attempt)
		}
		var lerr error
		issues, lerr = r.Sink.ListLabeled(ctx, pair.Repository, r.Label)
		return lerr
	})
	if err != nil {
		return nil, fmt.Errorf("list issues after %d attempts: %w", attempts, err)
	}
	log.Debug("sink snapshot", "issues", len(issues))

	links, err := resolver.Links(ctx)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}

	rec := reconcile.New(r.Mapper, log)
	return rec.Plan(reconcile.Snapshot{
		Package:    pair.Package,
		Repository: pair.Repository,
		Label:      r.Label,
		Bugs:       bugs,
		Issues:     issues,
		Links:      links,
	}), nil
}

// markPass records a fully successful pass. Failures here are logged,
// not reported: the sink and the links are already consistent.
func (r *Runner) markPass(ctx context.Context, pair types.Pair, log *slog.Logger) {
	if err := r.Store.SetLastPass(ctx, pair.Repository, r.now()); err != nil {
		log.Warn("failed to record pass time", "error", err)
		return
	}
	if c, ok := r.Store.(storage.Committer); ok {
		msg := fmt.Sprintf("btsmirror: %s -> %s", pair.Package, pair.Repository)
		if err := c.Commit(ctx, msg); err != nil {
			log.Warn("failed to commit store", "error", err)
		}
	}
}

// Failed reports whether any result aborted or has failed actions.
func Failed(results []*Result) bool {
	for _, res := range results {
		if !res.OK() {
			return true
		}
	}
	return false
}
