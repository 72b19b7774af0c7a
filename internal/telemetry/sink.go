package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/types"
)

const sinkScopeName = "github.com/debian-tools/btsmirror/sink"

// InstrumentedSink wraps tracker.SinkTracker with OTel tracing and metrics.
// Every call gets a span and is counted in btsmirror.sink.* metrics.
// Use WrapSink to create one.
type InstrumentedSink struct {
	inner  tracker.SinkTracker
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapSink returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is.
func WrapSink(s tracker.SinkTracker) tracker.SinkTracker {
	if !Enabled() {
		return s
	}
	m := Meter(sinkScopeName)
	ops, _ := m.Int64Counter("btsmirror.sink.requests",
		metric.WithDescription("Total sink tracker requests"),
	)
	dur, _ := m.Float64Histogram("btsmirror.sink.request.duration",
		metric.WithDescription("Sink tracker request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("btsmirror.sink.errors",
		metric.WithDescription("Total failed sink tracker requests"),
	)
	return &InstrumentedSink{
		inner:  s,
		tracer: Tracer(sinkScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named sink operation.
func (s *InstrumentedSink) op(ctx context.Context, name, repo string) (context.Context, trace.Span, time.Time, []attribute.KeyValue) {
	attrs := []attribute.KeyValue{
		attribute.String("sink.operation", name),
		attribute.String("sink.repository", repo),
	}
	ctx, span := s.tracer.Start(ctx, "sink."+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(attrs...))
	return ctx, span, time.Now(), attrs
}

// done ends the span, records duration and optional error.
func (s *InstrumentedSink) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs []attribute.KeyValue) {
	s.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Bool("retryable", tracker.IsRetryable(err)))...))
	}
	span.End()
}

func (s *InstrumentedSink) Name() string { return s.inner.Name() }

func (s *InstrumentedSink) ListLabeled(ctx context.Context, repo, label string) ([]types.SinkIssue, error) {
	ctx, span, t, attrs := s.op(ctx, "list_labeled", repo)
	issues, err := s.inner.ListLabeled(ctx, repo, label)
	if err == nil {
		span.SetAttributes(attribute.Int("sink.issue_count", len(issues)))
	}
	s.done(ctx, span, t, err, attrs)
	return issues, err
}

func (s *InstrumentedSink) Create(ctx context.Context, repo, title, body, label string) (*types.SinkIssue, error) {
	ctx, span, t, attrs := s.op(ctx, "create", repo)
	issue, err := s.inner.Create(ctx, repo, title, body, label)
	if err == nil && issue != nil {
		span.SetAttributes(attribute.Int("sink.issue", issue.Number))
	}
	s.done(ctx, span, t, err, attrs)
	return issue, err
}

func (s *InstrumentedSink) Update(ctx context.Context, repo string, number int, title, body string) (*types.SinkIssue, error) {
	ctx, span, t, attrs := s.op(ctx, "update", repo)
	span.SetAttributes(attribute.Int("sink.issue", number))
	issue, err := s.inner.Update(ctx, repo, number, title, body)
	s.done(ctx, span, t, err, attrs)
	return issue, err
}

func (s *InstrumentedSink) SetState(ctx context.Context, repo string, number int, state types.Status) (*types.SinkIssue, error) {
	ctx, span, t, attrs := s.op(ctx, "set_state", repo)
	span.SetAttributes(attribute.Int("sink.issue", number), attribute.String("sink.state", string(state)))
	issue, err := s.inner.SetState(ctx, repo, number, state)
	s.done(ctx, span, t, err, attrs)
	return issue, err
}

func (s *InstrumentedSink) EnsureLabel(ctx context.Context, repo, label string) error {
	ctx, span, t, attrs := s.op(ctx, "ensure_label", repo)
	err := s.inner.EnsureLabel(ctx, repo, label)
	s.done(ctx, span, t, err, attrs)
	return err
}

func (s *InstrumentedSink) ListComments(ctx context.Context, repo string, number int) ([]types.SinkComment, error) {
	ctx, span, t, attrs := s.op(ctx, "list_comments", repo)
	span.SetAttributes(attribute.Int("sink.issue", number))
	comments, err := s.inner.ListComments(ctx, repo, number)
	if err == nil {
		span.SetAttributes(attribute.Int("sink.comment_count", len(comments)))
	}
	s.done(ctx, span, t, err, attrs)
	return comments, err
}

func (s *InstrumentedSink) CreateComment(ctx context.Context, repo string, number int, body string) (*types.SinkComment, error) {
	ctx, span, t, attrs := s.op(ctx, "create_comment", repo)
	span.SetAttributes(attribute.Int("sink.issue", number))
	comment, err := s.inner.CreateComment(ctx, repo, number, body)
	s.done(ctx, span, t, err, attrs)
	return comment, err
}
