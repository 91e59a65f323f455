package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metric instrument names.
const (
	MetricRunsStarted  = "ncrew.runs.started"
	MetricRunsFinished = "ncrew.runs.finished"
	MetricRunsActive   = "ncrew.runs.active"
	MetricRunDuration  = "ncrew.run.duration"
)

// Metrics holds the run instruments.
type Metrics struct {
	RunsStarted  metric.Int64Counter
	RunsFinished metric.Int64Counter
	RunsActive   metric.Int64UpDownCounter
	RunDuration  metric.Float64Histogram
}

// NewMetrics creates the run instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	metrics := &Metrics{}
	var err error

	metrics.RunsStarted, err = meter.Int64Counter(MetricRunsStarted,
		metric.WithDescription("Agent runs spawned"),
	)
	if err != nil {
		return nil, err
	}
	metrics.RunsFinished, err = meter.Int64Counter(MetricRunsFinished,
		metric.WithDescription("Agent runs finalized, by status"),
	)
	if err != nil {
		return nil, err
	}
	metrics.RunsActive, err = meter.Int64UpDownCounter(MetricRunsActive,
		metric.WithDescription("Agent runs currently in progress"),
	)
	if err != nil {
		return nil, err
	}
	metrics.RunDuration, err = meter.Float64Histogram(MetricRunDuration,
		metric.WithDescription("Agent run wall-clock duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

// RunTracker records telemetry for one run between start and finish.
type RunTracker struct {
	span    trace.Span
	metrics *Metrics
	attrs   []attribute.KeyValue
}

// StartRun opens the run span and counts the run as started and active.
// A nil provider or metrics set yields a tracker that records nothing.
func StartRun(ctx context.Context, provider *Provider, metrics *Metrics, attrs ...attribute.KeyValue) *RunTracker {
	tracker := &RunTracker{metrics: metrics, attrs: attrs}
	if provider != nil && provider.Tracer != nil {
		_, tracker.span = provider.Tracer.Start(ctx, "ncrew.run",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
	}
	if metrics != nil {
		set := metric.WithAttributes(attrs...)
		metrics.RunsStarted.Add(ctx, 1, set)
		metrics.RunsActive.Add(ctx, 1, set)
	}
	return tracker
}

// Finish records the terminal status and duration and ends the span.
func (tracker *RunTracker) Finish(ctx context.Context, status string, duration time.Duration, reason string) {
	if tracker == nil {
		return
	}
	if tracker.metrics != nil {
		set := metric.WithAttributes(tracker.attrs...)
		tracker.metrics.RunsActive.Add(ctx, -1, set)
		finished := append(append([]attribute.KeyValue(nil), tracker.attrs...), AttrStatus.String(status))
		tracker.metrics.RunsFinished.Add(ctx, 1, metric.WithAttributes(finished...))
		tracker.metrics.RunDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(finished...))
	}
	if tracker.span != nil {
		tracker.span.SetAttributes(AttrStatus.String(status))
		if reason != "" {
			tracker.span.AddEvent("run.failed", trace.WithAttributes(attribute.String("reason", reason)))
		}
		tracker.span.End()
	}
}
