package engine

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the tracer/meter pair the engine accepts at construction
// (§4.5.1 / §9 "global tracer" redesign note): explicit injection instead of
// a process-wide singleton. NoopTelemetry gives every test and every caller
// that doesn't care about observability a structurally real, zero-cost
// implementation rather than a nil check scattered through the pipeline.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tasksStarted   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	taskDuration   metric.Float64Histogram
}

// NoopTelemetry returns a Telemetry wired to the OpenTelemetry no-op
// implementations — tracing and metrics are always structurally present,
// with zero runtime cost when no exporter is configured.
func NoopTelemetry() *Telemetry {
	return NewTelemetry(trace.NewNoopTracerProvider().Tracer("kaix-core/engine"), noop.NewMeterProvider().Meter("kaix-core/engine"))
}

// NewTelemetry builds a Telemetry from an explicit tracer and meter,
// registering the counters/histogram used by the per-task pipeline.
func NewTelemetry(tracer trace.Tracer, meter metric.Meter) *Telemetry {
	t := &Telemetry{Tracer: tracer, Meter: meter}
	t.tasksStarted, _ = meter.Int64Counter("kaix_tasks_started_total")
	t.tasksCompleted, _ = meter.Int64Counter("kaix_tasks_completed_total")
	t.tasksFailed, _ = meter.Int64Counter("kaix_tasks_failed_total")
	t.taskDuration, _ = meter.Float64Histogram("kaix_task_duration_ms")
	return t
}

func (t *Telemetry) recordStarted(ctx context.Context) {
	if t.tasksStarted != nil {
		t.tasksStarted.Add(ctx, 1)
	}
}

func (t *Telemetry) recordCompleted(ctx context.Context, success bool, durationMs float64) {
	if success && t.tasksCompleted != nil {
		t.tasksCompleted.Add(ctx, 1)
	}
	if !success && t.tasksFailed != nil {
		t.tasksFailed.Add(ctx, 1)
	}
	if t.taskDuration != nil {
		t.taskDuration.Record(ctx, durationMs)
	}
}
