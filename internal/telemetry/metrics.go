package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opencode-ai/turnstream/pkg/types"
)

const meterName = "github.com/opencode-ai/turnstream"

// MetricsObserver records notifications as OpenTelemetry instruments.
type MetricsObserver struct {
	active      metric.Int64UpDownCounter
	sessions    metric.Int64Counter
	duration    metric.Float64Histogram
	tools       metric.Int64Counter
	toolLatency metric.Float64Histogram
	writes      metric.Int64Counter
	violations  metric.Int64Counter
	dropped     metric.Int64Counter
}

// NewMetricsObserver creates instruments on meter, usually Provider.Meter.
func NewMetricsObserver(meter metric.Meter) (*MetricsObserver, error) {
	var (
		m   MetricsObserver
		err error
	)
	if m.active, err = meter.Int64UpDownCounter("turnstream.sessions.active",
		metric.WithDescription("Sessions currently running")); err != nil {
		return nil, err
	}
	if m.sessions, err = meter.Int64Counter("turnstream.sessions.finalized",
		metric.WithDescription("Finalized sessions by status")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("turnstream.session.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.tools, err = meter.Int64Counter("turnstream.tool.invocations"); err != nil {
		return nil, err
	}
	if m.toolLatency, err = meter.Float64Histogram("turnstream.tool.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.writes, err = meter.Int64Counter("turnstream.persist.writes"); err != nil {
		return nil, err
	}
	if m.violations, err = meter.Int64Counter("turnstream.protocol.violations"); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("turnstream.subscribers.dropped"); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *MetricsObserver) SessionStarted(ctx context.Context, _, _ string) {
	m.active.Add(ctx, 1)
}

func (m *MetricsObserver) StateChanged(context.Context, string, types.SessionState, types.SessionState) {
}

func (m *MetricsObserver) ToolCompleted(ctx context.Context, _, tool string, outcome types.ToolOutcome, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("ok", outcome.OK),
		attribute.Bool("timed_out", outcome.TimedOut),
	)
	m.tools.Add(ctx, 1, attrs)
	m.toolLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *MetricsObserver) Persisted(ctx context.Context, _ string, final bool, attempts int, err error) {
	m.writes.Add(ctx, int64(attempts), metric.WithAttributes(
		attribute.Bool("final", final),
		attribute.Bool("failed", err != nil),
	))
}

func (m *MetricsObserver) Violation(ctx context.Context, _ string, _ error) {
	m.violations.Add(ctx, 1)
}

func (m *MetricsObserver) SessionFinalized(ctx context.Context, _ string, status types.FinalStatus, detail string, elapsed time.Duration) {
	m.active.Add(ctx, -1)
	attrs := metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.Bool("persistence_failed", detail == types.DetailPersistenceFailed),
	)
	m.sessions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *MetricsObserver) SubscriberDropped(ctx context.Context, _ string, reason string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
