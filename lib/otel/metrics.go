package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PullMetrics holds metrics for image pulls.
type PullMetrics struct {
	PullsTotal   metric.Int64Counter
	PullDuration metric.Float64Histogram
	LayerBytes   metric.Int64Counter
}

// NewPullMetrics creates metrics for the image puller.
func NewPullMetrics(meter metric.Meter) (*PullMetrics, error) {
	pullsTotal, err := meter.Int64Counter(
		"minirun_pulls_total",
		metric.WithDescription("Total number of image pulls from registries"),
	)
	if err != nil {
		return nil, err
	}

	pullDuration, err := meter.Float64Histogram(
		"minirun_pull_duration_seconds",
		metric.WithDescription("Time to pull and unpack an image"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	layerBytes, err := meter.Int64Counter(
		"minirun_layer_bytes_total",
		metric.WithDescription("Compressed layer bytes downloaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &PullMetrics{
		PullsTotal:   pullsTotal,
		PullDuration: pullDuration,
		LayerBytes:   layerBytes,
	}, nil
}

// RecordPull records a finished pull. Safe on a nil receiver.
func (m *PullMetrics) RecordPull(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.PullsTotal.Add(ctx, 1, attrs)
	m.PullDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLayer records the size of a downloaded layer. Safe on a nil receiver.
func (m *PullMetrics) RecordLayer(ctx context.Context, bytes int64) {
	if m == nil {
		return
	}
	m.LayerBytes.Add(ctx, bytes)
}

// RunMetrics holds metrics for isolated runs.
type RunMetrics struct {
	RunsTotal   metric.Int64Counter
	RunDuration metric.Float64Histogram
}

// NewRunMetrics creates metrics for the runner.
func NewRunMetrics(meter metric.Meter) (*RunMetrics, error) {
	runsTotal, err := meter.Int64Counter(
		"minirun_runs_total",
		metric.WithDescription("Total number of isolated runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"minirun_run_duration_seconds",
		metric.WithDescription("Wall time of an isolated run including setup"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		RunsTotal:   runsTotal,
		RunDuration: runDuration,
	}, nil
}

// RecordRun records a finished run. outcome is "ok", "exit" for non-zero
// child codes, or the failing stage. Safe on a nil receiver.
func (m *RunMetrics) RecordRun(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.RunsTotal.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, duration.Seconds(), attrs)
}
