package recovery

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// passMetrics holds the metric instruments for recovery passes.
type passMetrics struct {
	passesCounter    metric.Int64Counter
	resolvedCounter  metric.Int64Counter
	skippedCounter   metric.Int64Counter
	durationSeconds  metric.Float64Histogram
	unreachableNodes metric.Int64Counter
}

// newPassMetrics creates and registers the recovery metrics. A nil meter
// yields no-op instruments.
func newPassMetrics(meter metric.Meter) (*passMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("noop")
	}

	passesCounter, err := meter.Int64Counter(
		"sqlgrid.recovery.passes_total",
		metric.WithDescription("Total number of recovery passes run."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	resolvedCounter, err := meter.Int64Counter(
		"sqlgrid.recovery.resolved_total",
		metric.WithDescription("Prepared transactions finalized, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	skippedCounter, err := meter.Int64Counter(
		"sqlgrid.recovery.skipped_total",
		metric.WithDescription("Prepared transactions left for a later pass."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	durationSeconds, err := meter.Float64Histogram(
		"sqlgrid.recovery.pass_duration",
		metric.WithDescription("Duration of recovery passes."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	unreachableNodes, err := meter.Int64Counter(
		"sqlgrid.recovery.unreachable_nodes_total",
		metric.WithDescription("Nodes skipped because they could not be reached."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &passMetrics{
		passesCounter:    passesCounter,
		resolvedCounter:  resolvedCounter,
		skippedCounter:   skippedCounter,
		durationSeconds:  durationSeconds,
		unreachableNodes: unreachableNodes,
	}, nil
}

func (m *passMetrics) recordResolved(ctx context.Context, outcome string) {
	m.resolvedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
