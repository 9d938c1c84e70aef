package containers

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments for container lifecycle operations.
// It is optional — a nil *Metrics (the zero value from an unset meter) is
// always safe to call RecordRun/RecordTransition on.
type Metrics struct {
	runs        metric.Int64Counter
	transitions metric.Int64Counter
}

// NewMetrics registers the container instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runs, err := meter.Int64Counter(
		"proobox_container_runs_total",
		metric.WithDescription("Total number of container runs, by detach mode"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"proobox_container_state_transitions_total",
		metric.WithDescription("Total number of container state transitions"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{runs: runs, transitions: transitions}, nil
}

// RecordRun records a container run, tagged by whether it was detached.
func (m *Metrics) RecordRun(ctx context.Context, detached bool) {
	if m == nil {
		return
	}
	mode := "foreground"
	if detached {
		mode = "detached"
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordTransition records a state transition between fromStatus and
// toStatus.
func (m *Metrics) RecordTransition(ctx context.Context, fromStatus, toStatus string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", fromStatus),
		attribute.String("to", toStatus),
	))
}
