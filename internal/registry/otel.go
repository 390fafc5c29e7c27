package registry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	TracerName = "wslicense/registry"
	MeterName  = "wslicense/registry"
)

var tracer = otel.Tracer(TracerName)

// Metrics holds the registry instruments
type Metrics struct {
	Activations metric.Int64Counter
	Validations metric.Int64Counter
	LockWait    metric.Float64Histogram
	UsageEvents metric.Int64Counter
}

// InitializeMetrics creates the registry metrics on meter
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Activations, err = meter.Int64Counter(
		"registry_activations_total",
		metric.WithDescription("Activation requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}

	m.Validations, err = meter.Int64Counter(
		"registry_validations_total",
		metric.WithDescription("Validation requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	m.LockWait, err = meter.Float64Histogram(
		"registry_lock_wait_seconds",
		metric.WithDescription("Time spent waiting for licence locks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock wait histogram: %w", err)
	}

	m.UsageEvents, err = meter.Int64Counter(
		"registry_usage_events_total",
		metric.WithDescription("Usage events stored"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage counter: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing
func NoopMetrics() *Metrics {
	m, _ := InitializeMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) recordActivation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Activations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordValidation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordLockWait(ctx context.Context, start time.Time) {
	if m == nil {
		return
	}
	m.LockWait.Record(ctx, time.Since(start).Seconds())
}

func (m *Metrics) recordUsage(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.UsageEvents.Add(ctx, int64(n))
}
