package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"wslicense/pkg/contracts/domain"
)

const (
	TracerName = "wslicense/license"
	MeterName  = "wslicense/license"
)

var tracer = otel.Tracer(TracerName)

// Metrics holds the client side licence instruments
type Metrics struct {
	Verdicts        metric.Int64Counter
	Reconciliations metric.Int64Counter
	ClientLatency   metric.Float64Histogram
	UsageDropped    metric.Int64Counter
	UsageDelivered  metric.Int64Counter
}

// InitializeMetrics creates the licence metrics on meter
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Verdicts, err = meter.Int64Counter(
		"license_verdicts_total",
		metric.WithDescription("Local licence verdicts by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verdicts counter: %w", err)
	}

	m.Reconciliations, err = meter.Int64Counter(
		"license_reconciliations_total",
		metric.WithDescription("Reconciliations with the licence registry by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliations counter: %w", err)
	}

	m.ClientLatency, err = meter.Float64Histogram(
		"license_client_request_duration_seconds",
		metric.WithDescription("Licence registry request latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client latency histogram: %w", err)
	}

	m.UsageDropped, err = meter.Int64Counter(
		"license_usage_events_dropped_total",
		metric.WithDescription("Usage events dropped because the queue was full or delivery failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage dropped counter: %w", err)
	}

	m.UsageDelivered, err = meter.Int64Counter(
		"license_usage_events_delivered_total",
		metric.WithDescription("Usage events delivered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage delivered counter: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing
func NoopMetrics() *Metrics {
	m, _ := InitializeMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) recordVerdict(ctx context.Context, v domain.Verdict) {
	if m == nil {
		return
	}
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(v.Reason)),
		attribute.Bool("valid", v.Valid),
	))
}

func (m *Metrics) recordReconcile(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordCall(ctx context.Context, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if ce, ok := err.(*ClientError); ok {
		outcome = string(ce.Kind)
	} else if err != nil {
		outcome = "error"
	}
	m.ClientLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordUsage(ctx context.Context, delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.UsageDelivered.Add(ctx, int64(delivered))
	}
	if dropped > 0 {
		m.UsageDropped.Add(ctx, int64(dropped))
	}
}
