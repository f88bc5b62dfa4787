package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/hanko-field/fulfillment"

// Metrics holds the counters emitted by the reconciliation services. A zero Metrics is a no-op.
type Metrics struct {
	reconcile metric.Int64Counter
	softFail  metric.Int64Counter
	stages    metric.Int64Counter
	tracking  metric.Int64Counter
	jobs      metric.Int64Counter
}

// NewMetrics registers counters on meter, or on the global provider when meter is nil.
// Registration failures are logged and leave the affected counter disabled.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			logger.Warn("observability: unable to register metric", zap.String("metric", name), zap.Error(err))
			return nil
		}
		return c
	}
	return &Metrics{
		reconcile: counter("reconcile.outcomes", "Payment webhook reconciliation outcomes"),
		softFail:  counter("reconcile.soft_failures", "Payment webhooks acknowledged despite an internal failure"),
		stages:    counter("fulfillment.stage_results", "Fulfillment stage attempts by stage and result"),
		tracking:  counter("tracking.events", "Tracking events seen by source and disposition"),
		jobs:      counter("jobs.completed", "Background job completions by type and status"),
	}
}

// ReconcileOutcome counts a payment webhook outcome.
func (m *Metrics) ReconcileOutcome(ctx context.Context, gateway, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("gateway", gateway), attribute.String("outcome", outcome))
	add(ctx, m.reconcile, attrs)
	if outcome == "soft_failure" {
		add(ctx, m.softFail, metric.WithAttributes(attribute.String("gateway", gateway)))
	}
}

// StageResult counts a fulfillment stage attempt.
func (m *Metrics) StageResult(ctx context.Context, stage, result string) {
	if m == nil {
		return
	}
	add(ctx, m.stages, metric.WithAttributes(attribute.String("stage", stage), attribute.String("result", result)))
}

// TrackingEvent counts a tracking event by source (webhook or sync) and disposition
// (inserted, duplicate, upserted, dropped).
func (m *Metrics) TrackingEvent(ctx context.Context, source, disposition string) {
	if m == nil {
		return
	}
	add(ctx, m.tracking, metric.WithAttributes(attribute.String("source", source), attribute.String("disposition", disposition)))
}

// JobCompleted counts a finished job run.
func (m *Metrics) JobCompleted(ctx context.Context, jobType, status string) {
	if m == nil {
		return
	}
	add(ctx, m.jobs, metric.WithAttributes(attribute.String("type", jobType), attribute.String("status", status)))
}

func add(ctx context.Context, counter metric.Int64Counter, opts ...metric.AddOption) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, opts...)
}
