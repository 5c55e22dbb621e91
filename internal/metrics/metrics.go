// Package metrics records saga, outbox and command-handler measurements
// through OpenTelemetry and exposes them in Prometheus format.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/richardliu001/account-saga"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	outboxDeliveries metric.Int64Counter
	outboxLatency    metric.Float64Histogram
	sagasStarted     metric.Int64Counter
	sagasFinished    metric.Int64Counter
	sagaEvents       metric.Int64Counter
	commandsHandled  metric.Int64Counter
}

// New builds the instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.outboxDeliveries, err = meter.Int64Counter(
		"outbox_deliveries_total",
		metric.WithDescription("Outbox delivery attempts by resulting status"),
	); err != nil {
		return nil, err
	}
	if m.outboxLatency, err = meter.Float64Histogram(
		"outbox_publish_duration_seconds",
		metric.WithDescription("Broker publish latency of outbox entries"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.sagasStarted, err = meter.Int64Counter(
		"sagas_started_total",
		metric.WithDescription("Sagas initiated by type"),
	); err != nil {
		return nil, err
	}
	if m.sagasFinished, err = meter.Int64Counter(
		"sagas_finished_total",
		metric.WithDescription("Sagas reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.sagaEvents, err = meter.Int64Counter(
		"saga_events_total",
		metric.WithDescription("Saga events consumed by kind and outcome"),
	); err != nil {
		return nil, err
	}
	if m.commandsHandled, err = meter.Int64Counter(
		"account_commands_total",
		metric.WithDescription("Account commands handled by kind and result"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// OutboxDelivery records one delivery attempt.
func (m *Metrics) OutboxDelivery(ctx context.Context, eventType, status string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("status", status),
	)
	m.outboxDeliveries.Add(ctx, 1, attrs)
	m.outboxLatency.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) SagaStarted(ctx context.Context, sagaType string) {
	if m == nil {
		return
	}
	m.sagasStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", sagaType)))
}

func (m *Metrics) SagaFinished(ctx context.Context, sagaType, status string) {
	if m == nil {
		return
	}
	m.sagasFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", sagaType),
		attribute.String("status", status),
	))
}

func (m *Metrics) SagaEvent(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.sagaEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) CommandHandled(ctx context.Context, kind, result string) {
	if m == nil {
		return
	}
	m.commandsHandled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}
