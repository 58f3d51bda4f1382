package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersCreatedTotal     = "order_engine_orders_created_total"
	MetricOrdersConfirmedTotal   = "order_engine_orders_confirmed_total"
	MetricOrdersFailedTotal      = "order_engine_orders_failed_total"
	MetricOrdersQuarantinedTotal = "order_engine_orders_quarantined_total"
	MetricRetryAttemptsTotal     = "order_engine_retry_attempts_total"
	MetricStatusEventsDropped    = "order_engine_status_events_dropped_total"
	MetricProcessingLatency      = "order_engine_processing_latency_seconds"
)

// MetricsHolder holds initialized instruments. Instruments are nil until
// InitMetrics runs, so the Inc/Observe helpers below are safe to call from
// tests that never set up telemetry.
type MetricsHolder struct {
	OrdersCreatedTotal     metric.Int64Counter
	OrdersConfirmedTotal   metric.Int64Counter
	OrdersFailedTotal      metric.Int64Counter
	OrdersQuarantinedTotal metric.Int64Counter
	RetryAttemptsTotal     metric.Int64Counter
	StatusEventsDropped    metric.Int64Counter
	ProcessingLatency      metric.Float64Histogram
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics creates the instruments on the given meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OrdersCreatedTotal, err = meter.Int64Counter(MetricOrdersCreatedTotal,
		metric.WithDescription("Total number of orders created")); err != nil {
		return err
	}
	if m.OrdersConfirmedTotal, err = meter.Int64Counter(MetricOrdersConfirmedTotal,
		metric.WithDescription("Total number of orders confirmed")); err != nil {
		return err
	}
	if m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal,
		metric.WithDescription("Total number of processing attempts that failed")); err != nil {
		return err
	}
	if m.OrdersQuarantinedTotal, err = meter.Int64Counter(MetricOrdersQuarantinedTotal,
		metric.WithDescription("Total number of orders quarantined after exhausting retries")); err != nil {
		return err
	}
	if m.RetryAttemptsTotal, err = meter.Int64Counter(MetricRetryAttemptsTotal,
		metric.WithDescription("Total number of redeliveries scheduled")); err != nil {
		return err
	}
	if m.StatusEventsDropped, err = meter.Int64Counter(MetricStatusEventsDropped,
		metric.WithDescription("Total number of status events dropped for want of a live subscriber")); err != nil {
		return err
	}
	if m.ProcessingLatency, err = meter.Float64Histogram(MetricProcessingLatency,
		metric.WithDescription("End-to-end order processing latency in seconds")); err != nil {
		return err
	}

	return nil
}

// IncOrdersCreated increments the created counter
func (m *MetricsHolder) IncOrdersCreated(ctx context.Context, kind string) {
	if m.OrdersCreatedTotal != nil {
		m.OrdersCreatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// IncOrdersConfirmed increments the confirmed counter
func (m *MetricsHolder) IncOrdersConfirmed(ctx context.Context, kind string) {
	if m.OrdersConfirmedTotal != nil {
		m.OrdersConfirmedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// IncOrdersFailed increments the failed-attempt counter
func (m *MetricsHolder) IncOrdersFailed(ctx context.Context, kind string) {
	if m.OrdersFailedTotal != nil {
		m.OrdersFailedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// IncOrdersQuarantined increments the quarantine counter
func (m *MetricsHolder) IncOrdersQuarantined(ctx context.Context, kind string) {
	if m.OrdersQuarantinedTotal != nil {
		m.OrdersQuarantinedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// IncRetryAttempts increments the redelivery counter
func (m *MetricsHolder) IncRetryAttempts(ctx context.Context, kind string) {
	if m.RetryAttemptsTotal != nil {
		m.RetryAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// IncStatusEventsDropped increments the dropped-event counter
func (m *MetricsHolder) IncStatusEventsDropped(ctx context.Context) {
	if m.StatusEventsDropped != nil {
		m.StatusEventsDropped.Add(ctx, 1)
	}
}

// ObserveProcessingLatency records an end-to-end processing duration
func (m *MetricsHolder) ObserveProcessingLatency(ctx context.Context, kind string, seconds float64) {
	if m.ProcessingLatency != nil {
		m.ProcessingLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
