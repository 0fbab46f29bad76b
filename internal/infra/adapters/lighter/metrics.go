package lighter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orderflow/internal/infra/telemetry"
)

type clientMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func newClientMetrics() *clientMetrics {
	meter := otel.Meter("adapter.lighter")
	cm := &clientMetrics{}

	cm.requests, _ = meter.Int64Counter("orderflow_lighter_requests",
		metric.WithDescription("Trading API requests by operation and result"),
		metric.WithUnit("{request}"))

	cm.latency, _ = meter.Float64Histogram("orderflow_lighter_request_duration",
		metric.WithDescription("Trading API round trip including rate limiter wait"),
		metric.WithUnit("ms"))

	return cm
}

func (cm *clientMetrics) recordRequest(ctx context.Context, op, symbol string, elapsed time.Duration, err error) {
	if cm == nil || cm.requests == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	attrs := telemetry.OperationResultAttributes(venue, symbol, op, result)
	cm.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	if cm.latency != nil {
		cm.latency.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	}
}
