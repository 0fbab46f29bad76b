package binance

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
)

type clientMetrics struct {
	snapshots        metric.Int64Counter
	snapshotDuration metric.Float64Histogram
	frames           metric.Int64Counter
	frameBytes       metric.Int64Histogram
	transportErrors  metric.Int64Counter
	pings            metric.Int64Counter
}

func newClientMetrics() *clientMetrics {
	meter := otel.Meter("adapter.binance")
	cm := &clientMetrics{}

	cm.snapshots, _ = meter.Int64Counter("orderflow_binance_snapshots",
		metric.WithDescription("Depth snapshot fetches by result"),
		metric.WithUnit("{snapshot}"))

	cm.snapshotDuration, _ = meter.Float64Histogram("orderflow_binance_snapshot_duration",
		metric.WithDescription("Depth snapshot fetch latency including retries"),
		metric.WithUnit("ms"))

	cm.frames, _ = meter.Int64Counter("orderflow_binance_ws_frames",
		metric.WithDescription("Depth diff frames decoded from the websocket stream"),
		metric.WithUnit("{frame}"))

	cm.frameBytes, _ = meter.Int64Histogram("orderflow_binance_ws_frame_bytes",
		metric.WithDescription("Size of depth diff frames"),
		metric.WithUnit("By"))

	cm.transportErrors, _ = meter.Int64Counter("orderflow_binance_ws_transport_errors",
		metric.WithDescription("Diff stream terminations caused by transport failures"),
		metric.WithUnit("{error}"))

	cm.pings, _ = meter.Int64Counter("orderflow_binance_ws_pings",
		metric.WithDescription("Ping frames sent on diff stream connections"),
		metric.WithUnit("{ping}"))

	return cm
}

func (cm *clientMetrics) recordSnapshot(ctx context.Context, symbol string, elapsed time.Duration, err error) {
	if cm == nil || cm.snapshots == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(venue, symbol, "snapshot", classifyResult(err))
	cm.snapshots.Add(ctx, 1, metric.WithAttributes(attrs...))
	if cm.snapshotDuration != nil {
		cm.snapshotDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
	}
}

func (cm *clientMetrics) recordFrame(ctx context.Context, symbol string, size int) {
	if cm == nil || cm.frames == nil || cm.frameBytes == nil {
		return
	}
	attrs := telemetry.VenueAttributes(venue, symbol)
	cm.frames.Add(ctx, 1, metric.WithAttributes(attrs...))
	cm.frameBytes.Record(ctx, int64(size), metric.WithAttributes(attrs...))
}

func (cm *clientMetrics) recordTransportError(ctx context.Context, symbol, reason string) {
	if cm == nil || cm.transportErrors == nil {
		return
	}
	attrs := append(telemetry.VenueAttributes(venue, symbol), telemetry.AttrReason.String(reason))
	cm.transportErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (cm *clientMetrics) recordPing(ctx context.Context, symbol string, err error) {
	if cm == nil || cm.pings == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(venue, symbol, "ping", classifyResult(err))
	cm.pings.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func classifyResult(err error) string {
	var e *errs.E
	switch {
	case err == nil:
		return telemetry.ResultSuccess
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &e):
		return string(e.Code)
	default:
		return telemetry.ResultError
	}
}
