package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orderflow/internal/domain/orderbook"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
)

type supervisorMetrics struct {
	symbol string

	transitions metric.Int64Counter
	sessions    metric.Int64Counter
	outcomes    metric.Int64Counter
	published   metric.Int64Counter
	behind      metric.Int64Counter
	bootstrap   metric.Float64Histogram
}

func newSupervisorMetrics(symbol string) *supervisorMetrics {
	meter := otel.Meter("app.stream")
	sm := &supervisorMetrics{symbol: symbol}

	sm.transitions, _ = meter.Int64Counter("orderflow_stream_state_transitions",
		metric.WithDescription("Supervisor lifecycle transitions by target state"),
		metric.WithUnit("{transition}"))

	sm.sessions, _ = meter.Int64Counter("orderflow_stream_sessions",
		metric.WithDescription("Stream sessions by termination result"),
		metric.WithUnit("{session}"))

	sm.outcomes, _ = meter.Int64Counter("orderflow_stream_sync_outcomes",
		metric.WithDescription("Diff events by synchronizer outcome"),
		metric.WithUnit("{diff}"))

	sm.published, _ = meter.Int64Counter("orderflow_stream_states_published",
		metric.WithDescription("Consistent book states handed to the consumer"),
		metric.WithUnit("{state}"))

	sm.behind, _ = meter.Int64Counter("orderflow_stream_snapshots_behind",
		metric.WithDescription("Snapshots rejected for being older than the emitted sequence"),
		metric.WithUnit("{snapshot}"))

	sm.bootstrap, _ = meter.Float64Histogram("orderflow_stream_bootstrap_duration",
		metric.WithDescription("Time from connect to the first consistent book"),
		metric.WithUnit("ms"))

	return sm
}

func (sm *supervisorMetrics) recordTransition(ctx context.Context, to State) {
	if sm == nil || sm.transitions == nil {
		return
	}
	sm.transitions.Add(ctx, 1, metric.WithAttributes(telemetry.ConnectionAttributes(sm.symbol, to.String())...))
}

func (sm *supervisorMetrics) recordSession(ctx context.Context, result string) {
	if sm == nil || sm.sessions == nil {
		return
	}
	attrs := append(telemetry.SymbolAttributes(sm.symbol), telemetry.AttrResult.String(result))
	sm.sessions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *supervisorMetrics) recordOutcome(ctx context.Context, outcome orderbook.Outcome) {
	if sm == nil || sm.outcomes == nil {
		return
	}
	attrs := append(telemetry.SymbolAttributes(sm.symbol), telemetry.AttrOutcome.String(outcome.String()))
	sm.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *supervisorMetrics) recordPublished(ctx context.Context, n int) {
	if sm == nil || sm.published == nil || n == 0 {
		return
	}
	sm.published.Add(ctx, int64(n), metric.WithAttributes(telemetry.SymbolAttributes(sm.symbol)...))
}

func (sm *supervisorMetrics) recordBehind(ctx context.Context) {
	if sm == nil || sm.behind == nil {
		return
	}
	sm.behind.Add(ctx, 1, metric.WithAttributes(telemetry.SymbolAttributes(sm.symbol)...))
}

func (sm *supervisorMetrics) recordBootstrap(ctx context.Context, elapsed time.Duration) {
	if sm == nil || sm.bootstrap == nil {
		return
	}
	sm.bootstrap.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(telemetry.SymbolAttributes(sm.symbol)...))
}
