package execution

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orderflow/internal/domain/trading"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
)

type engineMetrics struct {
	symbol string

	decisions    metric.Int64Counter
	orders       metric.Int64Counter
	orderLatency metric.Float64Histogram
	breakerTrips metric.Int64Counter
	dailyPnL     metric.Float64Gauge
}

func newEngineMetrics(symbol string) *engineMetrics {
	meter := otel.Meter("app.execution")
	em := &engineMetrics{symbol: symbol}

	em.decisions, _ = meter.Int64Counter("orderflow_engine_decisions",
		metric.WithDescription("Decision cycles by resulting action"),
		metric.WithUnit("{decision}"))

	em.orders, _ = meter.Int64Counter("orderflow_engine_orders",
		metric.WithDescription("Order submissions by side and result"),
		metric.WithUnit("{order}"))

	em.orderLatency, _ = meter.Float64Histogram("orderflow_engine_order_latency",
		metric.WithDescription("Venue round trip for order submissions"),
		metric.WithUnit("ms"))

	em.breakerTrips, _ = meter.Int64Counter("orderflow_engine_breaker_trips",
		metric.WithDescription("Daily loss circuit breaker activations"),
		metric.WithUnit("{trip}"))

	em.dailyPnL, _ = meter.Float64Gauge("orderflow_engine_daily_pnl",
		metric.WithDescription("Realised session pnl as a fraction of notional"),
		metric.WithUnit("1"))

	return em
}

func (em *engineMetrics) recordDecision(ctx context.Context, action Action) {
	if em == nil || em.decisions == nil {
		return
	}
	attrs := append(telemetry.SymbolAttributes(em.symbol), telemetry.AttrAction.String(string(action)))
	em.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (em *engineMetrics) recordOrder(ctx context.Context, side trading.Side, result trading.OrderResult, elapsed time.Duration) {
	if em == nil {
		return
	}
	outcome := telemetry.ResultSuccess
	if !result.OK() {
		outcome = telemetry.ResultError
	}
	attrs := append(telemetry.SymbolAttributes(em.symbol),
		telemetry.AttrOrderSide.String(string(side)),
		telemetry.AttrResult.String(outcome))
	if em.orders != nil {
		em.orders.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if em.orderLatency != nil {
		em.orderLatency.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	}
}

func (em *engineMetrics) recordBreaker(ctx context.Context) {
	if em == nil || em.breakerTrips == nil {
		return
	}
	em.breakerTrips.Add(ctx, 1, metric.WithAttributes(telemetry.SymbolAttributes(em.symbol)...))
}

func (em *engineMetrics) recordDailyPnL(ctx context.Context, pnl float64) {
	if em == nil || em.dailyPnL == nil {
		return
	}
	em.dailyPnL.Record(ctx, pnl, metric.WithAttributes(telemetry.SymbolAttributes(em.symbol)...))
}
