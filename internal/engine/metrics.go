package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/coachpo/marlin/internal/engine"

// engineMetrics bundles the engine's OpenTelemetry counters. Instruments
// come from the global meter provider, so with no SDK installed every
// recording is a no-op.
type engineMetrics struct {
	ticks           metric.Int64Counter
	ticksSkipped    metric.Int64Counter
	ordersPlaced    metric.Int64Counter
	ordersCancelled metric.Int64Counter
	stopsFired      metric.Int64Counter
	rateLimitHits   metric.Int64Counter
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter(meterName)
	m := &engineMetrics{}
	m.ticks, _ = meter.Int64Counter("marlin.engine.ticks",
		metric.WithDescription("Completed control ticks."))
	m.ticksSkipped, _ = meter.Int64Counter("marlin.engine.ticks_skipped",
		metric.WithDescription("Ticks dropped because a previous tick was still running."))
	m.ordersPlaced, _ = meter.Int64Counter("marlin.engine.orders_placed",
		metric.WithDescription("Orders submitted to the venue."))
	m.ordersCancelled, _ = meter.Int64Counter("marlin.engine.orders_cancelled",
		metric.WithDescription("Cancel requests submitted to the venue."))
	m.stopsFired, _ = meter.Int64Counter("marlin.engine.stops_fired",
		metric.WithDescription("Stop-loss and trailing-stop closes triggered."))
	m.rateLimitHits, _ = meter.Int64Counter("marlin.engine.rate_limit_hits",
		metric.WithDescription("Venue rate-limit rejections observed."))
	return m
}

func (m *engineMetrics) add(ctx context.Context, counter metric.Int64Counter, symbol string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}
