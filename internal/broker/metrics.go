package broker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/eddiefleurent/ibkr_bridge/internal/broker"

type bridgeMetrics struct {
	requests      metric.Int64Counter
	latency       metric.Float64Histogram
	lateEvents    metric.Int64Counter
	qualifyTries  metric.Int64Counter
	pendingCancel metric.Int64Counter
}

// newMetrics creates the bridge instruments. Instrument creation errors fall
// back to no-op instruments so metrics never affect request handling.
func newMetrics(meter metric.Meter) *bridgeMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	fallback := noop.NewMeterProvider().Meter(meterName)

	requests, err := meter.Int64Counter("bridge.requests",
		metric.WithDescription("Gateway requests by kind and outcome"),
		metric.WithUnit("{request}"))
	if err != nil {
		requests, _ = fallback.Int64Counter("bridge.requests")
	}
	latency, err := meter.Float64Histogram("bridge.request.duration",
		metric.WithDescription("Time from request issue to slot resolution"),
		metric.WithUnit("s"))
	if err != nil {
		latency, _ = fallback.Float64Histogram("bridge.request.duration")
	}
	lateEvents, err := meter.Int64Counter("bridge.events.dropped",
		metric.WithDescription("Inbound events for ids with no pending request"),
		metric.WithUnit("{event}"))
	if err != nil {
		lateEvents, _ = fallback.Int64Counter("bridge.events.dropped")
	}
	qualifyTries, err := meter.Int64Counter("bridge.qualify.attempts",
		metric.WithDescription("Contract qualification attempts by outcome"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		qualifyTries, _ = fallback.Int64Counter("bridge.qualify.attempts")
	}
	pendingCancel, err := meter.Int64Counter("bridge.requests.cancelled",
		metric.WithDescription("Pending requests failed by a connection close"),
		metric.WithUnit("{request}"))
	if err != nil {
		pendingCancel, _ = fallback.Int64Counter("bridge.requests.cancelled")
	}

	return &bridgeMetrics{
		requests:      requests,
		latency:       latency,
		lateEvents:    lateEvents,
		qualifyTries:  qualifyTries,
		pendingCancel: pendingCancel,
	}
}

func (m *bridgeMetrics) recordRequest(ctx context.Context, kind RequestKind, started time.Time, err error) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("outcome", outcomeOf(err)),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, time.Since(started).Seconds(), attrs)
}

func (m *bridgeMetrics) recordDropped(event string) {
	m.lateEvents.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *bridgeMetrics) recordQualifyAttempt(ctx context.Context, exchange, outcome string) {
	m.qualifyTries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("outcome", outcome),
	))
}

func (m *bridgeMetrics) recordCancelled(n int) {
	if n > 0 {
		m.pendingCancel.Add(context.Background(), int64(n))
	}
}

func outcomeOf(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOrderOutcomeUnknown):
		return "outcome_unknown"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
