// Package telemetry provides the relay's OpenTelemetry metric instruments.
// When disabled, instruments come from a no-op meter and cost nothing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope name for relay metrics.
const MeterName = "agent-relay"

// Metrics holds all relay metric instruments.
type Metrics struct {
	FramesReceived      metric.Int64Counter
	FramesSent          metric.Int64Counter
	WriteFailures       metric.Int64Counter
	ActiveClients       metric.Int64UpDownCounter
	ActiveSessions      metric.Int64UpDownCounter
	TurnsStarted        metric.Int64Counter
	TurnsFailed         metric.Int64Counter
	TurnsRejected       metric.Int64Counter
	TurnDuration        metric.Float64Histogram
	InteractionsQueued  metric.Int64Counter
	InteractionsDropped metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.FramesReceived, err = meter.Int64Counter("relay.frames.received",
		metric.WithDescription("Inbound client frames by type"),
	); err != nil {
		return nil, err
	}
	if m.FramesSent, err = meter.Int64Counter("relay.frames.sent",
		metric.WithDescription("Outbound frames successfully written to sockets"),
	); err != nil {
		return nil, err
	}
	if m.WriteFailures, err = meter.Int64Counter("relay.frames.write_failures",
		metric.WithDescription("Outbound socket writes that failed or timed out"),
	); err != nil {
		return nil, err
	}
	if m.ActiveClients, err = meter.Int64UpDownCounter("relay.clients.active",
		metric.WithDescription("Currently connected clients"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("relay.sessions.active",
		metric.WithDescription("Currently registered sessions"),
	); err != nil {
		return nil, err
	}
	if m.TurnsStarted, err = meter.Int64Counter("relay.turns.started",
		metric.WithDescription("Chat turns started"),
	); err != nil {
		return nil, err
	}
	if m.TurnsFailed, err = meter.Int64Counter("relay.turns.failed",
		metric.WithDescription("Chat turns that ended with an orchestrator error"),
	); err != nil {
		return nil, err
	}
	if m.TurnsRejected, err = meter.Int64Counter("relay.turns.rejected",
		metric.WithDescription("Chat messages rejected because a turn was already running"),
	); err != nil {
		return nil, err
	}
	if m.TurnDuration, err = meter.Float64Histogram("relay.turn.duration",
		metric.WithDescription("Chat turn duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.InteractionsQueued, err = meter.Int64Counter("relay.interactions.queued",
		metric.WithDescription("Interactions appended to session queues"),
	); err != nil {
		return nil, err
	}
	if m.InteractionsDropped, err = meter.Int64Counter("relay.interactions.dropped",
		metric.WithDescription("Interactions discarded before consumption"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Noop returns instruments backed by a no-op meter.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The no-op meter never fails to create instruments.
		panic("telemetry: noop meter: " + err.Error())
	}
	return m
}

// FrameReceived counts an inbound frame of the given type.
func (m *Metrics) FrameReceived(ctx context.Context, frameType string) {
	if m == nil {
		return
	}
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", frameType)))
}

// FrameSent counts delivered and failed outbound writes.
func (m *Metrics) FrameSent(ctx context.Context, delivered, failed int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.FramesSent.Add(ctx, int64(delivered))
	}
	if failed > 0 {
		m.WriteFailures.Add(ctx, int64(failed))
	}
}

// ClientConnected adjusts the active client gauge by delta.
func (m *Metrics) ClientConnected(ctx context.Context, delta int64, role string) {
	if m == nil {
		return
	}
	m.ActiveClients.Add(ctx, delta, metric.WithAttributes(attribute.String("role", role)))
}

// SessionCount adjusts the active session gauge by delta.
func (m *Metrics) SessionCount(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

// TurnStarted counts a started chat turn.
func (m *Metrics) TurnStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TurnsStarted.Add(ctx, 1)
}

// TurnRejected counts a chat message refused because the session was busy.
func (m *Metrics) TurnRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.TurnsRejected.Add(ctx, 1)
}

// TurnFinished records turn duration and failure.
func (m *Metrics) TurnFinished(ctx context.Context, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.TurnDuration.Record(ctx, seconds, metric.WithAttributes(attribute.Bool("error", failed)))
	if failed {
		m.TurnsFailed.Add(ctx, 1)
	}
}

// InteractionQueued counts an appended interaction.
func (m *Metrics) InteractionQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.InteractionsQueued.Add(ctx, 1)
}

// InteractionsDiscarded counts interactions dropped for the given reason ("expired", "evicted", "cleared").
func (m *Metrics) InteractionsDiscarded(ctx context.Context, n int, reason string) {
	if m == nil || n <= 0 {
		return
	}
	m.InteractionsDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
