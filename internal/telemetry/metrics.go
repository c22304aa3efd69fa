package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "dualchat"

// Metrics bundles the instruments recorded by the panes.
type Metrics struct {
	framesReceived   metric.Int64Counter
	framesMalformed  metric.Int64Counter
	submissions      metric.Int64Counter
	connectionErrors metric.Int64Counter
	renderDuration   metric.Float64Histogram
}

// NewMetrics creates the pane instruments on meter. A nil meter yields no-op instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(serviceName)
	}

	m := &Metrics{}
	var err error

	if m.framesReceived, err = meter.Int64Counter(
		"dualchat.frames.received",
		metric.WithDescription("Inbound frames delivered to a pane"),
	); err != nil {
		return nil, fmt.Errorf("failed to create frames counter: %w", err)
	}
	if m.framesMalformed, err = meter.Int64Counter(
		"dualchat.frames.malformed",
		metric.WithDescription("Inbound frames dropped as malformed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create malformed counter: %w", err)
	}
	if m.submissions, err = meter.Int64Counter(
		"dualchat.submissions",
		metric.WithDescription("User messages sent"),
	); err != nil {
		return nil, fmt.Errorf("failed to create submissions counter: %w", err)
	}
	if m.connectionErrors, err = meter.Int64Counter(
		"dualchat.connection.errors",
		metric.WithDescription("Transport failures per pane"),
	); err != nil {
		return nil, fmt.Errorf("failed to create connection error counter: %w", err)
	}
	if m.renderDuration, err = meter.Float64Histogram(
		"dualchat.render.duration",
		metric.WithDescription("Formatted-text conversion duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create render histogram: %w", err)
	}

	return m, nil
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return tracenoop.NewTracerProvider().Tracer(serviceName)
}

func paneAttr(pane string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("pane", pane))
}

// FrameReceived counts an inbound frame applied to pane
func (m *Metrics) FrameReceived(ctx context.Context, pane string) {
	m.framesReceived.Add(ctx, 1, paneAttr(pane))
}

// FrameMalformed counts an inbound frame pane dropped as malformed
func (m *Metrics) FrameMalformed(ctx context.Context, pane string) {
	m.framesMalformed.Add(ctx, 1, paneAttr(pane))
}

// Submitted counts a user message sent from pane
func (m *Metrics) Submitted(ctx context.Context, pane string) {
	m.submissions.Add(ctx, 1, paneAttr(pane))
}

// ConnectionError counts a dial, read or write failure on pane's connection
func (m *Metrics) ConnectionError(ctx context.Context, pane string) {
	m.connectionErrors.Add(ctx, 1, paneAttr(pane))
}

// RenderDuration records how long pane took to render one snapshot, in milliseconds
func (m *Metrics) RenderDuration(ctx context.Context, pane string, d time.Duration) {
	m.renderDuration.Record(ctx, float64(d.Microseconds())/1000, paneAttr(pane))
}
