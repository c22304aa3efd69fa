package pane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"DualChat/internal/conversation"
	"DualChat/internal/render"
	"DualChat/internal/telemetry"
	"DualChat/internal/transport"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// busyClearer is the part of the connection session the reconciler drives
type busyClearer interface {
	ClearBusy()
}

// Reconciler merges inbound snapshot frames into a pane's log.
//
// Every frame carries the complete reply so far, so a frame replaces the
// in-progress assistant turn rather than extending it.
type Reconciler struct {
	pane      string
	log       *conversation.Log
	session   busyClearer
	converter render.Converter
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
}

// Apply handles one inbound frame. A frame that cannot be decoded or rendered
// is logged and dropped: the log is untouched and busy is left as it was.
func (r *Reconciler) Apply(ctx context.Context, frame transport.Frame) error {
	ctx, span := r.tracer.Start(ctx, "reconcile_frame", trace.WithAttributes(
		attribute.String("pane", r.pane),
		attribute.Int("frame.bytes", len(frame.Data)),
	))
	defer span.End()

	r.metrics.FrameReceived(ctx, r.pane)

	raw, err := transport.DecodeFrame(frame)
	if err != nil {
		return r.drop(ctx, span, err)
	}

	start := time.Now()
	rendered, err := r.converter.Render(raw)
	r.metrics.RenderDuration(ctx, r.pane, time.Since(start))
	if err != nil {
		return r.drop(ctx, span, &transport.MalformedPayloadError{Reason: err.Error()})
	}

	appended := r.log.MergeAssistant(rendered)
	r.session.ClearBusy()

	span.SetAttributes(attribute.Bool("turn.appended", appended))
	r.logger.Debug("merged assistant snapshot", "appended", appended, "raw_length", len(raw))
	return nil
}

func (r *Reconciler) drop(ctx context.Context, span trace.Span, err error) error {
	r.metrics.FrameMalformed(ctx, r.pane)
	span.RecordError(err)
	span.SetStatus(codes.Error, "frame dropped")
	r.logger.Warn("dropping inbound frame", "error", err)
	return fmt.Errorf("failed to reconcile frame: %w", err)
}
