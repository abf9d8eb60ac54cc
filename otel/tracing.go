// Package otel bridges engine events to OpenTelemetry: one span per run
// with child spans per stage, plus counters and histograms for stage and
// run metrics. Wired as event handlers; the engine itself has no
// telemetry dependency.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/dotflow"
)

// TracingHandler consumes engine events and maintains run and stage
// spans.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.Mutex
	runSpans   map[string]trace.Span
	runCtxs    map[string]context.Context
	stageSpans map[string]trace.Span // key: runID + "/" + nodeID
}

// NewTracingHandler creates a handler over the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runSpans:   make(map[string]trace.Span),
		runCtxs:    make(map[string]context.Context),
		stageSpans: make(map[string]trace.Span),
	}
}

// Handler returns the dotflow.EventHandler form.
func (h *TracingHandler) Handler() dotflow.EventHandler {
	return h.Handle
}

// Handle processes one engine event.
func (h *TracingHandler) Handle(e dotflow.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch e.Kind {
	case dotflow.EventPipelineStarted:
		ctx, span := h.tracer.Start(context.Background(), "pipeline.run",
			trace.WithAttributes(attribute.String("run.id", e.RunID)))
		h.runSpans[e.RunID] = span
		h.runCtxs[e.RunID] = ctx

	case dotflow.EventStageStarted:
		parent, ok := h.runCtxs[e.RunID]
		if !ok {
			parent = context.Background()
		}
		_, span := h.tracer.Start(parent, "pipeline.stage",
			trace.WithAttributes(
				attribute.String("run.id", e.RunID),
				attribute.String("node.id", e.NodeID),
				attribute.Int("attempt", e.Attempt),
			))
		h.stageSpans[e.RunID+"/"+e.NodeID] = span

	case dotflow.EventStageCompleted:
		if span, ok := h.stageSpans[e.RunID+"/"+e.NodeID]; ok {
			if status, ok := e.Payload["status"].(string); ok {
				span.SetAttributes(attribute.String("outcome", status))
			}
			span.End()
			delete(h.stageSpans, e.RunID+"/"+e.NodeID)
		}

	case dotflow.EventStageFailed:
		if span, ok := h.stageSpans[e.RunID+"/"+e.NodeID]; ok {
			if reason, ok := e.Payload["reason"].(string); ok {
				span.SetStatus(codes.Error, reason)
			} else {
				span.SetStatus(codes.Error, "stage failed")
			}
			span.End()
			delete(h.stageSpans, e.RunID+"/"+e.NodeID)
		}

	case dotflow.EventStageRetrying:
		if span, ok := h.stageSpans[e.RunID+"/"+e.NodeID]; ok {
			span.AddEvent("retrying", trace.WithAttributes(
				attribute.Int("attempt", e.Attempt)))
		}

	case dotflow.EventPipelineCompleted, dotflow.EventPipelineFailed:
		// Close any stage spans the run left open, then the run span.
		for key, span := range h.stageSpans {
			if len(key) > len(e.RunID) && key[:len(e.RunID)] == e.RunID {
				span.End()
				delete(h.stageSpans, key)
			}
		}
		if span, ok := h.runSpans[e.RunID]; ok {
			if e.Kind == dotflow.EventPipelineFailed {
				span.SetStatus(codes.Error, "pipeline failed")
			}
			span.End()
			delete(h.runSpans, e.RunID)
			delete(h.runCtxs, e.RunID)
		}
	}
}

// ActiveSpanContext returns the live span context for a stage, or an
// empty SpanContext when none is open.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	if span, ok := h.stageSpans[runID+"/"+nodeID]; ok {
		return span.SpanContext()
	}
	return trace.SpanContext{}
}

// ActiveRunSpanContext returns the live span context for a run, for
// tests and event enrichment.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	if span, ok := h.runSpans[runID]; ok {
		return span.SpanContext()
	}
	return trace.SpanContext{}
}
