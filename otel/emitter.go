package otel

import (
	"github.com/petal-labs/dotflow"
)

// EnrichHandler wraps an EventHandler with OpenTelemetry trace context.
// Before delegating, it looks up the active span from the TracingHandler
// and populates the TraceID and SpanID fields on the event.
//
// For stage-level events (where NodeID is set), the stage span is checked
// first. If no stage span is found, it falls back to the run-level span.
// When no span is active, the event passes through unchanged.
func EnrichHandler(next dotflow.EventHandler, tracing *TracingHandler) dotflow.EventHandler {
	return func(e dotflow.Event) {
		if e.NodeID != "" {
			sc := tracing.ActiveSpanContext(e.RunID, e.NodeID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		next(e)
	}
}
