package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/dotflow"
)

// MetricsHandler translates engine events into OpenTelemetry metrics.
// It records counters and histograms for stage executions, failures, and
// run durations.
type MetricsHandler struct {
	stageExecutions metric.Int64Counter
	stageFailures   metric.Int64Counter
	stageDuration   metric.Float64Histogram
	runDuration     metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording engine metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stageExec, err := meter.Int64Counter("dotflow.stage.executions",
		metric.WithDescription("Number of stage executions"),
	)
	if err != nil {
		return nil, err
	}

	stageFail, err := meter.Int64Counter("dotflow.stage.failures",
		metric.WithDescription("Number of stage failures"),
	)
	if err != nil {
		return nil, err
	}

	stageDur, err := meter.Float64Histogram("dotflow.stage.duration",
		metric.WithDescription("Duration of stage execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("dotflow.run.duration",
		metric.WithDescription("Duration of pipeline run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stageExecutions: stageExec,
		stageFailures:   stageFail,
		stageDuration:   stageDur,
		runDuration:     runDur,
	}, nil
}

// Handler returns the dotflow.EventHandler form.
func (h *MetricsHandler) Handler() dotflow.EventHandler {
	return h.Handle
}

// Handle processes an engine event and records the appropriate metrics.
func (h *MetricsHandler) Handle(e dotflow.Event) {
	switch e.Kind {
	case dotflow.EventStageCompleted:
		h.handleStageCompleted(e)
	case dotflow.EventStageFailed:
		h.handleStageFailed(e)
	case dotflow.EventPipelineCompleted, dotflow.EventPipelineFailed:
		h.handlePipelineEnded(e)
	}
}

// handleStageCompleted increments the execution counter and records
// duration. Elapsed on stage events is measured from run start, so the
// histogram tracks time-to-completion per stage.
func (h *MetricsHandler) handleStageCompleted(e dotflow.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_id", e.NodeID),
	)
	h.stageExecutions.Add(ctx, 1, attrs)
	h.stageDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

// handleStageFailed increments both counters: a failed stage still
// executed.
func (h *MetricsHandler) handleStageFailed(e dotflow.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_id", e.NodeID),
	)
	h.stageExecutions.Add(ctx, 1, attrs)
	h.stageFailures.Add(ctx, 1, attrs)
}

// handlePipelineEnded records the pipeline run duration.
func (h *MetricsHandler) handlePipelineEnded(e dotflow.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("run_id", e.RunID),
		attribute.Bool("failed", e.Kind == dotflow.EventPipelineFailed),
	)
	h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}
