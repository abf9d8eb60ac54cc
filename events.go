package dotflow

import (
	"time"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventPipelineStarted is emitted when a pipeline run begins.
	EventPipelineStarted EventKind = "pipeline_started"

	// EventPipelineCompleted is emitted when a run finishes successfully.
	EventPipelineCompleted EventKind = "pipeline_completed"

	// EventPipelineFailed is emitted when a run terminates with failure.
	EventPipelineFailed EventKind = "pipeline_failed"

	// EventStageStarted is emitted before a handler executes.
	EventStageStarted EventKind = "stage_started"

	// EventStageCompleted is emitted when a stage ends with a success,
	// partial-success or skipped outcome.
	EventStageCompleted EventKind = "stage_completed"

	// EventStageFailed is emitted when a stage ends with a fail outcome.
	EventStageFailed EventKind = "stage_failed"

	// EventStageRetrying is emitted before a retry sleep; Attempt holds the
	// attempt that asked for the retry and the payload carries "delay_ms".
	EventStageRetrying EventKind = "stage_retrying"

	// EventParallelStarted is emitted when a parallel fan-out begins.
	EventParallelStarted EventKind = "parallel_started"

	// EventBranchStarted is emitted when a parallel branch begins.
	EventBranchStarted EventKind = "branch_started"

	// EventBranchCompleted is emitted when a parallel branch finishes.
	EventBranchCompleted EventKind = "branch_completed"

	// EventInterviewRequested is emitted when a human gate asks a question.
	EventInterviewRequested EventKind = "interview_requested"

	// EventInterviewAnswered is emitted when the interviewer responds.
	EventInterviewAnswered EventKind = "interview_answered"

	// EventCheckpointSaved is emitted after each checkpoint write.
	EventCheckpointSaved EventKind = "checkpoint_saved"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
// Events should stay small; large data belongs in stage artifacts.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// NodeID is the node that produced this event (empty for run-level events).
	NodeID string

	// Time is when the event occurred.
	Time time.Time

	// Attempt is the attempt number (1-indexed) for retry scenarios.
	Attempt int

	// Elapsed is the duration since the run started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when
	// tracing is inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when
	// tracing is inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Attempt: 1,
		Payload: make(map[string]any),
	}
}

// WithNode sets the node ID on the event.
func (e Event) WithNode(nodeID string) Event {
	e.NodeID = nodeID
	return e
}

// WithAttempt sets the attempt number on the event.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
