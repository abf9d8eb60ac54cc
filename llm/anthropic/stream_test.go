package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/petal-labs/dotflow/llm"
)

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = w.Write([]byte(f))
		}
	}))
}

const streamFixture = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"test-model","usage":{"input_tokens":25,"output_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello, "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: bogus_future_event
data: {"type":"bogus_future_event"}

event: message_delta
data: {"type":"message_delta","delta":{"type":"message_delta","stop_reason":"tool_use"},"usage":{"output_tokens":12}}

event: message_stop
data: {"type":"message_stop"}

`

func collectEvents(t *testing.T, stream llm.Stream) []llm.StreamEvent {
	t.Helper()
	var events []llm.StreamEvent
	for ev := range stream {
		if ev.Type == llm.StreamError {
			t.Fatalf("stream error: %v", ev.Err)
		}
		events = append(events, ev)
	}
	return events
}

func TestStreamAssembly(t *testing.T) {
	server := sseServer(t, []string{streamFixture})
	defer server.Close()

	adapter := New(Config{APIKey: "k", BaseURL: server.URL})
	stream, err := adapter.Stream(context.Background(), &llm.Request{
		Model:    "test-model",
		Messages: []llm.Message{llm.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, stream)

	// Every TEXT_START must pair with a TEXT_END carrying the same ID,
	// and the deltas must concatenate to the FINISH text.
	starts := map[string]bool{}
	deltas := map[string]*strings.Builder{}
	argDeltas := map[string]*strings.Builder{}
	finishes := 0
	var finish llm.StreamEvent

	for _, ev := range events {
		switch ev.Type {
		case llm.StreamTextStart:
			starts[ev.ID] = true
			deltas[ev.ID] = &strings.Builder{}
		case llm.StreamTextDelta:
			deltas[ev.ID].WriteString(ev.Delta)
		case llm.StreamTextEnd:
			if !starts[ev.ID] {
				t.Errorf("TEXT_END %q without matching TEXT_START", ev.ID)
			}
			delete(starts, ev.ID)
		case llm.StreamToolCallStart:
			argDeltas[ev.ID] = &strings.Builder{}
		case llm.StreamToolCallDelta:
			argDeltas[ev.ID].WriteString(ev.Delta)
		case llm.StreamFinish:
			finishes++
			finish = ev
		}
	}

	if len(starts) != 0 {
		t.Errorf("unclosed text blocks: %v", starts)
	}
	if finishes != 1 {
		t.Fatalf("FINISH events: got %d, want exactly 1", finishes)
	}
	if events[len(events)-1].Type != llm.StreamFinish {
		t.Error("FINISH must be the last event")
	}

	resp := finish.Response
	if resp.Text() != "Hello, world" {
		t.Errorf("finish text: %q", resp.Text())
	}
	if got := deltas["txt_0"].String(); got != resp.Text() {
		t.Errorf("delta concat %q != finish text %q", got, resp.Text())
	}

	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("tool calls: %d", len(calls))
	}
	if calls[0].ToolCallID != "toolu_1" || calls[0].ToolName != "lookup" {
		t.Errorf("tool call: %+v", calls[0])
	}
	if calls[0].RawArgs != `{"q":"x"}` {
		t.Errorf("raw args: %q", calls[0].RawArgs)
	}
	if got := argDeltas["toolu_1"].String(); got != calls[0].RawArgs {
		t.Errorf("arg delta concat %q != finish raw args %q", got, calls[0].RawArgs)
	}
	if calls[0].Args["q"] != "x" {
		t.Errorf("parsed args: %v", calls[0].Args)
	}

	if resp.FinishReason != llm.FinishToolCalls {
		t.Errorf("finish reason: %s", resp.FinishReason)
	}
	if finish.Usage.InputTokens != 25 || finish.Usage.OutputTokens != 12 || finish.Usage.TotalTokens != 37 {
		t.Errorf("usage: %+v", finish.Usage)
	}
	if resp.ID != "msg_1" {
		t.Errorf("response id: %q", resp.ID)
	}
}

func TestStreamMidStreamError(t *testing.T) {
	fixture := `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"m","usage":{"input_tokens":1,"output_tokens":0}}}

event: error
data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}

`
	server := sseServer(t, []string{fixture})
	defer server.Close()

	adapter := New(Config{APIKey: "k", BaseURL: server.URL})
	stream, err := adapter.Stream(context.Background(), &llm.Request{
		Model: "m", Messages: []llm.Message{llm.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var last llm.StreamEvent
	for ev := range stream {
		last = ev
	}
	if last.Type != llm.StreamError {
		t.Fatalf("expected trailing error event, got %s", last.Type)
	}
	if !strings.Contains(last.Err.Error(), "overloaded") {
		t.Errorf("error: %v", last.Err)
	}
}

func TestStreamInterruptedWithoutStop(t *testing.T) {
	fixture := `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"m","usage":{"input_tokens":1,"output_tokens":0}}}

`
	server := sseServer(t, []string{fixture})
	defer server.Close()

	adapter := New(Config{APIKey: "k", BaseURL: server.URL})
	stream, err := adapter.Stream(context.Background(), &llm.Request{
		Model: "m", Messages: []llm.Message{llm.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var last llm.StreamEvent
	for ev := range stream {
		last = ev
	}
	if last.Type != llm.StreamError {
		t.Errorf("interrupted stream should end in an error event, got %s", last.Type)
	}
	if !llm.IsRetryable(last.Err) {
		t.Errorf("stream interruption should be retryable: %v", last.Err)
	}
}

func TestStreamHTTPErrorMapsTaxonomy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	adapter := New(Config{APIKey: "k", BaseURL: server.URL})
	_, err := adapter.Stream(context.Background(), &llm.Request{
		Model: "m", Messages: []llm.Message{llm.UserMessage("hi")},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !llm.IsRetryable(err) {
		t.Errorf("429 should be retryable: %v", err)
	}
}
