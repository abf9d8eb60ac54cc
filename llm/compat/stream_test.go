package compat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/petal-labs/dotflow/llm"
)

const streamFixture = `data: {"id":"cmpl_1","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"He"}}]}

data: {"id":"cmpl_1","choices":[{"index":0,"delta":{"content":"y"}}]}

data: {"id":"cmpl_1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"fn","arguments":"{\"a\":"}}]}}]}

data: {"id":"cmpl_1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]},"finish_reason":"tool_calls"}]}

data: {"id":"cmpl_1","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}

data: [DONE]

`

func TestStreamAccumulation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(streamFixture))
	}))
	defer server.Close()

	adapter := New(Config{Provider: "compat", APIKey: "k", BaseURL: server.URL})
	stream, err := adapter.Stream(context.Background(), &llm.Request{
		Model: "m", Messages: []llm.Message{llm.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text, args strings.Builder
	var finish llm.StreamEvent
	finishes := 0
	for ev := range stream {
		switch ev.Type {
		case llm.StreamError:
			t.Fatalf("stream error: %v", ev.Err)
		case llm.StreamTextDelta:
			text.WriteString(ev.Delta)
		case llm.StreamToolCallDelta:
			args.WriteString(ev.Delta)
		case llm.StreamFinish:
			finishes++
			finish = ev
		}
	}

	if finishes != 1 {
		t.Fatalf("FINISH count: %d", finishes)
	}
	resp := finish.Response
	if resp.Text() != "Hey" || text.String() != "Hey" {
		t.Errorf("text: finish %q deltas %q", resp.Text(), text.String())
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].RawArgs != `{"a":1}` || args.String() != calls[0].RawArgs {
		t.Errorf("calls: %+v (deltas %q)", calls, args.String())
	}
	if resp.FinishReason != llm.FinishToolCalls {
		t.Errorf("finish reason: %s", resp.FinishReason)
	}
	if finish.Usage.TotalTokens != 10 {
		t.Errorf("usage: %+v", finish.Usage)
	}
}
