package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// mockAdapter serves scripted responses and counts Complete calls.
type mockAdapter struct {
	name      string
	responses []*Response
	err       error
	calls     int
	requests  []*Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(_ context.Context, req *Request) (*Response, error) {
	m.calls++
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

func (m *mockAdapter) Stream(context.Context, *Request) (Stream, error) {
	return nil, errors.New("not implemented")
}

func (m *mockAdapter) SupportsToolChoice(ToolChoiceMode) bool { return true }
func (m *mockAdapter) Close() error                           { return nil }

func mockClient(m *mockAdapter) *Client {
	c := NewClient(m.name)
	c.Register(m)
	return c
}

func toolCallResponse(callID, tool string, args string) *Response {
	return &Response{
		ID:       "r1",
		Provider: "mock",
		Message: Message{
			Role:  RoleAssistant,
			Parts: []ContentPart{ToolCallPart(callID, tool, map[string]any{}, args)},
		},
		FinishReason: FinishToolCalls,
		Usage:        Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func textResponse(text string) *Response {
	return &Response{
		ID:           "r2",
		Provider:     "mock",
		Message:      Message{Role: RoleAssistant, Parts: []ContentPart{TextPart(text)}},
		FinishReason: FinishStop,
		Usage:        Usage{InputTokens: 20, OutputTokens: 7, TotalTokens: 27},
	}
}

func TestGenerateSingleToolRound(t *testing.T) {
	adapter := &mockAdapter{
		name: "mock",
		responses: []*Response{
			toolCallResponse("c1", "echo", `{"v":1}`),
			textResponse("done"),
		},
	}
	executions := 0
	tools := []Tool{{
		Name: "echo",
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			executions++
			return "echoed", nil
		},
	}}

	result, err := Generate(context.Background(), mockClient(adapter), GenerateOptions{
		Model:  "m",
		Prompt: "go",
		Tools:  tools,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(result.Steps) != 2 {
		t.Errorf("steps: got %d, want 2", len(result.Steps))
	}
	if result.Text != "done" {
		t.Errorf("text: got %q", result.Text)
	}
	if executions != 1 {
		t.Errorf("tool executions: got %d, want 1", executions)
	}
	wantTotal := Usage{InputTokens: 30, OutputTokens: 12, TotalTokens: 42}
	if result.TotalUsage != wantTotal {
		t.Errorf("total usage: got %+v, want %+v", result.TotalUsage, wantTotal)
	}
	if result.Usage != (Usage{InputTokens: 20, OutputTokens: 7, TotalTokens: 27}) {
		t.Errorf("final usage: got %+v", result.Usage)
	}
}

func TestGenerateToolRoundBounds(t *testing.T) {
	// The model always requests tools: with maxToolRounds = k, Complete
	// runs exactly k+1 times and k execution rounds occur.
	for _, k := range []int{0, 1, 3} {
		adapter := &mockAdapter{
			name:      "mock",
			responses: []*Response{toolCallResponse("c1", "loop", `{}`)},
		}
		rounds := 0
		tools := []Tool{{
			Name: "loop",
			Execute: func(context.Context, map[string]any) (any, error) {
				rounds++
				return "again", nil
			},
		}}

		maxRounds := k
		_, err := Generate(context.Background(), mockClient(adapter), GenerateOptions{
			Model:         "m",
			Prompt:        "go",
			Tools:         tools,
			MaxToolRounds: &maxRounds,
		})
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		if adapter.calls != k+1 {
			t.Errorf("k=%d: Complete calls got %d, want %d", k, adapter.calls, k+1)
		}
		if rounds != k {
			t.Errorf("k=%d: tool rounds got %d, want %d", k, rounds, k)
		}
	}
}

func TestGenerateToolErrorContainment(t *testing.T) {
	adapter := &mockAdapter{
		name: "mock",
		responses: []*Response{
			toolCallResponse("c1", "boom", `{}`),
			textResponse("recovered"),
		},
	}
	tools := []Tool{{
		Name: "boom",
		Execute: func(context.Context, map[string]any) (any, error) {
			return nil, fmt.Errorf("tool exploded")
		},
	}}

	result, err := Generate(context.Background(), mockClient(adapter), GenerateOptions{
		Model:  "m",
		Prompt: "go",
		Tools:  tools,
	})
	if err != nil {
		t.Fatalf("generate must not rethrow tool errors: %v", err)
	}
	step := result.Steps[0]
	if len(step.ToolResults) != 1 {
		t.Fatalf("tool results: %v", step.ToolResults)
	}
	tr := step.ToolResults[0]
	if !tr.IsError || tr.Content != "tool exploded" || tr.CallID != "c1" {
		t.Errorf("tool result: %+v", tr)
	}
}

func TestGeneratePanickingToolBecomesErrorResult(t *testing.T) {
	adapter := &mockAdapter{
		name: "mock",
		responses: []*Response{
			toolCallResponse("c1", "panic", `{}`),
			textResponse("ok"),
		},
	}
	tools := []Tool{{
		Name: "panic",
		Execute: func(context.Context, map[string]any) (any, error) {
			panic("ouch")
		},
	}}

	result, err := Generate(context.Background(), mockClient(adapter), GenerateOptions{
		Model: "m", Prompt: "go", Tools: tools,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if tr := result.Steps[0].ToolResults[0]; !tr.IsError {
		t.Errorf("panic should yield an error result: %+v", tr)
	}
}

func TestGenerateUnknownToolAndMissingExecutor(t *testing.T) {
	adapter := &mockAdapter{
		name: "mock",
		responses: []*Response{
			{
				Provider: "mock",
				Message: Message{Role: RoleAssistant, Parts: []ContentPart{
					ToolCallPart("c1", "ghost", nil, "{}"),
					ToolCallPart("c2", "inert", nil, "{}"),
				}},
				FinishReason: FinishToolCalls,
			},
			textResponse("done"),
		},
	}
	tools := []Tool{
		{Name: "inert"}, // no executor
		{Name: "real", Execute: func(context.Context, map[string]any) (any, error) { return "x", nil }},
	}

	result, err := Generate(context.Background(), mockClient(adapter), GenerateOptions{
		Model: "m", Prompt: "go", Tools: tools,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	results := result.Steps[0].ToolResults
	if len(results) != 2 {
		t.Fatalf("results: %v", results)
	}
	if !results[0].IsError || results[0].CallID != "c1" {
		t.Errorf("unknown tool: %+v", results[0])
	}
	if !results[1].IsError || results[1].CallID != "c2" {
		t.Errorf("missing executor: %+v", results[1])
	}
}

func TestGenerateAppendsToolConversation(t *testing.T) {
	adapter := &mockAdapter{
		name: "mock",
		responses: []*Response{
			toolCallResponse("c1", "echo", `{"v":1}`),
			textResponse("done"),
		},
	}
	tools := []Tool{{Name: "echo", Execute: func(context.Context, map[string]any) (any, error) { return "out", nil }}}

	if _, err := Generate(context.Background(), mockClient(adapter), GenerateOptions{
		Model: "m", Prompt: "go", Tools: tools,
	}); err != nil {
		t.Fatal(err)
	}

	second := adapter.requests[1]
	// prompt + assistant tool call + tool result
	if len(second.Messages) != 3 {
		t.Fatalf("second request messages: %d", len(second.Messages))
	}
	if second.Messages[1].Role != RoleAssistant {
		t.Errorf("message 1 role: %s", second.Messages[1].Role)
	}
	if second.Messages[2].Role != RoleTool || second.Messages[2].ToolCallID != "c1" {
		t.Errorf("message 2: %+v", second.Messages[2])
	}
}

func TestGeneratePromptMessagesExclusive(t *testing.T) {
	c := mockClient(&mockAdapter{name: "mock", responses: []*Response{textResponse("x")}})
	if _, err := Generate(context.Background(), c, GenerateOptions{
		Model: "m", Prompt: "p", Messages: []Message{UserMessage("u")},
	}); err == nil {
		t.Error("expected mutual exclusion error")
	}
	if _, err := Generate(context.Background(), c, GenerateOptions{Model: "m"}); err == nil {
		t.Error("expected missing-input error")
	}
}

func TestGenerateStopWhen(t *testing.T) {
	adapter := &mockAdapter{
		name:      "mock",
		responses: []*Response{toolCallResponse("c1", "loop", `{}`)},
	}
	tools := []Tool{{Name: "loop", Execute: func(context.Context, map[string]any) (any, error) { return "x", nil }}}

	five := 5
	result, err := Generate(context.Background(), mockClient(adapter), GenerateOptions{
		Model:         "m",
		Prompt:        "go",
		Tools:         tools,
		MaxToolRounds: &five,
		StopWhen: func(steps []Step) bool {
			return len(steps) >= 2
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if adapter.calls != 2 {
		t.Errorf("stopWhen should end the loop after 2 completions, got %d", adapter.calls)
	}
	if len(result.Steps) != 2 {
		t.Errorf("steps: %d", len(result.Steps))
	}
}

func TestGenerateRetriesRetryableErrors(t *testing.T) {
	adapter := &mockAdapter{
		name: "mock",
		err:  &APIError{Class: ClassServer, Retryable: true, Message: "boom", Provider: "mock"},
	}
	cfg := DefaultRetryConfig()
	cfg.Sleep = func(context.Context, time.Duration) {}

	_, err := Generate(context.Background(), mockClient(adapter), GenerateOptions{
		Model: "m", Prompt: "go", Retry: &cfg,
	})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if adapter.calls != cfg.MaxAttempts {
		t.Errorf("calls: got %d, want %d", adapter.calls, cfg.MaxAttempts)
	}
}
