package openai

import (
	"testing"

	"github.com/petal-labs/dotflow/llm"
)

func TestInstructionsExtraction(t *testing.T) {
	out := toWireRequest(&llm.Request{
		Model: "m",
		Messages: []llm.Message{
			llm.SystemMessage("rule one"),
			{Role: llm.RoleDeveloper, Parts: []llm.ContentPart{llm.TextPart("rule two")}},
			llm.UserMessage("hello"),
		},
	})
	if out.Instructions != "rule one\nrule two" {
		t.Errorf("instructions: %q", out.Instructions)
	}
	// System messages must not appear as input items.
	for _, item := range out.Input {
		if item.Type == "message" && item.Role != "user" && item.Role != "assistant" {
			t.Errorf("unexpected input role: %+v", item)
		}
	}
}

func TestInputItemShapes(t *testing.T) {
	out := toWireRequest(&llm.Request{
		Model: "m",
		Messages: []llm.Message{
			llm.UserMessage("question"),
			{Role: llm.RoleAssistant, Parts: []llm.ContentPart{
				llm.TextPart("thinking aloud"),
				llm.ToolCallPart("call_1", "search", map[string]any{"q": "x"}, `{"q":"x"}`),
			}},
			llm.ToolMessage("call_1", "found it", false),
		},
	})

	if len(out.Input) != 4 {
		t.Fatalf("input items: got %d, want 4: %+v", len(out.Input), out.Input)
	}

	if out.Input[0].Type != "message" || out.Input[0].Role != "user" ||
		out.Input[0].Content[0].Type != "input_text" {
		t.Errorf("user item: %+v", out.Input[0])
	}

	// Assistant tool calls become standalone function_call items.
	if out.Input[1].Type != "function_call" || out.Input[1].CallID != "call_1" ||
		out.Input[1].Name != "search" || out.Input[1].Arguments != `{"q":"x"}` {
		t.Errorf("function_call item: %+v", out.Input[1])
	}

	if out.Input[2].Type != "message" || out.Input[2].Role != "assistant" ||
		out.Input[2].Content[0].Type != "output_text" {
		t.Errorf("assistant item: %+v", out.Input[2])
	}

	if out.Input[3].Type != "function_call_output" || out.Input[3].CallID != "call_1" ||
		out.Input[3].Output != "found it" {
		t.Errorf("function_call_output item: %+v", out.Input[3])
	}
}

func TestToolsDeclaredStrict(t *testing.T) {
	out := toWireRequest(&llm.Request{
		Model:    "m",
		Messages: []llm.Message{llm.UserMessage("x")},
		Tools: []llm.Tool{{
			Name:       "search",
			Parameters: map[string]any{"type": "object"},
		}},
	})
	if len(out.Tools) != 1 {
		t.Fatalf("tools: %d", len(out.Tools))
	}
	if !out.Tools[0].Strict {
		t.Error("tools must be declared strict")
	}
	if out.Tools[0].Type != "function" {
		t.Errorf("tool type: %q", out.Tools[0].Type)
	}
}

func TestFinishDerivation(t *testing.T) {
	tests := []struct {
		status    string
		toolCalls bool
		want      llm.FinishReason
	}{
		{"completed", true, llm.FinishToolCalls}, // tool calls dominate
		{"completed", false, llm.FinishStop},
		{"incomplete", false, llm.FinishLength},
		{"failed", false, llm.FinishOther},
	}
	for _, tt := range tests {
		if got := deriveFinish(tt.status, tt.toolCalls); got != tt.want {
			t.Errorf("deriveFinish(%q, %v): got %s, want %s", tt.status, tt.toolCalls, got, tt.want)
		}
	}
}

func TestNestedUsageSurfaced(t *testing.T) {
	resp := fromWireResponse(wireResponse{
		ID:     "resp_1",
		Status: "completed",
		Output: []wireOutputItem{
			{Type: "message", Content: []wireContent{{Type: "output_text", Text: "hi"}}},
		},
		Usage: &wireUsage{
			InputTokens:         100,
			OutputTokens:        40,
			TotalTokens:         140,
			OutputTokensDetails: &wireUsageDetail{ReasoningTokens: 25},
			InputTokensDetails:  &wireUsageDetail{CachedTokens: 60},
		},
	})
	u := resp.Usage
	if u.ReasoningTokens != 25 {
		t.Errorf("reasoning tokens: %d", u.ReasoningTokens)
	}
	if u.CacheReadTokens != 60 {
		t.Errorf("cached tokens: %d", u.CacheReadTokens)
	}
	if u.TotalTokens != 140 {
		t.Errorf("total: %d", u.TotalTokens)
	}
}

func TestResponseCollectsItems(t *testing.T) {
	resp := fromWireResponse(wireResponse{
		ID:     "resp_1",
		Status: "completed",
		Output: []wireOutputItem{
			{Type: "message", Content: []wireContent{{Type: "output_text", Text: "answer"}}},
			{Type: "function_call", CallID: "call_7", Name: "run", Arguments: `{"n":2}`},
		},
	})
	if resp.Text() != "answer" {
		t.Errorf("text: %q", resp.Text())
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].ToolCallID != "call_7" || calls[0].Args["n"] != float64(2) {
		t.Errorf("calls: %+v", calls)
	}
	if resp.FinishReason != llm.FinishToolCalls {
		t.Errorf("finish: %s", resp.FinishReason)
	}
}

func TestReasoningEffortForwarded(t *testing.T) {
	out := toWireRequest(&llm.Request{
		Model:           "m",
		Messages:        []llm.Message{llm.UserMessage("x")},
		ReasoningEffort: "high",
	})
	if out.Reasoning == nil || out.Reasoning.Effort != "high" {
		t.Errorf("reasoning: %+v", out.Reasoning)
	}
}
