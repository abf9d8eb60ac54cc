package compat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/petal-labs/dotflow/llm"
)

func TestSystemRolePreservedNatively(t *testing.T) {
	out := toWireRequest(&llm.Request{
		Model: "m",
		Messages: []llm.Message{
			llm.SystemMessage("be nice"),
			llm.UserMessage("hi"),
		},
	})
	if len(out.Messages) != 2 {
		t.Fatalf("messages: %d", len(out.Messages))
	}
	if out.Messages[0].Role != "system" || out.Messages[0].Content != "be nice" {
		t.Errorf("system message: %+v", out.Messages[0])
	}
}

func TestNoReasoningOrInstructionsFields(t *testing.T) {
	out := toWireRequest(&llm.Request{
		Model:           "m",
		Messages:        []llm.Message{llm.UserMessage("x")},
		ReasoningEffort: "high",
	})
	payload, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	body := strings.ToLower(string(payload))
	if strings.Contains(body, "reasoning") || strings.Contains(body, "instructions") {
		t.Errorf("chat fallback must not emit reasoning/instructions: %s", body)
	}
}

func TestToolsUseNonStrictShape(t *testing.T) {
	out := toWireRequest(&llm.Request{
		Model:    "m",
		Messages: []llm.Message{llm.UserMessage("x")},
		Tools:    []llm.Tool{{Name: "fn", Parameters: map[string]any{"type": "object"}}},
	})
	if len(out.Tools) != 1 {
		t.Fatalf("tools: %d", len(out.Tools))
	}
	payload, _ := json.Marshal(out.Tools[0])
	if strings.Contains(string(payload), "strict") {
		t.Errorf("non-strict function shape expected: %s", payload)
	}
	if out.Tools[0].Type != "function" || out.Tools[0].Function.Name != "fn" {
		t.Errorf("tool shape: %+v", out.Tools[0])
	}
}

func TestFinishReasonOneToOne(t *testing.T) {
	tests := map[string]llm.FinishReason{
		"stop":           llm.FinishStop,
		"length":         llm.FinishLength,
		"tool_calls":     llm.FinishToolCalls,
		"content_filter": llm.FinishContentFilter,
		"odd":            llm.FinishOther,
	}
	for raw, want := range tests {
		if got := mapFinishReason(raw); got != want {
			t.Errorf("%s: got %s, want %s", raw, got, want)
		}
	}
}

func TestToolConversationRoundTrip(t *testing.T) {
	out := toWireRequest(&llm.Request{
		Model: "m",
		Messages: []llm.Message{
			llm.UserMessage("go"),
			{Role: llm.RoleAssistant, Parts: []llm.ContentPart{
				llm.ToolCallPart("call_3", "run", map[string]any{"n": 1}, `{"n":1}`),
			}},
			llm.ToolMessage("call_3", "output", false),
		},
	})
	if len(out.Messages) != 3 {
		t.Fatalf("messages: %d", len(out.Messages))
	}
	asst := out.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_3" ||
		asst.ToolCalls[0].Function.Arguments != `{"n":1}` {
		t.Errorf("assistant tool calls: %+v", asst.ToolCalls)
	}
	tool := out.Messages[2]
	if tool.Role != "tool" || tool.ToolCallID != "call_3" || tool.Content != "output" {
		t.Errorf("tool message: %+v", tool)
	}
}

func TestResponseConversion(t *testing.T) {
	resp := fromWireResponse(wireResponse{
		ID:    "cmpl_1",
		Model: "served-model",
		Choices: []wireChoice{{
			Message: wireMessage{
				Role:    "assistant",
				Content: "answer",
				ToolCalls: []wireToolCall{{
					ID:       "call_9",
					Type:     "function",
					Function: wireFunction{Name: "fn", Arguments: `{"a":true}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &wireUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, "myprov")

	if resp.Provider != "myprov" {
		t.Errorf("provider: %q", resp.Provider)
	}
	if resp.Text() != "answer" {
		t.Errorf("text: %q", resp.Text())
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].Args["a"] != true {
		t.Errorf("calls: %+v", calls)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}
