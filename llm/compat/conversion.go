package compat

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/petal-labs/dotflow/llm"
)

// Wire types for the chat-completions format.

type wireRequest struct {
	Model          string         `json:"model"`
	Messages       []wireMessage  `json:"messages"`
	Tools          []wireTool     `json:"tools,omitempty"`
	ToolChoice     any            `json:"tool_choice,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	TopP           *float64       `json:"top_p,omitempty"`
	Stop           []string       `json:"stop,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	StreamOptions  *streamOptions `json:"stream_options,omitempty"`
	ResponseFormat *wireRespFmt   `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireRespFmt struct {
	Type string `json:"type"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireNamedChoice struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

type wireChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	Delta        wireDelta   `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type wireDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// toWireRequest keeps messages as a flat array with the system role
// preserved natively. Reasoning and instructions fields are never sent.
func toWireRequest(req *llm.Request) wireRequest {
	out := wireRequest{
		Model:       req.Model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}

	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			entry := wireTool{Type: "function", Function: wireToolSpec{Name: t.Name, Description: t.Description}}
			if t.Parameters != nil {
				if b, err := json.Marshal(t.Parameters); err == nil {
					entry.Function.Parameters = b
				}
			}
			out.Tools = append(out.Tools, entry)
		}
		out.ToolChoice = buildToolChoice(req.ToolChoice)
	}

	if rf := req.ResponseFormat; rf != nil && rf.Type != "" && rf.Type != "text" {
		// Chat endpoints vary in json_schema support; json_object is the
		// portable subset.
		out.ResponseFormat = &wireRespFmt{Type: "json_object"}
	}

	return out
}

func buildMessages(messages []llm.Message) []wireMessage {
	var out []wireMessage
	for _, m := range messages {
		wm := wireMessage{Name: m.Name}
		switch m.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			wm.Role = "system"
			wm.Content = m.Text()
		case llm.RoleAssistant:
			wm.Role = "assistant"
			wm.Content = m.Text()
			for _, p := range m.ToolCalls() {
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:   p.ToolCallID,
					Type: "function",
					Function: wireFunction{
						Name:      p.ToolName,
						Arguments: rawArgs(p),
					},
				})
			}
		case llm.RoleTool:
			wm.Role = "tool"
			for _, p := range m.Parts {
				if p.Type == llm.PartToolResult {
					wm.ToolCallID = p.ToolCallID
					wm.Content = p.Content
					break
				}
			}
		default:
			wm.Role = "user"
			wm.Content = m.Text()
		}
		out = append(out, wm)
	}
	return out
}

func rawArgs(p llm.ContentPart) string {
	if p.RawArgs != "" {
		return p.RawArgs
	}
	if p.Args != nil {
		if b, err := json.Marshal(p.Args); err == nil {
			return string(b)
		}
	}
	return "{}"
}

func buildToolChoice(tc *llm.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case llm.ToolChoiceAuto:
		return "auto"
	case llm.ToolChoiceNone:
		return "none"
	case llm.ToolChoiceRequired:
		return "required"
	case llm.ToolChoiceNamed:
		return wireNamedChoice{Type: "function", Function: wireFunction{Name: tc.Name}}
	}
	return nil
}

func fromWireResponse(resp wireResponse, provider string) *llm.Response {
	msg := llm.Message{Role: llm.RoleAssistant}
	finish := ""

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		finish = choice.FinishReason
		if choice.Message.Content != "" {
			msg.Parts = append(msg.Parts, llm.TextPart(choice.Message.Content))
		}
		for _, tc := range choice.Message.ToolCalls {
			msg.Parts = append(msg.Parts, llm.ToolCallPart(tc.ID, tc.Function.Name, parseArgs(tc.Function.Arguments), tc.Function.Arguments))
		}
	}

	out := &llm.Response{
		ID:              resp.ID,
		Model:           resp.Model,
		Provider:        provider,
		Message:         msg,
		FinishReason:    mapFinishReason(finish),
		RawFinishReason: finish,
		Raw:             resp,
	}
	if resp.Usage != nil {
		out.Usage = fromWireUsage(*resp.Usage)
	}
	return out
}

func fromWireUsage(u wireUsage) llm.Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return llm.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  total,
	}
}

// mapFinishReason maps finish_reason values one to one.
func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop", "":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	case "tool_calls":
		return llm.FinishToolCalls
	case "content_filter":
		return llm.FinishContentFilter
	default:
		return llm.FinishOther
	}
}

func parseArgs(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
		return args
	}
	if repaired, err := jsonrepair.JSONRepair(raw); err == nil {
		if err := json.Unmarshal([]byte(repaired), &args); err == nil && args != nil {
			return args
		}
	}
	return map[string]any{}
}
