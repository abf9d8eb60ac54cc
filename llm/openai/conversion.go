package openai

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/petal-labs/dotflow/llm"
)

// toWireRequest converts a unified request to the Responses wire format:
// system/developer text joins into the flat instructions string, other
// messages become ordered input items, and tool calls/results are
// standalone items keyed by call ID.
func toWireRequest(req *llm.Request) wireRequest {
	out := wireRequest{
		Model:           req.Model,
		Instructions:    extractInstructions(req.Messages),
		Input:           buildInput(req.Messages),
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Metadata:        req.Metadata,
	}

	if len(req.Tools) > 0 {
		out.Tools = buildTools(req.Tools)
		out.ToolChoice = buildToolChoice(req.ToolChoice)
	}

	if req.ReasoningEffort != "" {
		out.Reasoning = &wireReasoning{Effort: req.ReasoningEffort}
	}

	if rf := req.ResponseFormat; rf != nil && rf.Type != "" && rf.Type != "text" {
		format := wireFormat{Type: rf.Type, Name: rf.Name, Strict: rf.Strict}
		if rf.Schema != nil {
			if b, err := json.Marshal(rf.Schema); err == nil {
				format.Schema = b
			}
		}
		out.Text = &wireTextFormat{Format: format}
	}

	return out
}

// extractInstructions joins system and developer text with newlines.
func extractInstructions(messages []llm.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role != llm.RoleSystem && m.Role != llm.RoleDeveloper {
			continue
		}
		if text := m.Text(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func buildInput(messages []llm.Message) []wireInputItem {
	var items []wireInputItem
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			continue

		case llm.RoleTool:
			for _, p := range m.Parts {
				if p.Type != llm.PartToolResult {
					continue
				}
				output := p.Content
				if output == "" && p.Structured != nil {
					if b, err := json.Marshal(p.Structured); err == nil {
						output = string(b)
					}
				}
				items = append(items, wireInputItem{
					Type:   "function_call_output",
					CallID: p.ToolCallID,
					Output: output,
				})
			}

		case llm.RoleAssistant:
			var content []wireContent
			for _, p := range m.Parts {
				switch p.Type {
				case llm.PartText:
					content = append(content, wireContent{Type: "output_text", Text: p.Text})
				case llm.PartToolCall:
					// Tool calls are standalone items, not message content.
					items = append(items, wireInputItem{
						Type:      "function_call",
						CallID:    p.ToolCallID,
						Name:      p.ToolName,
						Arguments: rawArgs(p),
					})
				}
			}
			if len(content) > 0 {
				items = append(items, wireInputItem{Type: "message", Role: "assistant", Content: content})
			}

		default:
			var content []wireContent
			for _, p := range m.Parts {
				switch p.Type {
				case llm.PartText:
					content = append(content, wireContent{Type: "input_text", Text: p.Text})
				case llm.PartImage:
					url := p.URL
					if url == "" && len(p.Data) > 0 {
						url = "data:" + p.MediaType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
					}
					content = append(content, wireContent{Type: "input_image", ImageURL: url})
				}
			}
			if len(content) > 0 {
				items = append(items, wireInputItem{Type: "message", Role: "user", Content: content})
			}
		}
	}
	return items
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

// buildTools declares functions with the strict flag set.
func buildTools(tools []llm.Tool) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		entry := wireTool{Type: "function", Name: t.Name, Description: t.Description, Strict: true}
		if t.Parameters != nil {
			if b, err := json.Marshal(t.Parameters); err == nil {
				entry.Parameters = b
			}
		}
		out = append(out, entry)
	}
	return out
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
		return wireNamedChoice{Type: "function", Name: tc.Name}
	}
	return nil
}

// fromWireResponse converts a Responses payload into the unified model.
// Message items collect as text, function_call items as tool calls; the
// finish reason derives from status plus tool-call presence.
func fromWireResponse(resp wireResponse) *llm.Response {
	msg := llm.Message{Role: llm.RoleAssistant}
	hasToolCalls := false

	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					msg.Parts = append(msg.Parts, llm.TextPart(c.Text))
				}
			}
		case "function_call":
			hasToolCalls = true
			msg.Parts = append(msg.Parts, llm.ToolCallPart(item.CallID, item.Name, parseArgs(item.Arguments), item.Arguments))
		case "reasoning":
			for _, s := range item.Summary {
				if s.Text != "" {
					msg.Parts = append(msg.Parts, llm.ThinkingPart(s.Text, ""))
				}
			}
		}
	}

	out := &llm.Response{
		ID:              resp.ID,
		Model:           resp.Model,
		Provider:        Name,
		Message:         msg,
		FinishReason:    deriveFinish(resp.Status, hasToolCalls),
		RawFinishReason: resp.Status,
		Raw:             resp,
	}
	if resp.Usage != nil {
		out.Usage = fromWireUsage(*resp.Usage)
	}
	return out
}

// deriveFinish: tool calls dominate, then completed→stop,
// incomplete→length, anything else→other.
func deriveFinish(status string, hasToolCalls bool) llm.FinishReason {
	if hasToolCalls {
		return llm.FinishToolCalls
	}
	switch status {
	case "completed":
		return llm.FinishStop
	case "incomplete":
		return llm.FinishLength
	default:
		return llm.FinishOther
	}
}

// fromWireUsage surfaces the nested reasoning and cached counters.
func fromWireUsage(u wireUsage) llm.Usage {
	out := llm.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = u.InputTokens + u.OutputTokens
	}
	if u.OutputTokensDetails != nil {
		out.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
	}
	if u.InputTokensDetails != nil {
		out.CacheReadTokens = u.InputTokensDetails.CachedTokens
	}
	return out
}

// parseArgs parses tool-call argument JSON, repairing near-misses and
// falling back to an empty map.
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
