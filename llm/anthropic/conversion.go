package anthropic

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/petal-labs/dotflow/llm"
)

// defaultMaxTokens is applied when the caller omits max_tokens; the
// Messages API requires the field on every request.
const defaultMaxTokens = 4096

// toWireRequest converts a unified request to the Messages wire format.
func toWireRequest(req *llm.Request) wireRequest {
	out := wireRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
	}

	out.MaxTokens = req.MaxTokens
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	out.System = extractSystem(req.Messages)
	out.Messages = buildMessages(req.Messages)

	omitTools := req.ToolChoice != nil && req.ToolChoice.Mode == llm.ToolChoiceNone
	if len(req.Tools) > 0 && !omitTools {
		out.Tools = buildTools(req.Tools)
		out.ToolChoice = buildToolChoice(req.ToolChoice)
	}

	if req.ReasoningEffort != "" {
		out.Thinking = thinkingForEffort(req.ReasoningEffort)
	}

	return out
}

// extractSystem pulls system and developer messages out of the list and
// concatenates their text parts into the system parameter, appending the
// prompt-cache marker to the last extracted block.
func extractSystem(messages []llm.Message) []wireBlock {
	var blocks []wireBlock
	for _, m := range messages {
		if m.Role != llm.RoleSystem && m.Role != llm.RoleDeveloper {
			continue
		}
		for _, p := range m.Parts {
			if p.Type == llm.PartText && p.Text != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: p.Text})
			}
		}
	}
	if len(blocks) > 0 {
		blocks[len(blocks)-1].CacheControl = &wireCacheControl{Type: "ephemeral"}
	}
	return blocks
}

// buildMessages converts the non-system conversation. The API requires
// strictly alternating user/assistant turns: tool results become user
// messages, and consecutive same-role messages are merged by
// concatenating their content blocks in order.
func buildMessages(messages []llm.Message) []wireMessage {
	var result []wireMessage

	appendBlocks := func(role string, blocks []wireBlock) {
		if len(blocks) == 0 {
			return
		}
		if len(result) > 0 && result[len(result)-1].Role == role {
			last := &result[len(result)-1]
			last.Content = append(last.Content, blocks...)
			return
		}
		result = append(result, wireMessage{Role: role, Content: blocks})
	}

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			continue
		case llm.RoleTool:
			appendBlocks("user", toolResultBlocks(m))
		case llm.RoleAssistant:
			appendBlocks("assistant", assistantBlocks(m))
		default:
			appendBlocks("user", userBlocks(m))
		}
	}
	return result
}

func userBlocks(m llm.Message) []wireBlock {
	var blocks []wireBlock
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartText:
			blocks = append(blocks, wireBlock{Type: "text", Text: p.Text})
		case llm.PartImage:
			blocks = append(blocks, mediaBlock("image", p))
		case llm.PartDocument:
			blocks = append(blocks, mediaBlock("document", p))
		case llm.PartToolResult:
			blocks = append(blocks, toolResultBlock(p))
		}
	}
	return blocks
}

// assistantBlocks keeps thinking blocks ahead of tool_use and text so the
// API can verify round-trip signatures.
func assistantBlocks(m llm.Message) []wireBlock {
	var blocks []wireBlock
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartThinking:
			blocks = append(blocks, wireBlock{Type: "thinking", Thinking: p.Text, Signature: p.Signature})
		case llm.PartRedactedThinking:
			// The opaque payload is re-sent exactly as received.
			blocks = append(blocks, wireBlock{Type: "redacted_thinking", Data: string(p.Redacted)})
		}
	}
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartToolCall:
			blocks = append(blocks, wireBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: rawArgs(p),
			})
		case llm.PartText:
			if p.Text != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: p.Text})
			}
		}
	}
	return blocks
}

func toolResultBlocks(m llm.Message) []wireBlock {
	var blocks []wireBlock
	for _, p := range m.Parts {
		if p.Type == llm.PartToolResult {
			blocks = append(blocks, toolResultBlock(p))
		}
	}
	return blocks
}

// toolResultBlock builds a tool_result block whose ID equals the
// originating tool-call ID.
func toolResultBlock(p llm.ContentPart) wireBlock {
	var content json.RawMessage
	if p.Structured != nil {
		if b, err := json.Marshal(p.Structured); err == nil {
			content = b
		}
	}
	if content == nil {
		b, err := json.Marshal(p.Content)
		if err != nil {
			b = []byte(`""`)
		}
		content = b
	}
	return wireBlock{
		Type:      "tool_result",
		ToolUseID: p.ToolCallID,
		Content:   content,
		IsError:   p.IsError,
	}
}

func mediaBlock(blockType string, p llm.ContentPart) wireBlock {
	b := wireBlock{Type: blockType}
	if p.URL != "" {
		b.Source = &wireSource{Type: "url", URL: p.URL}
	} else {
		b.Source = &wireSource{
			Type:      "base64",
			MediaType: p.MediaType,
			Data:      base64.StdEncoding.EncodeToString(p.Data),
		}
	}
	return b
}

func rawArgs(p llm.ContentPart) json.RawMessage {
	if p.RawArgs != "" && json.Valid([]byte(p.RawArgs)) {
		return json.RawMessage(p.RawArgs)
	}
	if p.Args != nil {
		if b, err := json.Marshal(p.Args); err == nil {
			return b
		}
	}
	return json.RawMessage(`{}`)
}

// buildTools converts tool declarations, attaching the prompt-cache
// marker to the last definition so the whole list caches together.
func buildTools(tools []llm.Tool) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		entry := wireTool{Name: t.Name, Description: t.Description}
		if t.Parameters != nil {
			if b, err := json.Marshal(t.Parameters); err == nil {
				entry.InputSchema = b
			}
		}
		if entry.InputSchema == nil {
			entry.InputSchema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, entry)
	}
	if len(out) > 0 {
		out[len(out)-1].CacheControl = &wireCacheControl{Type: "ephemeral"}
	}
	return out
}

func buildToolChoice(tc *llm.ToolChoice) *wireToolChoice {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case llm.ToolChoiceAuto:
		return &wireToolChoice{Type: "auto"}
	case llm.ToolChoiceRequired:
		return &wireToolChoice{Type: "any"}
	case llm.ToolChoiceNamed:
		return &wireToolChoice{Type: "tool", Name: tc.Name}
	default:
		return nil
	}
}

// effortBudgets maps reasoning effort tags to thinking token budgets.
var effortBudgets = map[string]int{
	"low":    1024,
	"medium": 4096,
	"high":   16384,
}

func thinkingForEffort(effort string) *wireThinking {
	budget, ok := effortBudgets[strings.ToLower(effort)]
	if !ok {
		return nil
	}
	return &wireThinking{Type: "enabled", BudgetTokens: budget}
}

// fromWireResponse converts a Messages response to the unified model.
func fromWireResponse(resp wireResponse) *llm.Response {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Parts = append(msg.Parts, llm.TextPart(block.Text))
		case "thinking":
			msg.Parts = append(msg.Parts, llm.ThinkingPart(block.Thinking, block.Signature))
		case "redacted_thinking":
			msg.Parts = append(msg.Parts, llm.RedactedThinkingPart([]byte(block.Data)))
		case "tool_use":
			raw := string(block.Input)
			msg.Parts = append(msg.Parts, llm.ToolCallPart(block.ID, block.Name, parseArgs(raw), raw))
		}
		// Unknown block types are dropped for forward compatibility.
	}

	return &llm.Response{
		ID:              resp.ID,
		Model:           resp.Model,
		Provider:        Name,
		Message:         msg,
		FinishReason:    mapStopReason(resp.StopReason),
		RawFinishReason: resp.StopReason,
		Usage:           fromWireUsage(resp.Usage),
		Raw:             resp,
	}
}

func fromWireUsage(u wireUsage) llm.Usage {
	return llm.Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
}

// parseArgs parses a tool call's argument JSON, repairing near-misses and
// falling back to an empty map. Never fails.
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

func mapStopReason(stop string) llm.FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "tool_use":
		return llm.FinishToolCalls
	case "max_tokens":
		return llm.FinishLength
	case "refusal":
		return llm.FinishContentFilter
	case "":
		return llm.FinishStop
	default:
		return llm.FinishOther
	}
}

// rateLimitFromHeaders snapshots the provider's rate-limit headers.
func rateLimitFromHeaders(get func(string) string) *llm.RateLimitInfo {
	parse := func(key string) int {
		n, _ := strconv.Atoi(get(key))
		return n
	}
	info := &llm.RateLimitInfo{
		RequestsRemaining: parse("anthropic-ratelimit-requests-remaining"),
		RequestsLimit:     parse("anthropic-ratelimit-requests-limit"),
		TokensRemaining:   parse("anthropic-ratelimit-tokens-remaining"),
		TokensLimit:       parse("anthropic-ratelimit-tokens-limit"),
	}
	if info.RequestsLimit == 0 && info.TokensLimit == 0 {
		return nil
	}
	return info
}
