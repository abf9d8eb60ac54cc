package gemini

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/dotflow/llm"
)

// callNames bridges synthetic tool-call IDs to function names. The wire
// format correlates tool calls and results by name only, so the adapter
// registers every tool call it translates and resolves results through
// the map, failing closed to "unknown". One map per request; never
// shared across requests.
type callNames struct {
	byID map[string]string
}

func newCallNames() *callNames {
	return &callNames{byID: make(map[string]string)}
}

func (c *callNames) register(id, name string) {
	if id != "" {
		c.byID[id] = name
	}
}

func (c *callNames) lookup(id string) string {
	if name, ok := c.byID[id]; ok {
		return name
	}
	return "unknown"
}

// syntheticCallID mints a locally-unique tool-call ID for a function
// call the provider only names.
func syntheticCallID() string {
	return "call_" + uuid.NewString()
}

// toWireRequest converts a unified request: system/developer text to the
// dedicated instruction object, assistant turns to the "model" role, and
// tool correlation through the per-request name map.
func toWireRequest(req *llm.Request) wireRequest {
	names := newCallNames()

	out := wireRequest{
		SystemInstruction: buildSystemInstruction(req.Messages),
		Contents:          buildContents(req.Messages, names),
	}

	if len(req.Tools) > 0 {
		out.Tools = buildTools(req.Tools)
		out.ToolConfig = buildToolConfig(req.ToolChoice)
	}

	gen := &wireGenConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		StopSequences:   req.StopSequences,
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type != "" && rf.Type != "text" {
		gen.ResponseMimeType = "application/json"
		if rf.Schema != nil {
			if b, err := json.Marshal(rf.Schema); err == nil {
				gen.ResponseSchema = b
			}
		}
	}
	if gen.MaxOutputTokens != 0 || gen.Temperature != nil || gen.TopP != nil ||
		len(gen.StopSequences) > 0 || gen.ResponseMimeType != "" {
		out.GenerationConfig = gen
	}

	return out
}

func buildSystemInstruction(messages []llm.Message) *wireContent {
	var parts []wirePart
	for _, m := range messages {
		if m.Role != llm.RoleSystem && m.Role != llm.RoleDeveloper {
			continue
		}
		if text := m.Text(); text != "" {
			parts = append(parts, wirePart{Text: text})
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &wireContent{Parts: parts}
}

func buildContents(messages []llm.Message, names *callNames) []wireContent {
	var contents []wireContent
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			continue

		case llm.RoleAssistant:
			var parts []wirePart
			for _, p := range m.Parts {
				switch p.Type {
				case llm.PartText:
					if p.Text != "" {
						parts = append(parts, wirePart{Text: p.Text})
					}
				case llm.PartToolCall:
					names.register(p.ToolCallID, p.ToolName)
					parts = append(parts, wirePart{FunctionCall: &wireFunctionCall{
						Name: p.ToolName,
						Args: rawArgs(p),
					}})
				}
			}
			if len(parts) > 0 {
				contents = append(contents, wireContent{Role: "model", Parts: parts})
			}

		case llm.RoleTool:
			var parts []wirePart
			for _, p := range m.Parts {
				if p.Type != llm.PartToolResult {
					continue
				}
				parts = append(parts, wirePart{FunctionResponse: &wireFunctionResp{
					Name:     names.lookup(p.ToolCallID),
					Response: toolResponsePayload(p),
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, wireContent{Role: "user", Parts: parts})
			}

		default:
			var parts []wirePart
			for _, p := range m.Parts {
				switch p.Type {
				case llm.PartText:
					if p.Text != "" {
						parts = append(parts, wirePart{Text: p.Text})
					}
				case llm.PartImage, llm.PartDocument, llm.PartAudio:
					parts = append(parts, mediaPart(p))
				}
			}
			if len(parts) > 0 {
				contents = append(contents, wireContent{Role: "user", Parts: parts})
			}
		}
	}
	return contents
}

func mediaPart(p llm.ContentPart) wirePart {
	if p.URL != "" {
		return wirePart{FileData: &wireFileData{MimeType: p.MediaType, FileURI: p.URL}}
	}
	return wirePart{InlineData: &wireInlineData{
		MimeType: p.MediaType,
		Data:     base64.StdEncoding.EncodeToString(p.Data),
	}}
}

func toolResponsePayload(p llm.ContentPart) json.RawMessage {
	if p.Structured != nil {
		if b, err := json.Marshal(p.Structured); err == nil {
			return wrapResponse(b)
		}
	}
	if json.Valid([]byte(p.Content)) && strings.HasPrefix(strings.TrimSpace(p.Content), "{") {
		return json.RawMessage(p.Content)
	}
	b, err := json.Marshal(map[string]any{"result": p.Content})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// wrapResponse ensures the function response is a JSON object as the API
// requires.
func wrapResponse(b []byte) json.RawMessage {
	if strings.HasPrefix(strings.TrimSpace(string(b)), "{") {
		return b
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{"result": b})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
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

func buildTools(tools []llm.Tool) []wireToolWrapper {
	decls := make([]wireFunctionDecl, 0, len(tools))
	for _, t := range tools {
		d := wireFunctionDecl{Name: t.Name, Description: t.Description}
		if t.Parameters != nil {
			if b, err := json.Marshal(t.Parameters); err == nil {
				d.Parameters = b
			}
		}
		decls = append(decls, d)
	}
	return []wireToolWrapper{{FunctionDeclarations: decls}}
}

// buildToolConfig maps tool choice onto AUTO/NONE/ANY plus allowed
// function names for the named mode.
func buildToolConfig(tc *llm.ToolChoice) *wireToolConfig {
	if tc == nil {
		return nil
	}
	cfg := wireFunctionCallingConfig{}
	switch tc.Mode {
	case llm.ToolChoiceAuto:
		cfg.Mode = "AUTO"
	case llm.ToolChoiceNone:
		cfg.Mode = "NONE"
	case llm.ToolChoiceRequired:
		cfg.Mode = "ANY"
	case llm.ToolChoiceNamed:
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{tc.Name}
	default:
		return nil
	}
	return &wireToolConfig{FunctionCallingConfig: cfg}
}

// fromWireResponse converts a generateContent payload to the unified
// model, minting synthetic IDs for function calls.
func fromWireResponse(resp wireResponse, model string) *llm.Response {
	msg := llm.Message{Role: llm.RoleAssistant}
	finish := ""
	hasToolCalls := false

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finish = cand.FinishReason
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				hasToolCalls = true
				raw := string(part.FunctionCall.Args)
				msg.Parts = append(msg.Parts, llm.ToolCallPart(
					syntheticCallID(),
					part.FunctionCall.Name,
					parseArgs(raw),
					raw,
				))
			case part.Thought && part.Text != "":
				msg.Parts = append(msg.Parts, llm.ThinkingPart(part.Text, ""))
			case part.Text != "":
				msg.Parts = append(msg.Parts, llm.TextPart(part.Text))
			}
		}
	}

	out := &llm.Response{
		ID:              resp.ResponseID,
		Model:           firstNonEmpty(resp.ModelVersion, model),
		Provider:        Name,
		Message:         msg,
		FinishReason:    mapFinishReason(finish, hasToolCalls),
		RawFinishReason: finish,
		Raw:             resp,
	}
	if resp.UsageMetadata != nil {
		out.Usage = fromWireUsage(*resp.UsageMetadata)
	}
	return out
}

func fromWireUsage(u wireUsage) llm.Usage {
	return llm.Usage{
		InputTokens:     u.PromptTokenCount,
		OutputTokens:    u.CandidatesTokenCount,
		TotalTokens:     u.TotalTokenCount,
		ReasoningTokens: u.ThoughtsTokenCount,
		CacheReadTokens: u.CachedContentTokenCount,
	}
}

func mapFinishReason(reason string, hasToolCalls bool) llm.FinishReason {
	if hasToolCalls {
		return llm.FinishToolCalls
	}
	switch reason {
	case "STOP", "":
		return llm.FinishStop
	case "MAX_TOKENS":
		return llm.FinishLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
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
	return map[string]any{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
