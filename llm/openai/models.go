package openai

import "encoding/json"

// Wire types for the Responses API.

type wireRequest struct {
	Model           string            `json:"model"`
	Instructions    string            `json:"instructions,omitempty"`
	Input           []wireInputItem   `json:"input"`
	Tools           []wireTool        `json:"tools,omitempty"`
	ToolChoice      any               `json:"tool_choice,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	Reasoning       *wireReasoning    `json:"reasoning,omitempty"`
	Text            *wireTextFormat   `json:"text,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type wireReasoning struct {
	Effort string `json:"effort"`
}

type wireTextFormat struct {
	Format wireFormat `json:"format"`
}

type wireFormat struct {
	Type   string          `json:"type"` // "text" | "json_object" | "json_schema"
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict bool            `json:"strict,omitempty"`
}

// wireInputItem is a union: message, function_call, or
// function_call_output.
type wireInputItem struct {
	Type string `json:"type"`

	// message
	Role    string        `json:"role,omitempty"`
	Content []wireContent `json:"content,omitempty"`

	// function_call / function_call_output
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type wireContent struct {
	Type     string `json:"type"` // "input_text" | "output_text" | "input_image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type wireTool struct {
	Type        string          `json:"type"` // "function"
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict"`
}

type wireNamedChoice struct {
	Type string `json:"type"` // "function"
	Name string `json:"name"`
}

type wireResponse struct {
	ID                string           `json:"id"`
	Model             string           `json:"model"`
	Status            string           `json:"status"` // "completed" | "incomplete" | "failed"
	Output            []wireOutputItem `json:"output"`
	Usage             *wireUsage       `json:"usage,omitempty"`
	IncompleteDetails *wireIncomplete  `json:"incomplete_details,omitempty"`
}

type wireIncomplete struct {
	Reason string `json:"reason"`
}

type wireOutputItem struct {
	Type    string        `json:"type"` // "message" | "function_call" | "reasoning"
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []wireContent `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Summary []wireContent `json:"summary,omitempty"`
}

// Usage details are nested; reasoning and cached counts live one level
// down and must be surfaced into the unified usage.
type wireUsage struct {
	InputTokens         int              `json:"input_tokens"`
	OutputTokens        int              `json:"output_tokens"`
	TotalTokens         int              `json:"total_tokens"`
	OutputTokensDetails *wireUsageDetail `json:"output_tokens_details,omitempty"`
	InputTokensDetails  *wireUsageDetail `json:"input_tokens_details,omitempty"`
}

type wireUsageDetail struct {
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	CachedTokens    int `json:"cached_tokens,omitempty"`
}

// wireStreamEvent covers the Responses SSE frames this adapter consumes.
type wireStreamEvent struct {
	Type string `json:"type"`

	Item     *wireOutputItem `json:"item,omitempty"`
	ItemID   string          `json:"item_id,omitempty"`
	Delta    string          `json:"delta,omitempty"`
	Response *wireResponse   `json:"response,omitempty"`

	Error *wireStreamError `json:"error,omitempty"`
}

type wireStreamError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
