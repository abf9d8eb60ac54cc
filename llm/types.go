// Package llm is a provider-agnostic LLM client. It exposes one
// request/response/stream contract over incompatible upstream APIs;
// per-family adapters (anthropic, openai, gemini, compat) translate to
// and from the wire formats, and the Client routes requests by provider
// name.
package llm

import (
	"context"
	"iter"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleDeveloper Role = "developer"
)

// PartType tags the ContentPart union.
type PartType string

const (
	PartText             PartType = "text"
	PartImage            PartType = "image"
	PartAudio            PartType = "audio"
	PartDocument         PartType = "document"
	PartToolCall         PartType = "tool_call"
	PartToolResult       PartType = "tool_result"
	PartThinking         PartType = "thinking"
	PartRedactedThinking PartType = "redacted_thinking"
)

// ContentPart is one element of a message body. Exactly the fields for
// its Type are meaningful.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text content (text, thinking).
	Text string `json:"text,omitempty"`

	// Media content (image, audio, document): either URL or inline Data
	// with MediaType.
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// Tool call (tool_call): parsed arguments plus the raw argument
	// string exactly as the provider produced it.
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	RawArgs    string         `json:"raw_args,omitempty"`

	// Tool result (tool_result): string or structured content.
	Content    string `json:"content,omitempty"`
	Structured any    `json:"structured,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// Thinking signature, and the opaque redacted payload that must be
	// re-sent byte-for-byte (redacted_thinking).
	Signature string `json:"signature,omitempty"`
	Redacted  []byte `json:"redacted,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImageURLPart builds an image part referencing a URL.
func ImageURLPart(url string) ContentPart {
	return ContentPart{Type: PartImage, URL: url}
}

// ImagePart builds an inline image part.
func ImagePart(mediaType string, data []byte) ContentPart {
	return ContentPart{Type: PartImage, MediaType: mediaType, Data: data}
}

// DocumentPart builds an inline document part.
func DocumentPart(mediaType string, data []byte) ContentPart {
	return ContentPart{Type: PartDocument, MediaType: mediaType, Data: data}
}

// ToolCallPart builds a tool_call part.
func ToolCallPart(id, name string, args map[string]any, raw string) ContentPart {
	return ContentPart{Type: PartToolCall, ToolCallID: id, ToolName: name, Args: args, RawArgs: raw}
}

// ToolResultPart builds a tool_result part.
func ToolResultPart(callID, content string, isError bool) ContentPart {
	return ContentPart{Type: PartToolResult, ToolCallID: callID, Content: content, IsError: isError}
}

// ThinkingPart builds a thinking part with its signature.
func ThinkingPart(text, signature string) ContentPart {
	return ContentPart{Type: PartThinking, Text: text, Signature: signature}
}

// RedactedThinkingPart wraps an opaque redacted payload.
func RedactedThinkingPart(data []byte) ContentPart {
	return ContentPart{Type: PartRedactedThinking, Redacted: data}
}

// Message is one conversation turn: a role plus ordered content parts.
type Message struct {
	Role       Role          `json:"role"`
	Parts      []ContentPart `json:"parts"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// UserMessage builds a single-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []ContentPart{TextPart(text)}}
}

// SystemMessage builds a single-text system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []ContentPart{TextPart(text)}}
}

// AssistantMessage builds a single-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []ContentPart{TextPart(text)}}
}

// ToolMessage builds a tool-result message for a call ID.
func ToolMessage(callID, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		ToolCallID: callID,
		Parts:      []ContentPart{ToolResultPart(callID, content, isError)},
	}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the message's tool_call parts.
func (m Message) ToolCalls() []ContentPart {
	var out []ContentPart
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			out = append(out, p)
		}
	}
	return out
}

// Tool declares a function the model may call. Execute, when set, lets
// the Generate driver run the call locally.
type Tool struct {
	Name        string                                                      `json:"name"`
	Description string                                                      `json:"description,omitempty"`
	Parameters  map[string]any                                              `json:"parameters,omitempty"`
	Execute     func(ctx context.Context, args map[string]any) (any, error) `json:"-"`
}

// ToolChoiceMode selects how the model may use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "named"
)

// ToolChoice is the tool-choice constraint; Name is set for the named mode.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// ResponseFormat asks the model for structured output.
type ResponseFormat struct {
	Type   string         `json:"type"` // "text" | "json_object" | "json_schema"
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict bool           `json:"strict,omitempty"`
}

// Request is the provider-agnostic completion request.
type Request struct {
	Model           string            `json:"model"`
	Provider        string            `json:"provider,omitempty"`
	Messages        []Message         `json:"messages"`
	Tools           []Tool            `json:"tools,omitempty"`
	ToolChoice      *ToolChoice       `json:"tool_choice,omitempty"`
	MaxTokens       int               `json:"max_tokens,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	StopSequences   []string          `json:"stop_sequences,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
	ResponseFormat  *ResponseFormat   `json:"response_format,omitempty"`
	ProviderOptions map[string]any    `json:"provider_options,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// FinishReason is the normalized reason generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishOther         FinishReason = "other"
)

// Usage counts tokens for one request. Cache counters are sub-counts of
// InputTokens, broken out for cost attribution.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add combines two usage values.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		ReasoningTokens:  u.ReasoningTokens + other.ReasoningTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// RateLimitInfo snapshots provider rate-limit headers.
type RateLimitInfo struct {
	RequestsRemaining int        `json:"requests_remaining,omitempty"`
	RequestsLimit     int        `json:"requests_limit,omitempty"`
	TokensRemaining   int        `json:"tokens_remaining,omitempty"`
	TokensLimit       int        `json:"tokens_limit,omitempty"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
}

// Response is the provider-agnostic completion response.
type Response struct {
	ID              string         `json:"id"`
	Model           string         `json:"model"`
	Provider        string         `json:"provider"`
	Message         Message        `json:"message"`
	FinishReason    FinishReason   `json:"finish_reason"`
	RawFinishReason string         `json:"raw_finish_reason,omitempty"`
	Usage           Usage          `json:"usage"`
	Warnings        []string       `json:"warnings,omitempty"`
	RateLimit       *RateLimitInfo `json:"rate_limit,omitempty"`
	Raw             any            `json:"-"`
}

// Text concatenates the response's text parts.
func (r *Response) Text() string { return r.Message.Text() }

// ToolCalls returns the response's tool_call parts.
func (r *Response) ToolCalls() []ContentPart { return r.Message.ToolCalls() }

// Reasoning concatenates the response's thinking parts.
func (r *Response) Reasoning() string {
	var out string
	for _, p := range r.Message.Parts {
		if p.Type == PartThinking {
			out += p.Text
		}
	}
	return out
}

// StreamEventType tags the StreamEvent union.
type StreamEventType string

const (
	StreamStart          StreamEventType = "stream_start"
	StreamTextStart      StreamEventType = "text_start"
	StreamTextDelta      StreamEventType = "text_delta"
	StreamTextEnd        StreamEventType = "text_end"
	StreamReasoningStart StreamEventType = "reasoning_start"
	StreamReasoningDelta StreamEventType = "reasoning_delta"
	StreamReasoningEnd   StreamEventType = "reasoning_end"
	StreamToolCallStart  StreamEventType = "tool_call_start"
	StreamToolCallDelta  StreamEventType = "tool_call_delta"
	StreamToolCallEnd    StreamEventType = "tool_call_end"
	StreamFinish         StreamEventType = "finish"
	StreamError          StreamEventType = "error"
	StreamProviderEvent  StreamEventType = "provider_event"
)

// StreamEvent is one normalized streaming event. ID carries the text or
// tool-call identifier for paired start/delta/end events; Delta carries
// incremental text or raw argument characters.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	ID       string          `json:"id,omitempty"`
	Delta    string          `json:"delta,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Response *Response       `json:"response,omitempty"`
	Usage    *Usage          `json:"usage,omitempty"`
	Err      error           `json:"-"`
	Raw      any             `json:"-"`
}

// Stream is a lazy, finite, single-consumer event sequence. It is not
// restartable; cancellation is honored between yields.
type Stream = iter.Seq[StreamEvent]

// Adapter is the per-provider-family capability surface.
type Adapter interface {
	// Name returns the provider identifier this adapter serves.
	Name() string

	// Complete sends a request and blocks until the response is ready.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a request and returns the normalized event sequence.
	Stream(ctx context.Context, req *Request) (Stream, error)

	// SupportsToolChoice reports whether the adapter can express the mode.
	SupportsToolChoice(mode ToolChoiceMode) bool

	// Close releases resources.
	Close() error
}

// SingleStreamEvent wraps one event as a Stream, used on error paths.
func SingleStreamEvent(ev StreamEvent) Stream {
	return func(yield func(StreamEvent) bool) {
		yield(ev)
	}
}
