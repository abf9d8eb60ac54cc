package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/petal-labs/dotflow/internal/httpx"
	"github.com/petal-labs/dotflow/llm"
)

// blockBuilder accumulates one content block across delta events.
type blockBuilder struct {
	kind      string // "text" | "thinking" | "tool_use"
	eventID   string
	text      strings.Builder
	signature string
	callID    string
	toolName  string
	args      strings.Builder
}

// Stream implements llm.Adapter. The SSE lifecycle is
//
//	message_start → content_block_start → content_block_delta(s) →
//	content_block_stop → message_delta → message_stop
//
// and the translator keeps one builder per content-block index.
func (a *Adapter) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	if a.cfg.APIKey == "" {
		return nil, &llm.APIError{Class: llm.ClassAuthentication, Message: "API key is not set", Provider: Name}
	}

	wireReq := toWireRequest(req)
	wireReq.Stream = true

	httpResp, err := httpx.PostStream(ctx, a.cfg.HTTPClient, a.cfg.BaseURL+messagesEndpoint, wireReq, a.headers()...)
	if err != nil {
		return nil, mapTransportError(err)
	}

	return func(yield func(llm.StreamEvent) bool) {
		defer httpx.CloseWithLog(httpResp.Body)
		scanner := httpx.NewSSEScanner(httpResp.Body)

		blocks := map[int]*blockBuilder{}
		var blockOrder []int
		var usage llm.Usage
		stopReason := ""
		responseID := ""
		model := req.Model
		textCount, reasoningCount := 0, 0
		finished := false

		if !yield(llm.StreamEvent{Type: llm.StreamStart}) {
			return
		}

		for {
			if ctx.Err() != nil {
				yield(llm.StreamEvent{Type: llm.StreamError, Err: ctx.Err()})
				return
			}

			frame, serr := scanner.Next()
			if serr == io.EOF {
				if !finished {
					yield(llm.StreamEvent{Type: llm.StreamError, Err: &llm.APIError{
						Class: llm.ClassServer, Message: "stream interrupted before message_stop",
						Provider: Name, Retryable: true,
					}})
				}
				return
			}
			if serr != nil {
				yield(llm.StreamEvent{Type: llm.StreamError, Err: serr})
				return
			}

			var event wireStreamEvent
			if err := json.Unmarshal([]byte(frame.Data), &event); err != nil {
				// A malformed frame skips that frame only.
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					responseID = event.Message.ID
					if event.Message.Model != "" {
						model = event.Message.Model
					}
					usage = fromWireUsage(event.Message.Usage)
				}

			case "content_block_start":
				if event.ContentBlock == nil {
					continue
				}
				b := &blockBuilder{kind: event.ContentBlock.Type}
				blocks[event.Index] = b
				blockOrder = append(blockOrder, event.Index)
				switch event.ContentBlock.Type {
				case "text":
					b.eventID = fmt.Sprintf("txt_%d", textCount)
					textCount++
					if !yield(llm.StreamEvent{Type: llm.StreamTextStart, ID: b.eventID}) {
						return
					}
				case "thinking":
					b.eventID = fmt.Sprintf("rsn_%d", reasoningCount)
					reasoningCount++
					if !yield(llm.StreamEvent{Type: llm.StreamReasoningStart, ID: b.eventID}) {
						return
					}
				case "tool_use":
					b.callID = event.ContentBlock.ID
					b.toolName = event.ContentBlock.Name
					b.eventID = b.callID
					if !yield(llm.StreamEvent{Type: llm.StreamToolCallStart, ID: b.callID, ToolName: b.toolName}) {
						return
					}
				case "redacted_thinking":
					b.text.WriteString(event.ContentBlock.Data)
				}

			case "content_block_delta":
				b := blocks[event.Index]
				if b == nil || event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					b.text.WriteString(event.Delta.Text)
					if event.Delta.Text != "" {
						if !yield(llm.StreamEvent{Type: llm.StreamTextDelta, ID: b.eventID, Delta: event.Delta.Text}) {
							return
						}
					}
				case "thinking_delta":
					b.text.WriteString(event.Delta.Thinking)
					if event.Delta.Thinking != "" {
						if !yield(llm.StreamEvent{Type: llm.StreamReasoningDelta, ID: b.eventID, Delta: event.Delta.Thinking}) {
							return
						}
					}
				case "signature_delta":
					b.signature += event.Delta.Signature
				case "input_json_delta":
					b.args.WriteString(event.Delta.PartialJSON)
					if event.Delta.PartialJSON != "" {
						if !yield(llm.StreamEvent{Type: llm.StreamToolCallDelta, ID: b.callID, ToolName: b.toolName, Delta: event.Delta.PartialJSON}) {
							return
						}
					}
				}

			case "content_block_stop":
				b := blocks[event.Index]
				if b == nil {
					continue
				}
				switch b.kind {
				case "text":
					if !yield(llm.StreamEvent{Type: llm.StreamTextEnd, ID: b.eventID}) {
						return
					}
				case "thinking":
					if !yield(llm.StreamEvent{Type: llm.StreamReasoningEnd, ID: b.eventID}) {
						return
					}
				case "tool_use":
					if !yield(llm.StreamEvent{Type: llm.StreamToolCallEnd, ID: b.callID, ToolName: b.toolName}) {
						return
					}
				}

			case "message_delta":
				if event.Usage != nil {
					// Output tokens land here; input-side counters came
					// with message_start and are kept.
					usage.OutputTokens = event.Usage.OutputTokens
					usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				}
				if event.Delta != nil && event.Delta.StopReason != "" {
					stopReason = event.Delta.StopReason
				}

			case "message_stop":
				msg := llm.Message{Role: llm.RoleAssistant}
				for _, idx := range blockOrder {
					b := blocks[idx]
					switch b.kind {
					case "text":
						msg.Parts = append(msg.Parts, llm.TextPart(b.text.String()))
					case "thinking":
						msg.Parts = append(msg.Parts, llm.ThinkingPart(b.text.String(), b.signature))
					case "redacted_thinking":
						msg.Parts = append(msg.Parts, llm.RedactedThinkingPart([]byte(b.text.String())))
					case "tool_use":
						raw := b.args.String()
						msg.Parts = append(msg.Parts, llm.ToolCallPart(b.callID, b.toolName, parseArgs(raw), raw))
					}
				}
				resp := &llm.Response{
					ID:              responseID,
					Model:           model,
					Provider:        Name,
					Message:         msg,
					FinishReason:    mapStopReason(stopReason),
					RawFinishReason: stopReason,
					Usage:           usage,
				}
				finished = true
				yield(llm.StreamEvent{Type: llm.StreamFinish, Response: resp, Usage: &usage})
				return

			case "error":
				msg := "unknown stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				yield(llm.StreamEvent{Type: llm.StreamError, Err: &llm.APIError{
					Class: llm.ClassServer, Message: msg, Provider: Name, Retryable: true,
				}})
				return

			case "ping":
				// keep-alive

			default:
				// Unknown event types are dropped.
			}
		}
	}, nil
}
