package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/petal-labs/dotflow/internal/httpx"
	"github.com/petal-labs/dotflow/llm"
)

// itemBuilder accumulates one output item across delta events.
type itemBuilder struct {
	kind     string // "message" | "function_call"
	callID   string
	toolName string
	text     strings.Builder
	args     strings.Builder
}

// Stream implements llm.Adapter. The Responses SSE stream announces
// output items (response.output_item.added), streams their deltas keyed
// by item ID, and closes with response.completed carrying the final
// response object.
func (a *Adapter) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	if a.cfg.APIKey == "" {
		return nil, &llm.APIError{Class: llm.ClassAuthentication, Message: "API key is not set", Provider: Name}
	}

	wireReq := toWireRequest(req)
	wireReq.Stream = true

	httpResp, err := httpx.PostStream(ctx, a.cfg.HTTPClient, a.cfg.BaseURL+responsesEndpoint, wireReq, a.headers()...)
	if err != nil {
		return nil, mapTransportError(err)
	}

	return func(yield func(llm.StreamEvent) bool) {
		defer httpx.CloseWithLog(httpResp.Body)
		scanner := httpx.NewSSEScanner(httpResp.Body)

		items := map[string]*itemBuilder{}
		var itemOrder []string
		responseID := ""
		model := req.Model
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
						Class: llm.ClassServer, Message: "stream interrupted before completion",
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
				continue
			}

			switch event.Type {
			case "response.created":
				if event.Response != nil {
					responseID = event.Response.ID
					if event.Response.Model != "" {
						model = event.Response.Model
					}
				}

			case "response.output_item.added":
				if event.Item == nil || event.Item.ID == "" {
					continue
				}
				b := &itemBuilder{kind: event.Item.Type}
				items[event.Item.ID] = b
				itemOrder = append(itemOrder, event.Item.ID)
				switch event.Item.Type {
				case "message":
					if !yield(llm.StreamEvent{Type: llm.StreamTextStart, ID: event.Item.ID}) {
						return
					}
				case "function_call":
					b.callID = event.Item.CallID
					b.toolName = event.Item.Name
					b.args.WriteString(event.Item.Arguments)
					if !yield(llm.StreamEvent{Type: llm.StreamToolCallStart, ID: b.callID, ToolName: b.toolName}) {
						return
					}
				}

			case "response.output_text.delta":
				b := items[event.ItemID]
				if b == nil || event.Delta == "" {
					continue
				}
				b.text.WriteString(event.Delta)
				if !yield(llm.StreamEvent{Type: llm.StreamTextDelta, ID: event.ItemID, Delta: event.Delta}) {
					return
				}

			case "response.function_call_arguments.delta":
				b := items[event.ItemID]
				if b == nil || event.Delta == "" {
					continue
				}
				b.args.WriteString(event.Delta)
				if !yield(llm.StreamEvent{Type: llm.StreamToolCallDelta, ID: b.callID, ToolName: b.toolName, Delta: event.Delta}) {
					return
				}

			case "response.output_item.done":
				var b *itemBuilder
				id := event.ItemID
				if id == "" && event.Item != nil {
					id = event.Item.ID
				}
				b = items[id]
				if b == nil {
					continue
				}
				switch b.kind {
				case "message":
					if !yield(llm.StreamEvent{Type: llm.StreamTextEnd, ID: id}) {
						return
					}
				case "function_call":
					if !yield(llm.StreamEvent{Type: llm.StreamToolCallEnd, ID: b.callID, ToolName: b.toolName}) {
						return
					}
				}

			case "response.completed", "response.incomplete":
				msg := llm.Message{Role: llm.RoleAssistant}
				hasToolCalls := false
				for _, id := range itemOrder {
					b := items[id]
					switch b.kind {
					case "message":
						msg.Parts = append(msg.Parts, llm.TextPart(b.text.String()))
					case "function_call":
						hasToolCalls = true
						raw := b.args.String()
						msg.Parts = append(msg.Parts, llm.ToolCallPart(b.callID, b.toolName, parseArgs(raw), raw))
					}
				}

				status := "completed"
				var usage llm.Usage
				if event.Response != nil {
					status = event.Response.Status
					if event.Response.Usage != nil {
						usage = fromWireUsage(*event.Response.Usage)
					}
					if event.Response.ID != "" {
						responseID = event.Response.ID
					}
				}

				resp := &llm.Response{
					ID:              responseID,
					Model:           model,
					Provider:        Name,
					Message:         msg,
					FinishReason:    deriveFinish(status, hasToolCalls),
					RawFinishReason: status,
					Usage:           usage,
				}
				finished = true
				yield(llm.StreamEvent{Type: llm.StreamFinish, Response: resp, Usage: &usage})
				return

			case "response.failed", "error":
				msg := "stream failed"
				if event.Error != nil && event.Error.Message != "" {
					msg = event.Error.Message
				}
				yield(llm.StreamEvent{Type: llm.StreamError, Err: &llm.APIError{
					Class: llm.ClassServer, Message: msg, Provider: Name, Retryable: true,
				}})
				return

			default:
				// Unknown event types are dropped.
			}
		}
	}, nil
}
