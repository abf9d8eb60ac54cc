package gemini

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/petal-labs/dotflow/internal/httpx"
	"github.com/petal-labs/dotflow/llm"
)

// Stream implements llm.Adapter. The streaming endpoint emits whole
// response chunks: text arrives as incremental candidate parts, function
// calls arrive complete in a single chunk. There is one text block per
// stream; each function call opens and closes immediately with its full
// argument payload as a single delta.
func (a *Adapter) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	if a.cfg.APIKey == "" {
		return nil, &llm.APIError{Class: llm.ClassAuthentication, Message: "API key is not set", Provider: Name}
	}

	wireReq := toWireRequest(req)
	httpResp, err := httpx.PostStream(ctx, a.cfg.HTTPClient, a.endpoint(req.Model, "streamGenerateContent")+"?alt=sse", wireReq, a.headers()...)
	if err != nil {
		return nil, mapTransportError(err)
	}

	return func(yield func(llm.StreamEvent) bool) {
		defer httpx.CloseWithLog(httpResp.Body)
		scanner := httpx.NewSSEScanner(httpResp.Body)

		const textID = "txt_0"
		var text strings.Builder
		textOpen := false
		var toolParts []llm.ContentPart
		var usage llm.Usage
		finish := ""
		responseID := ""
		model := req.Model
		gotFrame := false

		if !yield(llm.StreamEvent{Type: llm.StreamStart}) {
			return
		}

		finishStream := func() {
			if textOpen {
				if !yield(llm.StreamEvent{Type: llm.StreamTextEnd, ID: textID}) {
					return
				}
			}
			msg := llm.Message{Role: llm.RoleAssistant}
			if text.Len() > 0 {
				msg.Parts = append(msg.Parts, llm.TextPart(text.String()))
			}
			msg.Parts = append(msg.Parts, toolParts...)
			resp := &llm.Response{
				ID:              responseID,
				Model:           model,
				Provider:        Name,
				Message:         msg,
				FinishReason:    mapFinishReason(finish, len(toolParts) > 0),
				RawFinishReason: finish,
				Usage:           usage,
			}
			yield(llm.StreamEvent{Type: llm.StreamFinish, Response: resp, Usage: &usage})
		}

		for {
			if ctx.Err() != nil {
				yield(llm.StreamEvent{Type: llm.StreamError, Err: ctx.Err()})
				return
			}

			frame, serr := scanner.Next()
			if serr == io.EOF {
				if !gotFrame {
					yield(llm.StreamEvent{Type: llm.StreamError, Err: &llm.APIError{
						Class: llm.ClassServer, Message: "empty stream", Provider: Name, Retryable: true,
					}})
					return
				}
				finishStream()
				return
			}
			if serr != nil {
				yield(llm.StreamEvent{Type: llm.StreamError, Err: serr})
				return
			}

			var chunk wireResponse
			if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
				continue
			}
			gotFrame = true

			if chunk.ResponseID != "" {
				responseID = chunk.ResponseID
			}
			if chunk.ModelVersion != "" {
				model = chunk.ModelVersion
			}
			if chunk.UsageMetadata != nil {
				// Later chunks carry cumulative counts; the last one wins.
				usage = fromWireUsage(*chunk.UsageMetadata)
			}

			if len(chunk.Candidates) == 0 {
				continue
			}
			cand := chunk.Candidates[0]
			if cand.FinishReason != "" {
				finish = cand.FinishReason
			}

			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					raw := string(part.FunctionCall.Args)
					callID := syntheticCallID()
					toolParts = append(toolParts, llm.ToolCallPart(callID, part.FunctionCall.Name, parseArgs(raw), raw))
					if !yield(llm.StreamEvent{Type: llm.StreamToolCallStart, ID: callID, ToolName: part.FunctionCall.Name}) {
						return
					}
					if raw != "" {
						if !yield(llm.StreamEvent{Type: llm.StreamToolCallDelta, ID: callID, ToolName: part.FunctionCall.Name, Delta: raw}) {
							return
						}
					}
					if !yield(llm.StreamEvent{Type: llm.StreamToolCallEnd, ID: callID, ToolName: part.FunctionCall.Name}) {
						return
					}

				case part.Text != "":
					if !textOpen {
						textOpen = true
						if !yield(llm.StreamEvent{Type: llm.StreamTextStart, ID: textID}) {
							return
						}
					}
					text.WriteString(part.Text)
					if !yield(llm.StreamEvent{Type: llm.StreamTextDelta, ID: textID, Delta: part.Text}) {
						return
					}
				}
			}
		}
	}, nil
}
