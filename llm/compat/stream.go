package compat

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/petal-labs/dotflow/internal/httpx"
	"github.com/petal-labs/dotflow/llm"
)

// callBuilder accumulates one tool call across chunk deltas, keyed by
// its chunk index.
type callBuilder struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

// Stream implements llm.Adapter. Chat-completions streams carry one text
// channel plus index-keyed tool-call deltas; the [DONE] sentinel ends the
// stream, after which the accumulated state becomes the FINISH event.
func (a *Adapter) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	wireReq := toWireRequest(req)
	wireReq.Stream = true
	wireReq.StreamOptions = &streamOptions{IncludeUsage: true}

	httpResp, err := httpx.PostStream(ctx, a.cfg.HTTPClient, a.cfg.BaseURL+completionsEndpoint, wireReq, a.headers()...)
	if err != nil {
		return nil, a.mapTransportError(err)
	}

	provider := a.cfg.Provider

	return func(yield func(llm.StreamEvent) bool) {
		defer httpx.CloseWithLog(httpResp.Body)
		scanner := httpx.NewSSEScanner(httpResp.Body)

		const textID = "txt_0"
		var text strings.Builder
		textOpen := false
		calls := map[int]*callBuilder{}
		var callOrder []int
		var usage llm.Usage
		finish := ""
		responseID := ""
		model := req.Model

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
				break
			}
			if serr != nil {
				yield(llm.StreamEvent{Type: llm.StreamError, Err: serr})
				return
			}

			var chunk wireResponse
			if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
				continue
			}
			if chunk.ID != "" {
				responseID = chunk.ID
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage != nil {
				usage = fromWireUsage(*chunk.Usage)
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}

			if choice.Delta.Content != "" {
				if !textOpen {
					textOpen = true
					if !yield(llm.StreamEvent{Type: llm.StreamTextStart, ID: textID}) {
						return
					}
				}
				text.WriteString(choice.Delta.Content)
				if !yield(llm.StreamEvent{Type: llm.StreamTextDelta, ID: textID, Delta: choice.Delta.Content}) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				b := calls[tc.Index]
				if b == nil {
					b = &callBuilder{}
					calls[tc.Index] = b
					callOrder = append(callOrder, tc.Index)
				}
				if tc.ID != "" {
					b.id = tc.ID
				}
				if tc.Function.Name != "" {
					b.name = tc.Function.Name
				}
				if !b.started && b.id != "" {
					b.started = true
					if !yield(llm.StreamEvent{Type: llm.StreamToolCallStart, ID: b.id, ToolName: b.name}) {
						return
					}
				}
				if tc.Function.Arguments != "" {
					b.args.WriteString(tc.Function.Arguments)
					if !yield(llm.StreamEvent{Type: llm.StreamToolCallDelta, ID: b.id, ToolName: b.name, Delta: tc.Function.Arguments}) {
						return
					}
				}
			}
		}

		// End of stream: close open blocks and emit the single FINISH.
		if textOpen {
			if !yield(llm.StreamEvent{Type: llm.StreamTextEnd, ID: textID}) {
				return
			}
		}
		msg := llm.Message{Role: llm.RoleAssistant}
		if text.Len() > 0 {
			msg.Parts = append(msg.Parts, llm.TextPart(text.String()))
		}
		for _, idx := range callOrder {
			b := calls[idx]
			if b.started {
				if !yield(llm.StreamEvent{Type: llm.StreamToolCallEnd, ID: b.id, ToolName: b.name}) {
					return
				}
			}
			raw := b.args.String()
			msg.Parts = append(msg.Parts, llm.ToolCallPart(b.id, b.name, parseArgs(raw), raw))
		}

		resp := &llm.Response{
			ID:              responseID,
			Model:           model,
			Provider:        provider,
			Message:         msg,
			FinishReason:    mapFinishReason(finish),
			RawFinishReason: finish,
			Usage:           usage,
		}
		yield(llm.StreamEvent{Type: llm.StreamFinish, Response: resp, Usage: &usage})
	}, nil
}
