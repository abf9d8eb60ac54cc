package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// GenerateOptions configures the agentic Generate driver. Exactly one of
// Prompt and Messages must be set.
type GenerateOptions struct {
	Model    string
	Provider string

	Prompt   string
	Messages []Message
	System   string

	Tools      []Tool
	ToolChoice *ToolChoice

	// MaxToolRounds bounds tool-execution rounds. Nil means 1; zero
	// disables execution entirely.
	MaxToolRounds *int

	// StopWhen, when set, ends the loop once it returns true over the
	// accumulated steps.
	StopWhen func(steps []Step) bool

	MaxTokens       int
	Temperature     *float64
	TopP            *float64
	StopSequences   []string
	ReasoningEffort string
	ResponseFormat  *ResponseFormat

	// Retry wraps the Complete calls; nil uses DefaultRetryConfig.
	Retry *RetryConfig
}

// ToolResult is the outcome of executing one tool call locally.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Step records one round of the generate loop.
type Step struct {
	Response     *Response
	Text         string
	Reasoning    string
	ToolCalls    []ContentPart
	ToolResults  []ToolResult
	FinishReason FinishReason
	Usage        Usage
}

// GenerateResult is the completed loop: the last step's fields plus the
// full step list and aggregated usage.
type GenerateResult struct {
	Text         string
	Reasoning    string
	ToolCalls    []ContentPart
	ToolResults  []ToolResult
	FinishReason FinishReason
	Usage        Usage
	TotalUsage   Usage
	Steps        []Step
	Response     *Response
}

// Generate runs a bounded multi-round tool-execution loop on top of
// Complete. Tool calls within a round execute concurrently; a failing
// tool produces an error ToolResult, never an error return.
func Generate(ctx context.Context, client *Client, opts GenerateOptions) (*GenerateResult, error) {
	if opts.Prompt != "" && len(opts.Messages) > 0 {
		return nil, errors.New("generate: prompt and messages are mutually exclusive")
	}
	if opts.Prompt == "" && len(opts.Messages) == 0 {
		return nil, errors.New("generate: prompt or messages required")
	}

	maxRounds := 1
	if opts.MaxToolRounds != nil {
		maxRounds = *opts.MaxToolRounds
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	messages := make([]Message, 0, len(opts.Messages)+2)
	if opts.System != "" {
		messages = append(messages, SystemMessage(opts.System))
	}
	if opts.Prompt != "" {
		messages = append(messages, UserMessage(opts.Prompt))
	} else {
		messages = append(messages, opts.Messages...)
	}

	hasExecutor := false
	for _, t := range opts.Tools {
		if t.Execute != nil {
			hasExecutor = true
			break
		}
	}

	var steps []Step
	var totalUsage Usage
	roundsUsed := 0

	for {
		req := &Request{
			Model:           opts.Model,
			Provider:        opts.Provider,
			Messages:        messages,
			Tools:           opts.Tools,
			ToolChoice:      opts.ToolChoice,
			MaxTokens:       opts.MaxTokens,
			Temperature:     opts.Temperature,
			TopP:            opts.TopP,
			StopSequences:   opts.StopSequences,
			ReasoningEffort: opts.ReasoningEffort,
			ResponseFormat:  opts.ResponseFormat,
		}

		resp, err := WithRetry(ctx, retry, func(ctx context.Context) (*Response, error) {
			return client.Complete(ctx, req)
		})
		if err != nil {
			return nil, err
		}

		step := Step{
			Response:     resp,
			Text:         resp.Text(),
			Reasoning:    resp.Reasoning(),
			ToolCalls:    resp.ToolCalls(),
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
		}
		totalUsage = totalUsage.Add(resp.Usage)

		continueLoop := len(opts.Tools) > 0 &&
			hasExecutor &&
			resp.FinishReason == FinishToolCalls &&
			len(step.ToolCalls) > 0 &&
			roundsUsed < maxRounds &&
			!(opts.StopWhen != nil && opts.StopWhen(append(steps, step)))

		if !continueLoop {
			steps = append(steps, step)
			return &GenerateResult{
				Text:         step.Text,
				Reasoning:    step.Reasoning,
				ToolCalls:    step.ToolCalls,
				ToolResults:  step.ToolResults,
				FinishReason: step.FinishReason,
				Usage:        step.Usage,
				TotalUsage:   totalUsage,
				Steps:        steps,
				Response:     resp,
			}, nil
		}

		step.ToolResults = executeToolCalls(ctx, opts.Tools, step.ToolCalls)
		steps = append(steps, step)
		roundsUsed++

		messages = append(messages, resp.Message)
		for _, tr := range step.ToolResults {
			messages = append(messages, ToolMessage(tr.CallID, tr.Content, tr.IsError))
		}
	}
}

// executeToolCalls runs every call of one round concurrently. Results are
// ordered by the originating call list regardless of completion order.
func executeToolCalls(ctx context.Context, tools []Tool, calls []ContentPart) []ToolResult {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ContentPart) {
			defer wg.Done()
			results[i] = executeOneTool(ctx, byName, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func executeOneTool(ctx context.Context, byName map[string]Tool, call ContentPart) (result ToolResult) {
	result = ToolResult{CallID: call.ToolCallID}
	defer func() {
		if r := recover(); r != nil {
			result.Content = fmt.Sprintf("tool %s panicked: %v", call.ToolName, r)
			result.IsError = true
		}
	}()

	tool, ok := byName[call.ToolName]
	if !ok {
		result.Content = fmt.Sprintf("unknown tool: %s", call.ToolName)
		result.IsError = true
		return result
	}
	if tool.Execute == nil {
		result.Content = fmt.Sprintf("tool %s has no executor", call.ToolName)
		result.IsError = true
		return result
	}

	out, err := tool.Execute(ctx, call.Args)
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result
	}

	switch v := out.(type) {
	case nil:
		result.Content = ""
	case string:
		result.Content = v
	default:
		b, merr := json.Marshal(v)
		if merr != nil {
			result.Content = fmt.Sprint(v)
		} else {
			result.Content = string(b)
		}
	}
	return result
}
