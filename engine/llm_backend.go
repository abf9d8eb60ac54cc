package engine

import (
	"context"
	"strings"

	"github.com/petal-labs/dotflow/llm"
)

// LLMBackend adapts the llm.Client to the codergen Backend contract.
type LLMBackend struct {
	Client *llm.Client

	// DefaultModel is used when a node carries no llm_model override.
	DefaultModel string

	// Retry wraps the completion calls; nil uses the client default.
	Retry *llm.RetryConfig
}

// NewLLMBackend creates a backend over the given client.
func NewLLMBackend(client *llm.Client, defaultModel string) *LLMBackend {
	return &LLMBackend{Client: client, DefaultModel: defaultModel}
}

// Complete implements Backend: one Generate round with the stage prompt,
// prefixed by the fidelity context block when present.
func (b *LLMBackend) Complete(ctx context.Context, req BackendRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = b.DefaultModel
	}

	prompt := req.Prompt
	if req.ContextBlock != "" {
		prompt = req.ContextBlock + "\n\n" + prompt
	}

	result, err := llm.Generate(ctx, b.Client, llm.GenerateOptions{
		Model:           model,
		Provider:        strings.ToLower(req.Provider),
		Prompt:          prompt,
		ReasoningEffort: req.ReasoningEffort,
		Retry:           b.Retry,
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

var _ Backend = (*LLMBackend)(nil)
