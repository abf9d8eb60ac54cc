package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/petal-labs/dotflow"
)

// Session is the minimal contract a coding_agent stage consumes. A
// session drives its own tool loop and reports a final status; the
// surrounding agent layer implements the rest (steering, follow-ups).
type Session interface {
	// ProcessInput runs one agent turn over the given input and returns
	// the final response text.
	ProcessInput(ctx context.Context, input string) (string, error)

	// FinalStatus reports the session's terminal status after
	// ProcessInput returns.
	FinalStatus() dotflow.Status

	// Abort cancels any in-flight work.
	Abort()
}

// SessionConfig describes the session a coding_agent node requests.
type SessionConfig struct {
	NodeID          string
	Prompt          string
	ContextBlock    string
	Model           string
	Provider        string
	ReasoningEffort string
	LogsDir         string
}

// SessionFactory creates agent sessions. Injected by the embedding
// application; the engine never constructs sessions itself.
type SessionFactory func(ctx context.Context, cfg SessionConfig) (Session, error)

// CodingAgentHandler delegates a stage to an injected agent session.
type CodingAgentHandler struct {
	Sessions SessionFactory
}

// Execute implements Handler.
func (h *CodingAgentHandler) Execute(ctx context.Context, ex *Execution, node *dotflow.Node) (dotflow.Outcome, error) {
	if h.Sessions == nil {
		return dotflow.FailOutcome("no agent session factory configured"), nil
	}

	prompt := node.Prompt()
	if prompt == "" {
		prompt = node.Label()
	}
	if goal := ex.Context.GetString("graph.goal", ""); goal != "" {
		prompt = strings.ReplaceAll(prompt, "$goal", goal)
	}

	mode := ResolveFidelity(ex.Graph, ex.IncomingEdge, node)
	threadKey := ResolveThreadKey(ex.Graph, ex.IncomingEdge, node, ex.Context.GetString("previous_node", ""))

	dir, err := StageDir(ex.LogsRoot, node.ID)
	if err != nil {
		return dotflow.FailOutcome(err.Error()), nil
	}

	session, err := h.Sessions(ctx, SessionConfig{
		NodeID:          node.ID,
		Prompt:          prompt,
		ContextBlock:    BuildContextBlock(mode, threadKey, ex.History),
		Model:           node.LLMModel(),
		Provider:        node.LLMProvider(),
		ReasoningEffort: node.ReasoningEffort(),
		LogsDir:         dir,
	})
	if err != nil {
		return dotflow.FailOutcome(fmt.Sprintf("creating agent session: %v", err)), err
	}

	text, err := session.ProcessInput(ctx, prompt)
	if err != nil {
		session.Abort()
		return dotflow.FailOutcome(err.Error()), err
	}

	_ = WriteStageFile(ex.LogsRoot, node.ID, "response.md", text)

	status := session.FinalStatus()
	if status == "" {
		status = dotflow.StatusSuccess
	}
	out := dotflow.Outcome{
		Status: status,
		ContextUpdates: map[string]any{
			"agent." + node.ID + ".response": text,
		},
	}
	if !status.Successful() && status != dotflow.StatusSkipped {
		out.FailureReason = "agent session reported " + string(status)
	}
	return out, nil
}
