package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/petal-labs/dotflow"
)

// Backend is the LLM completion surface the codergen handler calls.
// LLMBackend adapts the llm.Client; SimulatedBackend serves tests and
// dry runs.
type Backend interface {
	Complete(ctx context.Context, req BackendRequest) (string, error)
}

// BackendRequest carries a codergen stage's prompt and routing overrides.
type BackendRequest struct {
	Prompt          string
	ContextBlock    string
	Model           string
	Provider        string
	ReasoningEffort string
	NodeID          string
}

// SimulatedBackend echoes the prompt without calling any provider.
type SimulatedBackend struct{}

// Complete implements Backend.
func (SimulatedBackend) Complete(_ context.Context, req BackendRequest) (string, error) {
	return fmt.Sprintf("[simulated] %s", req.Prompt), nil
}

// NewDefaultRegistry builds a registry with every built-in handler.
// The interviewer, backend, and session factory may be nil; the affected
// handlers then fail with a configuration message when reached.
func NewDefaultRegistry(backend Backend, interviewer Interviewer, sessions SessionFactory) *Registry {
	r := NewRegistry(TypeCodergen)
	r.Register(TypeStart, HandlerFunc(startHandler))
	r.Register(TypeExit, HandlerFunc(exitHandler))
	r.Register(TypeConditional, HandlerFunc(conditionalHandler))
	r.Register(TypeCodergen, &CodergenHandler{Backend: backend})
	r.Register(TypeWaitHuman, &WaitHumanHandler{Interviewer: interviewer})
	r.Register(TypeParallel, &ParallelHandler{})
	r.Register(TypeFanIn, HandlerFunc(fanInHandler))
	r.Register(TypeTool, HandlerFunc(toolHandler))
	r.Register(TypeCodingAgent, &CodingAgentHandler{Sessions: sessions})
	return r
}

// StageDir returns the per-stage artifact directory, creating it.
func StageDir(logsRoot, nodeID string) (string, error) {
	dir := filepath.Join(logsRoot, nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating stage dir: %w", err)
	}
	return dir, nil
}

// WriteStageFile writes one artifact under the stage directory.
func WriteStageFile(logsRoot, nodeID, name, content string) error {
	dir, err := StageDir(logsRoot, nodeID)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}

func startHandler(_ context.Context, _ *Execution, _ *dotflow.Node) (dotflow.Outcome, error) {
	return dotflow.SuccessOutcome(), nil
}

func exitHandler(_ context.Context, _ *Execution, _ *dotflow.Node) (dotflow.Outcome, error) {
	return dotflow.SuccessOutcome(), nil
}

// conditionalHandler succeeds immediately; the actual branch choice is
// deferred to edge selection.
func conditionalHandler(_ context.Context, _ *Execution, _ *dotflow.Node) (dotflow.Outcome, error) {
	return dotflow.SuccessOutcome(), nil
}

// CodergenHandler runs an LLM task stage: it expands the prompt, calls
// the backend, and writes prompt.md / response.md artifacts.
type CodergenHandler struct {
	Backend Backend
}

// Execute implements Handler.
func (h *CodergenHandler) Execute(ctx context.Context, ex *Execution, node *dotflow.Node) (dotflow.Outcome, error) {
	if h.Backend == nil {
		return dotflow.FailOutcome("no LLM backend configured"), nil
	}

	prompt := node.Prompt()
	if prompt == "" {
		prompt = node.Label()
	}
	// The goal transform normally ran already; expand again so graphs
	// built programmatically behave the same.
	if goal := ex.Context.GetString("graph.goal", ""); goal != "" {
		prompt = strings.ReplaceAll(prompt, "$goal", goal)
	}

	if err := WriteStageFile(ex.LogsRoot, node.ID, "prompt.md", prompt); err != nil {
		return dotflow.FailOutcome(err.Error()), nil
	}

	mode := ResolveFidelity(ex.Graph, ex.IncomingEdge, node)
	threadKey := ResolveThreadKey(ex.Graph, ex.IncomingEdge, node, ex.Context.GetString("previous_node", ""))
	block := BuildContextBlock(mode, threadKey, ex.History)

	text, err := h.Backend.Complete(ctx, BackendRequest{
		Prompt:          prompt,
		ContextBlock:    block,
		Model:           node.LLMModel(),
		Provider:        node.LLMProvider(),
		ReasoningEffort: node.ReasoningEffort(),
		NodeID:          node.ID,
	})
	if err != nil {
		return dotflow.FailOutcome(err.Error()), err
	}

	if err := WriteStageFile(ex.LogsRoot, node.ID, "response.md", text); err != nil {
		return dotflow.FailOutcome(err.Error()), nil
	}

	return dotflow.Outcome{
		Status: dotflow.StatusSuccess,
		ContextUpdates: map[string]any{
			"last_response":              text,
			"stage." + node.ID + ".text": text,
		},
	}, nil
}

// toolHandler executes a trusted command string from the node's
// "command" attribute and captures stdout into the context.
func toolHandler(ctx context.Context, ex *Execution, node *dotflow.Node) (dotflow.Outcome, error) {
	command := node.AttrString("command", "")
	if command == "" {
		return dotflow.FailOutcome("tool node has no command attribute"), nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.Output()
	stdout := strings.TrimRight(string(out), "\n")

	_ = WriteStageFile(ex.LogsRoot, node.ID, "response.md", stdout)

	if err != nil {
		reason := fmt.Sprintf("command failed: %v", err)
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			reason = fmt.Sprintf("command failed: %v: %s", err, strings.TrimSpace(string(ee.Stderr)))
		}
		return dotflow.FailOutcome(reason), nil
	}

	return dotflow.Outcome{
		Status: dotflow.StatusSuccess,
		ContextUpdates: map[string]any{
			"tool." + node.ID + ".stdout": stdout,
		},
	}, nil
}
