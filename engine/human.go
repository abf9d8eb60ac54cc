package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/dotflow"
)

// Interview errors.
var (
	// ErrInterviewTimeout is returned by interviewers when the human did
	// not answer in time.
	ErrInterviewTimeout = errors.New("interview timed out")

	// ErrInterviewSkipped is returned when the human declined to answer.
	ErrInterviewSkipped = errors.New("interview skipped")
)

// Choice is one selectable answer derived from an outgoing edge.
type Choice struct {
	Label  string `json:"label"`
	Target string `json:"target"`
}

// Question is a request for human input at a gate node.
type Question struct {
	ID      string        `json:"id"`
	NodeID  string        `json:"node_id"`
	Prompt  string        `json:"prompt"`
	Choices []Choice      `json:"choices,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Answer is the human's response.
type Answer struct {
	Choice string `json:"choice,omitempty"`
	Text   string `json:"text,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Interviewer presents questions to a human and waits for answers.
// Implementations live outside the engine (terminal, web, queue); the
// engine only ships AutoApproveInterviewer.
type Interviewer interface {
	Ask(ctx context.Context, q Question) (Answer, error)
}

// AutoApproveInterviewer answers every question with its first choice.
// Useful for unattended runs and tests.
type AutoApproveInterviewer struct{}

// Ask implements Interviewer.
func (AutoApproveInterviewer) Ask(_ context.Context, q Question) (Answer, error) {
	if len(q.Choices) > 0 {
		return Answer{Choice: q.Choices[0].Label}, nil
	}
	return Answer{Text: "approved"}, nil
}

// WaitHumanHandler delegates a gate node to the injected interviewer and
// maps the answer onto a suggested next edge.
type WaitHumanHandler struct {
	Interviewer Interviewer
}

// Execute implements Handler.
func (h *WaitHumanHandler) Execute(ctx context.Context, ex *Execution, node *dotflow.Node) (dotflow.Outcome, error) {
	if h.Interviewer == nil {
		return dotflow.FailOutcome("no interviewer configured"), nil
	}

	choices := deriveChoices(ex.Graph, node)
	q := Question{
		ID:      uuid.NewString(),
		NodeID:  node.ID,
		Prompt:  node.Prompt(),
		Choices: choices,
		Timeout: time.Duration(node.TimeoutMillis()) * time.Millisecond,
	}
	if q.Prompt == "" {
		q.Prompt = node.Label()
	}

	ex.Emit(dotflow.NewEvent(dotflow.EventInterviewRequested, ex.Context.GetString("run_id", "")).
		WithNode(node.ID).
		WithPayload("question", q.Prompt).
		WithPayload("choices", len(choices)))

	answer, err := h.Interviewer.Ask(ctx, q)
	switch {
	case errors.Is(err, ErrInterviewTimeout):
		// A default_choice attribute that matches one of the derived
		// choices resolves the timeout; otherwise ask again via RETRY.
		if def := node.AttrString("default_choice", ""); def != "" {
			if c, ok := matchChoice(choices, def); ok {
				return choiceOutcome(node, c), nil
			}
		}
		return dotflow.Outcome{Status: dotflow.StatusRetry, FailureReason: "interview timed out"}, nil
	case errors.Is(err, ErrInterviewSkipped):
		return dotflow.FailOutcome("interview skipped"), nil
	case err != nil:
		return dotflow.FailOutcome(err.Error()), err
	}

	ex.Emit(dotflow.NewEvent(dotflow.EventInterviewAnswered, ex.Context.GetString("run_id", "")).
		WithNode(node.ID).
		WithPayload("choice", answer.Choice))

	if answer.Choice != "" {
		if c, ok := matchChoice(choices, answer.Choice); ok {
			out := choiceOutcome(node, c)
			if answer.Notes != "" {
				out.Notes = answer.Notes
			}
			return out, nil
		}
	}

	out := dotflow.SuccessOutcome()
	out.Notes = answer.Notes
	if answer.Text != "" {
		out.ContextUpdates = map[string]any{"human." + node.ID + ".input": answer.Text}
	}
	return out, nil
}

// deriveChoices builds the selectable answers from the node's outgoing
// edges: the edge label when present, the target node ID otherwise.
func deriveChoices(g *dotflow.Graph, node *dotflow.Node) []Choice {
	var choices []Choice
	for _, e := range g.Outgoing(node.ID) {
		label := e.Label()
		if label == "" {
			label = e.To
		}
		choices = append(choices, Choice{Label: label, Target: e.To})
	}
	return choices
}

func matchChoice(choices []Choice, answer string) (Choice, bool) {
	want := strings.ToLower(strings.TrimSpace(answer))
	for _, c := range choices {
		if strings.ToLower(c.Label) == want || strings.ToLower(c.Target) == want {
			return c, true
		}
	}
	return Choice{}, false
}

func choiceOutcome(node *dotflow.Node, c Choice) dotflow.Outcome {
	return dotflow.Outcome{
		Status:           dotflow.StatusSuccess,
		SuggestedNextIDs: []string{c.Target},
		PreferredLabel:   c.Label,
		ContextUpdates: map[string]any{
			"human." + node.ID + ".choice": c.Label,
		},
	}
}
