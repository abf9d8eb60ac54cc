// Package validate checks parsed pipeline graphs against the structural
// rule set. Each rule emits zero or more diagnostics; error-severity
// diagnostics abort execution, warnings and info flow through.
package validate

import (
	"fmt"
	"strings"

	"github.com/petal-labs/dotflow"
	"github.com/petal-labs/dotflow/cond"
	"github.com/petal-labs/dotflow/style"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is a single finding produced by a validation rule.
type Diagnostic struct {
	Rule     string
	Severity Severity
	NodeID   string
	Message  string
}

func (d Diagnostic) String() string {
	if d.NodeID != "" {
		return fmt.Sprintf("%s: %s: node %s: %s", d.Severity, d.Rule, d.NodeID, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Severity, d.Rule, d.Message)
}

// Rule is a single validation check.
type Rule func(g *dotflow.Graph) []Diagnostic

// ValidationError is returned by ValidateOrRaise when any diagnostic has
// error severity. It carries the full diagnostic list.
type ValidationError struct {
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	var errs []string
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			errs = append(errs, d.String())
		}
	}
	return fmt.Sprintf("graph validation failed: %s", strings.Join(errs, "; "))
}

// Rules returns the built-in rule set.
func Rules() []Rule {
	return []Rule{
		startNodeRule,
		terminalNodeRule,
		edgeEndpointsRule,
		reachabilityRule,
		conditionSyntaxRule,
		stylesheetSyntaxRule,
		retryTargetsRule,
		goalGateRule,
		fidelityTagsRule,
		handlerTypesRule,
		llmPromptRule,
	}
}

// Validate runs the built-in rules plus any extras.
func Validate(g *dotflow.Graph, extras ...Rule) []Diagnostic {
	var diags []Diagnostic
	for _, rule := range append(Rules(), extras...) {
		if rule == nil {
			continue
		}
		diags = append(diags, rule(g)...)
	}
	return diags
}

// ValidateOrRaise runs Validate and returns a ValidationError when any
// diagnostic has error severity. The diagnostics are returned either way.
func ValidateOrRaise(g *dotflow.Graph, extras ...Rule) ([]Diagnostic, error) {
	diags := Validate(g, extras...)
	for _, d := range diags {
		if d.Severity == SeverityError {
			return diags, &ValidationError{Diagnostics: diags}
		}
	}
	return diags, nil
}

func startNodeRule(g *dotflow.Graph) []Diagnostic {
	var starts []*dotflow.Node
	for _, n := range g.Nodes() {
		if n.IsStart() {
			starts = append(starts, n)
		}
	}
	switch len(starts) {
	case 0:
		return []Diagnostic{{
			Rule: "start_node", Severity: SeverityError,
			Message: "graph has no start node (shape=entry or ID \"start\")",
		}}
	case 1:
		if in := g.Incoming(starts[0].ID); len(in) > 0 {
			return []Diagnostic{{
				Rule: "start_node", Severity: SeverityError, NodeID: starts[0].ID,
				Message: fmt.Sprintf("start node has %d incoming edge(s)", len(in)),
			}}
		}
		return nil
	default:
		var ids []string
		for _, n := range starts {
			ids = append(ids, n.ID)
		}
		return []Diagnostic{{
			Rule: "start_node", Severity: SeverityError,
			Message: fmt.Sprintf("graph has %d start nodes: %s", len(starts), strings.Join(ids, ", ")),
		}}
	}
}

func terminalNodeRule(g *dotflow.Graph) []Diagnostic {
	terminals := g.TerminalNodes()
	if len(terminals) == 0 {
		return []Diagnostic{{
			Rule: "terminal_node", Severity: SeverityError,
			Message: "graph has no terminal node (shape=terminal or ID \"exit\"/\"end\")",
		}}
	}
	var diags []Diagnostic
	for _, n := range terminals {
		if out := g.Outgoing(n.ID); len(out) > 0 {
			diags = append(diags, Diagnostic{
				Rule: "terminal_node", Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("terminal node has %d outgoing edge(s)", len(out)),
			})
		}
	}
	return diags
}

func edgeEndpointsRule(g *dotflow.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if _, ok := g.Node(e.From); !ok {
			diags = append(diags, Diagnostic{
				Rule: "edge_endpoints", Severity: SeverityError,
				Message: fmt.Sprintf("edge %s -> %s references unknown source node %q", e.From, e.To, e.From),
			})
		}
		if _, ok := g.Node(e.To); !ok {
			diags = append(diags, Diagnostic{
				Rule: "edge_endpoints", Severity: SeverityError,
				Message: fmt.Sprintf("edge %s -> %s references unknown target node %q", e.From, e.To, e.To),
			})
		}
	}
	return diags
}

// reachabilityRule walks the graph breadth-first from the start node and
// reports every node the walk never touches.
func reachabilityRule(g *dotflow.Graph) []Diagnostic {
	start := g.StartNode()
	if start == nil {
		return nil // startNodeRule already reported
	}
	visited := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(current) {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	var diags []Diagnostic
	for _, n := range g.Nodes() {
		if !visited[n.ID] {
			diags = append(diags, Diagnostic{
				Rule: "reachability", Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("node %q is not reachable from start", n.ID),
			})
		}
	}
	return diags
}

func conditionSyntaxRule(g *dotflow.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		expr := e.Condition()
		if expr == "" {
			continue
		}
		if err := cond.Validate(expr); err != nil {
			diags = append(diags, Diagnostic{
				Rule: "condition_syntax", Severity: SeverityError,
				Message: fmt.Sprintf("edge %s -> %s: %v", e.From, e.To, err),
			})
		}
	}
	return diags
}

func stylesheetSyntaxRule(g *dotflow.Graph) []Diagnostic {
	src := strings.TrimSpace(g.AttrString(dotflow.AttrModelStylesheet, ""))
	if src == "" {
		return nil
	}
	if _, err := style.ParseStylesheet(src); err != nil {
		return []Diagnostic{{
			Rule: "stylesheet_syntax", Severity: SeverityError,
			Message: err.Error(),
		}}
	}
	return nil
}

func retryTargetsRule(g *dotflow.Graph) []Diagnostic {
	var diags []Diagnostic
	check := func(nodeID, key, target string) {
		if target == "" {
			return
		}
		if _, ok := g.Node(target); !ok {
			diags = append(diags, Diagnostic{
				Rule: "retry_target", Severity: SeverityError, NodeID: nodeID,
				Message: fmt.Sprintf("%s references unknown node %q", key, target),
			})
		}
	}
	for _, n := range g.Nodes() {
		check(n.ID, "retry_target", n.RetryTarget())
		check(n.ID, "fallback_retry_target", n.FallbackRetryTarget())
	}
	check("", "graph retry_target", g.AttrString(dotflow.AttrRetryTarget, ""))
	check("", "graph fallback_retry_target", g.AttrString(dotflow.AttrFallbackRetryTarget, ""))
	return diags
}

// goalGateRule requires every goal-gated node to have a retry path: a
// node-level or graph-level retry target.
func goalGateRule(g *dotflow.Graph) []Diagnostic {
	graphTarget := g.AttrString(dotflow.AttrRetryTarget, "") != "" ||
		g.AttrString(dotflow.AttrFallbackRetryTarget, "") != ""
	var diags []Diagnostic
	for _, n := range g.Nodes() {
		if !n.GoalGate() {
			continue
		}
		if n.RetryTarget() == "" && n.FallbackRetryTarget() == "" && !graphTarget {
			diags = append(diags, Diagnostic{
				Rule: "goal_gate", Severity: SeverityError, NodeID: n.ID,
				Message: "goal-gated node has no retry target at node or graph level",
			})
		}
	}
	return diags
}

// AllowedFidelities is the closed set of fidelity mode tags.
var AllowedFidelities = map[string]bool{
	"full":           true,
	"truncate":       true,
	"compact":        true,
	"summary:low":    true,
	"summary:medium": true,
	"summary:high":   true,
}

func fidelityTagsRule(g *dotflow.Graph) []Diagnostic {
	var diags []Diagnostic
	check := func(nodeID, where, tag string) {
		if tag == "" || AllowedFidelities[tag] {
			return
		}
		diags = append(diags, Diagnostic{
			Rule: "fidelity_tag", Severity: SeverityError, NodeID: nodeID,
			Message: fmt.Sprintf("%s has unknown fidelity %q", where, tag),
		})
	}
	check("", "graph default_fidelity", g.AttrString(dotflow.AttrDefaultFidelity, ""))
	for _, n := range g.Nodes() {
		check(n.ID, "node", n.Fidelity())
	}
	for _, e := range g.Edges {
		check("", fmt.Sprintf("edge %s -> %s", e.From, e.To), e.Fidelity())
	}
	return diags
}

// KnownHandlerTypes is the set of recognized handler type strings.
var KnownHandlerTypes = map[string]bool{
	"start":           true,
	"exit":            true,
	"codergen":        true,
	"wait.human":      true,
	"conditional":     true,
	"parallel":        true,
	"parallel.fan_in": true,
	"tool":            true,
	"coding_agent":    true,
}

func handlerTypesRule(g *dotflow.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes() {
		t := n.TypeOverride()
		if t == "" || KnownHandlerTypes[t] {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule: "handler_type", Severity: SeverityWarning, NodeID: n.ID,
			Message: fmt.Sprintf("unknown handler type %q", t),
		})
	}
	return diags
}

// llmPromptRule requires LLM-handled nodes to carry either a prompt or a
// label other than the default (the node ID).
func llmPromptRule(g *dotflow.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes() {
		if !isLLMNode(n) {
			continue
		}
		if n.Prompt() == "" && n.Label() == n.ID {
			diags = append(diags, Diagnostic{
				Rule: "llm_prompt", Severity: SeverityError, NodeID: n.ID,
				Message: "LLM node needs a prompt or a non-default label",
			})
		}
	}
	return diags
}

func isLLMNode(n *dotflow.Node) bool {
	if t := n.TypeOverride(); t != "" {
		return t == "codergen"
	}
	if n.IsStart() || n.IsTerminal() {
		return false
	}
	switch n.Shape() {
	case "", "box", "llm":
		return true
	}
	return false
}
