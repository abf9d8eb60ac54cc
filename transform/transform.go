// Package transform applies ordered Graph→Graph rewrites between parsing
// and validation. The built-in transforms always run first, in a fixed
// order; custom transforms append after them and are never reordered.
package transform

import (
	"fmt"
	"strings"

	"github.com/petal-labs/dotflow"
	"github.com/petal-labs/dotflow/style"
)

// Transform is a single graph rewrite pass.
type Transform interface {
	// ID returns a stable identifier for diagnostics.
	ID() string

	// Apply mutates the graph in place.
	Apply(g *dotflow.Graph) error
}

// Builtins returns the built-in transform chain in its required order:
// variable expansion first, stylesheet application second.
func Builtins() []Transform {
	return []Transform{
		GoalExpansion{},
		StylesheetApplication{},
	}
}

// ApplyAll runs the built-ins followed by the given custom transforms.
func ApplyAll(g *dotflow.Graph, custom ...Transform) error {
	for _, tr := range append(Builtins(), custom...) {
		if tr == nil {
			continue
		}
		if err := tr.Apply(g); err != nil {
			return fmt.Errorf("transform %s: %w", tr.ID(), err)
		}
	}
	return nil
}

// GoalExpansion replaces "$goal" in every node prompt with the graph's
// goal attribute.
type GoalExpansion struct{}

// ID implements Transform.
func (GoalExpansion) ID() string { return "goal_expansion" }

// Apply implements Transform.
func (GoalExpansion) Apply(g *dotflow.Graph) error {
	goal := g.Goal()
	if goal == "" {
		return nil
	}
	for _, n := range g.Nodes() {
		if p := n.Prompt(); strings.Contains(p, "$goal") {
			n.Attrs["prompt"] = strings.ReplaceAll(p, "$goal", goal)
		}
	}
	return nil
}

// StylesheetApplication parses the graph's model_stylesheet attribute and
// assigns llm_model, llm_provider, and reasoning_effort to matching nodes,
// never overwriting explicit keys.
type StylesheetApplication struct{}

// ID implements Transform.
func (StylesheetApplication) ID() string { return "stylesheet" }

// Apply implements Transform.
func (StylesheetApplication) Apply(g *dotflow.Graph) error {
	src := strings.TrimSpace(g.AttrString(dotflow.AttrModelStylesheet, ""))
	if src == "" {
		return nil
	}
	rules, err := style.ParseStylesheet(src)
	if err != nil {
		return err
	}
	return style.Apply(g, rules)
}

// Func adapts a plain function into a Transform.
type Func struct {
	Name string
	Fn   func(g *dotflow.Graph) error
}

// ID implements Transform.
func (f Func) ID() string { return f.Name }

// Apply implements Transform.
func (f Func) Apply(g *dotflow.Graph) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(g)
}
