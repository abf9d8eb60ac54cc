// Package style parses the model stylesheet mini-language and applies it
// to pipeline graphs. The grammar:
//
//	stylesheet := rule*
//	rule       := selector "{" property* "}"
//	selector   := "*" | "." classname | "#" nodeid
//	property   := key ":" value ";"
//
// Stylesheets assign LLM routing attributes (llm_model, llm_provider,
// reasoning_effort) to nodes without overwriting author-specified values.
package style

import (
	"fmt"
	"strings"

	"github.com/petal-labs/dotflow"
)

// SelectorKind distinguishes the three selector forms.
type SelectorKind int

const (
	SelectorAll   SelectorKind = iota // *
	SelectorClass                     // .classname
	SelectorNode                      // #nodeid
)

// Rule is one selector with its property assignments, in source order.
type Rule struct {
	Kind       SelectorKind
	Target     string // class or node name; empty for *
	Properties map[string]string
	Order      []string // property keys in source order
}

// Matches reports whether the rule applies to the node.
func (r Rule) Matches(n *dotflow.Node) bool {
	switch r.Kind {
	case SelectorAll:
		return true
	case SelectorClass:
		return n.Class() == r.Target
	case SelectorNode:
		return n.ID == r.Target
	}
	return false
}

// ParseStylesheet parses a stylesheet source into its rule list.
func ParseStylesheet(src string) ([]Rule, error) {
	var rules []Rule
	rest := strings.TrimSpace(src)
	for rest != "" {
		open := strings.Index(rest, "{")
		if open < 0 {
			return nil, fmt.Errorf("stylesheet: expected \"{\" after selector %q", truncate(rest))
		}
		selector := strings.TrimSpace(rest[:open])
		if selector == "" {
			return nil, fmt.Errorf("stylesheet: missing selector before \"{\"")
		}
		closeIdx := strings.Index(rest[open:], "}")
		if closeIdx < 0 {
			return nil, fmt.Errorf("stylesheet: unterminated rule for selector %q", selector)
		}
		body := rest[open+1 : open+closeIdx]
		rest = strings.TrimSpace(rest[open+closeIdx+1:])

		rule, err := parseRule(selector, body)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRule(selector, body string) (Rule, error) {
	rule := Rule{Properties: make(map[string]string)}
	switch {
	case selector == "*":
		rule.Kind = SelectorAll
	case strings.HasPrefix(selector, "."):
		rule.Kind = SelectorClass
		rule.Target = selector[1:]
	case strings.HasPrefix(selector, "#"):
		rule.Kind = SelectorNode
		rule.Target = selector[1:]
	default:
		return Rule{}, fmt.Errorf("stylesheet: invalid selector %q", selector)
	}
	if rule.Kind != SelectorAll && rule.Target == "" {
		return Rule{}, fmt.Errorf("stylesheet: empty name in selector %q", selector)
	}

	for _, line := range strings.Split(body, ";") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return Rule{}, fmt.Errorf("stylesheet: invalid property %q in selector %q", line, selector)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			return Rule{}, fmt.Errorf("stylesheet: invalid property %q in selector %q", line, selector)
		}
		if _, dup := rule.Properties[key]; !dup {
			rule.Order = append(rule.Order, key)
		}
		rule.Properties[key] = value
	}
	return rule, nil
}

// styleKeys maps stylesheet property names onto node attribute keys.
var styleKeys = map[string]string{
	"llm_model":        "llm_model",
	"model":            "llm_model",
	"llm_provider":     "llm_provider",
	"provider":         "llm_provider",
	"reasoning_effort": "reasoning_effort",
}

// Apply assigns stylesheet properties to every matching node. Later rules
// win over earlier ones, but an attribute the author set explicitly is
// never overwritten.
func Apply(g *dotflow.Graph, rules []Rule) error {
	for _, n := range g.Nodes() {
		for _, rule := range rules {
			if !rule.Matches(n) {
				continue
			}
			for _, key := range rule.Order {
				attr, known := styleKeys[key]
				if !known {
					continue
				}
				if n.Explicit[attr] {
					continue
				}
				n.Attrs[attr] = rule.Properties[key]
			}
		}
	}
	return nil
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
