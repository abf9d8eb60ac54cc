// Package cond evaluates the small condition language attached to pipeline
// edges. The grammar is:
//
//	expr   := clause ("&&" clause)*
//	clause := key | key "=" value | key "!=" value
//
// An empty expression is true. Keys resolve against the last outcome and
// the run context: "outcome" yields the outcome status, "preferred_label"
// the outcome's preferred label, "context.X" the context value for X
// (falling back to the unqualified key), and any other key the context
// value under that name.
package cond

import (
	"fmt"
	"strings"

	"github.com/petal-labs/dotflow"
)

type opKind int

const (
	opTruthy opKind = iota
	opEq
	opNeq
)

type clause struct {
	key   string
	op    opKind
	value string
}

// Parse compiles an expression into its clause list. An empty expression
// compiles to no clauses, which always evaluates true.
func Parse(expr string) ([]clause, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	parts := strings.Split(expr, "&&")
	clauses := make([]clause, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty clause in condition %q", expr)
		}
		c, err := parseClause(part)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}
	return clauses, nil
}

func parseClause(part string) (clause, error) {
	// "!=" must be checked before "=" or it would split on the "=" inside.
	if idx := strings.Index(part, "!="); idx >= 0 {
		key := strings.TrimSpace(part[:idx])
		value := trimValue(part[idx+2:])
		if key == "" {
			return clause{}, fmt.Errorf("missing key in clause %q", part)
		}
		return clause{key: key, op: opNeq, value: value}, nil
	}
	if idx := strings.Index(part, "="); idx >= 0 {
		key := strings.TrimSpace(part[:idx])
		value := trimValue(part[idx+1:])
		if key == "" {
			return clause{}, fmt.Errorf("missing key in clause %q", part)
		}
		return clause{key: key, op: opEq, value: value}, nil
	}
	if strings.ContainsAny(part, " \t") {
		return clause{}, fmt.Errorf("invalid clause %q", part)
	}
	return clause{key: part, op: opTruthy}, nil
}

// trimValue strips surrounding whitespace and optional quotes from a
// comparison value. Whitespace inside a quoted value is preserved.
func trimValue(raw string) string {
	v := strings.TrimSpace(raw)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// Validate reports whether the expression is syntactically valid.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Evaluate parses and evaluates an expression against the outcome and
// context. All clauses must hold.
func Evaluate(expr string, out dotflow.Outcome, ctx *dotflow.Context) (bool, error) {
	clauses, err := Parse(expr)
	if err != nil {
		return false, err
	}
	for _, c := range clauses {
		if !evalClause(c, out, ctx) {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(c clause, out dotflow.Outcome, ctx *dotflow.Context) bool {
	actual := resolveKey(c.key, out, ctx)
	switch c.op {
	case opEq:
		return actual == c.value
	case opNeq:
		return actual != c.value
	default:
		return truthy(actual)
	}
}

func resolveKey(key string, out dotflow.Outcome, ctx *dotflow.Context) string {
	switch key {
	case "outcome":
		return string(out.Status)
	case "preferred_label":
		return out.PreferredLabel
	}
	if rest, ok := strings.CutPrefix(key, "context."); ok {
		if v, found := ctx.Get(key); found {
			return stringify(v)
		}
		// Fall back to the unqualified key.
		return ctx.GetString(rest, "")
	}
	return ctx.GetString(key, "")
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0":
		return false
	}
	return true
}
