package dot

import (
	"errors"
	"strings"
	"testing"
)

func TestParseLinearPipeline(t *testing.T) {
	src := `digraph X {
		graph [goal="G"]
		s [shape=entry];
		t [prompt="P"];
		e [shape=terminal];
		s -> t -> e
	}`

	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if g.Name != "X" {
		t.Errorf("Name: got %q, want %q", g.Name, "X")
	}
	if goal := g.AttrString("goal", ""); goal != "G" {
		t.Errorf("goal: got %q, want %q", goal, "G")
	}
	if ids := g.NodeIDs(); len(ids) != 3 || ids[0] != "s" || ids[1] != "t" || ids[2] != "e" {
		t.Errorf("node order: got %v", ids)
	}
	if len(g.Edges) != 2 {
		t.Fatalf("edges: got %d, want 2", len(g.Edges))
	}
	if g.Edges[0].From != "s" || g.Edges[0].To != "t" || g.Edges[1].From != "t" || g.Edges[1].To != "e" {
		t.Errorf("chained edges wrong: %+v", g.Edges)
	}

	node, _ := g.Node("t")
	if node.Prompt() != "P" {
		t.Errorf("prompt: got %q", node.Prompt())
	}
	if !node.Explicit["prompt"] {
		t.Error("prompt should be recorded as explicit")
	}
}

func TestParseRejectsUndirectedEdge(t *testing.T) {
	src := "digraph X {\n  a -- b\n}"
	_, err := Parse([]byte(src))
	if err == nil {
		t.Fatal("expected error for undirected edge")
	}
	var syntaxErr *SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("expected *SyntaxError, got %T: %v", err, err)
	}
	if syntaxErr.Line != 2 || syntaxErr.Col != 5 {
		t.Errorf("position: got %d:%d, want 2:5", syntaxErr.Line, syntaxErr.Col)
	}
}

func TestParseChainedEdgeAttributes(t *testing.T) {
	src := `digraph X { a -> b -> c [weight=5, label="go"] }`
	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(g.Edges) != 2 {
		t.Fatalf("edges: got %d, want 2", len(g.Edges))
	}
	for _, e := range g.Edges {
		if e.Weight() != 5 {
			t.Errorf("edge %s->%s weight: got %d, want 5", e.From, e.To, e.Weight())
		}
		if e.Label() != "go" {
			t.Errorf("edge %s->%s label: got %q", e.From, e.To, e.Label())
		}
	}
}

func TestParseNodeDefaultsScoping(t *testing.T) {
	src := `digraph X {
		node [max_retries=2]
		a [prompt="A"];
		subgraph cluster_b {
			node [max_retries=7]
			b [prompt="B"];
			c [prompt="C", max_retries=1];
		}
		d [prompt="D"];
	}`
	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		id   string
		want int
	}{
		{"a", 2}, // graph scope default
		{"b", 7}, // subgraph default overrides inherited
		{"c", 1}, // explicit wins
		{"d", 2}, // subgraph default does not leak back out
	}
	for _, tt := range tests {
		n, ok := g.Node(tt.id)
		if !ok {
			t.Fatalf("missing node %s", tt.id)
		}
		if got := n.MaxRetries(); got != tt.want {
			t.Errorf("node %s max_retries: got %d, want %d", tt.id, got, tt.want)
		}
	}

	if c, _ := g.Node("c"); !c.Explicit["max_retries"] {
		t.Error("explicit max_retries on c should be tracked")
	}
	if b, _ := g.Node("b"); b.Explicit["max_retries"] {
		t.Error("default max_retries on b must not be marked explicit")
	}
}

func TestParseSubgraphLabelAndDerivedClass(t *testing.T) {
	src := `digraph X {
		subgraph cluster_review {
			label = "Code Review!"
			a [prompt="A"];
			b [prompt="B", class="custom"];
		}
	}`
	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(g.Subgraphs) != 1 {
		t.Fatalf("subgraphs: got %d, want 1", len(g.Subgraphs))
	}
	sg := g.Subgraphs[0]
	if sg.Label != "Code Review!" {
		t.Errorf("label: got %q", sg.Label)
	}
	if _, leaked := g.Attrs["label"]; leaked {
		t.Error("subgraph label must not leak to graph attributes")
	}
	if got := sg.DerivedClass(); got != "code-review" {
		t.Errorf("derived class: got %q, want %q", got, "code-review")
	}

	a, _ := g.Node("a")
	if a.Class() != "code-review" {
		t.Errorf("a class: got %q, want auto-applied %q", a.Class(), "code-review")
	}
	b, _ := g.Node("b")
	if b.Class() != "custom" {
		t.Errorf("b class: got %q, explicit must win", b.Class())
	}
}

func TestParseValueCoercion(t *testing.T) {
	src := `digraph X {
		a [timeout=250ms, big=900s, n=-3, f=1.5, yes=true, no=false, word=hello, quoted="45s"];
	}`
	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a, _ := g.Node("a")

	checks := []struct {
		key  string
		want any
	}{
		{"timeout", 250},
		{"big", 900000},
		{"n", -3},
		{"f", 1.5},
		{"yes", true},
		{"no", false},
		{"word", "hello"},
		{"quoted", "45s"}, // quoted strings stay verbatim
	}
	for _, c := range checks {
		if got := a.Attrs[c.key]; got != c.want {
			t.Errorf("%s: got %#v (%T), want %#v", c.key, got, got, c.want)
		}
	}
}

func TestParseDurationUnits(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"250ms", 250},
		{"900s", 900000},
		{"15m", 900000},
		{"2h", 7200000},
		{"1d", 86400000},
		{"15x", "15x"}, // unknown suffix stays a string
	}
	for _, tt := range tests {
		if got := CoerceValue(tt.in); got != tt.want {
			t.Errorf("CoerceValue(%q): got %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestParseComments(t *testing.T) {
	src := `digraph X {
		// line comment
		a [prompt="A"]; /* block
		comment */ b [prompt="B"];
	}`
	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(g.NodeIDs()) != 2 {
		t.Errorf("nodes: got %v", g.NodeIDs())
	}
}

func TestParseStringEscapes(t *testing.T) {
	src := `digraph X { a [prompt="line\nnext\t\"quoted\"\\"]; }`
	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a, _ := g.Node("a")
	want := "line\nnext\t\"quoted\"\\"
	if got := a.Prompt(); got != want {
		t.Errorf("prompt: got %q, want %q", got, want)
	}
}

func TestParseDottedIdentifiers(t *testing.T) {
	src := `digraph X { a [type="parallel.fan_in", foo.bar=1]; }`
	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a, _ := g.Node("a")
	if a.TypeOverride() != "parallel.fan_in" {
		t.Errorf("type: got %q", a.TypeOverride())
	}
	if a.AttrInt("foo.bar", 0) != 1 {
		t.Errorf("dotted key: got %v", a.Attrs["foo.bar"])
	}
}

func TestParseCaseInsensitiveKeywords(t *testing.T) {
	src := `DIGRAPH X { NODE [shape=box] a [prompt="A"]; }`
	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a, ok := g.Node("a")
	if !ok {
		t.Fatal("missing node a")
	}
	if a.Shape() != "box" {
		t.Errorf("shape default: got %q", a.Shape())
	}
}

func TestParseErrorsOnTrailingGarbage(t *testing.T) {
	if _, err := Parse([]byte("digraph X { a } b")); err == nil {
		t.Error("expected error on trailing tokens")
	}
	if _, err := Parse([]byte("graph X { a }")); err == nil || !strings.Contains(err.Error(), "digraph") {
		t.Errorf("expected digraph keyword error, got %v", err)
	}
}
