package engine

import (
	"strings"
	"testing"

	"github.com/petal-labs/dotflow"
)

func fidelityGraph(t *testing.T) (*dotflow.Graph, *dotflow.Node, *dotflow.Edge) {
	t.Helper()
	g := dotflow.NewGraph("g")
	n := dotflow.NewNode("work")
	if err := g.AddNode(n); err != nil {
		t.Fatal(err)
	}
	prev := dotflow.NewNode("prev")
	if err := g.AddNode(prev); err != nil {
		t.Fatal(err)
	}
	e := dotflow.NewEdge("prev", "work")
	g.AddEdge(e)
	return g, n, e
}

func TestResolveFidelityPrecedence(t *testing.T) {
	g, n, e := fidelityGraph(t)

	// Default when nothing is set.
	if got := ResolveFidelity(g, e, n); got != FidelityCompact {
		t.Errorf("default: got %q", got)
	}

	g.Attrs[dotflow.AttrDefaultFidelity] = FidelityTruncate
	if got := ResolveFidelity(g, e, n); got != FidelityTruncate {
		t.Errorf("graph default: got %q", got)
	}

	n.SetAttr("fidelity", FidelitySummaryLow)
	if got := ResolveFidelity(g, e, n); got != FidelitySummaryLow {
		t.Errorf("node overrides graph: got %q", got)
	}

	e.Attrs["fidelity"] = FidelityFull
	if got := ResolveFidelity(g, e, n); got != FidelityFull {
		t.Errorf("edge overrides node: got %q", got)
	}
}

func TestResolveThreadKeyPrecedence(t *testing.T) {
	g, n, e := fidelityGraph(t)

	if got := ResolveThreadKey(g, e, n, "prev"); got != "prev" {
		t.Errorf("fallback to previous node: got %q", got)
	}

	g.Subgraphs = append(g.Subgraphs, &dotflow.Subgraph{
		ID: "cluster_x", Label: "Review Loop", NodeIDs: []string{"work"},
	})
	if got := ResolveThreadKey(g, e, n, "prev"); got != "review-loop" {
		t.Errorf("subgraph class: got %q", got)
	}

	e.Attrs["thread_id"] = "edge-thread"
	if got := ResolveThreadKey(g, e, n, "prev"); got != "edge-thread" {
		t.Errorf("edge thread: got %q", got)
	}

	n.SetAttr("thread_id", "node-thread")
	if got := ResolveThreadKey(g, e, n, "prev"); got != "node-thread" {
		t.Errorf("node thread wins: got %q", got)
	}
}

func history(n int) []StageRecord {
	var out []StageRecord
	for i := 0; i < n; i++ {
		out = append(out, StageRecord{
			NodeID: string(rune('a' + i)),
			Outcome: dotflow.Outcome{
				Status: dotflow.StatusSuccess,
				Notes:  "note for " + string(rune('a'+i)),
			},
		})
	}
	return out
}

func TestBuildContextBlockModeLimits(t *testing.T) {
	h := history(12)

	compact := BuildContextBlock(FidelityCompact, "", h)
	if strings.Count(compact, "- ") != 3 {
		t.Errorf("compact should show 3 stages:\n%s", compact)
	}
	if strings.Contains(compact, "note for") {
		t.Error("compact must not include notes")
	}

	high := BuildContextBlock(FidelitySummaryHigh, "", h)
	if strings.Count(high, "- ") != 10 {
		t.Errorf("summary:high should show 10 stages:\n%s", high)
	}
	if !strings.Contains(high, "note for") {
		t.Error("summary:high should include notes")
	}

	full := BuildContextBlock(FidelityFull, "", h)
	if strings.Count(full, "- ") != 12 {
		t.Errorf("full should show all stages:\n%s", full)
	}

	if BuildContextBlock(FidelityFull, "", nil) != "" {
		t.Error("empty history should render nothing")
	}
}

func TestBuildContextBlockThreadFilter(t *testing.T) {
	h := []StageRecord{
		{NodeID: "a", ThreadKey: "t1", Outcome: dotflow.Outcome{Status: dotflow.StatusSuccess}},
		{NodeID: "b", ThreadKey: "t2", Outcome: dotflow.Outcome{Status: dotflow.StatusSuccess}},
		{NodeID: "c", ThreadKey: "t1", Outcome: dotflow.Outcome{Status: dotflow.StatusSuccess}},
	}
	block := BuildContextBlock(FidelityFull, "t1", h)
	if strings.Contains(block, "- b:") {
		t.Errorf("thread filter failed:\n%s", block)
	}
	if !strings.Contains(block, "- a:") || !strings.Contains(block, "- c:") {
		t.Errorf("thread stages missing:\n%s", block)
	}
}
