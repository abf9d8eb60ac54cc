package engine

import (
	"fmt"
	"strings"

	"github.com/petal-labs/dotflow"
)

// Fidelity mode tags.
const (
	FidelityFull          = "full"
	FidelityTruncate      = "truncate"
	FidelityCompact       = "compact"
	FidelitySummaryLow    = "summary:low"
	FidelitySummaryMedium = "summary:medium"
	FidelitySummaryHigh   = "summary:high"
)

// ResolveFidelity picks the fidelity mode for a node using the precedence
// edge > node > graph default > compact.
func ResolveFidelity(g *dotflow.Graph, incoming *dotflow.Edge, n *dotflow.Node) string {
	if incoming != nil {
		if m := incoming.Fidelity(); m != "" {
			return m
		}
	}
	if m := n.Fidelity(); m != "" {
		return m
	}
	if m := g.AttrString(dotflow.AttrDefaultFidelity, ""); m != "" {
		return m
	}
	return FidelityCompact
}

// ResolveThreadKey picks the history-grouping key for a node using the
// precedence node.thread_id > edge.thread_id > derived class of the
// enclosing subgraph > previous node ID.
func ResolveThreadKey(g *dotflow.Graph, incoming *dotflow.Edge, n *dotflow.Node, previousNode string) string {
	if k := n.ThreadID(); k != "" {
		return k
	}
	if incoming != nil {
		if k := incoming.ThreadID(); k != "" {
			return k
		}
	}
	if sg := g.SubgraphOf(n.ID); sg != nil {
		if k := sg.DerivedClass(); k != "" {
			return k
		}
	}
	return previousNode
}

// stageLimits bounds how many prior stages each mode presents.
var stageLimits = map[string]int{
	FidelityTruncate:      1,
	FidelityCompact:       3,
	FidelitySummaryLow:    3,
	FidelitySummaryMedium: 6,
	FidelitySummaryHigh:   10,
}

// maxBlockLen caps the rendered context block per mode, in bytes.
var maxBlockLen = map[string]int{
	FidelityFull:          32768,
	FidelityTruncate:      1024,
	FidelityCompact:       2048,
	FidelitySummaryLow:    2048,
	FidelitySummaryMedium: 4096,
	FidelitySummaryHigh:   8192,
}

// BuildContextBlock renders the history a handler presents to its LLM
// backend. Higher modes include more prior outcomes and their notes; the
// full mode restricts history to the stage's thread key.
func BuildContextBlock(mode, threadKey string, history []StageRecord) string {
	if len(history) == 0 {
		return ""
	}

	records := history
	if mode == FidelityFull && threadKey != "" {
		var filtered []StageRecord
		for _, r := range history {
			if r.ThreadKey == threadKey {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) > 0 {
			records = filtered
		}
	}

	if limit, ok := stageLimits[mode]; ok && len(records) > limit {
		records = records[len(records)-limit:]
	}

	includeNotes := mode == FidelityFull ||
		mode == FidelitySummaryMedium || mode == FidelitySummaryHigh

	var b strings.Builder
	b.WriteString("Prior stages:\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- %s: %s", r.NodeID, r.Outcome.Status)
		if r.Outcome.FailureReason != "" {
			fmt.Fprintf(&b, " (%s)", r.Outcome.FailureReason)
		}
		b.WriteString("\n")
		if includeNotes && r.Outcome.Notes != "" {
			fmt.Fprintf(&b, "  %s\n", r.Outcome.Notes)
		}
	}

	out := b.String()
	if limit, ok := maxBlockLen[mode]; ok && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
